package acceptance_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PabloZaiden/ralpher/internal/loop"
	"github.com/PabloZaiden/ralpher/internal/manager"
)

var _ = Describe("Chat multi-turn with recovery", func() {
	It("recovers the engine after a simulated restart and keeps running turns", func() {
		h := newHarness(scriptOf(loop.CompletionMarker))
		defer h.close()
		ctx := context.Background()

		opts := draftOptions(h.wsID, "Hello")
		created, err := h.mgr.CreateChat(ctx, opts)
		Expect(err).NotTo(HaveOccurred())

		first := waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusCompleted)
		Expect(first.State.CurrentIteration).To(Equal(1))
		Expect(first.State.Session).NotTo(BeNil())

		// a second Manager over the same store and backend dialer has no
		// resident engines of its own — exactly like a freshly restarted
		// process — so SendChatMessage against it must recover the engine
		// by reattaching the persisted session rather than failing.
		restarted := manager.New(h.st, h.backends, h.bus)
		Expect(restarted.SendChatMessage(ctx, created.Config.ID, "After restart")).To(Succeed())

		// the recovered engine runs the turn asynchronously and the stored
		// status is already completed, so wait for the second iteration.
		var second loop.Loop
		Eventually(func() int {
			second = waitForStatus(restarted, created.Config.ID, 5*time.Second, loop.StatusCompleted)
			return second.State.CurrentIteration
		}, 5*time.Second, 10*time.Millisecond).Should(Equal(2))
		Expect(second.State.CurrentIteration).To(Equal(2))
	})

	It("rejects sendChatMessage for a non-chat loop", func() {
		h := newHarness(scriptOf(loop.CompletionMarker))
		defer h.close()
		ctx := context.Background()

		opts := draftOptions(h.wsID, "Not a chat")
		created, err := h.mgr.CreateLoop(ctx, opts)
		Expect(err).NotTo(HaveOccurred())
		Expect(h.mgr.StartLoop(ctx, created.Config.ID, false)).To(Succeed())
		waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusCompleted)

		err = h.mgr.SendChatMessage(ctx, created.Config.ID, "hi")
		Expect(err).To(HaveOccurred())
	})
})
