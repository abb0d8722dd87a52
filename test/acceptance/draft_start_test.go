package acceptance_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PabloZaiden/ralpher/internal/loop"
)

var _ = Describe("Draft to start (loop mode)", func() {
	It("edits a draft before starting it and completes on the marker", func() {
		h := newHarness(scriptOf(loop.CompletionMarker))
		defer h.close()
		ctx := context.Background()

		created, err := h.mgr.CreateLoop(ctx, draftOptions(h.wsID, "Initial task"))
		Expect(err).NotTo(HaveOccurred())
		Expect(created.State.Status).To(Equal(loop.StatusDraft))

		created.Config.Prompt = "Final task"
		created.Config.MaxIterations = 5
		Expect(h.st.SaveLoop(ctx, created)).To(Succeed())

		Expect(h.mgr.StartLoop(ctx, created.Config.ID, false)).To(Succeed())

		final := waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusCompleted)
		Expect(final.Config.Prompt).To(Equal("Final task"))
		Expect(final.Config.MaxIterations).To(Equal(5))
		Expect(final.State.Git).NotTo(BeNil())
		Expect(strings.HasPrefix(final.State.Git.WorkingBranch, "ralph/")).To(BeTrue())
		_, statErr := os.Stat(filepath.Clean(final.State.Git.WorktreePath))
		Expect(statErr).NotTo(HaveOccurred())
	})
})
