package acceptance_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

var _ = Describe("Plan mode", func() {
	It("runs feedback rounds and preserves the plan file across accept", func() {
		var worktreeDir string
		planScript := func(prompt string) agent.Script {
			return agent.Script{
				Reply: "plan ready",
				Events: []agent.Event{
					{Kind: agent.EventMessageComplete, Text: loop.PlanReadyMarker},
				},
			}
		}
		h := newHarness(planScript)
		defer h.close()
		ctx := context.Background()

		opts := draftOptions(h.wsID, "Plan the work")
		opts.PlanMode = true
		opts.MaxIterations = 2
		created, err := h.mgr.CreateLoop(ctx, opts)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.mgr.StartLoop(ctx, created.Config.ID, false)).To(Succeed())

		// status flips to planning before the first plan iteration finishes,
		// so wait for isPlanReady as well.
		var planning loop.Loop
		Eventually(func() bool {
			planning = waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusPlanning)
			return planning.State.PlanMode != nil && planning.State.PlanMode.IsPlanReady
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
		Expect(planning.State.PlanMode).NotTo(BeNil())
		Expect(planning.State.PlanMode.FeedbackRounds).To(Equal(0))
		Expect(planning.State.PlanMode.IsPlanReady).To(BeTrue())

		worktreeDir = planning.State.Git.WorktreePath
		planDir := filepath.Join(worktreeDir, ".planning")
		Expect(os.MkdirAll(planDir, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(planDir, "plan.md"), []byte("# the plan\n"), 0o644)).To(Succeed())

		Expect(h.mgr.SendPlanFeedback(ctx, created.Config.ID, "Add estimates")).To(Succeed())

		// feedback resets isPlanReady and runs the next plan iteration
		// asynchronously, so wait until it reports ready again.
		var afterFeedback loop.Loop
		Eventually(func() bool {
			afterFeedback = waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusPlanning)
			return afterFeedback.State.PlanMode != nil && afterFeedback.State.PlanMode.IsPlanReady
		}, 5*time.Second, 10*time.Millisecond).Should(BeTrue())
		Expect(afterFeedback.State.PlanMode.FeedbackRounds).To(Equal(1))
		Expect(afterFeedback.State.PlanMode.IsPlanReady).To(BeTrue())

		Expect(h.mgr.AcceptPlan(ctx, created.Config.ID)).To(Succeed())

		final := waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusCompleted, loop.StatusMaxIterations)
		Expect(final.State.Status).NotTo(Equal(loop.StatusPlanning))

		content, readErr := os.ReadFile(filepath.Join(planDir, "plan.md"))
		Expect(readErr).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("# the plan\n"))
	})
})
