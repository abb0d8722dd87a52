package acceptance_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PabloZaiden/ralpher/internal/agent"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

var _ = Describe("Loop with max_iterations", func() {
	It("stops at maxIterations when the marker never appears", func() {
		neverCompletes := func(prompt string) agent.Script {
			return agent.Script{
				Reply:  "still working",
				Events: []agent.Event{{Kind: agent.EventMessageComplete, Text: "still working"}},
			}
		}
		h := newHarness(neverCompletes)
		defer h.close()
		ctx := context.Background()

		opts := draftOptions(h.wsID, "Keep going")
		opts.MaxIterations = 2
		created, err := h.mgr.CreateLoop(ctx, opts)
		Expect(err).NotTo(HaveOccurred())

		Expect(h.mgr.StartLoop(ctx, created.Config.ID, false)).To(Succeed())

		final := waitForStatus(h.mgr, created.Config.ID, 5*time.Second, loop.StatusMaxIterations)
		Expect(final.State.CurrentIteration).To(Equal(2))
		Expect(final.State.RecentIterations).To(HaveLen(2))
		for _, rec := range final.State.RecentIterations {
			Expect(rec.Outcome).To(Equal(loop.OutcomeContinue))
		}
	})
})
