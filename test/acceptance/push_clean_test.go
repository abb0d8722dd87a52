package acceptance_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PabloZaiden/ralpher/internal/agent"
	backendpkg "github.com/PabloZaiden/ralpher/internal/backend"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	"github.com/PabloZaiden/ralpher/internal/loop"
	"github.com/PabloZaiden/ralpher/internal/manager"
	"github.com/PabloZaiden/ralpher/internal/store"
	syncpkg "github.com/PabloZaiden/ralpher/internal/sync"
)

var _ = Describe("Push already up to date", func() {
	It("pushes cleanly when the remote base branch has not moved", func() {
		originDir, err := os.MkdirTemp("", "ralpherd-origin-clean-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(originDir)
		gitIn(originDir, "init", "--bare", "-b", "main")

		seedDir, err := os.MkdirTemp("", "ralpherd-seed-clean-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(seedDir)
		cloneInto(originDir, seedDir)
		Expect(os.WriteFile(filepath.Join(seedDir, "README.md"), []byte("hi\n"), 0o644)).To(Succeed())
		gitIn(seedDir, "add", "-A")
		gitIn(seedDir, "commit", "-m", "seed")
		gitIn(seedDir, "push", "origin", "main")

		workDir, err := os.MkdirTemp("", "ralpherd-work-clean-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(workDir)
		cloneInto(originDir, workDir)

		ctx := context.Background()
		st, err := store.OpenInMemory(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer st.Close()

		ws := loop.Workspace{
			ID:        "ws-clean-push",
			Name:      "clean push workspace",
			Directory: workDir,
			ServerSettings: loop.ServerSettings{
				Mode: loop.ServerModeSpawn,
			},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		Expect(st.SaveWorkspace(ctx, ws)).To(Succeed())

		mockBackend := agent.NewMock([]agent.Model{{ProviderID: "test", ModelID: "model-1", Enabled: true}}, scriptOf(loop.CompletionMarker))
		Expect(mockBackend.Connect(ctx)).To(Succeed())
		dial := func(settings loop.ServerSettings) (agent.Backend, error) { return mockBackend, nil }
		backends := backendpkg.New(dial, time.Second)

		var events []eventbus.Event
		bus := eventbus.New(nil)
		bus.Subscribe(func(e eventbus.Event) { events = append(events, e) })
		mgr := manager.New(st, backends, bus)

		opts := manager.CreateLoopOptions{
			WorkspaceID: ws.ID,
			Prompt:      "No-op change",
			Model:       loop.ModelRef{ProviderID: "test", ModelID: "model-1"},
			BaseBranch:  "main",
		}
		created, err := mgr.CreateLoop(ctx, opts)
		Expect(err).NotTo(HaveOccurred())

		Expect(mgr.StartLoop(ctx, created.Config.ID, false)).To(Succeed())
		waitForStatus(mgr, created.Config.ID, 5*time.Second, loop.StatusCompleted)

		result, err := mgr.PushLoop(ctx, created.Config.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(result.SyncStatus).To(Equal(syncpkg.StatusAlreadyUpToDate))
		Expect(result.RemoteBranch).NotTo(BeEmpty())

		sawStarted, sawClean := false, false
		for _, e := range events {
			if e.Type == eventbus.LoopSyncStarted {
				sawStarted = true
			}
			if e.Type == eventbus.LoopSyncClean {
				sawClean = true
			}
		}
		Expect(sawStarted).To(BeTrue())
		Expect(sawClean).To(BeTrue())
	})
})
