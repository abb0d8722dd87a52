package acceptance_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
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

func gitIn(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, out)
}

func cloneInto(origin, dest string) {
	cmd := exec.Command("git", "clone", origin, dest)
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git clone: %s", out)
	gitIn(dest, "config", "user.name", "test")
	gitIn(dest, "config", "user.email", "test@example.com")
}

// findWorktree locates the single loop worktree under workDir's
// .ralph-worktrees directory, the same discovery trick
// internal/engine/engine_test.go uses since the path isn't known until
// the engine creates it.
func findWorktree(workDir string) string {
	base := filepath.Join(workDir, ".ralph-worktrees")
	entries, err := os.ReadDir(base)
	if err != nil || len(entries) == 0 {
		return ""
	}
	return filepath.Join(base, entries[0].Name())
}

var _ = Describe("Push with conflict resolution", func() {
	It("detects a conflicting remote change and resolves it via an engine iteration", func() {
		originDir, err := os.MkdirTemp("", "ralpherd-origin-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(originDir)
		gitIn(originDir, "init", "--bare", "-b", "main")

		seedDir, err := os.MkdirTemp("", "ralpherd-seed-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(seedDir)
		cloneInto(originDir, seedDir)
		Expect(os.WriteFile(filepath.Join(seedDir, "shared.txt"), []byte("base\n"), 0o644)).To(Succeed())
		gitIn(seedDir, "add", "-A")
		gitIn(seedDir, "commit", "-m", "seed")
		gitIn(seedDir, "push", "origin", "main")

		workDir, err := os.MkdirTemp("", "ralpherd-work-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(workDir)
		cloneInto(originDir, workDir)

		var worktreeDir string
		resolved := false
		script := func(prompt string) agent.Script {
			if strings.Contains(prompt, "shared.txt") {
				if worktreeDir != "" {
					Expect(os.WriteFile(filepath.Join(worktreeDir, "shared.txt"), []byte("resolved version\n"), 0o644)).To(Succeed())
					gitIn(worktreeDir, "add", "-A")
					resolved = true
				}
				return agent.Script{Events: []agent.Event{{Kind: agent.EventMessageComplete, Text: loop.CompletionMarker}}}
			}
			if worktreeDir == "" {
				worktreeDir = findWorktree(workDir)
			}
			if worktreeDir != "" {
				_ = os.WriteFile(filepath.Join(worktreeDir, "shared.txt"), []byte("loop version\n"), 0o644)
			}
			return agent.Script{Events: []agent.Event{{Kind: agent.EventMessageComplete, Text: loop.CompletionMarker}}}
		}

		ctx := context.Background()
		st, err := store.OpenInMemory(ctx)
		Expect(err).NotTo(HaveOccurred())
		defer st.Close()

		ws := loop.Workspace{
			ID:        "ws-conflict",
			Name:      "conflict workspace",
			Directory: workDir,
			ServerSettings: loop.ServerSettings{
				Mode: loop.ServerModeSpawn,
			},
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
		}
		Expect(st.SaveWorkspace(ctx, ws)).To(Succeed())

		mockBackend := agent.NewMock([]agent.Model{{ProviderID: "test", ModelID: "model-1", Enabled: true}}, script)
		Expect(mockBackend.Connect(ctx)).To(Succeed())
		dial := func(settings loop.ServerSettings) (agent.Backend, error) { return mockBackend, nil }
		backends := backendpkg.New(dial, time.Second)
		bus := eventbus.New(nil)
		mgr := manager.New(st, backends, bus)

		opts := manager.CreateLoopOptions{
			WorkspaceID: ws.ID,
			Prompt:      "Edit the shared file",
			Model:       loop.ModelRef{ProviderID: "test", ModelID: "model-1"},
			BaseBranch:  "main",
		}
		created, err := mgr.CreateLoop(ctx, opts)
		Expect(err).NotTo(HaveOccurred())

		Expect(mgr.StartLoop(ctx, created.Config.ID, false)).To(Succeed())
		completed := waitForStatus(mgr, created.Config.ID, 5*time.Second, loop.StatusCompleted)
		worktreeDir = completed.State.Git.WorktreePath

		// the "main version" commit below lands on origin after the loop's
		// own commit, so pushLoop's base-branch reconcile step finds a
		// real conflict, not a fast-forward.
		otherDir, err := os.MkdirTemp("", "ralpherd-other-")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(otherDir)
		cloneInto(originDir, otherDir)
		Expect(os.WriteFile(filepath.Join(otherDir, "shared.txt"), []byte("main version\n"), 0o644)).To(Succeed())
		gitIn(otherDir, "add", "-A")
		gitIn(otherDir, "commit", "-m", "diverge")
		gitIn(otherDir, "push", "origin", "main")

		result, err := mgr.PushLoop(ctx, created.Config.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Success).To(BeTrue())
		Expect(result.SyncStatus).To(Equal(syncpkg.StatusConflictsBeingResolved))

		final := waitForStatus(mgr, created.Config.ID, 5*time.Second, loop.StatusPushed)
		Expect(resolved).To(BeTrue())
		Expect(final.State.SyncState).To(BeNil())
		Expect(final.State.ReviewMode).NotTo(BeNil())
		Expect(final.State.ReviewMode.CompletionAction).To(Equal(loop.CompletionPush))

		content, err := os.ReadFile(filepath.Join(worktreeDir, "shared.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(strings.TrimSpace(string(content))).To(Equal("resolved version"))
	})
})
