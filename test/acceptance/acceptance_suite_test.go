// Package acceptance_test drives the Loop Manager end-to-end against a
// real temporary git repository and a Mock agent backend, covering six
// end-to-end scenarios. The fixture lifecycle (os.MkdirTemp + git init +
// cleanup in BeforeEach/AfterEach-equivalent setup/teardown) follows the
// same shape as other acceptance fixtures in this style of test suite —
// there's no separate binary to build here, since the manager is driven
// in-process rather than exec'd as a CLI subprocess.
package acceptance_test

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/PabloZaiden/ralpher/internal/agent"
	backendpkg "github.com/PabloZaiden/ralpher/internal/backend"
	"github.com/PabloZaiden/ralpher/internal/eventbus"
	"github.com/PabloZaiden/ralpher/internal/loop"
	"github.com/PabloZaiden/ralpher/internal/manager"
	"github.com/PabloZaiden/ralpher/internal/store"
)

func TestAcceptance(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Acceptance Suite")
}

// runGit runs a git subcommand in dir, failing the spec on error.
func runGit(dir string, args ...string) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	ExpectWithOffset(1, err).NotTo(HaveOccurred(), "git %v: %s", args, out)
}

// initTestRepo creates a throwaway git repository with one commit.
func initTestRepo() string {
	dir, err := os.MkdirTemp("", "ralpherd-acceptance-")
	Expect(err).NotTo(HaveOccurred())
	runGit(dir, "init", "-b", "main")
	runGit(dir, "config", "user.name", "test")
	runGit(dir, "config", "user.email", "test@example.com")
	Expect(os.WriteFile(dir+"/README.md", []byte("hello\n"), 0o644)).To(Succeed())
	runGit(dir, "add", "-A")
	runGit(dir, "commit", "-m", "initial")
	return dir
}

// cleanupTestRepo prunes worktrees and removes the temp directory.
func cleanupTestRepo(repoDir string) {
	_ = exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
	_ = os.RemoveAll(repoDir)
}

// scriptOf returns an agent.Script-producing function that completes
// immediately on every prompt with a single message.complete event
// carrying text.
func scriptOf(text string) func(prompt string) agent.Script {
	return func(prompt string) agent.Script {
		return agent.Script{
			Reply:  "ok",
			Events: []agent.Event{{Kind: agent.EventMessageComplete, Text: text}},
		}
	}
}

// testHarness bundles a Manager wired to a Mock backend over a real
// repo, mirroring internal/manager/manager_test.go's newTestManager.
type testHarness struct {
	mgr      *manager.Manager
	st       *store.Store
	backends *backendpkg.Manager
	bus      *eventbus.Bus
	repoDir  string
	wsID     string
}

func newHarness(scriptFunc func(prompt string) agent.Script) *testHarness {
	ctx := context.Background()
	repoDir := initTestRepo()

	st, err := store.OpenInMemory(ctx)
	Expect(err).NotTo(HaveOccurred())

	ws := loop.Workspace{
		ID:        "ws-acceptance",
		Name:      "acceptance workspace",
		Directory: repoDir,
		ServerSettings: loop.ServerSettings{
			Mode: loop.ServerModeSpawn,
		},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	Expect(st.SaveWorkspace(ctx, ws)).To(Succeed())

	mockBackend := agent.NewMock([]agent.Model{{ProviderID: "test", ModelID: "model-1", Enabled: true}}, scriptFunc)
	dial := func(settings loop.ServerSettings) (agent.Backend, error) { return mockBackend, nil }
	backends := backendpkg.New(dial, time.Second)

	bus := eventbus.New(nil)
	mgr := manager.New(st, backends, bus)

	return &testHarness{mgr: mgr, st: st, backends: backends, bus: bus, repoDir: repoDir, wsID: ws.ID}
}

func (h *testHarness) close() {
	h.st.Close()
	cleanupTestRepo(h.repoDir)
}

// draftOptions builds a minimal CreateLoopOptions for workspace wsID.
func draftOptions(wsID, prompt string) manager.CreateLoopOptions {
	return manager.CreateLoopOptions{
		WorkspaceID: wsID,
		Prompt:      prompt,
		Model:       loop.ModelRef{ProviderID: "test", ModelID: "model-1"},
	}
}

// waitForStatus polls GetLoop until it reaches one of the wanted
// statuses or the timeout elapses.
func waitForStatus(mgr *manager.Manager, loopID string, timeout time.Duration, want ...loop.Status) loop.Loop {
	deadline := time.Now().Add(timeout)
	var l loop.Loop
	for time.Now().Before(deadline) {
		var err error
		l, err = mgr.GetLoop(context.Background(), loopID)
		Expect(err).NotTo(HaveOccurred())
		for _, w := range want {
			if l.State.Status == w {
				return l
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	Fail("timed out waiting for status " + string(l.State.Status))
	return l
}
