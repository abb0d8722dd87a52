package git

import (
	"fmt"
	"strconv"

	execpkg "github.com/PabloZaiden/ralpher/internal/exec"
	"github.com/PabloZaiden/ralpher/internal/loop"
)

// NewForWorkspace builds a Service for dir using the Command Executor
// variant appropriate to how the workspace reaches it (component design
// §4.3/§4.4): exec.Local when the workspace's repository lives on this
// machine (ServerModeSpawn), exec.RemotePTY dialing the workspace's
// configured host over ssh when it is a connect-mode workspace, so a
// loop's worktrees, commits, and merges land on the same host its agent
// session runs on rather than on ralpherd's own filesystem.
func NewForWorkspace(dir string, settings loop.ServerSettings) (*Service, error) {
	if settings.Mode != loop.ServerModeConnect {
		return New(dir, execpkg.NewLocal()), nil
	}

	rpty, err := execpkg.NewRemotePTY("ssh", sshArgs(settings)...)
	if err != nil {
		return nil, fmt.Errorf("dialing remote shell at %s: %w", settings.Hostname, err)
	}
	return New(dir, rpty), nil
}

// sshArgs builds the connection arguments for a connect-mode workspace's
// remote shell: -tt forces pty allocation on the remote side, so the
// remote shell echoes and frames commands the way the local PTY RemotePTY
// spawns does, -p selects the configured port when
// the workspace overrides the default. UseTLS/InsecureTLS govern the
// workspace's HTTP/WS agent channel, not this ssh-based git channel, so
// they play no part here.
func sshArgs(settings loop.ServerSettings) []string {
	args := []string{"-tt"}
	if settings.Port != 0 {
		args = append(args, "-p", strconv.Itoa(settings.Port))
	}
	return append(args, settings.Hostname)
}
