package exec

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// RemotePTY pipes a single persistent shell session over one PTY and
// multiplexes every Exec call through it, framing each command between a
// unique __START_<uuid>__ / __END_<uuid>__:<exit> marker pair. The agent
// backend opens exactly one pty.Open() per subprocess and drains it
// synchronously; this generalizes that into one long-lived shell
// multiplexing many commands for a remote command executor.
//
// The defining subtlety: the command line itself is echoed back by the
// shell before it runs, so naive scanning finds the markers twice — once
// in the echo, once in the real output. Extraction
// always takes the *last* occurrence of each marker.
type RemotePTY struct {
	mu   sync.Mutex
	ptmx *os.File
	cmd  *osexec.Cmd
	r    *bufio.Reader
}

// NewRemotePTY spawns command (a login shell, or "ssh" dialing a
// connect-mode workspace's host, with args carrying its connection
// flags) over a PTY and returns a RemotePTY ready to multiplex Exec
// calls through it.
func NewRemotePTY(command string, args ...string) (*RemotePTY, error) {
	if command == "" {
		command = "/bin/sh"
	}
	cmd := osexec.Command(command, args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting remote shell: %w", err)
	}
	return &RemotePTY{ptmx: ptmx, cmd: cmd, r: bufio.NewReaderSize(ptmx, 64*1024)}, nil
}

// Close terminates the underlying shell process and PTY.
func (r *RemotePTY) Close() error {
	_ = r.ptmx.Close()
	if r.cmd.Process != nil {
		_ = r.cmd.Process.Kill()
	}
	return r.cmd.Wait()
}

func (r *RemotePTY) Exec(ctx context.Context, cwd string, cmdStr string, args ...string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	startMarker := "__START_" + id + "__"
	endPrefix := "__END_" + id + "__:"

	full := quoteCommand(cmdStr, args)
	line := fmt.Sprintf("cd %s && echo %s && { %s; } ; echo %s$?\n",
		shellQuote(cwd), startMarker, full, endPrefix)

	if _, err := io.WriteString(r.ptmx, line); err != nil {
		return Result{}, fmt.Errorf("writing to remote pty: %w", err)
	}

	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}
		chunk, err := r.r.ReadString('\n')
		buf.WriteString(chunk)
		if foundEndMarker(buf.String(), endPrefix) {
			break
		}
		if err != nil {
			return Result{}, fmt.Errorf("reading from remote pty: %w", err)
		}
	}

	return extractFramed(buf.String(), startMarker, endPrefix), nil
}

// extractFramed implements the "last occurrence wins" rule from
// component design §4.3/§9: the first START/END pair in the buffer is the
// terminal's echo of the command line, the real output sits between the
// last occurrence of each marker.
func extractFramed(output, startMarker, endPrefix string) Result {
	startIdx := strings.LastIndex(output, startMarker)
	endIdx := lastIndexOfPrefix(output, endPrefix)
	if startIdx == -1 || endIdx == -1 || endIdx < startIdx {
		return Result{Success: false, Stderr: "", ExitCode: -1}
	}

	body := output[startIdx+len(startMarker) : endIdx]
	body = trimLeadingNewline(body)

	exitStr := extractExitCode(output[endIdx+len(endPrefix):])
	exitCode, err := strconv.Atoi(exitStr)
	if err != nil {
		return Result{Success: false, Stderr: "", ExitCode: -1}
	}

	if strings.TrimSpace(body) == "" && exitCode == 0 {
		// An empty extraction with a successful-looking exit code is still
		// treated as a genuine empty-output success, not a parse failure;
		// only a missing/unparseable marker pair reports success=false.
	}

	return Result{
		Stdout:   body,
		Success:  exitCode == 0,
		ExitCode: exitCode,
	}
}

func foundEndMarker(buf, endPrefix string) bool {
	idx := lastIndexOfPrefix(buf, endPrefix)
	if idx == -1 {
		return false
	}
	rest := buf[idx+len(endPrefix):]
	return extractExitCode(rest) != "" && strings.ContainsAny(rest, "\n\r")
}

// lastIndexOfPrefix finds the last occurrence of prefix. The fallback
// search only differs from the first when prefix itself contains a
// newline; a carriage return after the exit code is tolerated by
// foundEndMarker and extractExitCode, not here.
func lastIndexOfPrefix(s, prefix string) int {
	if idx := strings.LastIndex(s, prefix); idx != -1 {
		return idx
	}
	return strings.LastIndex(s, strings.ReplaceAll(prefix, "\n", "\r\n"))
}

func extractExitCode(tail string) string {
	tail = strings.TrimLeft(tail, " ")
	end := 0
	for end < len(tail) && tail[end] >= '0' && tail[end] <= '9' {
		end++
	}
	return tail[:end]
}

func trimLeadingNewline(s string) string {
	s = strings.TrimPrefix(s, "\r\n")
	s = strings.TrimPrefix(s, "\n")
	return s
}

func quoteCommand(cmdStr string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(cmdStr))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (r *RemotePTY) FileExists(ctx context.Context, path string) (bool, error) {
	res, err := r.Exec(ctx, "/", "test", "-f", path)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

func (r *RemotePTY) DirectoryExists(ctx context.Context, path string) (bool, error) {
	res, err := r.Exec(ctx, "/", "test", "-d", path)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

func (r *RemotePTY) ReadFile(ctx context.Context, path string) (string, bool, error) {
	res, err := r.Exec(ctx, "/", "cat", path)
	if err != nil {
		return "", false, err
	}
	if !res.Success {
		return "", false, nil
	}
	return res.Stdout, true, nil
}

func (r *RemotePTY) ListDirectory(ctx context.Context, path string) ([]string, error) {
	res, err := r.Exec(ctx, "/", "ls", "-1a", path)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("listing %s: %s", path, res.Stderr)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" || line == "." || line == ".." {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// WriteFile base64-encodes content into the command line rather than
// piping it over stdin, since a RemotePTY exposes exactly one
// command-shaped Exec, not a raw stdin stream.
func (r *RemotePTY) WriteFile(ctx context.Context, path string, content string) error {
	res, err := r.Exec(ctx, "/", "mkdir", "-p", dirOf(path))
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("mkdir -p %s: %s", dirOf(path), res.Stderr)
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	script := fmt.Sprintf("echo %s | base64 -d > %s", shellQuote(encoded), shellQuote(path))
	res, err = r.Exec(ctx, "/", "sh", "-c", script)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("writing %s: %s", path, res.Stderr)
	}
	return nil
}

func dirOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}
