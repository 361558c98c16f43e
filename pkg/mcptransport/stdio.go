package mcptransport

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
)

// process owns the child behind a stdio transport. mcp.CommandTransport
// starts it and wires stdin/stdout; process adds the stderr log, the
// process group and the final reap.
type process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	stderrR *os.File
	stderrW *os.File

	exit string // set by reap
}

func newProcess(cfg *StdioConfig, opts Options) *process {
	// exec.Command rather than CommandContext: the child must outlive the
	// connect context.
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.Dir = cfg.Dir
	setProcessGroup(cmd)
	return &process{cmd: cmd, logger: opts.Logger.With("command", cfg.Command)}
}

// prepare gives the child a raw stderr pipe. Handing exec an *os.File keeps
// cmd.Wait from blocking on grandchildren that inherit the descriptor.
func (p *process) prepare() error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("mcptransport: stderr pipe: %w", err)
	}
	p.stderrR, p.stderrW = r, w
	p.cmd.Stderr = w
	return nil
}

// started runs once the command transport has tried to start the child.
func (p *process) started(startErr error) {
	_ = p.stderrW.Close()
	if startErr != nil {
		_ = p.stderrR.Close()
		return
	}
	p.logger.Debug("mcp backend process started", "pid", p.cmd.Process.Pid)
	go p.logStderr()
}

func (p *process) logStderr() {
	defer p.stderrR.Close()
	scanner := bufio.NewScanner(p.stderrR)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Debug("mcp backend stderr", "line", line)
		}
	}
}

func (p *process) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// reap runs after the command transport closed stdin and waited for the
// child. Whatever is left of its process group is killed. An exit status is
// expected at this point and not reported as an error.
func (p *process) reap(closeErr error) error {
	if p.cmd.Process == nil {
		p.exit = "not started"
		return closeErr
	}
	pid := p.cmd.Process.Pid
	if err := signalProcess(p.cmd.Process, true); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("mcp backend process group already gone", "pid", pid, "error", err)
	}
	var exitErr *exec.ExitError
	switch {
	case closeErr == nil:
		p.exit = "exit status 0"
	case errors.As(closeErr, &exitErr):
		p.exit = exitErr.String()
	default:
		p.exit = "unknown exit status"
		return fmt.Errorf("mcptransport: close pid %d: %w", pid, closeErr)
	}
	p.logger.Debug("mcp backend process exited", "pid", pid, "status", p.exit)
	return nil
}

// status describes how the child ended. Valid once reap has run.
func (p *process) status() string { return p.exit }

// mergeEnv appends overrides to base in a stable order. exec uses the last
// value of a duplicated key.
func mergeEnv(base []string, overrides map[string]string) []string {
	env := append([]string(nil), base...)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, overrides[k]))
	}
	return env
}
