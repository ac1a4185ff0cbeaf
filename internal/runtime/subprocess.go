package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// subprocessSession is the private state stashed in Handle.Session for a
// long-lived CLI agent process.
type subprocessSession struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// subprocessLine is the newline-delimited JSON protocol spoken to the CLI
// agent's stdin/stdout, the Go-native analogue of driving an interactive
// CLI tool the way original_source/cis-core/src/agent/mod.rs's AgentType
// variants (Kimi, Aider, OpenCode) describe: one process per agent, a
// command name per type, prompts in and structured results out.
type subprocessLine struct {
	Prompt string `json:"prompt,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubprocessAdapter drives CLI-style coding agents as child processes,
// one per Handle, communicating over stdin/stdout. extraArgs are passed to
// every invocation (e.g. a model flag or workspace path).
type SubprocessAdapter struct {
	runtimeType Type
	extraArgs   []string
}

func NewSubprocessAdapter(t Type, extraArgs ...string) *SubprocessAdapter {
	return &SubprocessAdapter{runtimeType: t, extraArgs: extraArgs}
}

func (a *SubprocessAdapter) Type() Type { return a.runtimeType }

func (a *SubprocessAdapter) Spawn(ctx context.Context) (Handle, error) {
	cmd := exec.CommandContext(ctx, a.runtimeType.CommandName(), a.extraArgs...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("subprocess adapter: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Handle{}, fmt.Errorf("subprocess adapter: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("subprocess adapter: starting %s: %w", a.runtimeType.CommandName(), err)
	}
	sess := &subprocessSession{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout)}
	return Handle{ID: uuid.NewString(), RuntimeType: a.runtimeType, Session: sess}, nil
}

func (a *SubprocessAdapter) Dispatch(ctx context.Context, h Handle, req DispatchRequest) (DispatchResult, error) {
	sess, ok := h.Session.(*subprocessSession)
	if !ok {
		return DispatchResult{}, fmt.Errorf("subprocess adapter: handle %s has no session", h.ID)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	line, err := json.Marshal(subprocessLine{Prompt: req.Command})
	if err != nil {
		return DispatchResult{}, fmt.Errorf("subprocess adapter: encoding prompt: %w", err)
	}
	if _, err := sess.stdin.Write(append(line, '\n')); err != nil {
		return DispatchResult{}, fmt.Errorf("subprocess adapter: writing prompt: %w", err)
	}

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		data, err := sess.stdout.ReadBytes('\n')
		done <- readResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return DispatchResult{}, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return DispatchResult{}, fmt.Errorf("subprocess adapter: reading response: %w", res.err)
		}
		var resp subprocessLine
		if err := json.Unmarshal(res.data, &resp); err != nil {
			return DispatchResult{}, fmt.Errorf("subprocess adapter: decoding response: %w", err)
		}
		if resp.Error != "" {
			return DispatchResult{Success: false, Err: resp.Error}, nil
		}
		return DispatchResult{Success: true, Output: resp.Output}, nil
	}
}

// Probe checks the child process is still alive; original_source's
// AgentType::supports_pty distinguishes PTY-driven tools from pipe-driven
// ones, but for health-checking purposes a liveness check is sufficient
// regardless of that distinction.
func (a *SubprocessAdapter) Probe(ctx context.Context, h Handle) error {
	sess, ok := h.Session.(*subprocessSession)
	if !ok {
		return fmt.Errorf("subprocess adapter: handle %s has no session", h.ID)
	}
	if sess.cmd.ProcessState != nil && sess.cmd.ProcessState.Exited() {
		return fmt.Errorf("subprocess adapter: process for %s has exited", h.ID)
	}
	return nil
}

func (a *SubprocessAdapter) Shutdown(ctx context.Context, h Handle) error {
	sess, ok := h.Session.(*subprocessSession)
	if !ok {
		return nil
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_ = sess.stdin.Close()
	if sess.cmd.Process != nil {
		_ = sess.cmd.Process.Kill()
	}
	return sess.cmd.Wait()
}
