package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// WorkerConfig configures the worker subprocess.
type WorkerConfig struct {
	// Command is the interpreter or binary to run (e.g. "python3").
	Command string
	// Script is the optional script path passed as the first argument.
	Script string
	// Args are extra arguments appended after Script.
	Args []string
	// Env holds extra KEY=VALUE entries layered over the inherited environment.
	Env []string
	// Dir is the working directory (default: current directory).
	Dir string
	// Unbuffered sets PYTHONUNBUFFERED=1 so frames are flushed as written.
	Unbuffered bool
}

// Name returns a short label for logs: the script if set, else the command.
func (c *WorkerConfig) Name() string {
	if c.Script != "" {
		return c.Script
	}
	return c.Command
}

// argv returns the arguments after Command.
func (c *WorkerConfig) argv() []string {
	args := make([]string, 0, len(c.Args)+1)
	if c.Script != "" {
		args = append(args, c.Script)
	}
	return append(args, c.Args...)
}

// env returns the full environment for the subprocess.
func (c *WorkerConfig) env() []string {
	env := append(os.Environ(), c.Env...)
	if c.Unbuffered {
		env = append(env, "PYTHONUNBUFFERED=1")
	}
	return deduplicateEnv(env)
}

// ExitResult describes how the worker exited.
type ExitResult struct {
	// ExitCode is the process exit code, or -1 when killed by a signal.
	ExitCode int
	// Signal names the terminating signal, if any.
	Signal string
}

// Worker abstracts the worker process for testing.
type Worker interface {
	Start(ctx context.Context) error
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. Callers must finish reading
	// Stdout and Stderr first: Wait closes the pipes.
	Wait() (*ExitResult, error)
	Kill() error
	Pid() int
}

// WorkerFactory creates a Worker. Used for test injection.
type WorkerFactory func(config *WorkerConfig) Worker

// WorkerProcess runs the worker as an os/exec subprocess.
type WorkerProcess struct {
	config *WorkerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// NewWorkerProcess creates a worker process. It does not start it.
func NewWorkerProcess(config *WorkerConfig) Worker {
	return &WorkerProcess{config: config}
}

// Start spawns the worker with piped stdio.
// ctx only bounds the spawn; the process outlives it.
func (w *WorkerProcess) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.config.Command == "" {
		return errors.New("worker command is empty")
	}

	w.cmd = exec.Command(w.config.Command, w.config.argv()...)
	w.cmd.Env = w.config.env()
	w.cmd.Dir = w.config.Dir

	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	w.stdin = stdin

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	w.stdout = stdout

	stderr, err := w.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	w.stderr = stderr

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stdin returns the worker's input stream (host → worker frames).
func (w *WorkerProcess) Stdin() io.WriteCloser {
	return w.stdin
}

// Stdout returns the worker's output stream (worker → host frames).
func (w *WorkerProcess) Stdout() io.Reader {
	return w.stdout
}

// Stderr returns the worker's diagnostic stream.
func (w *WorkerProcess) Stderr() io.Reader {
	return w.stderr
}

// Wait waits for the worker to exit.
func (w *WorkerProcess) Wait() (*ExitResult, error) {
	if w.cmd == nil {
		return nil, errors.New("worker not started")
	}

	err := w.cmd.Wait()
	if err == nil {
		return &ExitResult{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("worker wait failed: %w", err)
	}

	result := &ExitResult{ExitCode: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.ExitCode = -1
		result.Signal = status.Signal().String()
	}
	return result, nil
}

// Kill terminates the worker. Killing an exited worker is not an error.
func (w *WorkerProcess) Kill() error {
	if w.cmd == nil || w.cmd.Process == nil {
		return nil
	}
	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Pid returns the process id, or 0 before Start.
func (w *WorkerProcess) Pid() int {
	if w.cmd == nil || w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// deduplicateEnv keeps the last occurrence of each env var key, so
// configured values win over inherited ones.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
