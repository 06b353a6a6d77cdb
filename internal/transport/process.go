package transport

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Process is a worker subprocess connected through its stdin and stdout.
// It is started once and never restarted.
type Process struct {
	*Client
	cmd    *exec.Cmd
	stdout *os.File
	done   chan error
}

// StartProcess starts cmd and connects a Client to its stdio. cmd.Stderr is
// left to the caller so the worker's logs can be forwarded.
//
// The pipes are created here rather than with StdoutPipe so that cmd.Wait
// never closes the end the Client is still reading.
func StartProcess(cmd *exec.Cmd) (*Process, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("worker stdout: %w", err)
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	err = cmd.Start()
	// The child holds its own copies now.
	_ = inR.Close()
	_ = outW.Close()
	if err != nil {
		_ = inW.Close()
		_ = outR.Close()
		return nil, fmt.Errorf("start worker %s: %w", cmd.Path, err)
	}

	p := &Process{
		Client: NewClient(outR, inW),
		cmd:    cmd,
		stdout: outR,
		done:   make(chan error, 1),
	}
	go func() { p.done <- cmd.Wait() }()
	return p, nil
}

// Pid returns the worker's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop signals end-of-stream and waits for the worker to exit. If ctx ends
// first the worker is killed.
func (p *Process) Stop(ctx context.Context) error {
	_ = p.Client.Close()
	defer func() { _ = p.stdout.Close() }()

	select {
	case err := <-p.done:
		if err != nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		select {
		case <-p.done:
		case <-time.After(time.Second):
		}
		return fmt.Errorf("worker did not exit: %w", ctx.Err())
	}
}
