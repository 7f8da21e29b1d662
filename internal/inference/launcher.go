package inference

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// LaunchSpec describes one llama-server process to start.
type LaunchSpec struct {
	Binary      string
	ModelPath   string
	GrammarFile string
	Port        int
	CtxSize     int
	Threads     int
	Sampling    Sampling
}

// Proc is a running llama-server process.
type Proc interface {
	// BaseURL is the HTTP address the server listens on.
	BaseURL() string

	// Stop asks the process to exit, escalating to a kill after the
	// grace period.
	Stop(grace time.Duration) error

	// Exited is closed once the process has exited for any reason.
	Exited() <-chan struct{}

	// Err reports why the process exited, nil before exit and for a
	// clean one.
	Err() error
}

// Launcher starts llama-server processes. The supervisor uses ExecLauncher
// in production; tests substitute their own.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Proc, error)
}

// ExecLauncher spawns the real llama-server binary.
type ExecLauncher struct{}

// Launch starts the binary described by spec. The process is detached from
// ctx's cancellation so it outlives the request that triggered the start.
func (ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Proc, error) {
	args := []string{
		"--model", spec.ModelPath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(spec.Port),
		"--ctx-size", strconv.Itoa(spec.CtxSize),
	}
	if spec.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(spec.Threads))
	}
	if spec.GrammarFile != "" {
		args = append(args, "--grammar-file", spec.GrammarFile)
	}
	s := spec.Sampling
	args = append(args,
		"--temp", strconv.FormatFloat(s.Temperature, 'f', -1, 64),
		"--top-p", strconv.FormatFloat(s.TopP, 'f', -1, 64),
		"--top-k", strconv.Itoa(s.TopK),
		"--n-predict", strconv.Itoa(s.MaxTokens),
	)

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, spec.Binary, args...)
	tail := &tailBuffer{}
	cmd.Stderr = tail
	cmd.Stdout = tail

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	p := &execProc{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", spec.Port),
		cmd:     cmd,
		cancel:  cancel,
		tail:    tail,
		done:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if err != nil {
			if out := p.tail.String(); out != "" {
				err = fmt.Errorf("%w: %s", err, out)
			}
			p.err = err
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProc struct {
	baseURL string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	tail    *tailBuffer
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProc) BaseURL() string         { return p.baseURL }
func (p *execProc) Exited() <-chan struct{} { return p.done }

func (p *execProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop sends SIGTERM so llama-server can release the model cleanly, then
// kills it if it is still around after the grace period.
func (p *execProc) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.cancel()
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		p.cancel()
		<-p.done
	}
	return p.Err()
}

// tailBuffer keeps the last few KB of process output for crash diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailSize = 4 << 10

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, b...)
	if len(t.buf) > tailSize {
		t.buf = t.buf[len(t.buf)-tailSize:]
	}
	t.mu.Unlock()
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
