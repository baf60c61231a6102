// Package subproc runs external tools as children and composes them into
// streaming pipelines. Children are placed in their own process group so a
// terminal interrupt aimed at us is not auto-forwarded to them; callers
// terminate children explicitly on cancellation.
package subproc

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Cmd wraps a single external tool invocation.
type Cmd struct {
	cmd      *exec.Cmd
	name     string
	waitDone chan struct{}
	waitOnce sync.Once
	waitErr  error
}

// Command prepares an external tool invocation in a detached process group.
func Command(name string, arg ...string) *Cmd {
	c := exec.Command(name, arg...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Stderr = os.Stderr

	return &Cmd{
		cmd:      c,
		name:     name,
		waitDone: make(chan struct{}),
	}
}

// String returns the command line for log messages.
func (c *Cmd) String() string {
	return strings.Join(c.cmd.Args, " ")
}

// SetDir sets the working directory of the child.
func (c *Cmd) SetDir(dir string) {
	c.cmd.Dir = dir
}

// SetStdin attaches a reader as the child's stdin.
func (c *Cmd) SetStdin(r io.Reader) {
	c.cmd.Stdin = r
}

// SetStderr overrides the default stderr passthrough.
func (c *Cmd) SetStderr(w io.Writer) {
	c.cmd.Stderr = w
}

// StdoutPipe returns the child's stdout as a reader. Must be called
// before Start.
func (c *Cmd) StdoutPipe() (io.ReadCloser, error) {
	r, err := c.cmd.StdoutPipe()
	return r, errors.Wrapf(err, "failed to open stdout pipe for %s", c.name)
}

// StdinPipe returns the child's stdin as a writer. Must be called
// before Start.
func (c *Cmd) StdinPipe() (io.WriteCloser, error) {
	w, err := c.cmd.StdinPipe()
	return w, errors.Wrapf(err, "failed to open stdin pipe for %s", c.name)
}

// Start launches the child.
func (c *Cmd) Start() error {
	return errors.Wrapf(c.cmd.Start(), "failed to start %s", c.name)
}

// Wait blocks until the child exits and settles its exit status. Safe to
// call more than once.
func (c *Cmd) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = errors.Wrapf(c.cmd.Wait(), "%s failed", c.name)
		close(c.waitDone)
	})
	<-c.waitDone
	return c.waitErr
}

// Terminate signals the child's whole process group. It is the caller's
// cancellation path; a child that already exited is left alone.
func (c *Cmd) Terminate() {
	if c.cmd.Process == nil {
		return
	}
	select {
	case <-c.waitDone:
		return
	default:
	}
	unix.Kill(-c.cmd.Process.Pid, unix.SIGTERM) //nolint:errcheck // Why: the group may already be gone
}

// Output runs the command to completion and captures stdout, terminating
// the child if ctx is canceled first.
func (c *Cmd) Output(ctx context.Context) ([]byte, error) {
	out, err := c.cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open stdout pipe for %s", c.name)
	}

	if err := c.Start(); err != nil {
		return nil, err
	}

	stop := c.TerminateOnDone(ctx)
	defer stop()

	buf, readErr := io.ReadAll(out)
	if err := c.Wait(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, errors.Wrapf(readErr, "failed to read %s output", c.name)
	}
	return buf, nil
}

// TerminateOnDone terminates the child when ctx is canceled. The returned
// stop function releases the watcher and must be called once the child
// has been waited on.
func (c *Cmd) TerminateOnDone(ctx context.Context) func() {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-c.waitDone:
		case <-stopped:
		}
	}()
	return func() { close(stopped) }
}

// Pipeline chains commands stdout-to-stdin. The first stage's failure
// silences the stderr of the remaining stages so cascading broken-pipe
// noise is suppressed.
type Pipeline struct {
	stages []*Cmd
	failed atomic.Bool
}

// NewPipeline wires stages together. The caller may still attach a reader
// to the first stage's stdin and consume the last stage's stdout.
func NewPipeline(stages ...*Cmd) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}

	p := &Pipeline{stages: stages}
	for i, stage := range stages {
		stage.SetStderr(&gatedStderr{p: p})
		if i == len(stages)-1 {
			break
		}
		out, err := stage.StdoutPipe()
		if err != nil {
			return nil, err
		}
		stages[i+1].SetStdin(out)
	}
	return p, nil
}

// First returns the upstream stage.
func (p *Pipeline) First() *Cmd {
	return p.stages[0]
}

// Last returns the downstream stage.
func (p *Pipeline) Last() *Cmd {
	return p.stages[len(p.stages)-1]
}

// Start launches every stage, terminating the already-started ones when a
// later stage fails to launch.
func (p *Pipeline) Start() error {
	for i, stage := range p.stages {
		if err := stage.Start(); err != nil {
			p.failed.Store(true)
			for _, started := range p.stages[:i] {
				started.Terminate()
			}
			return err
		}
	}
	return nil
}

// Wait joins every stage. The first failure terminates the remaining
// stages and becomes the pipeline's error.
func (p *Pipeline) Wait() error {
	errs := make(chan error, len(p.stages))
	for _, stage := range p.stages {
		go func(stage *Cmd) {
			errs <- stage.Wait()
		}(stage)
	}

	var first error
	for range p.stages {
		err := <-errs
		if err != nil && first == nil {
			first = err
			p.failed.Store(true)
			p.Terminate()
		}
	}
	return first
}

// Terminate signals every stage's process group.
func (p *Pipeline) Terminate() {
	p.failed.Store(true)
	for _, stage := range p.stages {
		stage.Terminate()
	}
}

// gatedStderr forwards child stderr to ours until the pipeline has failed.
type gatedStderr struct {
	p *Pipeline
}

func (w *gatedStderr) Write(b []byte) (int, error) {
	if w.p.failed.Load() {
		return len(b), nil
	}
	return os.Stderr.Write(b)
}
