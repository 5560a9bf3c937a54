package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/modlift/modlift/base"
)

// Command is one native-tool invocation.
type Command struct {
	Path    string
	Args    []string
	WorkDir string
	Env     []string
}

// Process is a started native-tool process. Stdout must be drained before
// Wait returns the exit code.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code. A non-zero exit is
	// not an error at this layer.
	Wait() (int, error)
}

// Invoker runs platform-native binaries. The host implementation executes
// directly; the compat implementation runs foreign-architecture binaries
// through a compatibility layer and pre-translates paths to the form that
// layer expects. Translate is injective and invertible by the tool.
type Invoker interface {
	Run(ctx context.Context, cmd Command) (Process, error)
	Translate(path base.AbsolutePath) string
}

// HostInvoker executes binaries natively.
type HostInvoker struct{}

// Run starts the command with its process group isolated so cancellation
// kills the whole tree.
func (HostInvoker) Run(ctx context.Context, cmd Command) (Process, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.WorkDir
	c.Env = cmd.Env
	configureProcessGroup(c)

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &hostProcess{cmd: c, stdout: stdout, stderr: stderr}, nil
}

// Translate is the identity on the host.
func (HostInvoker) Translate(path base.AbsolutePath) string { return path.String() }

type hostProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *hostProcess) Stdout() io.Reader { return p.stdout }
func (p *hostProcess) Stderr() io.Reader { return p.stderr }

func (p *hostProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// CompatInvoker runs foreign-host binaries through a compatibility layer
// binary (the layer itself is native). Paths handed to the tool must be
// pre-translated via the configured mapper.
type CompatInvoker struct {
	// Layer is the native compatibility-layer binary.
	Layer string
	// LayerArgs precede the foreign binary on the command line.
	LayerArgs []string
	// MapPath translates a host absolute path to the layer's form, for
	// example by drive-letter mapping. Must be injective.
	MapPath func(base.AbsolutePath) string

	host HostInvoker
}

// Run wraps the command in the compatibility layer.
func (c *CompatInvoker) Run(ctx context.Context, cmd Command) (Process, error) {
	wrapped := Command{
		Path:    c.Layer,
		Args:    append(append(append([]string{}, c.LayerArgs...), cmd.Path), cmd.Args...),
		WorkDir: cmd.WorkDir,
		Env:     cmd.Env,
	}
	return c.host.Run(ctx, wrapped)
}

// Translate maps the path into the layer's namespace.
func (c *CompatInvoker) Translate(path base.AbsolutePath) string {
	if c.MapPath == nil {
		return path.String()
	}
	return c.MapPath(path)
}
