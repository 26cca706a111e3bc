package supervisor

import (
	"os/exec"
	"strings"

	"github.com/corvidlabs/pixolith/pkg/hostkit"
	"github.com/corvidlabs/pixolith/pkg/registry"
)

// InvokeStyle selects how a child is spawned, chosen by the executable
// placeholder: ${node} forks the configured runtime directly, ${shell}
// goes through the shell, anything else is a direct executable spawn.
type InvokeStyle int

const (
	InvokeDirect InvokeStyle = iota
	InvokeNode
	InvokeShell
)

// LaunchSpec is a fully resolved child invocation.
type LaunchSpec struct {
	ExtensionID hostkit.ExtensionID
	Style       InvokeStyle
	Executable  string
	Args        []string
	Dir         string
}

// Child is a running extension subprocess. Done is closed when the
// process exits; Err reports the exit error after Done.
type Child interface {
	Done() <-chan struct{}
	Err() error
	Terminate() error
	Kill() error
}

// Launcher spawns children. The default implementation uses os/exec;
// tests substitute a fake.
type Launcher interface {
	Launch(spec LaunchSpec) (Child, error)
}

// resolveLaunchSpec substitutes the ${placeholder} variable map into an
// execution template and picks the invocation style.
func resolveLaunchSpec(execution registry.Execution, vars map[string]string, dir string, cfg Config) LaunchSpec {
	args := make([]string, len(execution.Arguments))
	for i, a := range execution.Arguments {
		args[i] = substitute(a, vars)
	}

	spec := LaunchSpec{Args: args, Dir: dir}
	switch execution.Executable {
	case "${node}":
		spec.Style = InvokeNode
		spec.Executable = cfg.NodePath
	case "${shell}":
		spec.Style = InvokeShell
		spec.Executable = cfg.ShellPath
	default:
		spec.Style = InvokeDirect
		spec.Executable = substitute(execution.Executable, vars)
	}
	return spec
}

func substitute(s string, vars map[string]string) string {
	for name, value := range vars {
		s = strings.ReplaceAll(s, "${"+name+"}", value)
	}
	return s
}

// execLauncher spawns real OS processes.
type execLauncher struct{}

func (execLauncher) Launch(spec LaunchSpec) (Child, error) {
	var cmd *exec.Cmd
	switch spec.Style {
	case InvokeShell:
		cmd = exec.Command(spec.Executable, "-c", strings.Join(spec.Args, " "))
	default:
		cmd = exec.Command(spec.Executable, spec.Args...)
	}
	cmd.Dir = spec.Dir

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &execChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

type execChild struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (c *execChild) Done() <-chan struct{} { return c.done }

func (c *execChild) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *execChild) Terminate() error {
	return terminateProcess(c.cmd.Process)
}

func (c *execChild) Kill() error {
	return c.cmd.Process.Kill()
}
