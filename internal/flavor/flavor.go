package flavor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// EntryEnv carries the flavor's entry module path into its process environment.
const EntryEnv = "BBQ_FLAVOR_MAIN"

// Flavor is the capability every launchable backend unit provides: a name
// and a prepared, not yet started, command that serves it.
type Flavor interface {
	Name() string
	Command(ctx context.Context) (*exec.Cmd, error)
}

// ShellFlavor launches a Descriptor's start command through /bin/sh in its
// source directory.
type ShellFlavor struct {
	Descriptor Descriptor
}

var _ Flavor = ShellFlavor{}

// FromDescriptor wraps d as a launchable Flavor.
func FromDescriptor(d Descriptor) ShellFlavor {
	return ShellFlavor{Descriptor: d}
}

// Name returns the flavor name.
func (f ShellFlavor) Name() string {
	return f.Descriptor.Name
}

// Command builds the start command. The caller owns the process lifecycle,
// so ctx is only checked, never bound to the command.
func (f ShellFlavor) Command(ctx context.Context) (*exec.Cmd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := strings.TrimSpace(f.Descriptor.StartCommand)
	if start == "" {
		return nil, fmt.Errorf("flavor %q has no start command", f.Descriptor.Name)
	}
	if f.Descriptor.SourcePath == "" {
		return nil, fmt.Errorf("flavor %q has no source path", f.Descriptor.Name)
	}

	cmd := exec.Command("/bin/sh", "-c", start)
	cmd.Dir = f.Descriptor.SourcePath
	if f.Descriptor.EntryModulePath != "" {
		cmd.Env = append(cmd.Env, EntryEnv+"="+f.Descriptor.EntryModulePath)
	}
	return cmd, nil
}
