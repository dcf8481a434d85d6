package runner

import (
	"fmt"

	grrunner "github.com/inercia/go-restricted-runner/pkg/runner"
)

// Runner types.
const (
	TypeExec        = "exec"
	TypeSandboxExec = "sandbox-exec"
	TypeFirejail    = "firejail"
	TypeDocker      = "docker"
)

// Config selects how hook commands are executed. The zero value runs them
// directly.
type Config struct {
	// Type is one of exec, sandbox-exec (macOS), firejail (Linux) or docker.
	Type         string        `yaml:"type,omitempty"`
	Restrictions *Restrictions `yaml:"restrictions,omitempty"`
}

// Restrictions limit what a sandboxed command may touch. Folder paths may
// use $HOME, $MYFISKER_DIR, $USER, $TMPDIR and a leading ~/.
type Restrictions struct {
	AllowNetworking   *bool               `yaml:"allow_networking,omitempty"`
	AllowReadFolders  []string            `yaml:"allow_read_folders,omitempty"`
	AllowWriteFolders []string            `yaml:"allow_write_folders,omitempty"`
	Docker            *DockerRestrictions `yaml:"docker,omitempty"`
}

// DockerRestrictions configures the docker runner.
type DockerRestrictions struct {
	Image       string `yaml:"image,omitempty"`
	MemoryLimit string `yaml:"memory_limit,omitempty"`
	CPULimit    string `yaml:"cpu_limit,omitempty"`
}

// Validate checks the runner type.
func (c Config) Validate() error {
	switch c.Type {
	case "", TypeExec, TypeSandboxExec, TypeFirejail:
	case TypeDocker:
		if c.Restrictions == nil || c.Restrictions.Docker == nil || c.Restrictions.Docker.Image == "" {
			return fmt.Errorf("runner %q requires restrictions.docker.image", c.Type)
		}
	default:
		return fmt.Errorf("unknown runner type %q", c.Type)
	}
	return nil
}

// Restricted reports whether c asks for anything but direct execution.
func (c Config) Restricted() bool {
	return c.Type != "" && c.Type != TypeExec
}

// toRunnerOptions converts restrictions to go-restricted-runner options.
func toRunnerOptions(r *Restrictions, vr *VariableResolver) grrunner.Options {
	options := grrunner.Options{}
	if r == nil {
		return options
	}

	if r.AllowNetworking != nil {
		options["allow_networking"] = *r.AllowNetworking
	}
	if paths := vr.ResolvePaths(r.AllowReadFolders); len(paths) > 0 {
		options["allow_read_folders"] = paths
	}
	if paths := vr.ResolvePaths(r.AllowWriteFolders); len(paths) > 0 {
		options["allow_write_folders"] = paths
	}
	if d := r.Docker; d != nil {
		if d.Image != "" {
			options["image"] = d.Image
		}
		if d.MemoryLimit != "" {
			options["memory_limit"] = d.MemoryLimit
		}
		if d.CPULimit != "" {
			options["cpu_limit"] = d.CPULimit
		}
	}
	return options
}

// toRunnerType converts a type name to runner.Type.
func toRunnerType(typeStr string) grrunner.Type {
	switch typeStr {
	case TypeSandboxExec:
		return grrunner.TypeSandboxExec
	case TypeFirejail:
		return grrunner.TypeFirejail
	case TypeDocker:
		return grrunner.TypeDocker
	default:
		return grrunner.TypeExec
	}
}
