// Package sandbox manages the ephemeral environments generated applications
// are written into and run in.
package sandbox

import (
	"context"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// CommandResult holds the output of a command run inside a sandbox
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr
func (r *CommandResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Handle is a live sandbox. Paths are absolute inside the sandbox.
type Handle interface {
	// ID returns the provider's identifier for the sandbox
	ID() string
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile creates parent directories as needed
	WriteFile(ctx context.Context, path string, data []byte) error
	DeleteFile(ctx context.Context, path string) error
	// ListFiles returns every regular file below root, relative to root
	ListFiles(ctx context.Context, root string) ([]string, error)
	Stat(ctx context.Context, path string) (domain.FileKind, error)
	// RunCommand runs cmd through a shell. A non-zero exit is not an error.
	RunCommand(ctx context.Context, cmd, cwd string) (*CommandResult, error)
	// SetTimeout extends the provider-side lifetime of the sandbox
	SetTimeout(ctx context.Context, d time.Duration) error
	Destroy(ctx context.Context) error
	// Host returns the address a port inside the sandbox is reachable at
	Host(port int) string
}

// Provider creates sandboxes from a template
type Provider interface {
	Name() string
	Create(ctx context.Context, template string) (Handle, error)
}
