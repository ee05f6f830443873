package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	shellquote "github.com/kballard/go-shellquote"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// DockerProvider runs each sandbox as a long-lived container created from
// an image. It uses docker or podman, whichever is found first.
type DockerProvider struct {
	// Command is the container command to use (docker or podman)
	Command string
	// ContainerPrefix is prepended to generated container names
	ContainerPrefix string
	// PreviewPort is published on a random host port when non-zero
	PreviewPort int
}

// NewDockerProvider detects the container engine
func NewDockerProvider(prefix string, previewPort int) (*DockerProvider, error) {
	for _, cmd := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(cmd); err == nil {
			return &DockerProvider{Command: cmd, ContainerPrefix: prefix, PreviewPort: previewPort}, nil
		}
	}
	return nil, fmt.Errorf("neither docker nor podman found in PATH")
}

// Name returns the provider identifier
func (p *DockerProvider) Name() string {
	return p.Command
}

// runCmd executes a docker/podman command
func (p *DockerProvider) runCmd(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %s: %w", p.Command, args[0], strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Create starts a detached container that idles until destroyed
func (p *DockerProvider) Create(ctx context.Context, image string) (Handle, error) {
	name := p.ContainerPrefix + uuid.New().String()[:8]
	args := []string{"run", "-d", "--name", name, "--label", "sandbox-orchestrator=1"}
	if p.PreviewPort > 0 {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1::%d", p.PreviewPort))
	}
	args = append(args, image, "sleep", "infinity")

	if _, err := p.runCmd(ctx, nil, args...); err != nil {
		return nil, err
	}

	h := &DockerHandle{provider: p, name: name}
	if p.PreviewPort > 0 {
		out, err := p.runCmd(ctx, nil, "port", name, fmt.Sprintf("%d/tcp", p.PreviewPort))
		if err == nil {
			h.previewPort = p.PreviewPort
			h.previewHost = firstLine(out)
		}
	}
	return h, nil
}

// DockerHandle is a sandbox backed by a container
type DockerHandle struct {
	provider    *DockerProvider
	name        string
	previewPort int
	previewHost string
}

func (h *DockerHandle) exec(ctx context.Context, stdin io.Reader, script string) (string, error) {
	return h.provider.runCmd(ctx, stdin, "exec", "-i", h.name, "sh", "-c", script)
}

func (h *DockerHandle) ID() string {
	return h.name
}

func (h *DockerHandle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	out, err := h.provider.runCmd(ctx, nil, "exec", h.name, "cat", "--", p)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func (h *DockerHandle) WriteFile(ctx context.Context, p string, data []byte) error {
	script := fmt.Sprintf("mkdir -p %s && cat > %s",
		shellquote.Join(path.Dir(p)), shellquote.Join(p))
	_, err := h.exec(ctx, bytes.NewReader(data), script)
	return err
}

func (h *DockerHandle) DeleteFile(ctx context.Context, p string) error {
	_, err := h.provider.runCmd(ctx, nil, "exec", h.name, "rm", "--", p)
	return err
}

func (h *DockerHandle) ListFiles(ctx context.Context, root string) ([]string, error) {
	out, err := h.exec(ctx, nil, fmt.Sprintf("cd %s && find . -type f", shellquote.Join(root)))
	if err != nil {
		return nil, err
	}
	return parseFindOutput(out), nil
}

func (h *DockerHandle) Stat(ctx context.Context, p string) (domain.FileKind, error) {
	q := shellquote.Join(p)
	out, err := h.exec(ctx, nil, fmt.Sprintf("if [ -f %s ]; then echo file; elif [ -d %s ]; then echo dir; fi", q, q))
	if err != nil {
		return domain.KindMissing, err
	}
	switch firstLine(out) {
	case "file":
		return domain.KindFile, nil
	case "dir":
		return domain.KindDir, nil
	}
	return domain.KindMissing, nil
}

func (h *DockerHandle) RunCommand(ctx context.Context, command, cwd string) (*CommandResult, error) {
	args := []string{"exec"}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	args = append(args, h.name, "sh", "-c", command)

	cmd := exec.CommandContext(ctx, h.provider.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := &CommandResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exec: %w", h.provider.Command, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// SetTimeout checks the container is still running. Containers do not expire
// on their own; the Manager enforces idle timeouts.
func (h *DockerHandle) SetTimeout(ctx context.Context, _ time.Duration) error {
	out, err := h.provider.runCmd(ctx, nil, "inspect", "-f", "{{.State.Running}}", h.name)
	if err != nil {
		return err
	}
	if running, _ := strconv.ParseBool(firstLine(out)); !running {
		return fmt.Errorf("container %s is not running", h.name)
	}
	return nil
}

func (h *DockerHandle) Destroy(ctx context.Context) error {
	_, err := h.provider.runCmd(ctx, nil, "rm", "-f", h.name)
	if err != nil && strings.Contains(err.Error(), "No such container") {
		return nil
	}
	return err
}

func (h *DockerHandle) Host(port int) string {
	if port == h.previewPort && h.previewHost != "" {
		return h.previewHost
	}
	return fmt.Sprintf("%s:%d", h.name, port)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// parseFindOutput turns `find . -type f` output into sorted relative paths
func parseFindOutput(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "./")
		if line == "" || line == "." {
			continue
		}
		files = append(files, line)
	}
	sort.Strings(files)
	return files
}
