package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// LocalProvider runs sandboxes as directories on the host. Every sandbox path
// is confined below the sandbox's own root directory.
type LocalProvider struct {
	// BaseDir holds one directory per sandbox
	BaseDir string
	// WorkDir is where template contents land inside the sandbox
	WorkDir string
	// Shell runs commands, defaults to sh
	Shell string
}

// NewLocalProvider creates a directory-backed provider
func NewLocalProvider(baseDir, workDir string) (*LocalProvider, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox base dir: %w", err)
	}
	return &LocalProvider{BaseDir: baseDir, WorkDir: workDir, Shell: "sh"}, nil
}

// Name returns the provider identifier
func (p *LocalProvider) Name() string {
	return "local"
}

// Create makes a new sandbox directory and copies the template into WorkDir
func (p *LocalProvider) Create(ctx context.Context, template string) (Handle, error) {
	id := "sbx-" + uuid.New().String()[:8]
	root := filepath.Join(p.BaseDir, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}

	h := &LocalHandle{id: id, root: root, shell: p.Shell}
	work, err := h.resolve(p.WorkDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	if template != "" {
		if _, err := os.Stat(template); errors.Is(err, os.ErrNotExist) {
			log.Printf("sandbox: template %s not found, starting %s empty", template, id)
			return h, nil
		}
		if err := copyTree(template, work); err != nil {
			_ = os.RemoveAll(root)
			return nil, fmt.Errorf("copying template %s: %w", template, err)
		}
	}
	return h, nil
}

// LocalHandle is a sandbox rooted at a host directory
type LocalHandle struct {
	id    string
	root  string
	shell string

	mu       sync.Mutex
	deadline time.Time
}

// Root returns the host directory backing the sandbox
func (h *LocalHandle) Root() string {
	return h.root
}

func (h *LocalHandle) resolve(p string) (string, error) {
	return securejoin.SecureJoin(h.root, p)
}

func (h *LocalHandle) ID() string {
	return h.id
}

func (h *LocalHandle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	full, err := h.resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (h *LocalHandle) WriteFile(ctx context.Context, p string, data []byte) error {
	full, err := h.resolve(p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

func (h *LocalHandle) DeleteFile(ctx context.Context, p string) error {
	full, err := h.resolve(p)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

func (h *LocalHandle) ListFiles(ctx context.Context, root string) ([]string, error) {
	full, err := h.resolve(root)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(full, p)
			if err != nil {
				return err
			}
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (h *LocalHandle) Stat(ctx context.Context, p string) (domain.FileKind, error) {
	full, err := h.resolve(p)
	if err != nil {
		return domain.KindMissing, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return domain.KindMissing, nil
	}
	if err != nil {
		return domain.KindMissing, err
	}
	if info.IsDir() {
		return domain.KindDir, nil
	}
	return domain.KindFile, nil
}

// RunCommand runs cmd with the shell. cwd is resolved inside the sandbox; the
// command itself is not confined.
func (h *LocalHandle) RunCommand(ctx context.Context, cmd, cwd string) (*CommandResult, error) {
	dir, err := h.resolve(cwd)
	if err != nil {
		return nil, err
	}
	c := exec.CommandContext(ctx, h.shell, "-c", cmd)
	c.Dir = dir
	c.Env = append(os.Environ(), "SANDBOX_ROOT="+h.root)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	res := &CommandResult{}
	if err := c.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running %q: %w", cmd, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, nil
}

// SetTimeout records the deadline; local sandboxes live until destroyed
func (h *LocalHandle) SetTimeout(ctx context.Context, d time.Duration) error {
	if _, err := os.Stat(h.root); err != nil {
		return fmt.Errorf("sandbox %s: %w", h.id, err)
	}
	h.mu.Lock()
	h.deadline = time.Now().Add(d)
	h.mu.Unlock()
	return nil
}

func (h *LocalHandle) Destroy(ctx context.Context) error {
	return os.RemoveAll(h.root)
}

func (h *LocalHandle) Host(port int) string {
	return fmt.Sprintf("localhost:%d", port)
}

// copyTree copies regular files and directories from src into dst
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if strings.HasPrefix(rel, "..") {
			return nil
		}
		target, err := securejoin.SecureJoin(dst, rel)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
