package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// MockProvider creates in-memory sandboxes for testing
type MockProvider struct {
	mu sync.Mutex

	// Errors allows injecting errors for Create
	Errors map[string]error

	// Template files copied into every new sandbox
	Template map[string][]byte

	// CreateDelay slows down Create to widen race windows in tests
	CreateDelay time.Duration

	created atomic.Int32
	handles []*MockHandle
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Errors:   make(map[string]error),
		Template: make(map[string][]byte),
	}
}

// Name returns the provider identifier
func (p *MockProvider) Name() string {
	return "mock"
}

// Create returns a fresh in-memory sandbox
func (p *MockProvider) Create(ctx context.Context, template string) (Handle, error) {
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.Errors["Create"]; ok {
		return nil, err
	}

	n := p.created.Add(1)
	h := NewMockHandle(fmt.Sprintf("mock-%d", n))
	for name, data := range p.Template {
		h.Files[name] = append([]byte(nil), data...)
	}
	p.handles = append(p.handles, h)
	return h, nil
}

// Created returns how many sandboxes have been created
func (p *MockProvider) Created() int {
	return int(p.created.Load())
}

// Handles returns every sandbox created so far
func (p *MockProvider) Handles() []*MockHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockHandle, len(p.handles))
	copy(out, p.handles)
	return out
}

// MockHandle is an in-memory Handle
type MockHandle struct {
	mu sync.Mutex

	id string

	// Files maps absolute paths to content
	Files map[string][]byte

	// CommandResults maps command strings to predefined results
	CommandResults map[string]*CommandResult

	// Errors allows injecting errors for specific operations
	Errors map[string]error

	// ReadErrors fails ReadFile for specific paths
	ReadErrors map[string]error

	// CallLog records all method calls for verification
	CallLog []MockCall

	destroyed bool
	timeout   time.Duration
}

// NewMockHandle creates an empty in-memory sandbox
func NewMockHandle(id string) *MockHandle {
	return &MockHandle{
		id:             id,
		Files:          make(map[string][]byte),
		CommandResults: make(map[string]*CommandResult),
		Errors:         make(map[string]error),
		ReadErrors:     make(map[string]error),
	}
}

func (h *MockHandle) record(method string, args ...interface{}) {
	h.CallLog = append(h.CallLog, MockCall{Method: method, Args: args})
}

func (h *MockHandle) fail(method string) error {
	if err, ok := h.Errors[method]; ok {
		return err
	}
	if h.destroyed {
		return errors.New("sandbox destroyed")
	}
	return nil
}

// SetError sets an error to be returned for a specific operation
func (h *MockHandle) SetError(operation string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Errors[operation] = err
}

// SetFile seeds a file
func (h *MockHandle) SetFile(p string, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Files[p] = []byte(data)
}

// File returns the content of a file and whether it exists
func (h *MockHandle) File(p string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.Files[p]
	return string(data), ok
}

// GetCallsFor returns all calls for a specific method
func (h *MockHandle) GetCallsFor(method string) []MockCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	var calls []MockCall
	for _, call := range h.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Destroyed reports whether Destroy was called
func (h *MockHandle) Destroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

func (h *MockHandle) ID() string {
	return h.id
}

func (h *MockHandle) ReadFile(ctx context.Context, p string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("ReadFile", p)

	if err := h.fail("ReadFile"); err != nil {
		return nil, err
	}
	if err, ok := h.ReadErrors[p]; ok {
		return nil, err
	}
	data, ok := h.Files[p]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, os.ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

func (h *MockHandle) WriteFile(ctx context.Context, p string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("WriteFile", p)

	if err := h.fail("WriteFile"); err != nil {
		return err
	}
	h.Files[p] = append([]byte(nil), data...)
	return nil
}

func (h *MockHandle) DeleteFile(ctx context.Context, p string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("DeleteFile", p)

	if err := h.fail("DeleteFile"); err != nil {
		return err
	}
	if _, ok := h.Files[p]; !ok {
		return fmt.Errorf("delete %s: %w", p, os.ErrNotExist)
	}
	delete(h.Files, p)
	return nil
}

func (h *MockHandle) ListFiles(ctx context.Context, root string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("ListFiles", root)

	if err := h.fail("ListFiles"); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	var out []string
	for p := range h.Files {
		if strings.HasPrefix(p, prefix) {
			out = append(out, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (h *MockHandle) Stat(ctx context.Context, p string) (domain.FileKind, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Stat", p)

	if err := h.fail("Stat"); err != nil {
		return domain.KindMissing, err
	}
	if _, ok := h.Files[p]; ok {
		return domain.KindFile, nil
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for f := range h.Files {
		if strings.HasPrefix(f, prefix) {
			return domain.KindDir, nil
		}
	}
	return domain.KindMissing, nil
}

func (h *MockHandle) RunCommand(ctx context.Context, cmd, cwd string) (*CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("RunCommand", cmd, cwd)

	if err := h.fail("RunCommand"); err != nil {
		return nil, err
	}
	if res, ok := h.CommandResults[cmd]; ok {
		copied := *res
		return &copied, nil
	}
	return &CommandResult{}, nil
}

func (h *MockHandle) SetTimeout(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("SetTimeout", d)

	if err := h.fail("SetTimeout"); err != nil {
		return err
	}
	h.timeout = d
	return nil
}

func (h *MockHandle) Destroy(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Destroy")

	if err, ok := h.Errors["Destroy"]; ok {
		return err
	}
	h.destroyed = true
	return nil
}

func (h *MockHandle) Host(port int) string {
	return fmt.Sprintf("%s-%d.sandbox.local", path.Base(h.id), port)
}
