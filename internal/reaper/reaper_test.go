package reaper

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

type fakeSessions struct {
	idle     []string
	handles  map[string]sandbox.Handle
	released []string
}

func (f *fakeSessions) Idle(now time.Time) []string { return f.idle }

func (f *fakeSessions) Lookup(projectID string) (sandbox.Handle, bool) {
	h, ok := f.handles[projectID]
	return h, ok
}

func (f *fakeSessions) ReleaseIf(ctx context.Context, projectID string, h sandbox.Handle) (bool, error) {
	if f.handles[projectID] != h {
		return false, nil
	}
	f.released = append(f.released, projectID)
	delete(f.handles, projectID)
	return true, nil
}

type fakeSnapshots struct {
	calls []string
	fail  map[string]bool
}

func (f *fakeSnapshots) Snapshot(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error) {
	f.calls = append(f.calls, projectID)
	if f.fail[projectID] {
		return nil, errors.New("disk full")
	}
	return &domain.TransferResult{}, nil
}

// gatedSnapshots blocks every snapshot until the gate is closed
type gatedSnapshots struct {
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedSnapshots) Snapshot(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error) {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	return &domain.TransferResult{}, nil
}

type fakeRuns map[string]bool

func (f fakeRuns) IsRunning(projectID string) bool { return f[projectID] }

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"0 3 * * *", false},
		{"0 12 * * 1-5", false},
		{"every five minutes", true},
		{"* * *", true},
	}

	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := New("", &fakeSessions{}, nil, nil); err == nil {
		t.Error("empty schedule should error")
	}
	if _, err := New("nope", &fakeSessions{}, nil, nil); err == nil {
		t.Error("invalid schedule should error")
	}
}

func TestShouldRun(t *testing.T) {
	r, err := New("*/5 * * * *", &fakeSessions{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	r.lastRun = time.Date(2025, 3, 1, 10, 1, 0, 0, time.UTC)

	if r.ShouldRun(time.Date(2025, 3, 1, 10, 3, 0, 0, time.UTC)) {
		t.Error("should not run before the next slot")
	}
	if !r.ShouldRun(time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)) {
		t.Error("should run at the next slot")
	}

	r.running = true
	if r.ShouldRun(time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)) {
		t.Error("should not run while a sweep is in progress")
	}
}

func TestNextRun(t *testing.T) {
	r, err := New("0 3 * * *", &fakeSessions{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	next := r.NextRun()
	if !next.After(time.Now()) {
		t.Errorf("NextRun() = %v, want a future time", next)
	}
	if next.Hour() != 3 || next.Minute() != 0 {
		t.Errorf("NextRun() = %v, want 03:00", next)
	}
}

func TestSweep(t *testing.T) {
	sessions := &fakeSessions{
		idle: []string{"busy", "broken", "idle", "gone"},
		handles: map[string]sandbox.Handle{
			"busy":   sandbox.NewMockHandle("sbx-busy"),
			"broken": sandbox.NewMockHandle("sbx-broken"),
			"idle":   sandbox.NewMockHandle("sbx-idle"),
		},
	}
	snaps := &fakeSnapshots{fail: map[string]bool{"broken": true}}
	r, err := New("*/5 * * * *", sessions, snaps, fakeRuns{"busy": true})
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	res := r.Sweep(context.Background(), now)

	sort.Strings(res.Reaped)
	if len(res.Reaped) != 2 || res.Reaped[0] != "gone" || res.Reaped[1] != "idle" {
		t.Errorf("Reaped = %v, want [gone idle]", res.Reaped)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "busy" {
		t.Errorf("Skipped = %v, want [busy]", res.Skipped)
	}
	if _, ok := res.Failed["broken"]; !ok || len(res.Failed) != 1 {
		t.Errorf("Failed = %v, want broken", res.Failed)
	}

	if len(sessions.released) != 2 {
		t.Errorf("released = %v", sessions.released)
	}
	for _, id := range sessions.released {
		if id == "broken" || id == "busy" {
			t.Errorf("%s should not be released", id)
		}
	}
	if _, ok := sessions.handles["broken"]; !ok {
		t.Error("sandbox with failed snapshot must stay up")
	}
	if len(snaps.calls) != 2 {
		t.Errorf("snapshot calls = %v, want broken and idle", snaps.calls)
	}
	if !r.lastRun.Equal(now) || r.running {
		t.Errorf("lastRun = %v running = %v after sweep", r.lastRun, r.running)
	}
}

func TestStop(t *testing.T) {
	r, err := New("*/5 * * * *", &fakeSessions{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		r.Start(context.Background())
		close(done)
	}()
	r.Stop()
	r.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestSweep_KeepsSandboxAcquiredDuringSnapshot(t *testing.T) {
	provider := sandbox.NewMockProvider()
	m := sandbox.NewManager(provider, nil, sandbox.ManagerConfig{IdleTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	snaps := &gatedSnapshots{started: make(chan struct{}), gate: make(chan struct{})}
	r, err := New("*/5 * * * *", m, snaps, nil)
	if err != nil {
		t.Fatal(err)
	}

	swept := make(chan Result, 1)
	go func() { swept <- r.Sweep(ctx, time.Now()) }()

	select {
	case <-snaps.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep never snapshotted the idle sandbox")
	}

	// a run arrives while the reaper is still snapshotting
	fresh, err := m.Acquire(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == stale {
		t.Fatal("expected the idle sandbox to be replaced")
	}
	close(snaps.gate)

	var res Result
	select {
	case res = <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not finish")
	}

	if len(res.Reaped) != 0 || len(res.Skipped) != 1 {
		t.Errorf("Sweep() = %+v, want p1 skipped", res)
	}
	if fresh.(*sandbox.MockHandle).Destroyed() {
		t.Error("sweep destroyed the sandbox a run just acquired")
	}
	if h, ok := m.Lookup("p1"); !ok || h != fresh {
		t.Error("freshly acquired sandbox was unregistered")
	}
}
