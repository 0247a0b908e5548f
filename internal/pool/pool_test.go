package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hackerspacegent/canvasd/internal/domain"
)

type fakeController struct {
	mu         sync.Mutex
	stopCalls  int
	quitCalls  int
	closed     bool
	probeErr   error
	stopNotify chan struct{}
}

func (c *fakeController) LoadFile(ctx context.Context, mediaURL string) error { return nil }

func (c *fakeController) SetProperty(ctx context.Context, name string, value any) error { return nil }

func (c *fakeController) GetProperty(ctx context.Context, name string, dst any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *fakeController) ObserveProperty(ctx context.Context, observeID int, name string) error {
	return nil
}

func (c *fakeController) StopPlayback(ctx context.Context) error {
	c.mu.Lock()
	c.stopCalls++
	notify := c.stopNotify
	c.mu.Unlock()
	if notify != nil {
		notify <- struct{}{}
	}
	return nil
}

func (c *fakeController) Quit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quitCalls++
	return nil
}

func (c *fakeController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeController) setProbeErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probeErr = err
}

type fakeProcess struct {
	mu         sync.Mutex
	exited     bool
	terminated bool
}

func (p *fakeProcess) Exited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

func (p *fakeProcess) Terminate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
}

func (p *fakeProcess) markExited() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited = true
}

type spawned struct {
	ctrl *fakeController
	proc *fakeProcess
}

type fakeSpawner struct {
	mu     sync.Mutex
	spawns []spawned
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{}
}

func (f *fakeSpawner) Spawn(slotID int) (Controller, Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := spawned{ctrl: &fakeController{}, proc: &fakeProcess{}}
	f.spawns = append(f.spawns, s)
	return s.ctrl, s.proc, nil
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startedPool(t *testing.T, class domain.MediaClass, capacity int) (*Pool, *fakeSpawner) {
	t.Helper()
	spawner := newFakeSpawner()
	p := New(class, capacity, spawner, testLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	return p, spawner
}

func countStates(status []SlotStatus) map[SlotState]int {
	out := map[SlotState]int{}
	for _, s := range status {
		out[s.State]++
	}
	return out
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassVideo, 1)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.SlotID() != 1 {
		t.Fatalf("slot id = %d, want 1", lease.SlotID())
	}
	if lease.RequestID() == "" {
		t.Fatal("lease has empty request id")
	}

	status := p.Status()
	if status[0].State != StateBusy || status[0].Owner != lease.RequestID() {
		t.Fatalf("busy slot status = %+v", status[0])
	}

	ctrl := spawner.spawns[0].ctrl
	ctrl.stopNotify = make(chan struct{}, 1)
	lease.Release()
	<-ctrl.stopNotify

	deadline := time.Now().Add(2 * time.Second)
	for {
		status = p.Status()
		if status[0].State == StateIdle && status[0].Owner == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never returned to idle: %+v", status[0])
		}
		time.Sleep(10 * time.Millisecond)
	}
	if ctrl.stopCalls != 1 {
		t.Fatalf("stop calls = %d, want 1", ctrl.stopCalls)
	}

	// Release is idempotent.
	lease.Release()
	time.Sleep(50 * time.Millisecond)
	ctrl.mu.Lock()
	stops := ctrl.stopCalls
	ctrl.mu.Unlock()
	if stops != 1 {
		t.Fatalf("stop calls after double release = %d, want 1", stops)
	}
}

func TestAcquireExhaustedReportsPoolExhausted(t *testing.T) {
	p, _ := startedPool(t, domain.ClassAudio, 2)

	ctx := context.Background()
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(shortCtx)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if code := domain.ErrorCode(err); code != domain.CodePoolExhausted {
		t.Fatalf("error code = %q, want %q", code, domain.CodePoolExhausted)
	}
}

func TestAcquireWaitsForReleasedSlot(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassVideo, 1)

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctrl := spawner.spawns[0].ctrl
	ctrl.stopNotify = make(chan struct{}, 1)

	go func() {
		time.Sleep(50 * time.Millisecond)
		lease.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	second, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if second.RequestID() == lease.RequestID() {
		t.Fatal("second lease reused the released request id")
	}
	<-ctrl.stopNotify
}

func TestStartFailureTearsDownStartedSlots(t *testing.T) {
	spawner := newFakeSpawner()
	failing := &flakySpawner{inner: spawner, failFrom: 2}
	p := New(domain.ClassAudio, 2, failing, testLogger())

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}

	states := countStates(p.Status())
	if states[StateDead] != 2 {
		t.Fatalf("slot states after failed start = %v, want all dead", states)
	}
	if spawner.spawnCount() != 1 {
		t.Fatalf("spawn count = %d, want 1", spawner.spawnCount())
	}
	if !spawner.spawns[0].proc.terminated {
		t.Fatal("started slot was not terminated on rollback")
	}
}

type flakySpawner struct {
	inner    *fakeSpawner
	mu       sync.Mutex
	calls    int
	failFrom int
}

func (f *flakySpawner) Spawn(slotID int) (Controller, Process, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	f.mu.Unlock()
	if calls >= f.failFrom {
		return nil, nil, errors.New("spawn refused")
	}
	return f.inner.Spawn(slotID)
}

func TestCapacityIsFixed(t *testing.T) {
	p, _ := startedPool(t, domain.ClassAudio, 2)
	if p.Capacity() != 2 {
		t.Fatalf("capacity = %d, want 2", p.Capacity())
	}

	lease, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got := len(p.Status()); got != 2 {
		t.Fatalf("status length while busy = %d, want 2", got)
	}
	lease.Release()

	p.Shutdown(context.Background())
	if got := len(p.Status()); got != 2 {
		t.Fatalf("status length after shutdown = %d, want 2", got)
	}
}

func TestShutdownQuitsAndTerminatesAllSlots(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassAudio, 2)

	p.Shutdown(context.Background())

	for i, s := range spawner.spawns {
		s.ctrl.mu.Lock()
		quits, closed := s.ctrl.quitCalls, s.ctrl.closed
		s.ctrl.mu.Unlock()
		if quits != 1 || !closed {
			t.Fatalf("slot %d: quits=%d closed=%v", i, quits, closed)
		}
		if !s.proc.terminated {
			t.Fatalf("slot %d process not terminated", i)
		}
	}
	states := countStates(p.Status())
	if states[StateDead] != 2 {
		t.Fatalf("states after shutdown = %v, want all dead", states)
	}
}

func TestSweepRespawnsExitedSlot(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassVideo, 1)

	spawner.spawns[0].proc.markExited()
	p.sweep(context.Background(), time.Second)

	if spawner.spawnCount() != 2 {
		t.Fatalf("spawn count = %d, want 2", spawner.spawnCount())
	}
	status := p.Status()
	if status[0].State != StateIdle || status[0].SlotID != 1 {
		t.Fatalf("respawned slot status = %+v", status[0])
	}
	if !spawner.spawns[0].proc.terminated {
		t.Fatal("exited process was not terminated before respawn")
	}
}

func TestSweepSkipsBusySlots(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassVideo, 1)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	spawner.spawns[0].ctrl.setProbeErr(errors.New("socket gone"))

	p.sweep(context.Background(), time.Second)

	if spawner.spawnCount() != 1 {
		t.Fatalf("busy slot was probed or respawned; spawn count = %d", spawner.spawnCount())
	}
	if p.Status()[0].State != StateBusy {
		t.Fatalf("slot state = %q, want busy", p.Status()[0].State)
	}
}

func TestSweepRespawnsAfterConsecutiveProbeFailures(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassAudio, 1)
	ctrl := spawner.spawns[0].ctrl
	ctrl.setProbeErr(errors.New("connection reset"))

	p.sweep(context.Background(), time.Second)
	if spawner.spawnCount() != 1 {
		t.Fatalf("respawned after one failure; spawn count = %d", spawner.spawnCount())
	}
	if got := p.Status()[0].ProbeFailures; got != 1 {
		t.Fatalf("probe failures = %d, want 1", got)
	}

	p.sweep(context.Background(), time.Second)
	if spawner.spawnCount() != 2 {
		t.Fatalf("spawn count after second failure = %d, want 2", spawner.spawnCount())
	}
	status := p.Status()
	if status[0].State != StateIdle || status[0].ProbeFailures != 0 {
		t.Fatalf("respawned slot status = %+v", status[0])
	}
}

func TestProbeSuccessResetsFailureCount(t *testing.T) {
	p, spawner := startedPool(t, domain.ClassAudio, 1)
	ctrl := spawner.spawns[0].ctrl

	ctrl.setProbeErr(errors.New("timeout"))
	p.sweep(context.Background(), time.Second)
	if got := p.Status()[0].ProbeFailures; got != 1 {
		t.Fatalf("probe failures = %d, want 1", got)
	}

	ctrl.setProbeErr(nil)
	p.sweep(context.Background(), time.Second)
	if got := p.Status()[0].ProbeFailures; got != 0 {
		t.Fatalf("probe failures after success = %d, want 0", got)
	}
	if spawner.spawnCount() != 1 {
		t.Fatalf("spawn count = %d, want 1", spawner.spawnCount())
	}
}

func TestSweepRetriesFailedRespawn(t *testing.T) {
	inner := newFakeSpawner()
	flaky := &flakySpawner{inner: inner, failFrom: 2}
	p := New(domain.ClassVideo, 1, flaky, testLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	inner.spawns[0].proc.markExited()
	p.sweep(context.Background(), time.Second)
	if p.Status()[0].State != StateDead {
		t.Fatalf("slot state after failed respawn = %q, want dead", p.Status()[0].State)
	}

	// The next sweep finds the dead slot and tries again.
	flaky.mu.Lock()
	flaky.failFrom = 100
	flaky.mu.Unlock()
	p.sweep(context.Background(), time.Second)
	if p.Status()[0].State != StateIdle {
		t.Fatalf("slot state after retry = %q, want idle", p.Status()[0].State)
	}
	if inner.spawnCount() != 2 {
		t.Fatalf("spawn count = %d, want 2", inner.spawnCount())
	}
}

func TestMonitorRunStopsOnContextCancel(t *testing.T) {
	p, _ := startedPool(t, domain.ClassVideo, 1)
	m := NewMonitor([]*Pool{p}, 10*time.Millisecond, time.Second, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
