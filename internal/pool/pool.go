// Package pool keeps a fixed number of long-lived player processes ready
// to command. Slots are acquired exclusively, released back to idle, and
// silently respawned by the health monitor when they die. Pool size never
// changes after Start: a dead slot is replaced in place, never removed.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hackerspacegent/canvasd/internal/domain"
)

type SlotState string

const (
	StateStarting SlotState = "starting"
	StateIdle     SlotState = "idle"
	StateBusy     SlotState = "busy"
	StateDead     SlotState = "dead"
)

const acquirePollInterval = 50 * time.Millisecond

// Controller is the command surface a lease holder gets. Implemented by
// *mpv.Controller; faked in tests.
type Controller interface {
	LoadFile(ctx context.Context, mediaURL string) error
	SetProperty(ctx context.Context, name string, value any) error
	GetProperty(ctx context.Context, name string, dst any) error
	ObserveProperty(ctx context.Context, observeID int, name string) error
	StopPlayback(ctx context.Context) error
	Quit(ctx context.Context) error
	Close() error
}

// Process is the liveness/teardown surface of the spawned player.
type Process interface {
	Exited() bool
	Terminate()
}

// Spawner starts the external player for one slot and connects its control
// channel. Called at pool start and again on every respawn.
type Spawner interface {
	Spawn(slotID int) (Controller, Process, error)
}

type slot struct {
	id            int
	state         SlotState
	owner         string
	ctrl          Controller
	proc          Process
	lastProbeAt   time.Time
	probeFailures int
}

type Pool struct {
	class   domain.MediaClass
	spawner Spawner
	logger  *slog.Logger

	mu    sync.Mutex
	slots []*slot
}

func New(class domain.MediaClass, capacity int, spawner Spawner, logger *slog.Logger) *Pool {
	slots := make([]*slot, capacity)
	for i := range slots {
		slots[i] = &slot{id: i + 1, state: StateDead}
	}
	return &Pool{
		class:   class,
		spawner: spawner,
		logger:  logger,
		slots:   slots,
	}
}

func (p *Pool) Class() domain.MediaClass {
	return p.class
}

func (p *Pool) Capacity() int {
	return len(p.slots)
}

// Start spawns every slot. A failure tears down what was already started
// so a half-initialized pool never leaks processes.
func (p *Pool) Start(ctx context.Context) error {
	for _, s := range p.slots {
		if err := ctx.Err(); err != nil {
			p.Shutdown(context.Background())
			return err
		}
		if err := p.spawnSlot(s); err != nil {
			p.Shutdown(context.Background())
			return fmt.Errorf("start %s pool slot %d: %w", p.class, s.id, err)
		}
	}
	p.logger.Info("pool_started",
		slog.String("class", string(p.class)),
		slog.Int("capacity", len(p.slots)))
	return nil
}

func (p *Pool) spawnSlot(s *slot) error {
	p.mu.Lock()
	s.state = StateStarting
	p.mu.Unlock()

	ctrl, proc, err := p.spawner.Spawn(s.id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		s.state = StateDead
		return err
	}
	s.ctrl = ctrl
	s.proc = proc
	s.state = StateIdle
	s.owner = ""
	s.probeFailures = 0
	return nil
}

// Lease is exclusive use of one slot until released.
type Lease struct {
	pool      *Pool
	slot      *slot
	requestID string
	once      sync.Once
}

func (l *Lease) Controller() Controller {
	return l.slot.ctrl
}

func (l *Lease) RequestID() string {
	return l.requestID
}

func (l *Lease) SlotID() int {
	return l.slot.id
}

// Release stops whatever the slot was playing and returns it to idle. It
// never blocks: the stop command runs in the background with its own
// deadline, and the slot flips to idle only once it completes so a later
// acquire cannot interleave with the teardown.
func (l *Lease) Release() {
	l.once.Do(func() {
		ctrl := l.slot.ctrl
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := ctrl.StopPlayback(ctx); err != nil {
				l.pool.logger.Warn("slot_stop_failed",
					slog.String("class", string(l.pool.class)),
					slog.Int("slot", l.slot.id),
					slog.String("error", err.Error()))
			}
			l.pool.mu.Lock()
			if l.slot.state == StateBusy && l.slot.owner == l.requestID {
				l.slot.state = StateIdle
				l.slot.owner = ""
			}
			l.pool.mu.Unlock()
		}()
	})
}

// Acquire hands out the first idle slot, polling until the context
// deadline. No idle slot within the deadline is the caller-visible
// POOL_EXHAUSTED condition, never an indefinite block.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	requestID := uuid.NewString()
	for {
		if lease := p.tryAcquire(requestID); lease != nil {
			return lease, nil
		}
		select {
		case <-ctx.Done():
			return nil, domain.NewControlError(domain.CodePoolExhausted,
				fmt.Sprintf("all %s player slots are busy", p.class))
		case <-time.After(acquirePollInterval):
		}
	}
}

func (p *Pool) tryAcquire(requestID string) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.state != StateIdle {
			continue
		}
		s.state = StateBusy
		s.owner = requestID
		return &Lease{pool: p, slot: s, requestID: requestID}
	}
	return nil
}

// SlotStatus is one slot's externally visible state.
type SlotStatus struct {
	SlotID        int       `json:"slot_id"`
	State         SlotState `json:"state"`
	Owner         string    `json:"owner,omitempty"`
	LastProbeAt   time.Time `json:"last_probe_at,omitzero"`
	ProbeFailures int       `json:"probe_failures"`
}

func (p *Pool) Status() []SlotStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotStatus, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, SlotStatus{
			SlotID:        s.id,
			State:         s.state,
			Owner:         s.owner,
			LastProbeAt:   s.lastProbeAt,
			ProbeFailures: s.probeFailures,
		})
	}
	return out
}

// Shutdown quits and terminates every slot. Used on daemon exit only; the
// pool is not restartable afterwards.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	slots := append([]*slot{}, p.slots...)
	p.mu.Unlock()

	for _, s := range slots {
		if s.ctrl != nil {
			quitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			_ = s.ctrl.Quit(quitCtx)
			cancel()
			_ = s.ctrl.Close()
		}
		if s.proc != nil {
			s.proc.Terminate()
		}
		p.mu.Lock()
		s.state = StateDead
		s.ctrl = nil
		s.proc = nil
		p.mu.Unlock()
	}
}
