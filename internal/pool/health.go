package pool

import (
	"context"
	"log/slog"
	"time"
)

// maxProbeFailures is how many consecutive failed probes an idle slot
// survives before it is respawned. A confirmed process exit short-circuits
// the count.
const maxProbeFailures = 2

// Monitor periodically probes idle slots across all pools and respawns the
// ones that stopped responding. Failures are repaired silently; callers of
// Acquire only ever see healthy idle slots.
type Monitor struct {
	pools        []*Pool
	interval     time.Duration
	probeTimeout time.Duration
	logger       *slog.Logger
}

func NewMonitor(pools []*Pool, interval, probeTimeout time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		pools:        pools,
		interval:     interval,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Run sweeps until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, p := range m.pools {
				p.sweep(ctx, m.probeTimeout)
			}
		}
	}
}

// sweep probes every idle slot and respawns dead ones. Busy slots are
// never probed: a command mid-flight on the same socket must not race a
// probe response.
func (p *Pool) sweep(ctx context.Context, probeTimeout time.Duration) {
	p.mu.Lock()
	candidates := make([]*slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.state == StateIdle || s.state == StateDead {
			candidates = append(candidates, s)
		}
	}
	p.mu.Unlock()

	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return
		}
		p.checkSlot(ctx, s, probeTimeout)
	}
}

func (p *Pool) checkSlot(ctx context.Context, s *slot, probeTimeout time.Duration) {
	p.mu.Lock()
	state := s.state
	proc := s.proc
	ctrl := s.ctrl
	p.mu.Unlock()

	switch {
	case state == StateDead:
		p.respawn(s)
		return
	case state != StateIdle:
		// Acquired between the snapshot and now; leave it alone.
		return
	}

	if proc != nil && proc.Exited() {
		p.logger.Warn("pool_slot_exited",
			slog.String("class", string(p.class)),
			slog.Int("slot", s.id))
		p.respawn(s)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := ctrl.GetProperty(probeCtx, "mpv-version", nil)
	cancel()

	p.mu.Lock()
	s.lastProbeAt = time.Now()
	if s.state != StateIdle {
		// Someone acquired the slot while the probe was in flight; the
		// probe result no longer says anything useful.
		p.mu.Unlock()
		return
	}
	if err == nil {
		s.probeFailures = 0
		p.mu.Unlock()
		return
	}
	s.probeFailures++
	failures := s.probeFailures
	p.mu.Unlock()

	p.logger.Warn("pool_slot_probe_failed",
		slog.String("class", string(p.class)),
		slog.Int("slot", s.id),
		slog.Int("consecutive", failures),
		slog.String("error", err.Error()))

	if failures >= maxProbeFailures {
		p.respawn(s)
	}
}

// respawn tears the slot down and starts a replacement in place. The slot
// ID and pool capacity are preserved; a failed respawn leaves the slot
// dead for the next sweep to retry.
func (p *Pool) respawn(s *slot) {
	p.mu.Lock()
	ctrl := s.ctrl
	proc := s.proc
	s.state = StateStarting
	s.ctrl = nil
	s.proc = nil
	s.owner = ""
	p.mu.Unlock()

	if ctrl != nil {
		_ = ctrl.Close()
	}
	if proc != nil {
		proc.Terminate()
	}

	if err := p.spawnSlot(s); err != nil {
		p.logger.Error("pool_slot_respawn_failed",
			slog.String("class", string(p.class)),
			slog.Int("slot", s.id),
			slog.String("error", err.Error()))
		return
	}

	p.logger.Info("pool_slot_respawned",
		slog.String("class", string(p.class)),
		slog.Int("slot", s.id))
}
