package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/hackerspacegent/canvasd/internal/domain"
)

// WorkerFlag is the flag the daemon passes when re-executing itself as a
// discovery worker. The main package dispatches on it before any other
// startup work.
const WorkerFlag = "-discover-worker"

// runCycleFunc runs one discovery cycle and returns what it found.
// Swappable in tests.
type runCycleFunc func(ctx context.Context, timeout time.Duration) ([]domain.Device, error)

// Service owns the receiver cache and refreshes it on a fixed interval by
// spawning worker processes. A failed cycle leaves the cache untouched.
type Service struct {
	cache    *Cache
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	runCycle runCycleFunc
	now      func() time.Time
}

func NewService(cache *Cache, interval, timeout time.Duration, logger *slog.Logger) *Service {
	s := &Service{
		cache:    cache,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
	s.runCycle = s.spawnWorker
	return s
}

// Cache exposes the receiver cache for the registry.
func (s *Service) Cache() *Cache {
	return s.cache
}

// Refresh runs one discovery cycle and merges the results. It returns the
// number of receivers the cycle found. On failure the cache keeps its
// previous contents.
func (s *Service) Refresh(ctx context.Context) (int, error) {
	started := s.now()
	found, err := s.runCycle(ctx, s.timeout)
	if err != nil {
		s.logger.Error("discovery_cycle_failed", "error", err, "elapsed_ms", time.Since(started).Milliseconds())
		return 0, domain.NewControlError(domain.CodeDiscoveryFailed, fmt.Sprintf("discovery cycle failed: %v", err))
	}

	s.cache.Merge(found, s.now())
	s.logger.Info("discovery_cycle_complete",
		"found", len(found),
		"cached", len(s.cache.All(s.now())),
		"elapsed_ms", time.Since(started).Milliseconds())
	return len(found), nil
}

// Run refreshes once at startup and then on every interval tick until the
// context is cancelled. Cycle failures are logged and the loop keeps going.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.Refresh(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = s.Refresh(ctx)
		}
	}
}

// spawnWorker re-executes the daemon binary in worker mode and decodes the
// device list it prints. The subprocess boundary keeps the discovery
// library's listeners out of the long-lived daemon.
func (s *Service) spawnWorker(ctx context.Context, timeout time.Duration) ([]domain.Device, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate daemon binary: %w", err)
	}

	// Give the worker a little slack beyond its own enumeration budget
	// before the hard kill.
	cmdCtx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cmdCtx, self, WorkerFlag,
		"-discover-timeout", strconv.Itoa(int(timeout.Seconds())))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cmdCtx.Err() != nil {
			return nil, fmt.Errorf("discovery worker timed out after %s", timeout)
		}
		return nil, fmt.Errorf("discovery worker: %w (stderr: %s)", err, stderr.String())
	}

	var found []domain.Device
	if err := json.Unmarshal(stdout.Bytes(), &found); err != nil {
		return nil, fmt.Errorf("decode discovery worker output: %w", err)
	}
	return found, nil
}
