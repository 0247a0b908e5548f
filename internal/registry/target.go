// Package registry is the single point of truth for where video and audio
// currently go. It enumerates output targets and enforces the one-owner-
// per-class rule when routing playback between them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hackerspacegent/canvasd/internal/cast"
	"github.com/hackerspacegent/canvasd/internal/domain"
	"github.com/hackerspacegent/canvasd/internal/pool"
)

// PlayRequest carries what a target needs to begin playback.
type PlayRequest struct {
	MediaURL    string
	Title       string
	ContentType string
	Class       domain.MediaClass
}

// Target is one addressable output sink. Local hardware and discovered
// remote receivers implement the same surface so the registry never cares
// which kind it is routing to.
type Target interface {
	Info() domain.TargetInfo
	Start(ctx context.Context, req PlayRequest) error
	Stop(ctx context.Context) error
}

const localAcquireTimeout = 5 * time.Second

// LocalTarget plays through a pooled mpv process. It holds at most one
// lease at a time; starting new media on it replaces the previous lease.
type LocalTarget struct {
	info   domain.TargetInfo
	pool   *pool.Pool
	logger *slog.Logger

	mu    sync.Mutex
	lease *pool.Lease
}

func NewLocalVideoTarget(p *pool.Pool, logger *slog.Logger) *LocalTarget {
	return &LocalTarget{
		info: domain.TargetInfo{
			ID:           "local-video",
			Type:         domain.TargetLocalVideo,
			Name:         "Local Screen",
			Capabilities: []domain.MediaClass{domain.ClassVideo, domain.ClassAudio},
			IsAvailable:  true,
		},
		pool:   p,
		logger: logger,
	}
}

func NewLocalAudioTarget(p *pool.Pool, logger *slog.Logger) *LocalTarget {
	return &LocalTarget{
		info: domain.TargetInfo{
			ID:           "local-audio",
			Type:         domain.TargetLocalAudio,
			Name:         "Local Speaker",
			Capabilities: []domain.MediaClass{domain.ClassAudio},
			IsAvailable:  true,
		},
		pool:   p,
		logger: logger,
	}
}

func (t *LocalTarget) Info() domain.TargetInfo {
	return t.info
}

func (t *LocalTarget) Start(ctx context.Context, req PlayRequest) error {
	acquireCtx, cancel := context.WithTimeout(ctx, localAcquireTimeout)
	defer cancel()

	lease, err := t.pool.Acquire(acquireCtx)
	if err != nil {
		return err
	}

	ctrl := lease.Controller()
	if err := ctrl.LoadFile(ctx, req.MediaURL); err != nil {
		lease.Release()
		return fmt.Errorf("load %s: %w", t.info.ID, err)
	}
	// mpv idles after a load in idle mode; playback needs an explicit unpause.
	if err := ctrl.SetProperty(ctx, "pause", false); err != nil {
		lease.Release()
		return fmt.Errorf("unpause %s: %w", t.info.ID, err)
	}

	t.mu.Lock()
	prev := t.lease
	t.lease = lease
	t.mu.Unlock()

	if prev != nil {
		prev.Release()
	}

	t.logger.Info("local_playback_started", "target", t.info.ID, "slot", lease.SlotID())
	return nil
}

func (t *LocalTarget) Stop(_ context.Context) error {
	t.mu.Lock()
	lease := t.lease
	t.lease = nil
	t.mu.Unlock()

	if lease != nil {
		lease.Release()
		t.logger.Info("local_playback_stopped", "target", t.info.ID, "slot", lease.SlotID())
	}
	return nil
}

// RemoteTarget plays through a discovered cast receiver via the shared
// remote session controller.
type RemoteTarget struct {
	device domain.Device
	ctrl   *cast.Controller
	stale  bool
}

func NewRemoteTarget(device domain.Device, ctrl *cast.Controller, stale bool) *RemoteTarget {
	return &RemoteTarget{device: device, ctrl: ctrl, stale: stale}
}

func (t *RemoteTarget) Info() domain.TargetInfo {
	caps := []domain.MediaClass{domain.ClassVideo, domain.ClassAudio}
	if t.device.IsAudioOnly {
		caps = []domain.MediaClass{domain.ClassAudio}
	}
	return domain.TargetInfo{
		ID:           t.device.ID,
		Type:         domain.TargetRemote,
		Name:         t.device.Name,
		Capabilities: caps,
		IsAvailable:  !t.stale,
		Stale:        t.stale,
	}
}

func (t *RemoteTarget) Start(ctx context.Context, req PlayRequest) error {
	_, err := t.ctrl.Start(ctx, t.device, req.MediaURL, req.Title, req.ContentType)
	return err
}

func (t *RemoteTarget) Stop(ctx context.Context) error {
	return t.ctrl.Stop(ctx)
}
