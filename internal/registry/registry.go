package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hackerspacegent/canvasd/internal/cast"
	"github.com/hackerspacegent/canvasd/internal/discovery"
	"github.com/hackerspacegent/canvasd/internal/domain"
)

// EventSink receives state-change notifications. The hub implements it;
// tests use a recording fake.
type EventSink interface {
	Publish(eventType string, payload any)
}

type noopSink struct{}

func (noopSink) Publish(string, any) {}

// Assignment records which target currently owns a media class.
type Assignment struct {
	TargetID  string    `json:"target_id"`
	MediaURL  string    `json:"media_url"`
	Title     string    `json:"title,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

type assignment struct {
	target  Target
	info    Assignment
	classes []domain.MediaClass
}

type Registry struct {
	logger     *slog.Logger
	localVideo Target
	localAudio Target
	cache      *discovery.Cache
	castCtrl   *cast.Controller
	events     EventSink
	now        func() time.Time

	// Class-level route locks. Routes claiming both classes take them in
	// video-then-audio order so two routes can never deadlock.
	videoMu sync.Mutex
	audioMu sync.Mutex

	stateMu     sync.Mutex
	assignments map[domain.MediaClass]*assignment
}

func New(localVideo, localAudio Target, cache *discovery.Cache, castCtrl *cast.Controller, events EventSink, logger *slog.Logger) *Registry {
	if events == nil {
		events = noopSink{}
	}
	return &Registry{
		logger:      logger,
		localVideo:  localVideo,
		localAudio:  localAudio,
		cache:       cache,
		castCtrl:    castCtrl,
		events:      events,
		now:         time.Now,
		assignments: map[domain.MediaClass]*assignment{},
	}
}

// ListTargets returns the static local sinks plus every cached remote
// receiver. Stale receivers are listed but flagged unavailable.
func (r *Registry) ListTargets() []domain.TargetInfo {
	now := r.now()
	out := []domain.TargetInfo{r.localVideo.Info(), r.localAudio.Info()}
	for _, dev := range r.cache.All(now) {
		stale := r.cache.IsStale(dev.ID, now)
		out = append(out, NewRemoteTarget(dev, r.castCtrl, stale).Info())
	}
	return out
}

// Route directs playback of the classified media to the named target,
// stopping whoever held the claimed classes first. An empty targetID means
// the default local sink for the class. Video routed to a target that also
// carries audio claims the audio class too.
func (r *Registry) Route(ctx context.Context, class domain.MediaClass, targetID string, req PlayRequest) error {
	if !class.Valid() {
		return domain.NewControlError(domain.CodeInvalidRequest, fmt.Sprintf("unknown media class %q", class))
	}
	req.Class = class

	target, err := r.resolveTarget(class, targetID)
	if err != nil {
		return err
	}
	info := target.Info()
	if !info.SupportsClass(class) {
		return domain.NewControlError(domain.CodeTargetUnavailable,
			fmt.Sprintf("target %s does not carry %s", info.ID, class))
	}

	claims := []domain.MediaClass{class}
	if class == domain.ClassVideo && info.SupportsClass(domain.ClassAudio) {
		claims = append(claims, domain.ClassAudio)
	}

	r.lockClasses(claims)
	defer r.unlockClasses(claims)

	r.stopHolders(ctx, claims, info.Type == domain.TargetRemote)

	if err := target.Start(ctx, req); err != nil {
		// Fail safe: the claimed classes stay cleared rather than pointing
		// at anything half-started.
		r.logger.Warn("route_start_failed", "target", info.ID, "class", string(class), "error", err)
		if domain.ErrorCode(err) == domain.CodePoolExhausted {
			return err
		}
		return domain.NewControlError(domain.CodeTargetUnavailable,
			fmt.Sprintf("target %s failed to start: %v", info.ID, err))
	}

	rec := &assignment{
		target: target,
		info: Assignment{
			TargetID:  info.ID,
			MediaURL:  req.MediaURL,
			Title:     req.Title,
			StartedAt: r.now(),
		},
		classes: claims,
	}
	r.stateMu.Lock()
	for _, c := range claims {
		r.assignments[c] = rec
	}
	r.stateMu.Unlock()

	r.logger.Info("route_committed", "target", info.ID, "class", string(class), "claims", len(claims))
	r.events.Publish("route_changed", r.Status())
	return nil
}

// Stop ends playback for one media class. The owning target is stopped and
// every class it held is cleared, not just the requested one.
func (r *Registry) Stop(ctx context.Context, class domain.MediaClass) error {
	if !class.Valid() {
		return domain.NewControlError(domain.CodeInvalidRequest, fmt.Sprintf("unknown media class %q", class))
	}

	claims := []domain.MediaClass{class}
	r.lockClasses(claims)
	defer r.unlockClasses(claims)

	r.stopHolders(ctx, claims, false)
	r.events.Publish("route_changed", r.Status())
	return nil
}

// StopAll clears both classes, for daemon shutdown and the global stop.
func (r *Registry) StopAll(ctx context.Context) {
	claims := []domain.MediaClass{domain.ClassVideo, domain.ClassAudio}
	r.lockClasses(claims)
	defer r.unlockClasses(claims)

	r.stopHolders(ctx, claims, true)
	r.events.Publish("route_changed", r.Status())
}

// Status reports the committed assignment per class. A class absent from
// the map has no owner.
func (r *Registry) Status() map[string]*Assignment {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	out := map[string]*Assignment{
		string(domain.ClassVideo): nil,
		string(domain.ClassAudio): nil,
	}
	for class, rec := range r.assignments {
		snapshot := rec.info
		out[string(class)] = &snapshot
	}
	return out
}

func (r *Registry) resolveTarget(class domain.MediaClass, targetID string) (Target, error) {
	switch targetID {
	case "":
		if class == domain.ClassVideo {
			return r.localVideo, nil
		}
		return r.localAudio, nil
	case r.localVideo.Info().ID:
		return r.localVideo, nil
	case r.localAudio.Info().ID:
		return r.localAudio, nil
	}

	now := r.now()
	dev, ok := r.cache.Get(targetID, now)
	if !ok {
		if r.cache.IsStale(targetID, now) {
			return nil, domain.NewControlError(domain.CodeTargetUnavailable,
				fmt.Sprintf("receiver %s has not been seen recently", targetID))
		}
		return nil, domain.NewControlError(domain.CodeUnknownTarget,
			fmt.Sprintf("unknown target %s", targetID))
	}
	return NewRemoteTarget(dev, r.castCtrl, false), nil
}

// stopHolders tears down every assignment touching the claimed classes and
// clears all classes those assignments held. When the incoming target is
// remote, existing remote assignments are torn down too, since only one
// remote session exists at a time.
func (r *Registry) stopHolders(ctx context.Context, claims []domain.MediaClass, evictRemote bool) {
	r.stateMu.Lock()
	victims := map[*assignment]struct{}{}
	for _, class := range claims {
		if rec, ok := r.assignments[class]; ok {
			victims[rec] = struct{}{}
		}
	}
	if evictRemote {
		for _, rec := range r.assignments {
			if rec.target.Info().Type == domain.TargetRemote {
				victims[rec] = struct{}{}
			}
		}
	}
	for rec := range victims {
		for _, c := range rec.classes {
			if r.assignments[c] == rec {
				delete(r.assignments, c)
			}
		}
	}
	r.stateMu.Unlock()

	for rec := range victims {
		if err := rec.target.Stop(ctx); err != nil {
			r.logger.Warn("route_stop_failed", "target", rec.info.TargetID, "error", err)
		}
	}
}

func (r *Registry) lockClasses(claims []domain.MediaClass) {
	if hasClass(claims, domain.ClassVideo) {
		r.videoMu.Lock()
	}
	if hasClass(claims, domain.ClassAudio) {
		r.audioMu.Lock()
	}
}

func (r *Registry) unlockClasses(claims []domain.MediaClass) {
	if hasClass(claims, domain.ClassAudio) {
		r.audioMu.Unlock()
	}
	if hasClass(claims, domain.ClassVideo) {
		r.videoMu.Unlock()
	}
}

func hasClass(claims []domain.MediaClass, class domain.MediaClass) bool {
	for _, c := range claims {
		if c == class {
			return true
		}
	}
	return false
}
