package receiver

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackerspacegent/canvasd/internal/domain"
	"github.com/hackerspacegent/canvasd/internal/registry"
)

// mediaRouter is the slice of the registry the receiver needs.
type mediaRouter interface {
	Route(ctx context.Context, class domain.MediaClass, targetID string, req registry.PlayRequest) error
	Stop(ctx context.Context, class domain.MediaClass) error
}

// EventSink mirrors the hub's publish surface.
type EventSink interface {
	Publish(eventType string, payload any)
}

// Sessions tracks the single inbound cast session. A new cast replaces the
// old one; there is no queueing.
type Sessions struct {
	router mediaRouter
	events EventSink
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *domain.ReceiverSession
}

func NewSessions(router mediaRouter, events EventSink, logger *slog.Logger) *Sessions {
	return &Sessions{
		router: router,
		events: events,
		logger: logger,
		now:    time.Now,
	}
}

// Receive handles one inbound cast request. The media is classified and
// routed to the default local sink for its class; the same exclusivity
// rules apply as for any other route.
func (s *Sessions) Receive(ctx context.Context, mediaURL, title string) (*domain.ReceiverSession, error) {
	mediaURL = strings.TrimSpace(mediaURL)
	if mediaURL == "" {
		return nil, domain.NewControlError(domain.CodeInvalidRequest, "media url is required")
	}

	class := domain.ClassifyMedia(mediaURL, "")
	if err := s.router.Route(ctx, class, "", registry.PlayRequest{
		MediaURL: mediaURL,
		Title:    title,
	}); err != nil {
		// The route attempt already stopped whatever the previous session
		// was playing, so that session must not survive the failure.
		s.dropCurrent()
		return nil, err
	}

	sess := &domain.ReceiverSession{
		SessionID: uuid.NewString(),
		MediaURL:  mediaURL,
		Title:     title,
		MediaType: class,
		StartedAt: s.now(),
	}

	s.mu.Lock()
	replaced := s.current
	s.current = sess
	s.mu.Unlock()

	if replaced != nil {
		s.logger.Info("cast_session_replaced", "old_session_id", replaced.SessionID, "session_id", sess.SessionID)
	}
	s.logger.Info("cast_received", "session_id", sess.SessionID, "media_type", sess.MediaType, "title", title)
	s.events.Publish("cast_received", sess)
	return sess, nil
}

// Stop ends the inbound session and its playback, if one exists.
func (s *Sessions) Stop(ctx context.Context) error {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}
	if err := s.router.Stop(ctx, sess.MediaType); err != nil {
		return err
	}
	s.events.Publish("cast_stopped", sess)
	return nil
}

// dropCurrent discards the active session without touching playback.
func (s *Sessions) dropCurrent() {
	s.mu.Lock()
	sess := s.current
	s.current = nil
	s.mu.Unlock()

	if sess == nil {
		return
	}
	s.logger.Info("cast_session_dropped", "session_id", sess.SessionID)
	s.events.Publish("cast_stopped", sess)
}

// Status returns a copy of the active session, or nil when idle.
func (s *Sessions) Status() *domain.ReceiverSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	snapshot := *s.current
	return &snapshot
}
