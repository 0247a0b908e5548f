// Package cast drives playback on a remote Chromecast receiver. The
// controller holds at most one session at a time; starting a new one
// replaces whatever was playing before.
package cast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackerspacegent/canvasd/internal/adapters"
	"github.com/hackerspacegent/canvasd/internal/domain"
)

const (
	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 800 * time.Millisecond
)

// Session describes the active remote playback, if any.
type Session struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Device    string    `json:"device"`
	MediaURL  string    `json:"media_url"`
	Title     string    `json:"title,omitempty"`
	MediaType string    `json:"media_type"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time snapshot of the remote player.
type Status struct {
	Session     *Session `json:"session,omitempty"`
	PlayerState string   `json:"player_state,omitempty"`
	CurrentTime float32  `json:"current_time,omitempty"`
	Duration    float32  `json:"duration,omitempty"`
	Volume      float32  `json:"volume,omitempty"`
	Muted       bool     `json:"muted,omitempty"`
}

type Controller struct {
	factory adapters.CastFactory
	logger  *slog.Logger

	retryAttempts    int
	retryBaseBackoff time.Duration
	retryMaxBackoff  time.Duration

	mu      sync.Mutex
	client  adapters.CastClient
	session *Session
}

func NewController(factory adapters.CastFactory, logger *slog.Logger) *Controller {
	return &Controller{
		factory:          factory,
		logger:           logger,
		retryAttempts:    defaultRetryAttempts,
		retryBaseBackoff: defaultRetryBaseBackoff,
		retryMaxBackoff:  defaultRetryMaxBackoff,
	}
}

// Start connects to the receiver and begins playback, replacing any
// session already running, including one on a different device.
func (c *Controller) Start(ctx context.Context, device domain.Device, mediaURL, title, contentType string) (*Session, error) {
	mediaType := resolveContentType(mediaURL, contentType)

	client, err := c.factory.NewCastClient(device.Address)
	if err != nil {
		return nil, domain.NewControlError(domain.CodeSessionUnreachable,
			fmt.Sprintf("create cast client for %s: %v", device.Name, err))
	}

	if err := c.withRetry(ctx, "cast_connect", client.Connect); err != nil {
		_ = client.Close(false)
		return nil, domain.NewControlError(domain.CodeSessionUnreachable,
			fmt.Sprintf("connect to %s: %v", device.Name, err))
	}

	live := strings.Contains(mediaType, "mpegurl")
	if err := c.withRetry(ctx, "cast_load", func() error {
		return client.Load(mediaURL, mediaType, 0, 0, "", live)
	}); err != nil {
		_ = client.Close(true)
		return nil, domain.NewControlError(domain.CodeSessionUnreachable,
			fmt.Sprintf("start playback on %s: %v", device.Name, err))
	}

	sess := &Session{
		SessionID: uuid.NewString(),
		DeviceID:  device.ID,
		Device:    device.Name,
		MediaURL:  mediaURL,
		Title:     title,
		MediaType: mediaType,
		StartedAt: time.Now(),
	}

	c.mu.Lock()
	prevClient, prevSession := c.client, c.session
	c.client, c.session = client, sess
	c.mu.Unlock()

	if prevClient != nil {
		c.teardown(prevClient, prevSession, true)
	}

	c.logger.Info("cast_session_started",
		"session_id", sess.SessionID,
		"device", sess.Device,
		"media_type", sess.MediaType)
	return sess, nil
}

// Pause pauses the active session.
func (c *Controller) Pause(ctx context.Context) error {
	client, _, err := c.activeClient()
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "cast_pause", client.Pause)
}

// Resume resumes a paused session.
func (c *Controller) Resume(ctx context.Context) error {
	client, _, err := c.activeClient()
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "cast_play", client.Play)
}

// SetVolume sets the receiver volume. Values are clamped to [0, 1].
func (c *Controller) SetVolume(ctx context.Context, level float32) error {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	client, _, err := c.activeClient()
	if err != nil {
		return err
	}
	return c.withRetry(ctx, "cast_volume", func() error {
		return client.SetVolume(level)
	})
}

// Stop ends the active session. Local state is always cleared, even when
// the receiver could not be reached.
func (c *Controller) Stop(_ context.Context) error {
	c.mu.Lock()
	client, sess := c.client, c.session
	c.client, c.session = nil, nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	c.teardown(client, sess, true)
	return nil
}

// Status reports the active session and, when the receiver answers, the
// live player state.
func (c *Controller) Status(_ context.Context) Status {
	c.mu.Lock()
	client, sess := c.client, c.session
	c.mu.Unlock()

	if sess == nil {
		return Status{}
	}

	snapshot := *sess
	st := Status{Session: &snapshot}
	if client == nil {
		return st
	}

	playerStatus, err := client.GetStatus()
	if err != nil || playerStatus == nil {
		st.PlayerState = "unknown"
		return st
	}
	st.PlayerState = strings.ToLower(strings.TrimSpace(playerStatus.PlayerState))
	st.CurrentTime = playerStatus.CurrentTime
	st.Duration = playerStatus.Duration
	st.Volume = playerStatus.Volume
	st.Muted = playerStatus.Muted
	return st
}

// Close tears down the active session without stopping remote media, for
// daemon shutdown.
func (c *Controller) Close() {
	c.mu.Lock()
	client, sess := c.client, c.session
	c.client, c.session = nil, nil
	c.mu.Unlock()

	if client != nil {
		c.teardown(client, sess, false)
	}
}

func (c *Controller) activeClient() (adapters.CastClient, *Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, nil, domain.NewControlError(domain.CodeSessionUnreachable, "no active cast session")
	}
	return c.client, c.session, nil
}

func (c *Controller) teardown(client adapters.CastClient, sess *Session, stopMedia bool) {
	if stopMedia {
		if err := client.Stop(); err != nil {
			c.logger.Warn("cast_stop_failed", "error", err)
		}
	}
	if err := client.Close(stopMedia); err != nil {
		c.logger.Warn("cast_close_failed", "error", err)
	}
	if sess != nil {
		c.logger.Info("cast_session_ended", "session_id", sess.SessionID, "device", sess.Device)
	}
}

func (c *Controller) withRetry(ctx context.Context, operation string, call func() error) error {
	attempts := c.retryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= attempts || !isTransientNetworkError(err) {
			break
		}

		backoff := backoffForAttempt(c.retryBaseBackoff, c.retryMaxBackoff, attempt)
		c.logger.Debug("cast_retry",
			"operation", operation,
			"attempt", attempt+1,
			"backoff_ms", backoff.Milliseconds(),
			"error", err)
		if waitErr := waitForBackoff(ctx, backoff); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func backoffForAttempt(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func resolveContentType(mediaURL, contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType != "" && contentType != "/" {
		return contentType
	}
	if domain.ClassifyMedia(mediaURL, "") == domain.ClassAudio {
		return "audio/mpeg"
	}
	return "video/mp4"
}
