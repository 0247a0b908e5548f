// Package server is the HTTP/WebSocket boundary of the daemon. It
// translates requests into core operations and control errors into
// status codes; no orchestration logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackerspacegent/canvasd/internal/cast"
	"github.com/hackerspacegent/canvasd/internal/domain"
	"github.com/hackerspacegent/canvasd/internal/hub"
	"github.com/hackerspacegent/canvasd/internal/pool"
	"github.com/hackerspacegent/canvasd/internal/receiver"
	"github.com/hackerspacegent/canvasd/internal/registry"
)

// Refresher triggers a manual discovery cycle.
type Refresher interface {
	Refresh(ctx context.Context) (int, error)
}

// RemoteController transports control of the active remote cast session.
// Implemented by *cast.Controller.
type RemoteController interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SetVolume(ctx context.Context, level float32) error
	Status(ctx context.Context) cast.Status
}

type Server struct {
	logger    *slog.Logger
	registry  *registry.Registry
	sessions  *receiver.Sessions
	responder *receiver.Responder
	refresher Refresher
	remote    RemoteController
	hub       *hub.Hub
	pools     []*pool.Pool
	version   string
	router    chi.Router
}

func New(
	reg *registry.Registry,
	sessions *receiver.Sessions,
	responder *receiver.Responder,
	refresher Refresher,
	remote RemoteController,
	h *hub.Hub,
	pools []*pool.Pool,
	version string,
	logger *slog.Logger,
) *Server {
	s := &Server{
		logger:    logger,
		registry:  reg,
		sessions:  sessions,
		responder: responder,
		refresher: refresher,
		remote:    remote,
		hub:       h,
		pools:     pools,
		version:   version,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled, then drains with a short
// shutdown grace period.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http_listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/dd.xml", s.handleDeviceDescription)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/targets", s.handleTargets)
		r.Get("/pools", s.handlePools)
		r.Post("/route", s.handleRoute)
		r.Post("/stop", s.handleStop)
		r.Post("/discovery/refresh", s.handleDiscoveryRefresh)
		r.Post("/cast/receive", s.handleCastReceive)
		r.Get("/cast/status", s.handleCastStatus)
		r.Post("/remote/pause", s.handleRemotePause)
		r.Post("/remote/resume", s.handleRemoteResume)
		r.Post("/remote/volume", s.handleRemoteVolume)
		r.Get("/remote/status", s.handleRemoteStatus)
		r.Post("/webhooks/nowplaying", s.handleNowPlaying)
	})

	return r
}

func (s *Server) handleDeviceDescription(w http.ResponseWriter, r *http.Request) {
	body, err := s.responder.DeviceDescription()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"version":      s.version,
		"assignments":  s.registry.Status(),
		"cast_session": s.sessions.Status(),
		"subscribers":  s.hub.SubscriberCount(),
	})
}

func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"targets": s.registry.ListTargets(),
	})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	type poolStatus struct {
		Class    string            `json:"class"`
		Capacity int               `json:"capacity"`
		Slots    []pool.SlotStatus `json:"slots"`
	}
	out := make([]poolStatus, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, poolStatus{
			Class:    string(p.Class()),
			Capacity: p.Capacity(),
			Slots:    p.Status(),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

type routeRequest struct {
	Class       string `json:"class"`
	TargetID    string `json:"target_id"`
	MediaURL    string `json:"media_url"`
	Title       string `json:"title"`
	ContentType string `json:"content_type"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewControlError(domain.CodeInvalidRequest, "invalid request body"))
		return
	}
	if req.MediaURL == "" {
		s.writeError(w, domain.NewControlError(domain.CodeInvalidRequest, "media_url is required"))
		return
	}

	class := domain.MediaClass(req.Class)
	if req.Class == "" {
		class = domain.ClassifyMedia(req.MediaURL, req.ContentType)
	}

	err := s.registry.Route(r.Context(), class, req.TargetID, registry.PlayRequest{
		MediaURL:    req.MediaURL,
		Title:       req.Title,
		ContentType: req.ContentType,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"assignments": s.registry.Status(),
	})
}

type stopRequest struct {
	Class string `json:"class"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.Body != nil {
		// An empty or absent body means stop everything.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if req.Class == "" {
		s.registry.StopAll(r.Context())
	} else if err := s.registry.Stop(r.Context(), domain.MediaClass(req.Class)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"assignments": s.registry.Status(),
	})
}

func (s *Server) handleDiscoveryRefresh(w http.ResponseWriter, r *http.Request) {
	found, err := s.refresher.Refresh(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"found": found})
}

type castReceiveRequest struct {
	URL      string `json:"url"`
	MediaURL string `json:"media_url"`
	Title    string `json:"title"`
}

func (s *Server) handleCastReceive(w http.ResponseWriter, r *http.Request) {
	var req castReceiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewControlError(domain.CodeInvalidRequest, "invalid request body"))
		return
	}
	mediaURL := req.URL
	if mediaURL == "" {
		mediaURL = req.MediaURL
	}

	sess, err := s.sessions.Receive(r.Context(), mediaURL, req.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleCastStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Status()
	if sess == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"active":  true,
		"session": sess,
	})
}

func (s *Server) handleRemotePause(w http.ResponseWriter, r *http.Request) {
	if err := s.remote.Pause(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.remote.Status(r.Context()))
}

func (s *Server) handleRemoteResume(w http.ResponseWriter, r *http.Request) {
	if err := s.remote.Resume(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.remote.Status(r.Context()))
}

type remoteVolumeRequest struct {
	Level float32 `json:"level"`
}

func (s *Server) handleRemoteVolume(w http.ResponseWriter, r *http.Request) {
	var req remoteVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.NewControlError(domain.CodeInvalidRequest, "invalid request body"))
		return
	}
	if err := s.remote.SetVolume(r.Context(), req.Level); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.remote.Status(r.Context()))
}

func (s *Server) handleRemoteStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.remote.Status(r.Context()))
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, domain.NewControlError(domain.CodeInvalidRequest, "invalid webhook payload"))
		return
	}

	s.hub.Publish("now_playing", payload)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response_encode_failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := domain.ErrorCode(err)
	status := statusForCode(code)

	var ctrlErr *domain.ControlError
	message := err.Error()
	if errors.As(err, &ctrlErr) {
		message = ctrlErr.Message
	}

	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func statusForCode(code string) int {
	switch code {
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeUnknownTarget:
		return http.StatusNotFound
	case domain.CodePoolExhausted:
		return http.StatusServiceUnavailable
	case domain.CodeIPCTimeout:
		return http.StatusGatewayTimeout
	case domain.CodeTargetUnavailable, domain.CodeSessionUnreachable, domain.CodeDiscoveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
