package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go2tv.app/go2tv/v2/castprotocol"

	"github.com/hackerspacegent/canvasd/internal/adapters"
	"github.com/hackerspacegent/canvasd/internal/cast"
	"github.com/hackerspacegent/canvasd/internal/discovery"
	"github.com/hackerspacegent/canvasd/internal/domain"
)

type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.entries...)
}

type fakeTarget struct {
	info     domain.TargetInfo
	log      *callLog
	startErr error
}

func (f *fakeTarget) Info() domain.TargetInfo { return f.info }

func (f *fakeTarget) Start(_ context.Context, req PlayRequest) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.log.add("start:" + f.info.ID)
	return nil
}

func (f *fakeTarget) Stop(_ context.Context) error {
	f.log.add("stop:" + f.info.ID)
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSink) Publish(eventType string, _ any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, eventType)
}

type stubCastClient struct {
	mu    sync.Mutex
	loads []string
	stops int
}

func (s *stubCastClient) Connect() error { return nil }

func (s *stubCastClient) Load(mediaURL, contentType string, startTime int, duration float64, subtitleURL string, live bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads = append(s.loads, mediaURL)
	return nil
}

func (s *stubCastClient) Pause() error            { return nil }
func (s *stubCastClient) Play() error             { return nil }
func (s *stubCastClient) SetVolume(float32) error { return nil }

func (s *stubCastClient) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *stubCastClient) Close(stopMedia bool) error { return nil }

func (s *stubCastClient) GetStatus() (*castprotocol.CastStatus, error) {
	return &castprotocol.CastStatus{PlayerState: "PLAYING"}, nil
}

type stubCastFactory struct {
	client *stubCastClient
}

func (f *stubCastFactory) NewCastClient(addr string) (adapters.CastClient, error) {
	return f.client, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fixture struct {
	reg        *Registry
	log        *callLog
	localVideo *fakeTarget
	localAudio *fakeTarget
	cache      *discovery.Cache
	castClient *stubCastClient
	sink       *fakeSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := &callLog{}
	localVideo := &fakeTarget{
		log: log,
		info: domain.TargetInfo{
			ID: "local-video", Type: domain.TargetLocalVideo, Name: "Local Screen",
			Capabilities: []domain.MediaClass{domain.ClassVideo, domain.ClassAudio}, IsAvailable: true,
		},
	}
	localAudio := &fakeTarget{
		log: log,
		info: domain.TargetInfo{
			ID: "local-audio", Type: domain.TargetLocalAudio, Name: "Local Speaker",
			Capabilities: []domain.MediaClass{domain.ClassAudio}, IsAvailable: true,
		},
	}
	cache := discovery.NewCache(24 * time.Hour)
	client := &stubCastClient{}
	castCtrl := cast.NewController(&stubCastFactory{client: client}, quietLogger())
	sink := &fakeSink{}

	reg := New(localVideo, localAudio, cache, castCtrl, sink, quietLogger())
	return &fixture{
		reg:        reg,
		log:        log,
		localVideo: localVideo,
		localAudio: localAudio,
		cache:      cache,
		castClient: client,
		sink:       sink,
	}
}

func TestRouteDefaultsToLocalClassTarget(t *testing.T) {
	f := newFixture(t)

	err := f.reg.Route(context.Background(), domain.ClassAudio, "", PlayRequest{MediaURL: "http://radio/a"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}

	status := f.reg.Status()
	if status["audio"] == nil || status["audio"].TargetID != "local-audio" {
		t.Fatalf("expected local-audio assignment, got %+v", status["audio"])
	}
	if status["video"] != nil {
		t.Fatal("expected video class untouched")
	}
}

func TestRouteStopsPreviousHolderBeforeStartingNext(t *testing.T) {
	f := newFixture(t)
	f.cache.Merge([]domain.Device{{ID: "cast_aa", Name: "Living Room TV", Address: "192.168.1.20:8009"}}, time.Now())

	if err := f.reg.Route(context.Background(), domain.ClassAudio, "local-audio", PlayRequest{MediaURL: "http://radio/a"}); err != nil {
		t.Fatalf("first route: %v", err)
	}
	if err := f.reg.Route(context.Background(), domain.ClassAudio, "cast_aa", PlayRequest{MediaURL: "http://radio/a"}); err != nil {
		t.Fatalf("second route: %v", err)
	}

	entries := f.log.all()
	if len(entries) < 2 || entries[len(entries)-1] != "stop:local-audio" {
		t.Fatalf("expected local audio stopped during handover, log: %v", entries)
	}
	if len(f.castClient.loads) != 1 {
		t.Fatalf("expected one remote load, got %d", len(f.castClient.loads))
	}

	status := f.reg.Status()
	if status["audio"] == nil || status["audio"].TargetID != "cast_aa" {
		t.Fatalf("expected audio owned by cast_aa, got %+v", status["audio"])
	}
}

func TestVideoRouteClaimsAudioOnCapableTarget(t *testing.T) {
	f := newFixture(t)

	if err := f.reg.Route(context.Background(), domain.ClassAudio, "local-audio", PlayRequest{MediaURL: "http://radio/a"}); err != nil {
		t.Fatalf("audio route: %v", err)
	}
	if err := f.reg.Route(context.Background(), domain.ClassVideo, "local-video", PlayRequest{MediaURL: "http://media/movie.mp4"}); err != nil {
		t.Fatalf("video route: %v", err)
	}

	status := f.reg.Status()
	if status["video"] == nil || status["video"].TargetID != "local-video" {
		t.Fatalf("expected video owned by local-video, got %+v", status["video"])
	}
	if status["audio"] == nil || status["audio"].TargetID != "local-video" {
		t.Fatalf("expected audio claimed by local-video, got %+v", status["audio"])
	}

	found := false
	for _, entry := range f.log.all() {
		if entry == "stop:local-audio" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected previous audio holder stopped")
	}
}

func TestRouteFailureClearsAssignment(t *testing.T) {
	f := newFixture(t)

	if err := f.reg.Route(context.Background(), domain.ClassVideo, "local-video", PlayRequest{MediaURL: "http://media/a.mp4"}); err != nil {
		t.Fatalf("first route: %v", err)
	}

	f.localVideo.startErr = errors.New("drm output busy")
	err := f.reg.Route(context.Background(), domain.ClassVideo, "local-video", PlayRequest{MediaURL: "http://media/b.mp4"})
	if domain.ErrorCode(err) != domain.CodeTargetUnavailable {
		t.Fatalf("expected %s, got %v", domain.CodeTargetUnavailable, err)
	}

	status := f.reg.Status()
	if status["video"] != nil || status["audio"] != nil {
		t.Fatalf("expected cleared assignments after failed start, got %+v", status)
	}
}

func TestStopClearsEveryClassTheTargetHeld(t *testing.T) {
	f := newFixture(t)

	if err := f.reg.Route(context.Background(), domain.ClassVideo, "local-video", PlayRequest{MediaURL: "http://media/a.mp4"}); err != nil {
		t.Fatalf("route: %v", err)
	}
	if err := f.reg.Stop(context.Background(), domain.ClassAudio); err != nil {
		t.Fatalf("stop: %v", err)
	}

	status := f.reg.Status()
	if status["video"] != nil {
		t.Fatalf("expected video cleared along with audio, got %+v", status["video"])
	}
	if status["audio"] != nil {
		t.Fatalf("expected audio cleared, got %+v", status["audio"])
	}
}

func TestRouteToAudioOnlyTargetRejectsVideo(t *testing.T) {
	f := newFixture(t)

	err := f.reg.Route(context.Background(), domain.ClassVideo, "local-audio", PlayRequest{MediaURL: "http://media/a.mp4"})
	if domain.ErrorCode(err) != domain.CodeTargetUnavailable {
		t.Fatalf("expected %s, got %v", domain.CodeTargetUnavailable, err)
	}
}

func TestRouteUnknownTarget(t *testing.T) {
	f := newFixture(t)

	err := f.reg.Route(context.Background(), domain.ClassAudio, "cast_zz", PlayRequest{MediaURL: "http://radio/a"})
	if domain.ErrorCode(err) != domain.CodeUnknownTarget {
		t.Fatalf("expected %s, got %v", domain.CodeUnknownTarget, err)
	}
}

func TestRouteStaleReceiverUnavailable(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-25 * time.Hour)
	f.cache.Merge([]domain.Device{{ID: "cast_aa", Name: "Living Room TV", Address: "192.168.1.20:8009"}}, old)

	err := f.reg.Route(context.Background(), domain.ClassAudio, "cast_aa", PlayRequest{MediaURL: "http://radio/a"})
	if domain.ErrorCode(err) != domain.CodeTargetUnavailable {
		t.Fatalf("expected %s for stale receiver, got %v", domain.CodeTargetUnavailable, err)
	}
}

func TestListTargetsCombinesLocalAndDiscovered(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.cache.Merge([]domain.Device{
		{ID: "cast_aa", Name: "Living Room TV", Address: "192.168.1.20:8009"},
		{ID: "cast_bb", Name: "Kitchen Speaker", Address: "192.168.1.30:8009", IsAudioOnly: true},
	}, now)

	targets := f.reg.ListTargets()
	if len(targets) != 4 {
		t.Fatalf("expected 2 local + 2 remote targets, got %d", len(targets))
	}

	byID := map[string]domain.TargetInfo{}
	for _, info := range targets {
		byID[info.ID] = info
	}
	if !byID["cast_bb"].SupportsClass(domain.ClassAudio) || byID["cast_bb"].SupportsClass(domain.ClassVideo) {
		t.Fatalf("expected audio-only capabilities for cast_bb, got %v", byID["cast_bb"].Capabilities)
	}
	if !byID["cast_aa"].IsAvailable {
		t.Fatal("expected fresh receiver to be available")
	}
}

func TestListTargetsMarksStaleReceivers(t *testing.T) {
	f := newFixture(t)
	f.cache.Merge([]domain.Device{{ID: "cast_aa", Name: "Living Room TV"}}, time.Now().Add(-25*time.Hour))

	targets := f.reg.ListTargets()
	if len(targets) != 3 {
		t.Fatalf("expected stale receiver still listed, got %d targets", len(targets))
	}
	for _, info := range targets {
		if info.ID == "cast_aa" {
			if !info.Stale || info.IsAvailable {
				t.Fatalf("expected stale unavailable receiver, got %+v", info)
			}
		}
	}
}

func TestRouteEmitsRouteChangedEvents(t *testing.T) {
	f := newFixture(t)

	if err := f.reg.Route(context.Background(), domain.ClassAudio, "", PlayRequest{MediaURL: "http://radio/a"}); err != nil {
		t.Fatalf("route: %v", err)
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.events) != 1 || f.sink.events[0] != "route_changed" {
		t.Fatalf("expected one route_changed event, got %v", f.sink.events)
	}
}
