package pool

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/hackerspacegent/canvasd/internal/domain"
	"github.com/hackerspacegent/canvasd/internal/mpv"
)

// MPVSpawner starts headless mpv processes for one media class and
// connects their IPC controllers. The video class renders straight to the
// DRM connector; the audio class runs with video output disabled.
type MPVSpawner struct {
	Class        domain.MediaClass
	Binary       string
	SocketDir    string
	AudioDevice  string
	DRMDevice    string
	DRMConnector string
	Logger       *slog.Logger
	Observer     mpv.ObserverFunc
}

// Properties observed on every fresh process so state changes flow to the
// event hub without polling.
var observedProperties = []string{"time-pos", "duration", "pause", "volume"}

func (s *MPVSpawner) Spawn(slotID int) (Controller, Process, error) {
	socketPath := mpv.SocketPathFor(s.SocketDir, s.Class, slotID)

	var args []string
	if s.Class == domain.ClassVideo {
		args = mpv.VideoArgs(socketPath, s.DRMDevice, s.DRMConnector, s.AudioDevice)
	} else {
		args = mpv.AudioArgs(socketPath, s.AudioDevice)
	}

	cmd, err := mpv.Launch(mpv.LaunchSpec{
		Binary:     s.Binary,
		SocketPath: socketPath,
		Args:       args,
	})
	if err != nil {
		return nil, nil, err
	}

	ctrl, err := mpv.Dial(socketPath, s.Logger, s.Observer)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i, name := range observedProperties {
		if err := ctrl.ObserveProperty(ctx, i+1, name); err != nil {
			s.Logger.Warn("observe_property_failed",
				slog.String("class", string(s.Class)),
				slog.Int("slot", slotID),
				slog.String("property", name),
				slog.String("error", err.Error()))
		}
	}

	return ctrl, newOSProcess(cmd), nil
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func newOSProcess(cmd *exec.Cmd) *osProcess {
	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p
}

func (p *osProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Terminate kills the process group and reaps it. Best effort: the caller
// is about to respawn or shut down either way.
func (p *osProcess) Terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
	}
}
