package mpv

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hackerspacegent/canvasd/internal/domain"
)

const socketWaitTimeout = 10 * time.Second

// LaunchSpec describes one headless mpv process bound to a private IPC
// socket.
type LaunchSpec struct {
	Binary     string
	SocketPath string
	Args       []string
}

// SocketPathFor names the IPC socket for one pool slot. Slot IDs are
// stable across respawns so the path is too.
func SocketPathFor(socketDir string, class domain.MediaClass, slotID int) string {
	return filepath.Join(socketDir, fmt.Sprintf("%s-mpv-pool-%d", class, slotID))
}

// VideoArgs builds the argument list for a screen-owning mpv process:
// DRM output straight to the HDMI connector, hardware decoding, idle so
// the process survives between loads.
func VideoArgs(socketPath, drmDevice, drmConnector, audioDevice string) []string {
	return []string{
		"--vo=drm",
		"--drm-device=" + drmDevice,
		"--drm-connector=" + drmConnector,
		"--audio-device=" + audioDevice,
		"--hwdec=v4l2m2m",
		"--fs",
		"--quiet",
		"--no-input-default-bindings",
		"--no-osc",
		"--input-ipc-server=" + socketPath,
		"--idle=yes",
		"--no-terminal",
		"--really-quiet",
	}
}

// AudioArgs builds the argument list for a speaker-owning mpv process with
// video output disabled.
func AudioArgs(socketPath, audioDevice string) []string {
	return []string{
		"--vo=null",
		"--audio-device=" + audioDevice,
		"--quiet",
		"--no-input-default-bindings",
		"--no-osc",
		"--input-ipc-server=" + socketPath,
		"--idle=yes",
		"--no-terminal",
		"--really-quiet",
	}
}

// Launch removes any stale socket left by a previous run, starts the
// player in its own process group, and waits for the fresh socket to be
// bound before returning.
func Launch(spec LaunchSpec) (*exec.Cmd, error) {
	if err := RemoveStaleSocket(spec.SocketPath); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	if err := waitForSocket(spec.SocketPath); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	return cmd, nil
}

// RemoveStaleSocket deletes a leftover socket file so the new process does
// not fail with "address in use".
func RemoveStaleSocket(socketPath string) error {
	err := os.Remove(socketPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}

func waitForSocket(socketPath string) error {
	deadline := time.Now().Add(socketWaitTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			// mpv binds the socket slightly before it starts serving.
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("player did not bind %s within %s", socketPath, socketWaitTimeout)
}
