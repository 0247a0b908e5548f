package discovery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"go2tv.app/go2tv/v2/devices"

	"github.com/hackerspacegent/canvasd/internal/adapters"
	"github.com/hackerspacegent/canvasd/internal/domain"
)

const defaultWorkerDelaySeconds = 5

// RunWorker is the worker-process entry point. It runs a single mDNS
// enumeration with the given budget and writes the result as JSON to w.
// The process exits afterwards, which is what tears down the discovery
// library's listeners and goroutines.
func RunWorker(ctx context.Context, adapter adapters.Discovery, timeout time.Duration, w io.Writer) error {
	adapter.StartChromecastDiscoveryLoop(ctx)

	delaySeconds := int(timeout.Seconds())
	if delaySeconds <= 0 {
		delaySeconds = defaultWorkerDelaySeconds
	}

	loaded, err := adapter.LoadAllDevices(delaySeconds)
	if err != nil && !errors.Is(err, devices.ErrNoDeviceAvailable) {
		return fmt.Errorf("enumerate receivers: %w", err)
	}

	return json.NewEncoder(w).Encode(normalizeDevices(loaded))
}

func normalizeDevices(discovered []devices.Device) []domain.Device {
	result := make([]domain.Device, 0, len(discovered))
	for _, raw := range discovered {
		address := strings.TrimSpace(raw.Addr)
		result = append(result, domain.Device{
			ID:          stableID(address),
			Name:        strings.TrimSpace(raw.Name),
			Model:       strings.TrimSpace(raw.Type),
			Address:     address,
			IsAudioOnly: raw.IsAudioOnly,
		})
	}
	return result
}

// stableID derives a device ID from the canonical address so the same
// receiver maps to the same cache entry across cycles and restarts.
func stableID(address string) string {
	sum := sha1.Sum([]byte(canonicalAddress(address)))
	return "cast_" + hex.EncodeToString(sum[:8])
}

func canonicalAddress(address string) string {
	parsed, err := url.Parse(address)
	if err != nil || parsed.Host == "" {
		return strings.ToLower(strings.TrimSpace(address))
	}

	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if port == "" {
		port = "8009"
	}
	return fmt.Sprintf("%s:%s", host, port)
}
