package domain

import "time"

// Device is one discovered remote receiver on the LAN.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model,omitempty"`
	Address      string    `json:"address"`
	IsAudioOnly  bool      `json:"is_audio_only"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// TargetType distinguishes the static local sinks from discovered receivers.
type TargetType string

const (
	TargetLocalVideo TargetType = "local-video"
	TargetLocalAudio TargetType = "local-audio"
	TargetRemote     TargetType = "remote"
)

// TargetInfo is the API-facing description of one addressable output sink.
type TargetInfo struct {
	ID           string       `json:"id"`
	Type         TargetType   `json:"type"`
	Name         string       `json:"name"`
	Capabilities []MediaClass `json:"capabilities"`
	IsAvailable  bool         `json:"is_available"`
	Stale        bool         `json:"stale,omitempty"`
}

// SupportsClass reports whether the target can carry the given media class.
func (t TargetInfo) SupportsClass(class MediaClass) bool {
	for _, c := range t.Capabilities {
		if c == class {
			return true
		}
	}
	return false
}
