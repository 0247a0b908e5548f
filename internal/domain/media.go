package domain

import (
	"net/url"
	"strings"
)

// MediaClass is one of the two output ownership axes: the screen or the
// speaker. Every routing decision is made per class.
type MediaClass string

const (
	ClassVideo MediaClass = "video"
	ClassAudio MediaClass = "audio"
)

func (c MediaClass) Valid() bool {
	return c == ClassVideo || c == ClassAudio
}

var audioExtensions = []string{".mp3", ".m4a", ".aac", ".ogg", ".opus", ".flac", ".wav"}

var videoExtensions = []string{".mp4", ".mkv", ".webm", ".avi", ".mov", ".m4v"}

// ClassifyMedia decides whether a media source occupies the screen or only
// the speaker. Content type wins when provided; otherwise the URL host and
// extension are consulted, with streaming-radio patterns treated as audio.
// Unknown sources default to video, which claims both ownership axes and is
// therefore the safe guess.
func ClassifyMedia(mediaURL, contentType string) MediaClass {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "video") {
		return ClassVideo
	}
	if strings.Contains(ct, "audio") {
		return ClassAudio
	}

	lowered := strings.ToLower(mediaURL)
	parsed, err := url.Parse(lowered)
	if err != nil {
		return ClassVideo
	}

	host := parsed.Hostname()
	if strings.Contains(host, "youtube.com") || strings.Contains(host, "youtu.be") || strings.Contains(host, "vimeo.com") {
		return ClassVideo
	}

	for _, ext := range audioExtensions {
		if strings.HasSuffix(parsed.Path, ext) {
			return ClassAudio
		}
	}
	for _, ext := range videoExtensions {
		if strings.HasSuffix(parsed.Path, ext) {
			return ClassVideo
		}
	}

	for _, pattern := range []string{".pls", ".m3u", "radio", "stream"} {
		if strings.Contains(lowered, pattern) {
			return ClassAudio
		}
	}

	return ClassVideo
}
