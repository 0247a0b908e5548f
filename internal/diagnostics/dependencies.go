package diagnostics

import "os/exec"

var lookPath = exec.LookPath

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

// DependencyReport lists the external binaries the daemon shells out to.
// mpv is required; yt-dlp and ffmpeg only degrade features when absent.
type DependencyReport struct {
	MPV                BinaryStatus `json:"mpv"`
	YTDLP              BinaryStatus `json:"yt_dlp"`
	FFmpeg             BinaryStatus `json:"ffmpeg"`
	AllRequiredPresent bool         `json:"all_required_present"`
}

func DetectDependencies() DependencyReport {
	mpv := detectBinary("mpv")
	ytdlp := detectBinary("yt-dlp")
	ffmpeg := detectBinary("ffmpeg")

	return DependencyReport{
		MPV:                mpv,
		YTDLP:              ytdlp,
		FFmpeg:             ffmpeg,
		AllRequiredPresent: mpv.Found,
	}
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}

	return BinaryStatus{
		Found: true,
		Path:  path,
	}
}
