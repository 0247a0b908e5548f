package release

import (
	"context"
	"strings"
	"testing"
)

func TestArtifactNaming(t *testing.T) {
	target := Target{GOOS: "linux", GOARCH: "arm64"}
	if got := packageDirName("1.4.0", target); got != "canvasd_1.4.0_linux_arm64" {
		t.Fatalf("package dir = %q", got)
	}
	if got := archiveName("1.4.0", target); got != "canvasd_1.4.0_linux_arm64.tar.gz" {
		t.Fatalf("archive name = %q", got)
	}
}

func TestBuildArtifactsValidatesOptions(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		want string
	}{
		{"missing out dir", Options{RepoRoot: ".", Version: "1.0.0"}, "out dir"},
		{"missing repo root", Options{OutDir: "dist", Version: "1.0.0"}, "repo root"},
		{"missing version", Options{OutDir: "dist", RepoRoot: "."}, "version"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildArtifacts(context.Background(), tc.opts)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestDefaultTargetsAreLinuxOnly(t *testing.T) {
	for _, target := range DefaultTargets {
		if target.GOOS != "linux" {
			t.Fatalf("unexpected target OS %q", target.GOOS)
		}
	}
}
