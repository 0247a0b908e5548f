// Command release-packager builds the canvasd release archives for every
// supported target and prints the artifact names it produced.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hackerspacegent/canvasd/internal/buildinfo"
	"github.com/hackerspacegent/canvasd/internal/release"
)

func main() {
	outDir := flag.String("out", "dist", "output directory for release artifacts")
	version := flag.String("version", buildinfo.Version, "version to stamp into the binaries")
	flag.Parse()

	artifacts, err := release.BuildArtifacts(context.Background(), release.Options{
		OutDir:   *outDir,
		RepoRoot: ".",
		Version:  *version,
		Targets:  release.DefaultTargets,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	for _, artifact := range artifacts {
		fmt.Println(artifact.ArchiveName)
	}
	fmt.Println("SHA256SUMS")
}
