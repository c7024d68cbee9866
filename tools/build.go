///usr/bin/true; exec /usr/bin/env go run "$0" "$@"

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const PACKAGE_NAME = "github.com/tinyrange/microvm"

type crossBuild struct {
	GOOS   string
	GOARCH string
}

func (cb crossBuild) IsNative() bool {
	return cb.GOOS == runtime.GOOS && cb.GOARCH == runtime.GOARCH
}

func (cb crossBuild) OutputName(name string) string {
	if cb.IsNative() {
		return name
	}
	return fmt.Sprintf("%s_%s_%s", name, cb.GOOS, cb.GOARCH)
}

// releaseBuilds are the guests bootplan knows how to lay out.
var releaseBuilds = []crossBuild{
	{GOOS: "linux", GOARCH: "amd64"},
	{GOOS: "linux", GOARCH: "arm64"},
}

type buildOptions struct {
	Package    string
	OutputName string
	OutputDir  string
	Build      crossBuild
	Version    string
	DryRun     bool
}

func goBuild(opts buildOptions) (string, error) {
	output := filepath.Join(opts.OutputDir, opts.Build.OutputName(opts.OutputName))
	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return "", fmt.Errorf("failed to create build directory: %w", err)
	}

	args := []string{"go", "build", "-o", output}
	if opts.Version != "" {
		args = append(args, fmt.Sprintf("-ldflags=-X %s/internal/snapshot.BuildVersion=%s", PACKAGE_NAME, opts.Version))
	}
	args = append(args, PACKAGE_NAME+"/"+opts.Package)

	env := append(os.Environ(),
		"GOOS="+opts.Build.GOOS,
		"GOARCH="+opts.Build.GOARCH,
		"CGO_ENABLED=0",
	)

	fmt.Fprintf(os.Stderr, "+ GOOS=%s GOARCH=%s %s\n", opts.Build.GOOS, opts.Build.GOARCH, strings.Join(args, " "))
	if opts.DryRun {
		return output, nil
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("go build %s: %w", opts.Package, err)
	}
	return output, nil
}

func getVersionFromGit() string {
	if ref := os.Getenv("GITHUB_REF_NAME"); ref != "" && strings.HasPrefix(ref, "v") {
		return ref
	}
	out, err := exec.Command("git", "describe", "--tags", "--always").Output()
	if err == nil {
		if version := strings.TrimSpace(string(out)); version != "" {
			return version
		}
	}
	return "dev"
}

func main() {
	outputDir := flag.String("o", "build", "output directory")
	release := flag.Bool("release", false, "build for every supported guest architecture")
	version := flag.String("version", "", "version stamped into snapshots (default: git describe)")
	dryRun := flag.Bool("dry-run", false, "show what would be done without executing")
	flag.Parse()

	if *version == "" {
		*version = getVersionFromGit()
	}

	builds := []crossBuild{{GOOS: runtime.GOOS, GOARCH: runtime.GOARCH}}
	if *release {
		builds = releaseBuilds
	}

	for _, b := range builds {
		out, err := goBuild(buildOptions{
			Package:    "cmd/bootplan",
			OutputName: "bootplan",
			OutputDir:  *outputDir,
			Build:      b,
			Version:    *version,
			DryRun:     *dryRun,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(out)
	}
}
