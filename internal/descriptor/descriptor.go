// Package descriptor holds the Runtime Descriptor table: the single
// source of truth for how each runtime is detected and launched. The
// runtime names themselves are the job.Runtime constants, and each
// runtime's warm-pool size is its own config option wired in agentctx.
package descriptor

import (
	"fmt"
	"time"

	"github.com/nanogrid/function-agent/internal/job"
)

// Descriptor is the static, per-runtime configuration the stager and
// executor read to detect and launch user code.
type Descriptor struct {
	Runtime       job.Runtime
	ImageTag      string
	EntrypointFile string // file whose presence detects this runtime
	LaunchCommand []string
	DefaultWallClock time.Duration
	RequiresBuild bool
}

var table = map[job.Runtime]Descriptor{
	job.RuntimePython: {
		Runtime:          job.RuntimePython,
		ImageTag:         "nanogrid/runtime-python:3.11",
		EntrypointFile:   "main.py",
		LaunchCommand:    []string{"python3", "main.py"},
		DefaultWallClock: 10 * time.Second,
		RequiresBuild:    false,
	},
	job.RuntimeNodeJS: {
		Runtime:          job.RuntimeNodeJS,
		ImageTag:         "nanogrid/runtime-nodejs:20",
		EntrypointFile:   "index.js",
		LaunchCommand:    []string{"node", "index.js"},
		DefaultWallClock: 10 * time.Second,
		RequiresBuild:    false,
	},
	job.RuntimeCPP: {
		Runtime:          job.RuntimeCPP,
		ImageTag:         "nanogrid/runtime-cpp:12",
		EntrypointFile:   "main.cpp",
		LaunchCommand:    []string{"./run.sh"},
		DefaultWallClock: 15 * time.Second,
		RequiresBuild:    true,
	},
	job.RuntimeGo: {
		Runtime:          job.RuntimeGo,
		ImageTag:         "nanogrid/runtime-go:1.23",
		EntrypointFile:   "main.go",
		LaunchCommand:    []string{"./run.sh"},
		DefaultWallClock: 15 * time.Second,
		RequiresBuild:    true,
	},
}

// Lookup returns the Descriptor for a runtime, or an error if the table
// has no entry for it.
func Lookup(r job.Runtime) (Descriptor, error) {
	d, ok := table[r]
	if !ok {
		return Descriptor{}, fmt.Errorf("descriptor: no runtime descriptor for %q", r)
	}
	return d, nil
}

// DetectFile returns the entrypoint filename expected for r, used by the
// stager to cross-check the requested runtime against the archive
// contents.
func DetectFile(r job.Runtime) (string, error) {
	d, err := Lookup(r)
	if err != nil {
		return "", err
	}
	return d.EntrypointFile, nil
}

// All returns every runtime the table knows, for callers (e.g.
// agentctx's largestTimeout) that need a value across every runtime.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(table))
	for _, d := range table {
		out = append(out, d)
	}
	return out
}
