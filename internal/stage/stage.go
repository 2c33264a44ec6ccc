// Package stage is the Workspace Stager: downloads the code bundle,
// extracts it defensively, detects the runtime, and injects the result
// into a rented container's workspace.
package stage

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/descriptor"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/logctx"
)

// ObjectGetter is the narrow slice of the object store the stager needs.
type ObjectGetter interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Result is what staging hands off to the Executor: the argv to run and
// where, inside the container, to run it from.
type Result struct {
	Argv       []string
	Workdir    string // container path, /workspace-root/<request_id>
	OutputDir  string // container path, /workspace-root/<request_id>/output
	ScratchDir string // host path, cleaned up by the caller after copy-in
}

// Stager downloads, sanitizes, and injects a code bundle.
type Stager struct {
	store       ObjectGetter
	adapter     container.Adapter
	scratchRoot string
	maxArchiveBytes  int64 // reject download larger than this
	maxExpandedBytes int64 // reject extraction larger than this (zip-bomb defense)
}

// Config configures size limits for staging.
type Config struct {
	ScratchRoot      string
	MaxArchiveBytes  int64
	MaxExpandedBytes int64
}

func New(store ObjectGetter, adapter container.Adapter, cfg Config) *Stager {
	return &Stager{
		store:            store,
		adapter:          adapter,
		scratchRoot:      cfg.ScratchRoot,
		maxArchiveBytes:  cfg.MaxArchiveBytes,
		maxExpandedBytes: cfg.MaxExpandedBytes,
	}
}

// Prepared is the host-side product of staging: everything needed to
// inject the workspace into a container once one has been acquired.
// Splitting Prepare from Inject lets the dispatcher's state machine
// start staging before it rents a slot (per the concurrency model: "a
// stuck download does not consume the container budget because staging
// starts before acquisition").
type Prepared struct {
	ScratchDir string
	Argv       []string
}

// Prepare performs the host-side half of the algorithm: download,
// extract-with-sanitization, and runtime detection. It does not touch
// any container.
func (s *Stager) Prepare(ctx context.Context, req *job.Request) (*Prepared, error) {
	scratch := filepath.Join(s.scratchRoot, req.RequestID+"-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, agenterr.Wrap(agenterr.KindInternal, "create scratch dir", err)
	}

	archive, size, err := s.download(ctx, req)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	if err := s.extract(archive, size, scratch); err != nil {
		os.RemoveAll(scratch)
		return nil, err
	}

	entrypoint, err := descriptor.DetectFile(req.Runtime)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeRuntimeMismatch, "unknown runtime "+string(req.Runtime), err)
	}
	if _, statErr := os.Stat(filepath.Join(scratch, entrypoint)); statErr != nil {
		os.RemoveAll(scratch)
		return nil, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeRuntimeMismatch,
			"archive does not contain "+entrypoint+" for runtime "+string(req.Runtime), statErr)
	}

	if err := os.MkdirAll(filepath.Join(scratch, "output"), 0o755); err != nil {
		os.RemoveAll(scratch)
		return nil, agenterr.Wrap(agenterr.KindInternal, "create local output dir", err)
	}

	desc, err := descriptor.Lookup(req.Runtime)
	if err != nil {
		os.RemoveAll(scratch)
		return nil, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeRuntimeMismatch, "unknown runtime", err)
	}

	return &Prepared{ScratchDir: scratch, Argv: desc.LaunchCommand}, nil
}

// Inject copies a Prepared workspace into a just-rented slot and returns
// the launch argv plus the container-side workspace/output paths. The
// caller must remove p.ScratchDir once the job finishes, regardless of
// outcome.
func (s *Stager) Inject(ctx context.Context, slot *container.Slot, req *job.Request, p *Prepared) (*Result, error) {
	log := logctx.From(ctx)

	containerWorkdir := "/workspace-root/" + req.RequestID
	outputDir := containerWorkdir + "/output"

	if err := s.adapter.CopyIn(ctx, slot, p.ScratchDir, containerWorkdir); err != nil {
		return nil, agenterr.Wrap(agenterr.KindStage, "copy workspace into container", err)
	}

	log.WithField("scratch", p.ScratchDir).Debug("injected workspace into container")

	return &Result{
		Argv:       p.Argv,
		Workdir:    containerWorkdir,
		OutputDir:  outputDir,
		ScratchDir: p.ScratchDir,
	}, nil
}

func (s *Stager) download(ctx context.Context, req *job.Request) ([]byte, int64, error) {
	rc, size, err := s.store.Get(ctx, req.S3Bucket, req.S3Key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeMissing, "code bundle not found", err)
		}
		return nil, 0, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeTransport, "download failed", err)
	}
	defer rc.Close()

	if s.maxArchiveBytes > 0 && size > s.maxArchiveBytes {
		return nil, 0, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeOversized, "archive exceeds max size", nil)
	}

	limited := io.LimitReader(rc, s.maxArchiveBytes+1)
	buf, err := io.ReadAll(limited)
	if err != nil {
		return nil, 0, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeTransport, "read archive body", err)
	}
	if s.maxArchiveBytes > 0 && int64(len(buf)) > s.maxArchiveBytes {
		return nil, 0, agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeOversized, "archive exceeds max size", nil)
	}
	return buf, int64(len(buf)), nil
}

// extract unpacks a zip archive into dst with path-traversal and
// zip-bomb defenses: any entry whose resolved path escapes dst, whose
// name contains a null byte, or whose cumulative expanded size would
// exceed maxExpandedBytes causes the whole stage to fail before any
// file is written outside dst. Entries are validated in a first pass;
// only after every entry passes do we write anything.
func (s *Stager) extract(archive []byte, size int64, dst string) error {
	zr, err := zip.NewReader(bytes.NewReader(archive), size)
	if err != nil {
		return agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeTransport, "not a valid zip archive", err)
	}

	var totalExpanded int64
	type plannedFile struct {
		f    *zip.File
		dest string
	}
	planned := make([]plannedFile, 0, len(zr.File))

	for _, f := range zr.File {
		if strings.Contains(f.Name, "\x00") {
			return agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeTraversal, "entry name contains null byte: "+f.Name, nil)
		}

		dest := filepath.Join(dst, filepath.FromSlash(f.Name))
		if !isWithinRoot(dst, dest) {
			return agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeTraversal, "entry escapes scratch root: "+f.Name, nil)
		}

		totalExpanded += int64(f.UncompressedSize64)
		if s.maxExpandedBytes > 0 && totalExpanded > s.maxExpandedBytes {
			return agenterr.WithCode(agenterr.KindStage, agenterr.StageCodeOversized, "expanded archive exceeds limit (zip-bomb defense)", nil)
		}

		planned = append(planned, plannedFile{f: f, dest: dest})
	}

	for _, p := range planned {
		if p.f.FileInfo().IsDir() {
			if err := os.MkdirAll(p.dest, 0o755); err != nil {
				return agenterr.Wrap(agenterr.KindStage, "create directory", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p.dest), 0o755); err != nil {
			return agenterr.Wrap(agenterr.KindStage, "create parent directory", err)
		}
		if err := extractOne(p.f, p.dest); err != nil {
			return agenterr.Wrap(agenterr.KindStage, "write extracted file", err)
		}
	}
	return nil
}

func extractOne(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// isWithinRoot reports whether dest, once cleaned, is root or a
// descendant of root. This is the defense against `../../etc/passwd`
// style entries.
func isWithinRoot(root, dest string) bool {
	root = filepath.Clean(root)
	dest = filepath.Clean(dest)
	if dest == root {
		return true
	}
	return strings.HasPrefix(dest, root+string(os.PathSeparator))
}

func isNotFound(err error) bool {
	// object store clients report NoSuchKey/NotFound through their own
	// typed errors, which objectstore.S3Store passes through unchanged;
	// this match on the error text is how the stager recognizes them.
	return strings.Contains(strings.ToLower(err.Error()), "not found") ||
		strings.Contains(strings.ToLower(err.Error()), "nosuchkey")
}
