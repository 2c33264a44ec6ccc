// Package output is the Output Binder: walks a container's output
// directory, uploads whatever was produced, and returns a manifest.
// Binding is best-effort — a failed upload is logged and omitted from
// the manifest, never demoting the execution's own Status.
package output

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/nanogrid/function-agent/internal/agenterr"
	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/logctx"
)

// ObjectPutter is the narrow slice of the object store the binder needs.
type ObjectPutter interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
}

// Binder uploads produced output files.
type Binder struct {
	store      ObjectPutter
	bucket     string
	s3Prefix   string
	scratchDir string
}

func New(store ObjectPutter, bucket, s3Prefix, scratchDir string) *Binder {
	return &Binder{store: store, bucket: bucket, s3Prefix: s3Prefix, scratchDir: scratchDir}
}

// Bind copies req's output directory out of the container, uploads each
// file under the deterministic key `<s3Prefix>/<requestID>/<relative>`,
// and returns a manifest of whichever files succeeded. partial reports
// whether at least one file failed to upload (agenterr.KindBinderPartial),
// which is non-fatal: the caller must not demote the outcome's Status.
func (b *Binder) Bind(ctx context.Context, adapter container.Adapter, slot *container.Slot, req *job.Request, containerOutputDir string) (manifest []job.OutputEntry, partial bool, err error) {
	log := logctx.From(ctx)

	hostDir := filepath.Join(b.scratchDir, req.RequestID+"-out")
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, false, agenterr.Wrap(agenterr.KindInternal, "create host output scratch dir", err)
	}
	defer os.RemoveAll(hostDir)

	if err := adapter.CopyOut(ctx, slot, containerOutputDir, hostDir); err != nil {
		// No output directory, or nothing in it, is not an error: most
		// jobs produce no files.
		log.WithError(err).Debug("copy-out of output dir failed or empty")
		return []job.OutputEntry{}, false, nil
	}

	manifest = make([]job.OutputEntry, 0)
	walkErr := filepath.Walk(hostDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(hostDir, path)
		if err != nil {
			return err
		}

		key := b.s3Prefix + "/" + req.RequestID + "/" + filepath.ToSlash(rel)

		f, openErr := os.Open(path)
		if openErr != nil {
			log.WithError(openErr).WithField("path", path).Error("failed to open output file for upload")
			partial = true
			return nil
		}
		defer f.Close()

		if putErr := b.store.Put(ctx, b.bucket, key, f, info.Size()); putErr != nil {
			log.WithError(putErr).WithField("path", path).Error("failed to upload output file")
			partial = true
			return nil
		}

		manifest = append(manifest, job.OutputEntry{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			Locator: key,
		})
		return nil
	})
	if walkErr != nil {
		return manifest, true, agenterr.Wrap(agenterr.KindBinderPartial, "walk output directory", walkErr)
	}

	return manifest, partial, nil
}
