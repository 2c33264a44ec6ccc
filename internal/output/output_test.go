package output

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCopyOutAdapter stands in for the Container Adapter's CopyOut: it
// materializes a fixed set of files directly under hostDst, mimicking a
// correctly-prefix-stripped extraction (the behavior docker.go's CopyOut
// now guarantees after stripping the tar's basename-rooted prefix).
type fakeCopyOutAdapter struct {
	container.Adapter
	files map[string]string
}

func (f *fakeCopyOutAdapter) CopyOut(ctx context.Context, slot *container.Slot, srcPath, hostDst string) error {
	for rel, body := range f.files {
		full := filepath.Join(hostDst, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// fakePutter records every Put call so tests can assert on the exact
// keys and bodies the binder uploaded.
type fakePutter struct {
	puts map[string][]byte
	fail map[string]bool
}

func newFakePutter() *fakePutter {
	return &fakePutter{puts: make(map[string][]byte), fail: make(map[string]bool)}
}

func (p *fakePutter) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	if p.fail[key] {
		return assertErr
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	p.puts[key] = buf.Bytes()
	return nil
}

var assertErr = &putErr{"put failed"}

type putErr struct{ msg string }

func (e *putErr) Error() string { return e.msg }

// TestBindProducesDeterministicKeysFromFlatOutputDir asserts the
// manifest key shape documented in the spec: `<prefix>/<requestID>/<rel>`,
// with rel taken directly off hostDir (i.e. docker.go's CopyOut must
// already have stripped its basename-rooted tar prefix before this
// binder ever walks hostDir).
func TestBindProducesDeterministicKeysFromFlatOutputDir(t *testing.T) {
	adapter := &fakeCopyOutAdapter{files: map[string]string{
		"out.txt": "hello world",
	}}
	putter := newFakePutter()
	binder := New(putter, "results-bucket", "prefix", t.TempDir())

	req := &job.Request{RequestID: "r1"}
	manifest, partial, err := binder.Bind(context.Background(), adapter, &container.Slot{}, req, "/workspace-root/r1/output")
	require.NoError(t, err)
	assert.False(t, partial)
	require.Len(t, manifest, 1)

	assert.Equal(t, "out.txt", manifest[0].Path)
	assert.Equal(t, "prefix/r1/out.txt", manifest[0].Locator)
	assert.Equal(t, int64(len("hello world")), manifest[0].Size)

	body, ok := putter.puts["prefix/r1/out.txt"]
	require.True(t, ok)
	assert.Equal(t, "hello world", string(body))
}

// TestBindIsPartialWhenAnUploadFails asserts that one failed upload
// degrades the manifest (omitting that entry and reporting partial=true)
// without returning an error and without dropping the other entries.
func TestBindIsPartialWhenAnUploadFails(t *testing.T) {
	adapter := &fakeCopyOutAdapter{files: map[string]string{
		"a.txt": "aaa",
		"b.txt": "bbb",
	}}
	putter := newFakePutter()
	putter.fail["prefix/r1/b.txt"] = true
	binder := New(putter, "results-bucket", "prefix", t.TempDir())

	req := &job.Request{RequestID: "r1"}
	manifest, partial, err := binder.Bind(context.Background(), adapter, &container.Slot{}, req, "/workspace-root/r1/output")
	require.NoError(t, err)
	assert.True(t, partial)
	require.Len(t, manifest, 1)
	assert.Equal(t, "a.txt", manifest[0].Path)
}

// TestBindReturnsEmptyManifestWhenCopyOutFails matches the common case of
// a function producing no output directory at all: not an error.
func TestBindReturnsEmptyManifestWhenCopyOutFails(t *testing.T) {
	adapter := &failingCopyOutAdapter{}
	putter := newFakePutter()
	binder := New(putter, "results-bucket", "prefix", t.TempDir())

	req := &job.Request{RequestID: "r1"}
	manifest, partial, err := binder.Bind(context.Background(), adapter, &container.Slot{}, req, "/workspace-root/r1/output")
	require.NoError(t, err)
	assert.False(t, partial)
	assert.Empty(t, manifest)
}

type failingCopyOutAdapter struct {
	container.Adapter
}

func (f *failingCopyOutAdapter) CopyOut(ctx context.Context, slot *container.Slot, srcPath, hostDst string) error {
	return assertErr
}
