package dispatch

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nanogrid/function-agent/internal/container"
	"github.com/nanogrid/function-agent/internal/execute"
	"github.com/nanogrid/function-agent/internal/job"
	"github.com/nanogrid/function-agent/internal/output"
	"github.com/nanogrid/function-agent/internal/pool"
	"github.com/nanogrid/function-agent/internal/publish"
	"github.com/nanogrid/function-agent/internal/queue"
	"github.com/nanogrid/function-agent/internal/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeContainerAdapter is a no-op container.Adapter: every operation
// succeeds immediately without touching a real daemon, so the
// dispatcher's full state machine can run end to end in a unit test.
type fakeContainerAdapter struct {
	mu     sync.Mutex
	nextID int
}

func (f *fakeContainerAdapter) Create(ctx context.Context, runtime job.Runtime) (*container.Slot, error) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return &container.Slot{ID: "c" + strconv.Itoa(id), Runtime: runtime, State: container.StateProvisioning}, nil
}
func (f *fakeContainerAdapter) Start(ctx context.Context, slot *container.Slot) error { return nil }
func (f *fakeContainerAdapter) Exec(ctx context.Context, slot *container.Slot, argv []string, workdir string, env map[string]string, stdin io.Reader, memoryCapBytes int64, stdoutCap, stderrCap int) (*container.ExecResult, error) {
	return &container.ExecResult{ExitCode: 0}, nil
}
func (f *fakeContainerAdapter) CopyIn(ctx context.Context, slot *container.Slot, hostSrc, dstPath string) error {
	return nil
}
func (f *fakeContainerAdapter) CopyOut(ctx context.Context, slot *container.Slot, srcPath, hostDst string) error {
	return nil
}
func (f *fakeContainerAdapter) Stats(ctx context.Context, slot *container.Slot) (container.Stats, error) {
	return container.Stats{}, nil
}
func (f *fakeContainerAdapter) Pause(ctx context.Context, slot *container.Slot) error   { return nil }
func (f *fakeContainerAdapter) Unpause(ctx context.Context, slot *container.Slot) error { return nil }
func (f *fakeContainerAdapter) Kill(ctx context.Context, slot *container.Slot, signal string) error {
	return nil
}
func (f *fakeContainerAdapter) Remove(ctx context.Context, slot *container.Slot) error { return nil }

var _ container.Adapter = (*fakeContainerAdapter)(nil)

// fakeQueueClient is a no-op queue.Client: processMessage's delete/extend
// calls need somewhere to land that isn't a real SQS queue.
type fakeQueueClient struct{}

func (fakeQueueClient) Receive(ctx context.Context) ([]queue.Message, error) { return nil, nil }
func (fakeQueueClient) Delete(ctx context.Context, m queue.Message) error    { return nil }
func (fakeQueueClient) ExtendVisibility(ctx context.Context, m queue.Message, d time.Duration) error {
	return nil
}

var _ queue.Client = fakeQueueClient{}

// fakeObjectStore serves a fixed code archive for Get and records Puts,
// standing in for the S3-backed download/upload path.
type fakeObjectStore struct {
	archive []byte
}

func (s *fakeObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(s.archive)), int64(len(s.archive)), nil
}
func (s *fakeObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := io.Copy(io.Discard, body)
	return err
}

// fakeBus records the channel of every publish, so the duplicate-delivery
// test can assert both deliveries were independently published rather
// than deduplicated.
type fakeBus struct {
	mu        sync.Mutex
	published []string
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, channel)
	return nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

type fakeSink struct{}

func (fakeSink) ObservePeakMemory(functionID, runtime string, bytes int64) {}
func (fakeSink) CountExit(status string)                                  {}

func buildGoArchive(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("main.go")
	require.NoError(t, err)
	_, err = w.Write([]byte("package main\nfunc main(){}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestDispatcher(t *testing.T, archive []byte, bus *fakeBus) *Dispatcher {
	t.Helper()
	adapter := &fakeContainerAdapter{}
	store := &fakeObjectStore{archive: archive}

	stager := stage.New(store, adapter, stage.Config{
		ScratchRoot:      t.TempDir(),
		MaxArchiveBytes:  1 << 20,
		MaxExpandedBytes: 1 << 20,
	})
	ctx := context.Background()
	pl := pool.New(ctx, adapter, []pool.Config{{Runtime: job.RuntimeGo, Target: 0, Capacity: 4}})
	t.Cleanup(func() { pl.Shutdown(context.Background()) })

	executor := execute.New(adapter, execute.Config{StdoutCapBytes: 4096, StderrCapBytes: 4096})
	binder := output.New(store, "bucket", "results", t.TempDir())
	publisher := publish.New(bus, fakeSink{}, "results:")

	return New(Deps{
		Queue:     fakeQueueClient{},
		Stager:    stager,
		Pool:      pl,
		Adapter:   adapter,
		Executor:  executor,
		Binder:    binder,
		Publisher: publisher,
	}, Config{MaxInFlight: 8, VisibilityTimeout: 0, ShutdownGrace: time.Second})
}

// TestDuplicateDeliveryPublishesIndependently asserts the documented
// duplicate-delivery resolution: the dispatcher does not deduplicate by
// request id. Two concurrent deliveries of messages sharing the same
// requestId must each run the full state machine and each publish their
// own terminal envelope; SQS's own at-least-once semantics are the
// system's only duplicate-suppression mechanism, not the dispatcher.
func TestDuplicateDeliveryPublishesIndependently(t *testing.T) {
	archive := buildGoArchive(t)
	bus := &fakeBus{}
	d := newTestDispatcher(t, archive, bus)

	body := `{"requestId":"dup-1","functionId":"fn-1","runtime":"go","s3Bucket":"b","s3Key":"k","timeoutMs":5000,"memoryMb":128}`

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := queue.Message{Body: body, ReceiptHandle: receiptFor(i)}
			d.processMessage(context.Background(), m)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, bus.count(), "both deliveries of the same requestId must publish independently, with no dispatcher-side dedup")
}

func receiptFor(i int) string {
	if i == 0 {
		return "receipt-a"
	}
	return "receipt-b"
}
