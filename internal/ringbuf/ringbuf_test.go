package ringbuf

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterUnderCapNeverTruncates(t *testing.T) {
	w := New(1024)
	n, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(w.Bytes()))
	assert.False(t, w.Truncated())
}

func TestWriterCapsAtConfiguredBoundaryAndKeepsTail(t *testing.T) {
	const capBytes = 64
	w := New(capBytes)

	// Write far more than capBytes across several calls, so the flood is
	// never resident in memory beyond the cap regardless of call pattern.
	chunk := strings.Repeat("a", capBytes)
	for i := 0; i < 4; i++ {
		_, err := w.Write([]byte(chunk))
		require.NoError(t, err)
	}
	final := []byte("TAIL-MARKER")
	_, err := w.Write(final)
	require.NoError(t, err)

	require.True(t, w.Truncated())
	got := w.Bytes()
	assert.True(t, strings.HasPrefix(string(got), elisionMarker), "truncated output must lead with the elision marker")
	assert.True(t, strings.HasSuffix(string(got), string(final)), "truncated output must preserve the tail, not the head")
	assert.LessOrEqual(t, len(got), len(elisionMarker)+capBytes)
}

func TestWriterExactlyAtCapDoesNotTruncate(t *testing.T) {
	const capBytes = 16
	w := New(capBytes)
	_, err := w.Write([]byte(strings.Repeat("x", capBytes)))
	require.NoError(t, err)
	assert.False(t, w.Truncated())
	assert.Equal(t, capBytes, len(w.Bytes()))
}

func TestWriterUnboundedWhenCapNonPositive(t *testing.T) {
	w := New(0)
	big := strings.Repeat("z", 10*1024)
	_, err := w.Write([]byte(big))
	require.NoError(t, err)
	assert.False(t, w.Truncated())
	assert.Equal(t, big, string(w.Bytes()))
}

func TestTenMiBBoundary(t *testing.T) {
	const tenMiB = 10 * 1024 * 1024
	w := New(tenMiB)

	head := strings.Repeat("h", tenMiB)
	_, err := w.Write([]byte(head))
	require.NoError(t, err)
	assert.False(t, w.Truncated(), "exactly the cap must not trip truncation")

	_, err = w.Write([]byte("overflow"))
	require.NoError(t, err)
	assert.True(t, w.Truncated())
	assert.True(t, strings.HasSuffix(string(w.Bytes()), "overflow"))
	assert.LessOrEqual(t, len(w.Bytes()), tenMiB+len(elisionMarker))
}
