package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r io.Reader) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	err := NewDemuxer().Drain(r, func(c Chunk) { chunks = append(chunks, c) })
	return chunks, err
}

func joined(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.Write(c.Data)
	}
	return sb.String()
}

func TestDrainText(t *testing.T) {
	chunks, err := collect(t, strings.NewReader("hello\nworld\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", joined(chunks))
	for _, c := range chunks {
		assert.False(t, c.Binary)
	}
}

func TestDrainStyledOutput(t *testing.T) {
	chunks, err := collect(t, strings.NewReader("\x1b[32mok\x1b[0m\n"))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var spans []Span
	for _, c := range chunks {
		spans = append(spans, c.Spans...)
	}
	require.NotEmpty(t, spans)
	assert.Equal(t, "ok", spans[0].Text)
	assert.Equal(t, "green", spans[0].Style.Foreground)
}

func TestDrainPreservesRawBytes(t *testing.T) {
	raw := "\x1b[1mbold\x1b[0m plain\n"
	chunks, err := collect(t, strings.NewReader(raw))
	require.NoError(t, err)
	// Chunk data keeps the escapes; spans carry the decoded view.
	assert.Equal(t, raw, joined(chunks))
}

func TestDrainBinaryEmitsSingleMarker(t *testing.T) {
	// A payload full of NUL bytes, much larger than one read.
	payload := bytes.Repeat([]byte{0x00, 0xff, 0x7f}, 8192)
	chunks, err := collect(t, bytes.NewReader(payload))
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Binary)
	assert.Equal(t, BinaryMarker, chunks[0].Text())
}

func TestDrainShortStreamClassifies(t *testing.T) {
	// Far shorter than the sample cap; the first read still decides.
	chunks, err := collect(t, strings.NewReader("tiny"))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "tiny", chunks[0].Text())

	chunks, err = collect(t, bytes.NewReader([]byte{0x00, 0x01}))
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Binary)
}

func TestDrainForwardsBeforeStreamEnd(t *testing.T) {
	// A trickle of output from a still-running process must reach the
	// subscriber immediately, not pile up until the stream closes.
	pr, pw := io.Pipe()
	chunks := make(chan Chunk, 4)
	done := make(chan error, 1)
	go func() {
		done <- NewDemuxer().Drain(pr, func(c Chunk) { chunks <- c })
	}()

	_, err := pw.Write([]byte("tick\n"))
	require.NoError(t, err)

	select {
	case c := <-chunks:
		assert.Equal(t, "tick\n", c.Text())
	case <-time.After(time.Second):
		t.Fatal("no chunk emitted while the stream was still open")
	}

	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
}

func TestDrainEmptyStream(t *testing.T) {
	chunks, err := collect(t, strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// failingReader yields some data and then a non-EOF error.
type failingReader struct {
	data []byte
	err  error
	done bool
}

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.done {
		r.done = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func TestDrainReadError(t *testing.T) {
	var chunks []Chunk
	err := NewDemuxer().Drain(
		&failingReader{data: []byte("partial"), err: errors.New("boom")},
		func(c Chunk) { chunks = append(chunks, c) },
	)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	// Output read before the failure was still emitted.
	assert.Equal(t, "partial", joined(chunks))
}

func TestDrainClosedPTYIsNormalEnd(t *testing.T) {
	// A closed PTY surfaces EIO; that is a normal end of stream, not a
	// read error.
	err := NewDemuxer().Drain(
		&failingReader{data: []byte("done\n"), err: syscall.EIO},
		func(Chunk) {},
	)
	assert.NoError(t, err)
}

func TestIsStreamEnd(t *testing.T) {
	assert.True(t, isStreamEnd(io.EOF))
	assert.True(t, isStreamEnd(io.ErrClosedPipe))
	assert.True(t, isStreamEnd(syscall.EIO))
	assert.False(t, isStreamEnd(errors.New("connection reset")))
}
