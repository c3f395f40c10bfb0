package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

const (
	// readSize is the per-read buffer. The OS pipe is drained at this
	// granularity regardless of how fast downstream consumes.
	readSize = 4096

	// sampleSize caps how many leading bytes feed the binary heuristic.
	// The decision is committed on the first read, never deferred: holding
	// bytes back until a fixed sample fills would stall live output from
	// slow producers.
	sampleSize = 1024
)

// BinaryMarker replaces the payload of a stream classified as binary.
const BinaryMarker = "[binary output suppressed]"

// Chunk is one bounded unit of parsed output.
type Chunk struct {
	Data   []byte `json:"data"`
	Spans  []Span `json:"spans,omitempty"`
	Binary bool   `json:"binary,omitempty"`
}

// Text returns the chunk payload as a string.
func (c Chunk) Text() string { return string(c.Data) }

// ReadError reports an unexpected mid-stream failure. Output read before
// the failure has already been emitted.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string { return fmt.Sprintf("output stream read failed: %v", e.Err) }
func (e *ReadError) Unwrap() error { return e.Err }

// Demuxer turns one process output stream into chunks. It is stateful
// (ANSI parser state, binary decision) and serves exactly one stream.
type Demuxer struct {
	parser *Parser

	decided bool
	binary  bool
	marked  bool
}

// NewDemuxer creates a demuxer for a single output stream.
func NewDemuxer() *Demuxer {
	return &Demuxer{parser: NewParser()}
}

// Drain reads r to completion, invoking emit for every chunk. It returns
// nil on a normal end of stream and a *ReadError on an unexpected pipe
// failure. The producer is never blocked on downstream: emit is called
// synchronously but chunks are bounded, and binary payloads are discarded
// after the single marker chunk so the pipe keeps flowing.
func (d *Demuxer) Drain(r io.Reader, emit func(Chunk)) error {
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.consume(buf[:n], emit)
		}
		if err != nil {
			if isStreamEnd(err) {
				return nil
			}
			return &ReadError{Err: err}
		}
	}
}

// consume classifies the stream on the first read and forwards every byte
// from then on, so output flows downstream as soon as the process produces
// it.
func (d *Demuxer) consume(data []byte, emit func(Chunk)) {
	if !d.decided {
		d.decided = true
		head := data
		if len(head) > sampleSize {
			head = head[:sampleSize]
		}
		d.binary = LooksBinary(head)
	}
	d.forward(data, emit)
}

func (d *Demuxer) forward(data []byte, emit func(Chunk)) {
	if d.binary {
		if !d.marked {
			d.marked = true
			emit(Chunk{Data: []byte(BinaryMarker), Binary: true})
		}
		// Discard the payload but keep draining the pipe.
		return
	}
	if len(data) == 0 {
		return
	}
	chunk := Chunk{
		Data:  append([]byte(nil), data...),
		Spans: d.parser.Parse(data),
	}
	emit(chunk)
}

// isStreamEnd distinguishes the normal end of a process output stream from
// a genuine failure. A closed PTY surfaces EIO rather than EOF.
func isStreamEnd(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.EIO)
}
