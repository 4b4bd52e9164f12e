package container

import (
	"bytes"
	"io"
	"sync"
)

// streamBuffer holds one demultiplexed output stream. Writes never block, so
// output nobody reads on one stream does not hold back the other.
type streamBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
	// err ends the stream once buffered bytes are consumed.
	err    error
	closed bool
}

func newStreamBuffer() *streamBuffer {
	s := &streamBuffer{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Write appends p. Once the reader closed the stream output is discarded.
func (s *streamBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	if s.err != nil {
		return 0, io.ErrClosedPipe
	}
	s.buf.Write(p)
	s.cond.Broadcast()
	return len(p), nil
}

// Read blocks until bytes are buffered or the writer side finished.
func (s *streamBuffer) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && s.err == nil && !s.closed {
		s.cond.Wait()
	}
	switch {
	case s.closed:
		return 0, io.ErrClosedPipe
	case s.buf.Len() > 0:
		return s.buf.Read(p)
	default:
		return 0, s.err
	}
}

// CloseWithError finishes the writer side. A nil err reads as io.EOF.
func (s *streamBuffer) CloseWithError(err error) {
	if err == nil {
		err = io.EOF
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// Close drops buffered output and wakes blocked readers.
func (s *streamBuffer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf.Reset()
	s.cond.Broadcast()
	return nil
}
