// Package lineproto implements the newline-delimited text framing spoken
// between a parent and its child over their standard streams.
//
// Outgoing lines always carry the terminator configured for the emitting
// side. Incoming lines are read one byte at a time, so nothing past the end
// of the current line is consumed from the underlying stream, and are handed
// back with the trailing "\n" (and a preceding "\r") removed regardless of
// which platform produced them.
package lineproto

import (
	"errors"
	"io"
	"strings"
)

var (
	// ErrEmbeddedTerminator is returned for outgoing text that already
	// contains a line terminator and would therefore split into two frames.
	ErrEmbeddedTerminator = errors.New("text contains a line terminator")

	// ErrNoCapacity is returned when reading into a mailbox that cannot hold
	// a single byte.
	ErrNoCapacity = errors.New("mailbox has no capacity")
)

// ValidateText checks that text can be sent as a single frame.
func ValidateText(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return ErrEmbeddedTerminator
	}
	return nil
}

// Frame returns a private copy of text followed by nl.
func Frame(text string, nl Newline) []byte {
	buf := make([]byte, 0, len(text)+len(nl))
	buf = append(buf, text...)
	return append(buf, nl...)
}

// WriteLine writes text and nl to w with a single Write call.
func WriteLine(w io.Writer, text string, nl Newline) (int, error) {
	if err := ValidateText(text); err != nil {
		return 0, err
	}
	frame := Frame(text, nl)
	n, err := w.Write(frame)
	if err == nil && n < len(frame) {
		err = io.ErrShortWrite
	}
	return n, err
}

// Reader extracts lines from an unbuffered byte stream.
type Reader struct {
	r       io.Reader
	pending []byte
}

// NewReader wraps r. Reads are issued one byte at a time.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Pending returns a copy of the bytes of a partially read line that were
// kept after an interrupted ReadLine.
func (lr *Reader) Pending() []byte {
	if len(lr.pending) == 0 {
		return nil
	}
	return append([]byte(nil), lr.pending...)
}

// ReadLine fills mb with the next line. It returns when a "\n" is read, when
// mb is full (mb.Truncated is set and the rest of the line is left for the
// next call), or when the stream fails. A final line without terminator is
// returned at end of stream; io.EOF is returned only when no byte at all was
// available. On any other error the bytes read so far are retained and
// replayed by the next call.
func (lr *Reader) ReadLine(mb *Mailbox) error {
	if mb.Capacity() == 0 {
		return ErrNoCapacity
	}
	mb.Reset()

	for {
		c, err := lr.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if mb.Len() > 0 {
					return nil
				}
				return io.EOF
			}
			lr.pending = append(append([]byte(nil), mb.buf...), lr.pending...)
			mb.buf = mb.buf[:0]
			return err
		}

		if c == '\n' {
			if n := len(mb.buf); n > 0 && mb.buf[n-1] == '\r' {
				mb.buf = mb.buf[:n-1]
			}
			return nil
		}
		if mb.full() {
			// Keep the byte for the next call; a terminator right at the
			// boundary completes the line instead.
			held := []byte{c}
			if c == '\r' {
				if c2, err := lr.next(); err == nil {
					if c2 == '\n' {
						return nil
					}
					held = append(held, c2)
				}
			}
			lr.pending = append(held, lr.pending...)
			mb.Truncated = true
			return nil
		}
		mb.buf = append(mb.buf, c)
	}
}

func (lr *Reader) next() (byte, error) {
	if len(lr.pending) > 0 {
		c := lr.pending[0]
		lr.pending = lr.pending[1:]
		return c, nil
	}
	var one [1]byte
	for {
		n, err := lr.r.Read(one[:])
		if n == 1 {
			return one[0], nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// StripTerminator removes one trailing "\n" and a "\r" preceding it.
func StripTerminator(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}
