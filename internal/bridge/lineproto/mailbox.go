package lineproto

// DefaultCapacity is the mailbox size used when none is configured.
const DefaultCapacity = 200

// Mailbox is a bounded destination for a single received line. Capacity
// counts payload bytes; the stripped terminator never occupies space.
type Mailbox struct {
	buf []byte

	// Truncated is set when the line did not fit. The remainder of the
	// line is delivered by the next read.
	Truncated bool
}

// NewMailbox allocates a mailbox holding at most capacity bytes. A
// non-positive capacity selects DefaultCapacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mailbox{buf: make([]byte, 0, capacity)}
}

// Capacity returns the maximum number of payload bytes.
func (m *Mailbox) Capacity() int {
	return cap(m.buf)
}

// Len returns the number of bytes currently held.
func (m *Mailbox) Len() int {
	return len(m.buf)
}

// Bytes returns the received line. The slice is reused by the next read.
func (m *Mailbox) Bytes() []byte {
	return m.buf
}

func (m *Mailbox) String() string {
	return string(m.buf)
}

// Reset empties the mailbox and clears the truncation flag.
func (m *Mailbox) Reset() {
	m.buf = m.buf[:0]
	m.Truncated = false
}

func (m *Mailbox) full() bool {
	return len(m.buf) >= cap(m.buf)
}
