package lineproto

import (
	"fmt"
	"runtime"
	"strings"
)

// Newline is the line terminator appended to outgoing messages.
type Newline string

const (
	LF   Newline = "\n"
	CRLF Newline = "\r\n"
)

var native = func() Newline {
	if runtime.GOOS == "windows" {
		return CRLF
	}
	return LF
}()

// Native returns the canonical terminator of the platform the binary was
// built for. It is resolved once at process start.
func Native() Newline {
	return native
}

// ParseNewline resolves a configuration value ("native", "lf" or "crlf").
// An empty value selects the native terminator.
func ParseNewline(value string) (Newline, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "native":
		return Native(), nil
	case "lf", "unix":
		return LF, nil
	case "crlf", "windows":
		return CRLF, nil
	default:
		return "", fmt.Errorf("unsupported newline %q (expected native, lf or crlf)", value)
	}
}

// String renders the terminator as its configuration name.
func (n Newline) String() string {
	switch n {
	case LF:
		return "lf"
	case CRLF:
		return "crlf"
	default:
		return fmt.Sprintf("%q", string(n))
	}
}

// Valid reports whether n is one of the supported terminators.
func (n Newline) Valid() bool {
	return n == LF || n == CRLF
}
