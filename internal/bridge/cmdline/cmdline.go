// Package cmdline splits a single command line string into the program path
// and argument vector needed to start a process on platforms whose process
// creation call takes a pre-split argv.
//
// Tokens are separated by spaces. A token opened by a double quote runs to the
// next double quote and is taken verbatim with the quotes removed; there is no
// escape character and quotes do not nest.
package cmdline

import (
	"errors"
	"strings"
)

// ErrEmptyCommand is returned when the command line holds no program.
var ErrEmptyCommand = errors.New("command line is empty")

// ExtractProgram returns the first token of command, skipping leading spaces.
// A leading double-quoted token is returned without its quotes.
func ExtractProgram(command string) (string, error) {
	rest := strings.TrimLeft(command, " ")
	if rest == "" {
		return "", ErrEmptyCommand
	}
	if rest[0] == '"' {
		token, _ := quoted(rest[1:])
		if token == "" {
			return "", ErrEmptyCommand
		}
		return token, nil
	}
	if end := strings.IndexByte(rest, ' '); end >= 0 {
		rest = rest[:end]
	}
	return rest, nil
}

// ExtractArgv tokenizes the whole command line. An empty command line yields
// an empty, non-nil vector. Every call returns a freshly allocated slice.
func ExtractArgv(command string) ([]string, error) {
	argv := []string{}
	rest := command
	for {
		rest = strings.TrimLeft(rest, " ")
		if rest == "" {
			return argv, nil
		}

		var token string
		if rest[0] == '"' {
			token, rest = quoted(rest[1:])
		} else {
			end := strings.IndexByte(rest, ' ')
			if end < 0 {
				token, rest = rest, ""
			} else {
				token, rest = rest[:end], rest[end+1:]
			}
		}
		argv = append(argv, strings.Clone(token))
	}
}

// quoted splits s at the closing quote. An unterminated quote runs to the end
// of the line.
func quoted(s string) (token, rest string) {
	end := strings.IndexByte(s, '"')
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end+1:]
}
