package cliutil

import (
	"regexp"
)

const redactedPlaceholder = "[redacted]"

var (
	// KEY=value and KEY: value where the key names a credential.
	secretAssignPattern = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:PASSWORD|PASSWD|SECRET|TOKEN|API_KEY|ACCESS_KEY(?:_ID)?))\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	// --password value and --token=value style flags.
	secretFlagPattern = regexp.MustCompile(`(?i)(--?(?:password|passwd|secret|token|api-key)(?:\s+|=))(["']?)([^"'\s]+)(["']?)`)
)

// RedactSecrets masks credential values in command lines and messages
// before they are written to a transcript.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	redacted := secretAssignPattern.ReplaceAllString(message, "$1$2$3"+redactedPlaceholder+"$5")
	return secretFlagPattern.ReplaceAllString(redacted, "$1$2"+redactedPlaceholder+"$4")
}
