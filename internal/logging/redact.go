package logging

import (
	"regexp"
	"strings"
)

// Field name fragments that mark a value as sensitive.
var sensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"authorization",
	"credential",
	"private_key",
	"privatekey",
}

var secretPatterns = []*regexp.Regexp{
	// JWTs (operator tokens)
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}\.[a-zA-Z0-9_-]{8,}`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{16,}`),
	// PEM private key bodies
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// Matches KEY=value pairs inside shell commands (docker -e, exports, flags).
var assignmentPattern = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_-]*)=("[^"]*"|'[^']*'|[^\s]+)`)

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// Redact replaces secret-looking substrings in s.
func Redact(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, RedactedValue)
	}
	return s
}

// RedactCommand redacts a shell command line, including KEY=value pairs
// whose key looks sensitive.
func RedactCommand(cmd string) string {
	cmd = assignmentPattern.ReplaceAllStringFunc(cmd, func(pair string) string {
		key, _, _ := strings.Cut(pair, "=")
		if IsSensitiveField(strings.TrimLeft(key, "-")) {
			return key + "=" + RedactedValue
		}
		return pair
	})
	return Redact(cmd)
}

// RedactMap redacts sensitive fields in a map.
func RedactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		switch value := v.(type) {
		case map[string]any:
			if IsSensitiveField(k) {
				result[k] = RedactedValue
			} else {
				result[k] = RedactMap(value)
			}
		case string:
			if IsSensitiveField(k) {
				result[k] = RedactedValue
			} else {
				result[k] = Redact(value)
			}
		default:
			if IsSensitiveField(k) {
				result[k] = RedactedValue
			} else {
				result[k] = v
			}
		}
	}
	return result
}

// RedactEnv redacts KEY=value environment entries, returning a safe copy.
func RedactEnv(env []string) []string {
	result := make([]string, len(env))
	for i, entry := range env {
		key, value, ok := strings.Cut(entry, "=")
		switch {
		case !ok:
			result[i] = entry
		case IsSensitiveField(key):
			result[i] = key + "=" + RedactedValue
		default:
			result[i] = key + "=" + Redact(value)
		}
	}
	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
