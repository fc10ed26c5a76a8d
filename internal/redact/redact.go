// Package redact strips credentials from structured data before it is logged
// or written to the ledger.
package redact

import (
	"regexp"
	"strings"
)

const (
	maskToken = "****"

	// Redacted replaces the value of any key that names a credential.
	Redacted = "***REDACTED***"

	maxDepth = 6
)

var sensitiveKeys = []string{
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"apikey",
	"secret",
	"password",
	"authorization",
	"bearer",
	"client_secret",
	"private_key",
	"secret_key",
	"credential",
	"credentials",
	"hmac",
	"signature",
}

var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`EAABw[A-Za-z0-9]+`),
	regexp.MustCompile(`sk_live_[A-Za-z0-9]+`),
	regexp.MustCompile(`sk_test_[A-Za-z0-9]+`),
	regexp.MustCompile(`shpat_[A-Za-z0-9]+`),
	regexp.MustCompile(`shpss_[A-Za-z0-9]+`),
	regexp.MustCompile(`(?i)\b[a-f0-9]{32,}\b`),
}

// MaskSecret redacts a secret while keeping a minimal suffix for auditing.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 8 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// IsSensitiveKey reports whether key names a credential-bearing field.
func IsSensitiveKey(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	if normalized == "" {
		return false
	}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(normalized, sensitive) {
			return true
		}
	}
	return false
}

// String masks every credential-looking token embedded in value.
func String(value string) string {
	for _, pattern := range tokenPatterns {
		value = pattern.ReplaceAllStringFunc(value, MaskSecret)
	}
	return value
}

// Payload returns a redacted deep copy of input. Nesting beyond six levels is
// replaced by a truncation marker.
func Payload(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out, _ := value(input, 0).(map[string]any)
	return out
}

func value(v any, depth int) any {
	if depth > maxDepth {
		return map[string]any{"_truncated": "max depth reached"}
	}

	switch cast := v.(type) {
	case string:
		return String(cast)
	case map[string]any:
		out := make(map[string]any, len(cast))
		for key, item := range cast {
			if IsSensitiveKey(key) {
				out[key] = Redacted
				continue
			}
			out[key] = value(item, depth+1)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(cast))
		for key, item := range cast {
			if IsSensitiveKey(key) {
				out[key] = Redacted
				continue
			}
			out[key] = String(item)
		}
		return out
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, value(item, depth+1))
		}
		return out
	case []string:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, String(item))
		}
		return out
	default:
		return v
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
