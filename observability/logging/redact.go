package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces sensitive values in log output.
const RedactedValue = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"authorization":  {},
	"hmac_secret":    {},
	"api_token":      {},
	"api_tokens":     {},
	"token":          {},
	"password":       {},
	"redis_password": {},
	"secret":         {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns the masked keys in sorted order.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns RedactedValue for non-empty values. Empty values pass
// through so absent secrets stay visible as absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField always masks value, whatever the key.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
