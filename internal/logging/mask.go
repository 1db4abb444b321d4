package logging

import (
	"net/http"
	"net/url"
	"strings"
)

var sensitivePatterns = []string{
	"authorization",
	"x-api-key",
	"api-key",
	"api_key",
	"cookie",
	"set-cookie",
	"secret",
	"token",
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// MaskValue hides all but the first and last four characters.
func MaskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + "..." + value[len(value)-4:]
}

func captureHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			continue
		}
		value := values[0]
		if isSensitive(key) {
			value = MaskValue(value)
		}
		out[key] = value
	}
	return out
}

// maskSensitiveQuery masks credential-looking query parameters.
func maskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return ""
	}
	for key, vs := range values {
		if !isSensitive(key) {
			continue
		}
		for i := range vs {
			vs[i] = MaskValue(vs[i])
		}
	}
	return values.Encode()
}
