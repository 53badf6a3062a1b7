package util

import (
	"encoding/json"
	"net/url"
	"strings"
)

const redactedValue = "[REDACTED]"

// MaskSensitiveQuery redacts credential-bearing parameters from a raw query
// string before it is logged. The query is returned unmodified if it cannot
// be parsed.
func MaskSensitiveQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	changed := false
	for key := range values {
		if isSensitiveKey(key) {
			values.Set(key, redactedValue)
			changed = true
		}
	}
	if !changed {
		return rawQuery
	}
	return values.Encode()
}

// RedactSensitiveJSON masks credential-bearing fields in a JSON
// document, such as a refresh-rejection body echoing the refresh token.
// Payloads that do not parse as JSON are returned unchanged.
func RedactSensitiveJSON(body []byte) []byte {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return body
	}
	out, err := json.Marshal(scrub(doc))
	if err != nil {
		return body
	}
	return out
}

func scrub(v any) any {
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			if isSensitiveKey(key) {
				node[key] = redactedValue
			} else {
				node[key] = scrub(child)
			}
		}
	case []any:
		for i, child := range node {
			node[i] = scrub(child)
		}
	}
	return v
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "cookie"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}
