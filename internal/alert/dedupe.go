package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
)

// Volatile tokens stripped from the fingerprint source so that
// reprocessing the same underlying problem yields the same key even
// when timestamps, counters, or generated ids differ between
// deliveries.
var (
	// RFC3339 / ISO-8601 timestamps, with or without fractional seconds.
	timestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)

	// Durations with units ("12.3s", "450ms", "3m20s").
	durationRe = regexp.MustCompile(`\b\d+(\.\d+)?(ns|us|µs|ms|s|m|h)\b`)

	// Hex identifiers of 8+ characters (commit SHAs, pod hash suffixes,
	// trace ids).
	hexIDRe = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)

	// Bare decimal counters (restart counts, line numbers in volatile
	// positions). Applied last so timestamps and durations are already
	// gone.
	counterRe = regexp.MustCompile(`\b\d+\b`)
)

// Payload keys excluded from the fingerprint entirely: they vary per
// delivery without changing the underlying problem.
var volatileKeys = map[string]bool{
	"timestamp":     true,
	"detected_at":   true,
	"restart_count": true,
	"delivery_id":   true,
}

// normalizeFingerprint strips volatile tokens from a fingerprint source
// string.
func normalizeFingerprint(s string) string {
	s = timestampRe.ReplaceAllString(s, "<ts>")
	s = durationRe.ReplaceAllString(s, "<dur>")
	s = hexIDRe.ReplaceAllString(s, "<hex>")
	s = counterRe.ReplaceAllString(s, "<n>")
	return strings.TrimSpace(s)
}

// fingerprintLogLines is how much of the log blob participates in the
// fingerprint. The head of a failure log identifies the failure; the
// tail is usually stack-trace noise.
const fingerprintLogLines = 20

// dedupeKey derives the deterministic key for an alert: a SHA-256 over
// kind, scope, the sorted non-volatile payload fields, and the
// normalized head of the logs.
func dedupeKey(kind Kind, scope Scope, fields map[string]string, logs string) string {
	h := sha256.New()
	h.Write([]byte(string(kind)))
	h.Write([]byte{0})
	h.Write([]byte(scope.String()))
	h.Write([]byte{0})

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if volatileKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(normalizeFingerprint(fields[k])))
		h.Write([]byte{0})
	}

	lines := strings.SplitN(logs, "\n", fingerprintLogLines+1)
	if len(lines) > fingerprintLogLines {
		lines = lines[:fingerprintLogLines]
	}
	h.Write([]byte(normalizeFingerprint(strings.Join(lines, "\n"))))

	return hex.EncodeToString(h.Sum(nil))
}
