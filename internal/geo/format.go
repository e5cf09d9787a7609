package geo

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"astroai/internal/model"
)

// FormatCandidate renders a short label for a candidate: the first two
// comma-separated segments of its display name followed by coordinates at
// four decimals, e.g. "Москва, Россия (55.7558, 37.6173)".
func FormatCandidate(c model.SearchCandidate) string {
	parts := strings.Split(c.DisplayName, ",")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	short := strings.Join(parts, ", ")
	return fmt.Sprintf("%s (%.4f, %.4f)", short, c.Latitude, c.Longitude)
}

// QueryLongEnough reports whether q, ignoring surrounding whitespace, has at
// least minLen characters.
func QueryLongEnough(q string, minLen int) bool {
	return utf8.RuneCountInString(strings.TrimSpace(q)) >= minLen
}
