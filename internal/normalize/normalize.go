// Package normalize turns raw name input into deduplicated identity/display pairs.
package normalize

import (
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
)

// ErrEmptyBatch is returned when no usable names remain after normalization.
var ErrEmptyBatch = eris.New("normalize: empty batch")

// Name is a normalized entry. Identity is the case-folded dedup key;
// Display keeps the casing from the first occurrence.
type Name struct {
	Identity string
	Display  string
}

var folder = cases.Fold()

// Identity returns the case-folded, trimmed form of a raw name.
func Identity(raw string) string {
	return folder.String(strings.TrimSpace(raw))
}

// ParseBatch splits a comma-separated string and deduplicates the entries.
func ParseBatch(raw string) ([]Name, error) {
	return Dedupe(strings.Split(raw, ","))
}

// Dedupe trims, drops empties, and deduplicates by case-folded identity,
// preserving first-seen order and first-seen display casing.
func Dedupe(items []string) ([]Name, error) {
	seen := make(map[string]bool, len(items))
	names := make([]Name, 0, len(items))

	for _, item := range items {
		display := strings.TrimSpace(item)
		if display == "" {
			continue
		}
		identity := folder.String(display)
		if seen[identity] {
			continue
		}
		seen[identity] = true
		names = append(names, Name{Identity: identity, Display: display})
	}

	if len(names) == 0 {
		return nil, ErrEmptyBatch
	}
	return names, nil
}
