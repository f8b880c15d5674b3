package events

import "strings"

// minOverlap is the smallest suffix/prefix overlap treated as a continuation
// rather than unrelated text.
const minOverlap = 4

// Merge folds an incoming delta chunk into the accumulated text. It is total:
// every (existing, incoming) pair produces a result, and the result always
// has existing as a prefix. Handles providers that re-send cumulative
// snapshots, duplicate chunks, and chunks that overlap the tail of the
// accumulated text.
func Merge(existing, incoming string) string {
	if incoming == "" {
		return existing
	}
	if existing == "" {
		return incoming
	}
	if incoming == existing {
		return existing
	}
	// Snapshot chunk: provider re-sent the whole text so far plus new tail.
	if strings.HasPrefix(incoming, existing) {
		return incoming
	}
	// Duplicate or stale fragment of what we already hold.
	if strings.HasPrefix(existing, incoming) || strings.HasSuffix(existing, incoming) {
		return existing
	}
	if k := overlap(existing, incoming); k > 0 {
		return existing + incoming[k:]
	}
	return existing + incoming
}

// overlap returns the largest k >= minOverlap such that the last k bytes of
// existing equal the first k bytes of incoming, or 0 when none exists.
func overlap(existing, incoming string) int {
	max := len(existing)
	if len(incoming) < max {
		max = len(incoming)
	}
	for k := max; k >= minOverlap; k-- {
		if existing[len(existing)-k:] == incoming[:k] {
			return k
		}
	}
	return 0
}
