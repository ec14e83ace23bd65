// Package segments holds the interval arithmetic the processing stage
// applies to detected ad ranges. Workers import it; the coordinator
// never does.
package segments

import (
	"sort"
	"time"
)

const (
	DefaultMaxGap      = 20 * time.Second
	DefaultMinDuration = 5 * time.Second
)

// Range is a half-open span of audio, [Start, End).
type Range struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

func (r Range) Duration() time.Duration { return r.End - r.Start }

// Rules control Merge.
type Rules struct {
	// MaxGap joins ranges separated by at most this much audio.
	MaxGap time.Duration
	// MinDuration drops merged ranges shorter than this.
	MinDuration time.Duration
}

func DefaultRules() Rules {
	return Rules{MaxGap: DefaultMaxGap, MinDuration: DefaultMinDuration}
}

// Merge sorts ranges by start, joins any that overlap or sit within
// MaxGap of each other, and keeps the merged ranges lasting at least
// MinDuration. Ranges with End before Start are ignored. The input is
// not modified.
func Merge(ranges []Range, rules Rules) []Range {
	sorted := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.End >= r.Start {
			sorted = append(sorted, r)
		}
	}
	if len(sorted) == 0 {
		return []Range{}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	merged := []Range{}
	cur := sorted[0]
	for _, r := range sorted[1:] {
		if r.Start <= cur.End+rules.MaxGap {
			if r.End > cur.End {
				cur.End = r.End
			}
			continue
		}
		if cur.Duration() >= rules.MinDuration {
			merged = append(merged, cur)
		}
		cur = r
	}
	if cur.Duration() >= rules.MinDuration {
		merged = append(merged, cur)
	}
	return merged
}

// Keep returns the spans of [0, total) not covered by cut, which must be
// sorted and non-overlapping as Merge returns them.
func Keep(cut []Range, total time.Duration) []Range {
	kept := []Range{}
	pos := time.Duration(0)
	for _, c := range cut {
		start, end := max(c.Start, 0), min(c.End, total)
		if start > pos {
			kept = append(kept, Range{Start: pos, End: start})
		}
		if end > pos {
			pos = end
		}
	}
	if pos < total {
		kept = append(kept, Range{Start: pos, End: total})
	}
	return kept
}
