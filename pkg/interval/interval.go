// Package interval turns calendar busy intervals into a merged set of spans
// relative to the start of the work window.
package interval

import (
	"sort"

	"github.com/harrisonrobin/flowfocus/pkg/model"
)

// Span is a half open range of minutes measured from the window start.
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Clip moves b into window-relative minutes and truncates it to
// [0, window.TotalMinutes()]. ok is false when nothing remains.
func Clip(w model.WorkWindow, b model.BusyInterval) (Span, bool) {
	offset := w.StartHour * 60
	total := w.TotalMinutes()

	s := Span{Start: b.StartMinute - offset, End: b.EndMinute - offset}
	if s.Start < 0 {
		s.Start = 0
	}
	if s.End > total {
		s.End = total
	}
	if s.End <= s.Start {
		return Span{}, false
	}
	return s, true
}

// Normalize clips every interval to the window and merges overlapping or
// touching spans. Upstream calendars may hand us duplicates, so the result
// is always sorted and disjoint regardless of input.
func Normalize(w model.WorkWindow, busy []model.BusyInterval) []Span {
	spans := make([]Span, 0, len(busy))
	for _, b := range busy {
		if s, ok := Clip(w, b); ok {
			spans = append(spans, s)
		}
	}
	return Merge(spans)
}

// Merge sorts spans by start and collapses overlapping or adjacent ones.
// The input slice is reordered in place.
func Merge(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].End < spans[j].End
	})

	merged := []Span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// Covered sums the lengths of disjoint spans.
func Covered(spans []Span) int {
	total := 0
	for _, s := range spans {
		total += s.Len()
	}
	return total
}

// Free returns the gaps between merged spans inside a window of the given
// length.
func Free(total int, merged []Span) []Span {
	var free []Span
	cursor := 0
	for _, s := range merged {
		if s.Start > cursor {
			free = append(free, Span{Start: cursor, End: s.Start})
		}
		if s.End > cursor {
			cursor = s.End
		}
	}
	if cursor < total {
		free = append(free, Span{Start: cursor, End: total})
	}
	return free
}
