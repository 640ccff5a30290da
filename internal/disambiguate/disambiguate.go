// Package disambiguate resolves overlapping spans into the final ordered,
// non-overlapping list the applier consumes.
package disambiguate

import (
	"phi-redactor/internal/detect"
	"phi-redactor/internal/span"
)

// Resolve sorts spans by (start, end, -priority, -confidence) and sweeps
// left to right, merging or dropping overlaps per the tie-break rules:
//
//   - Same filterType: merge into the union of the two ranges; confidence
//     is the max of the two.
//   - Different filterType: the higher-priority span wins; ties break on
//     confidence, then on the earlier span.
//   - A span fully contained in the kept span is dropped.
//   - A partial-overlap loser longer than the winner is truncated to its
//     non-overlapping prefix or suffix, provided the remainder still
//     satisfies its own detector's minimum-length invariant; otherwise it
//     is dropped entirely.
//
// The result is re-sorted by characterStart ascending as a final stable
// pass, independent of the internal sweep order.
func Resolve(document string, spans []span.Span) []span.Span {
	if len(spans) == 0 {
		return nil
	}

	ordered := make([]span.Span, len(spans))
	copy(ordered, spans)
	span.SortSpans(ordered)

	kept := make([]span.Span, 0, len(ordered))
	kept = append(kept, ordered[0])

	// frontierIdx tracks the kept span with the rightmost end reached so
	// far, not simply the last-appended element: a partial-overlap
	// truncation can append a loser's truncated prefix after the winner,
	// and that prefix's end is earlier than the winner's. A later span
	// comparing only against the last-appended element would miss an
	// overlap with the winner it never got re-checked against.
	frontierIdx := 0

	for _, next := range ordered[1:] {
		frontier := kept[frontierIdx]
		if !frontier.Overlaps(next) {
			kept = append(kept, next)
			if next.CharacterEnd > kept[frontierIdx].CharacterEnd {
				frontierIdx = len(kept) - 1
			}
			continue
		}
		newFrontier, extra := resolveOverlap(document, frontier, next)
		kept[frontierIdx] = newFrontier
		if extra != nil {
			kept = append(kept, *extra)
			if extra.CharacterEnd > newFrontier.CharacterEnd {
				frontierIdx = len(kept) - 1
			}
		}
	}

	span.SortSpans(kept)
	return kept
}

// resolveOverlap decides the outcome of one overlapping pair where current
// is the kept span at the sweep's frontier (the rightmost end so far) and
// next is the incoming span from the sweep. It returns the span that should replace current in kept, and an
// optional extra span to additionally append (a surviving truncated
// remainder of whichever span lost the overlap).
func resolveOverlap(document string, current, next span.Span) (newCurrent span.Span, extra *span.Span) {
	if current.FilterType == next.FilterType {
		return mergeSameType(document, current, next), nil
	}

	winner, loser := pickWinner(current, next)

	if winner.Contains(loser) {
		return winner, nil
	}

	truncated, ok := truncateLoser(document, winner, loser)
	if !ok {
		return winner, nil
	}
	return winner, &truncated
}

// mergeSameType unions two overlapping same-type spans into a single span
// covering their combined range, keeping the higher confidence/priority.
func mergeSameType(document string, a, b span.Span) span.Span {
	start := a.CharacterStart
	if b.CharacterStart < start {
		start = b.CharacterStart
	}
	end := a.CharacterEnd
	if b.CharacterEnd > end {
		end = b.CharacterEnd
	}
	confidence := a.Confidence
	if b.Confidence > confidence {
		confidence = b.Confidence
	}
	priority := a.Priority
	if b.Priority > priority {
		priority = b.Priority
	}
	merged, err := span.New(document, start, end, a.FilterType, confidence, priority, a.Pattern)
	if err != nil {
		return a
	}
	merged.DetectorID = a.DetectorID
	return merged
}

// pickWinner resolves different-filterType overlap by priority, then
// confidence, then earliest start.
func pickWinner(a, b span.Span) (winner, loser span.Span) {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return a, b
		}
		return b, a
	}
	if a.Confidence != b.Confidence {
		if a.Confidence > b.Confidence {
			return a, b
		}
		return b, a
	}
	if a.CharacterStart <= b.CharacterStart {
		return a, b
	}
	return b, a
}

// truncateLoser clips loser to its non-overlapping remainder against
// winner, when loser extends beyond winner's range and that remainder
// still meets its FilterType's minimum-length invariant. Reports ok=false
// when loser is fully contained (nothing to truncate) or the remainder is
// too short to keep.
func truncateLoser(document string, winner, loser span.Span) (span.Span, bool) {
	if winner.Contains(loser) {
		return span.Span{}, false
	}

	var start, end int
	switch {
	case loser.CharacterStart < winner.CharacterStart:
		start, end = loser.CharacterStart, winner.CharacterStart
	case loser.CharacterEnd > winner.CharacterEnd:
		start, end = winner.CharacterEnd, loser.CharacterEnd
	default:
		return span.Span{}, false
	}

	if end-start < detect.MinLengthFor(loser.FilterType) {
		return span.Span{}, false
	}

	truncated, err := span.New(document, start, end, loser.FilterType, loser.Confidence, loser.Priority, loser.Pattern)
	if err != nil {
		return span.Span{}, false
	}
	truncated.DetectorID = loser.DetectorID
	return truncated, true
}
