// Package apply produces the final redacted text from a disambiguated,
// non-overlapping span set, replacing each span with an enumerated
// replacement token ("[NAME-1]", "[NAME-2]", ...).
package apply

import (
	"fmt"
	"strings"
	"time"

	"phi-redactor/internal/redactionerr"
	"phi-redactor/internal/span"
)

// Options controls how tokens are assigned.
type Options struct {
	// CollapseIdenticalText makes repeated original text within a document
	// reuse the same enumeration counter instead of minting a new one.
	CollapseIdenticalText bool
	// IncludeExplanations populates Report.Explanations with a per-span
	// justification record.
	IncludeExplanations bool
}

// Explanation documents why one span was (or would have been) replaced.
type Explanation struct {
	FilterType span.FilterType
	Token      string
	Start      int
	End        int
	Confidence float64
	Pattern    string
	DetectorID string
}

// Report summarizes one apply pass.
type Report struct {
	SpansDetected int
	SpansApplied  int
	CountsByType  map[span.FilterType]int
	Duration      time.Duration
	Explanations  []Explanation
}

// Result is the output of Apply.
type Result struct {
	Text   string
	Report Report
}

// Apply scans spans in ascending start order and builds the redacted text,
// emitting document[cursor:span.start) followed by a replacement token for
// each span, then the trailing remainder. spans must already be
// non-overlapping and sorted by characterStart (disambiguate.Resolve's
// output satisfies this); a span whose start precedes the running cursor
// means that invariant was violated upstream, and Apply fails fast rather
// than silently dropping the span and leaking its cleartext into the
// output.
func Apply(document string, spans []span.Span, opts Options) (Result, error) {
	start := time.Now()

	tokenCounters := make(map[span.FilterType]int) // enumeration counter, advances only on a fresh token
	appliedCounts := make(map[span.FilterType]int) // total spans replaced per type
	seen := make(map[string]string)                // "filterType|text" -> already-assigned token

	var b strings.Builder
	cursor := 0
	applied := 0
	explanations := make([]Explanation, 0, len(spans))

	for i := range spans {
		s := spans[i]
		if s.CharacterStart < cursor {
			return Result{}, redactionerr.NewInternalInvariantViolation(
				"span [%d,%d) %s overlaps already-applied output ending at %d",
				s.CharacterStart, s.CharacterEnd, s.FilterType, cursor)
		}
		b.WriteString(document[cursor:s.CharacterStart])

		token := tokenFor(&s, tokenCounters, seen, opts.CollapseIdenticalText)
		b.WriteString(token)
		s.Replacement = token
		s.Applied = true
		spans[i] = s

		appliedCounts[s.FilterType]++
		applied++
		cursor = s.CharacterEnd

		if opts.IncludeExplanations {
			explanations = append(explanations, Explanation{
				FilterType: s.FilterType,
				Token:      token,
				Start:      s.CharacterStart,
				End:        s.CharacterEnd,
				Confidence: s.Confidence,
				Pattern:    s.Pattern,
				DetectorID: s.DetectorID,
			})
		}
	}
	b.WriteString(document[cursor:])

	return Result{
		Text: b.String(),
		Report: Report{
			SpansDetected: len(spans),
			SpansApplied:  applied,
			CountsByType:  appliedCounts,
			Duration:      time.Since(start),
			Explanations:  explanations,
		},
	}, nil
}

// tokenFor assigns the next enumeration token for s.FilterType, or reuses a
// previously assigned token for identical original text when collapse is
// enabled.
func tokenFor(s *span.Span, counters map[span.FilterType]int, seen map[string]string, collapse bool) string {
	if collapse {
		key := string(s.FilterType) + "|" + s.Text
		if token, ok := seen[key]; ok {
			return token
		}
		counters[s.FilterType]++
		token := formatToken(s.FilterType, counters[s.FilterType])
		seen[key] = token
		return token
	}
	counters[s.FilterType]++
	return formatToken(s.FilterType, counters[s.FilterType])
}

// formatToken renders a replacement token, e.g. [NAME-1], [SSN-2].
func formatToken(filterType span.FilterType, n int) string {
	return fmt.Sprintf("[%s-%d]", filterType, n)
}
