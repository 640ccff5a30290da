// Package span defines the canonical representation of a detected PHI
// occurrence and the factory that constructs it safely.
//
// A Span never outlives the document it was built from: detectors create
// spans, the pipeline mutates their confidence and filter type as it goes,
// and the applier consumes the final set to produce redacted text. Spans do
// not carry a reference to the document — callers are expected to keep the
// document alive for the lifetime of the span and re-slice it when needed.
package span

import (
	"sort"

	"phi-redactor/internal/redactionerr"
)

// FilterType is the closed enumeration of PHI families the pipeline knows
// about. Detectors tag every span they emit with exactly one FilterType,
// even when a single detector covers several families.
type FilterType string

// Supported PHI families (HIPAA Safe Harbor identifiers and their close
// relatives).
const (
	Name       FilterType = "NAME"
	Date       FilterType = "DATE"
	SSN        FilterType = "SSN"
	MRN        FilterType = "MRN"
	Phone      FilterType = "PHONE"
	Fax        FilterType = "FAX"
	Email      FilterType = "EMAIL"
	Address    FilterType = "ADDRESS"
	ZipCode    FilterType = "ZIPCODE"
	City       FilterType = "CITY"
	State      FilterType = "STATE"
	Age        FilterType = "AGE"
	Account    FilterType = "ACCOUNT"
	HealthPlan FilterType = "HEALTH_PLAN"
	License    FilterType = "LICENSE"
	NPI        FilterType = "NPI"
	DEA        FilterType = "DEA"
	IP         FilterType = "IP"
	URL        FilterType = "URL"
	CreditCard FilterType = "CREDIT_CARD"
	Vehicle    FilterType = "VEHICLE"
	Device     FilterType = "DEVICE"
	Biometric  FilterType = "BIOMETRIC"
	Passport   FilterType = "PASSPORT"
)

// Span is a candidate (or final) PHI occurrence.
//
// CharacterStart/CharacterEnd are half-open character offsets into the
// NFC-normalized document: start < end <= len(document). Text must always
// equal document[start:end) — callers that mutate start/end without
// re-slicing Text violate the span's core invariant (spec §8.1). New
// enforces it at construction and InBounds reports whether it still holds;
// no later pipeline stage compares Text with the document again.
type Span struct {
	CharacterStart int
	CharacterEnd   int
	Text           string
	FilterType     FilterType
	Confidence     float64
	Priority       int
	Pattern        string // rule identifier, or "cached:<pattern>" for mapped spans
	DetectorID     string

	// Mutated during the apply phase only.
	Replacement string
	Applied     bool
}

// New constructs a Span, re-slicing text from document so Text can never
// drift from the bounds it claims to describe.
//
// Returns the error built by redactionerr.NewInvalidSpanPosition (kind
// KindInvalidInput, matching redactionerr.ErrInvalidInput under errors.Is)
// if start/end are out of bounds or non-increasing, matching spec §4.A.
func New(document string, start, end int, filterType FilterType, confidence float64, priority int, pattern string) (Span, error) {
	if start < 0 || end > len(document) || start >= end {
		return Span{}, redactionerr.NewInvalidSpanPosition(start, end, len(document))
	}
	return Span{
		CharacterStart: start,
		CharacterEnd:   end,
		Text:           document[start:end],
		FilterType:     filterType,
		Confidence:     confidence,
		Priority:       priority,
		Pattern:        pattern,
	}, nil
}

// Clone returns a value copy of s. Span contains no pointer fields, so this
// is equivalent to a plain assignment; the helper exists so call sites that
// want to make the copy explicit (e.g. before mutating Replacement/Applied
// during apply) read clearly.
func (s Span) Clone() Span {
	return s
}

// InBounds reports whether s's positions are consistent with a document of
// the given length and whether Text matches the claimed slice.
func (s Span) InBounds(document string) bool {
	if s.CharacterStart < 0 || s.CharacterEnd > len(document) || s.CharacterStart >= s.CharacterEnd {
		return false
	}
	return document[s.CharacterStart:s.CharacterEnd] == s.Text
}

// Len returns the number of characters the span covers.
func (s Span) Len() int { return s.CharacterEnd - s.CharacterStart }

// Overlaps reports whether s and other cover any common character position.
func (s Span) Overlaps(other Span) bool {
	return s.CharacterStart < other.CharacterEnd && other.CharacterStart < s.CharacterEnd
}

// Contains reports whether other's range lies entirely within s's range.
func (s Span) Contains(other Span) bool {
	return s.CharacterStart <= other.CharacterStart && other.CharacterEnd <= s.CharacterEnd
}

// Less orders spans by (start, end, -priority, -confidence), the
// deterministic tie-break order required by spec §4.A and used as the sort
// key throughout the disambiguation stage (§4.F).
func Less(a, b Span) bool {
	if a.CharacterStart != b.CharacterStart {
		return a.CharacterStart < b.CharacterStart
	}
	if a.CharacterEnd != b.CharacterEnd {
		return a.CharacterEnd < b.CharacterEnd
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Confidence > b.Confidence
}

// SortSpans orders spans in place using Less, and as a final tie-break
// falls back to DetectorID so that output ordering never depends on
// goroutine scheduling (spec §5 "Ordering guarantees").
func SortSpans(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if Less(spans[i], spans[j]) {
			return true
		}
		if Less(spans[j], spans[i]) {
			return false
		}
		return spans[i].DetectorID < spans[j].DetectorID
	})
}
