// Package detect implements the detector contract and a representative set
// of built-in, regex-backed PHI detectors. Each detector is pure: it
// consults only its own compiled patterns and dictionaries, shares no
// mutable state, and emits spans deterministically for the same input.
//
// ML/GLiNER/native detector variants are intentionally not implemented here;
// the Detector interface is the pluggable seam a future variant would
// implement.
package detect

import (
	"context"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
)

// Detector scans a document for occurrences of one or more PHI families.
//
// scan must be pure and bounded in O(N*k) where k is the detector's pattern
// count, and must poll ctx at intervals bounded by a fraction of the
// document so the engine's cancellation model holds.
type Detector interface {
	// ID identifies the detector for tie-break ordering and diagnostics.
	ID() string
	// FilterTypes lists every FilterType this detector may emit.
	FilterTypes() []span.FilterType
	// Scan returns candidate spans for document. structure may be nil if
	// the caller has not extracted it (detectors that don't need it ignore
	// the parameter).
	Scan(ctx context.Context, document string, st *structure.DocumentStructure) ([]span.Span, error)
}

// minLengths holds the shortest text a surviving span of each FilterType
// may be truncated to during disambiguation (spec 4.F "minimum-length
// invariant"). It is a fixed table read by MinLengthFor; unlisted types
// default to 1.
var minLengths = map[span.FilterType]int{
	span.SSN:        9,
	span.Phone:      7,
	span.Email:      3,
	span.CreditCard: 12,
	span.ZipCode:    5,
	span.IP:         7,
	span.MRN:        4,
	span.Date:       4,
	span.NPI:        10,
	span.DEA:        9,
}

// MinLengthFor returns the minimum surviving length for a truncated span of
// the given FilterType, as listed in minLengths.
func MinLengthFor(ft span.FilterType) int {
	if n, ok := minLengths[ft]; ok {
		return n
	}
	return 1
}
