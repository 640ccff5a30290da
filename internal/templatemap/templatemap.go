// Package templatemap reconstructs spans against a new document from a
// cached redaction result fitted to a structurally-similar document.
package templatemap

import (
	"regexp"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
)

// Tuning constants for the mapping confidence penalties. Kept as named
// constants rather than a contract: callers that need different behavior
// should fork these, not rely on the exact values.
const (
	fieldClipPenalty        = 0.9
	standalonePenalty       = 0.7
	validationFailPenalty   = 0.5
	mappedConfidencePenalty = 0.05

	minStructureSimilarity = 0.7
	minOverallConfidence   = 0.8
	maxFailedRatio         = 0.1
)

// CachedSpan is the cacheable re-expression of a span: positions are
// relative to a field (fieldIndex >= 0) or absolute/standalone (fieldIndex
// == -1), so they can be reconstructed against a different document that
// shares the same structural skeleton.
type CachedSpan struct {
	FilterType           span.FilterType
	Confidence           float64
	Priority             int
	Pattern              string
	FieldIndex           int // -1 for standalone
	OffsetFromFieldStart int
	Length               int
	OriginalText         string
}

// CachedResult is what the cache's structure tier stores per entry.
type CachedResult struct {
	Structure structure.DocumentStructure
	Spans     []CachedSpan
	PolicyHash string
}

// Mapped is one successfully or unsuccessfully reconstructed span.
type Mapped struct {
	Span    span.Span
	Ok      bool
	Reason  string
}

// Result is the outcome of mapping a CachedResult onto a new document.
type Result struct {
	Spans      []span.Span
	Reliable   bool
	Similarity float64
}

// validationPatterns validate a mapped span's reconstructed text actually
// still looks like the PHI family it claims to be.
var validationPatterns = map[span.FilterType]*regexp.Regexp{
	span.SSN:   regexp.MustCompile(`^\d{3}-?\d{2}-?\d{4}$`),
	span.Phone: regexp.MustCompile(`^\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}$`),
	span.Email: regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`),
	span.Date:  regexp.MustCompile(`^(?:\d{4}[-/]\d{2}[-/]\d{2}|\d{2}[-/]\d{2}[-/]\d{4})$`),
	span.MRN:   regexp.MustCompile(`^[A-Za-z0-9-]{4,}$`),
	span.ZipCode: regexp.MustCompile(`^\d{5}(?:-\d{4})?$`),
	span.Age:   regexp.MustCompile(`^\d{1,3}$`),
}

// Map reconstructs cached.Spans against newDocument/newStructure.
//
// Per spec: similarity below minStructureSimilarity short-circuits to an
// unreliable, empty result. Each CachedSpan is mapped independently; a
// failed span is dropped, not included in Result.Spans. The overall result
// is reliable iff the mean confidence across successfully mapped spans is
// >= minOverallConfidence AND the fraction of failed spans is <=
// maxFailedRatio.
func Map(newDocument string, newStructure structure.DocumentStructure, cached CachedResult) Result {
	similarity := structure.Similarity(cached.Structure, newStructure)
	if similarity < minStructureSimilarity {
		return Result{Reliable: false, Similarity: similarity}
	}

	mapped := make([]span.Span, 0, len(cached.Spans))
	failed := 0

	for _, cs := range cached.Spans {
		m := mapOne(newDocument, newStructure, cs)
		if !m.Ok {
			failed++
			continue
		}
		mapped = append(mapped, m.Span)
	}

	total := len(cached.Spans)
	if total == 0 {
		return Result{Spans: mapped, Reliable: false, Similarity: similarity}
	}

	failedRatio := float64(failed) / float64(total)

	var sum float64
	for _, s := range mapped {
		sum += s.Confidence
	}
	overallConfidence := 0.0
	if len(mapped) > 0 {
		overallConfidence = sum / float64(len(mapped))
	}

	reliable := overallConfidence >= minOverallConfidence && failedRatio <= maxFailedRatio
	return Result{Spans: mapped, Reliable: reliable, Similarity: similarity}
}

// mapOne reconstructs a single CachedSpan's position and validates it.
func mapOne(document string, st structure.DocumentStructure, cs CachedSpan) Mapped {
	confidence := cs.Confidence

	var start, end int
	if cs.FieldIndex >= 0 {
		if cs.FieldIndex >= len(st.Fields) {
			return Mapped{Ok: false, Reason: "field index out of range"}
		}
		field := st.Fields[cs.FieldIndex]
		start = field.ValueStart + cs.OffsetFromFieldStart
		end = start + cs.Length

		if end > field.ValueEnd {
			clipped := field.ValueEnd
			if clipped <= start {
				return Mapped{Ok: false, Reason: "nothing left after clipping to field value region"}
			}
			end = clipped
			confidence *= fieldClipPenalty
		}
	} else {
		start = cs.OffsetFromFieldStart
		end = start + cs.Length
		confidence *= standalonePenalty
	}

	if start < 0 || end > len(document) || start >= end {
		return Mapped{Ok: false, Reason: "mapped position out of bounds"}
	}

	if re, ok := validationPatterns[cs.FilterType]; ok {
		if !re.MatchString(document[start:end]) {
			confidence *= validationFailPenalty
		}
	}

	confidence *= (1 - mappedConfidencePenalty)

	s, err := span.New(document, start, end, cs.FilterType, confidence, cs.Priority, "cached:"+cs.Pattern)
	if err != nil {
		return Mapped{Ok: false, Reason: "invalid span bounds"}
	}
	return Mapped{Span: s, Ok: true}
}

// ToCachedSpans converts a final span set into cacheable form: each span is
// tied to the containing field by position when one covers it, or kept as
// a standalone absolute-offset entry otherwise.
func ToCachedSpans(spans []span.Span, st structure.DocumentStructure) []CachedSpan {
	out := make([]CachedSpan, 0, len(spans))
	for _, s := range spans {
		cs := CachedSpan{
			FilterType:   s.FilterType,
			Confidence:   s.Confidence,
			Priority:     s.Priority,
			Pattern:      s.Pattern,
			Length:       s.Len(),
			OriginalText: s.Text,
			FieldIndex:   -1,
		}
		if idx := containingField(s, st); idx >= 0 {
			cs.FieldIndex = idx
			cs.OffsetFromFieldStart = s.CharacterStart - st.Fields[idx].ValueStart
		} else {
			cs.OffsetFromFieldStart = s.CharacterStart
		}
		out = append(out, cs)
	}
	return out
}

func containingField(s span.Span, st structure.DocumentStructure) int {
	for i, f := range st.Fields {
		if f.ValueStart <= s.CharacterStart && s.CharacterEnd <= f.ValueEnd {
			return i
		}
	}
	return -1
}
