package templatemap

import (
	"testing"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
)

func TestMap_LowSimilarity_Unreliable(t *testing.T) {
	cached := CachedResult{
		Structure: structure.DocumentStructure{DocumentType: structure.DischargeSummary, Skeleton: "a\nb\nc"},
	}
	newStruct := structure.DocumentStructure{DocumentType: structure.LabReport, Skeleton: "x\ny\nz"}
	res := Map("some document", newStruct, cached)
	if res.Reliable {
		t.Error("expected unreliable result for dissimilar structures")
	}
}

func TestMap_FieldIndexed_ReconstructsPosition(t *testing.T) {
	doc := "Patient Name: John Smith"
	st := structure.DocumentStructure{
		Skeleton: "Patient Name: {{__NAME__}}",
		Fields:   []structure.Field{{ExpectedType: span.Name, ValueStart: 14, ValueEnd: 24}},
	}
	cached := CachedResult{
		Structure: st,
		Spans: []CachedSpan{
			{FilterType: span.Name, Confidence: 0.95, FieldIndex: 0, OffsetFromFieldStart: 0, Length: 10},
		},
	}
	res := Map(doc, st, cached)
	if !res.Reliable {
		t.Fatalf("expected reliable result, got %+v", res)
	}
	if len(res.Spans) != 1 {
		t.Fatalf("expected 1 mapped span, got %d", len(res.Spans))
	}
	if res.Spans[0].Text != "John Smith" {
		t.Errorf("expected mapped text 'John Smith', got %q", res.Spans[0].Text)
	}
}

func TestMap_FieldIndexed_ClipsToFieldBoundary(t *testing.T) {
	doc := "Patient Name: Jo"
	st := structure.DocumentStructure{
		Fields: []structure.Field{{ExpectedType: span.Name, ValueStart: 14, ValueEnd: 16}},
	}
	cached := CachedResult{
		Structure: st,
		Spans: []CachedSpan{
			{FilterType: span.Name, Confidence: 0.95, FieldIndex: 0, OffsetFromFieldStart: 0, Length: 10},
		},
	}
	res := Map(doc, st, cached)
	if len(res.Spans) != 1 {
		t.Fatalf("expected clipped span to survive, got %d spans", len(res.Spans))
	}
	if res.Spans[0].CharacterEnd != 16 {
		t.Errorf("expected clip to field end 16, got %d", res.Spans[0].CharacterEnd)
	}
}

func TestMap_FieldIndexed_OutOfRangeFieldFails(t *testing.T) {
	doc := "short"
	st := structure.DocumentStructure{Fields: nil}
	cached := CachedResult{
		Structure: st,
		Spans: []CachedSpan{
			{FilterType: span.Name, Confidence: 0.9, FieldIndex: 3, Length: 3},
		},
	}
	res := Map(doc, st, cached)
	if len(res.Spans) != 0 {
		t.Errorf("expected out-of-range field index to fail, got %+v", res.Spans)
	}
}

func TestMap_Standalone_AbsoluteOffset(t *testing.T) {
	doc := "Contact: 555-123-4567 for details"
	st := structure.DocumentStructure{}
	cached := CachedResult{
		Structure: st,
		Spans: []CachedSpan{
			{FilterType: span.Phone, Confidence: 0.99, FieldIndex: -1, OffsetFromFieldStart: 9, Length: 12},
		},
	}
	res := Map(doc, st, cached)
	if len(res.Spans) != 1 {
		t.Fatalf("expected 1 mapped span, got %d", len(res.Spans))
	}
	if res.Spans[0].Text != "555-123-4567" {
		t.Errorf("expected '555-123-4567', got %q", res.Spans[0].Text)
	}
	// standalone penalty (0.7) and mappedConfidencePenalty (0.05) both applied
	want := 0.99 * standalonePenalty * (1 - mappedConfidencePenalty)
	if diff := res.Spans[0].Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected confidence %f, got %f", want, res.Spans[0].Confidence)
	}
}

func TestMap_Standalone_OutOfBoundsFails(t *testing.T) {
	doc := "short"
	st := structure.DocumentStructure{}
	cached := CachedResult{
		Structure: st,
		Spans: []CachedSpan{
			{FilterType: span.Phone, Confidence: 0.9, FieldIndex: -1, OffsetFromFieldStart: 100, Length: 12},
		},
	}
	res := Map(doc, st, cached)
	if len(res.Spans) != 0 {
		t.Errorf("expected out-of-bounds standalone span to fail, got %+v", res.Spans)
	}
}

func TestMap_ValidationFailure_HalvesConfidence(t *testing.T) {
	doc := "Patient Name: not-an-ssn12"
	st := structure.DocumentStructure{
		Fields: []structure.Field{{ExpectedType: span.SSN, ValueStart: 14, ValueEnd: 26}},
	}
	cached := CachedResult{
		Structure: st,
		Spans: []CachedSpan{
			{FilterType: span.SSN, Confidence: 0.9, FieldIndex: 0, OffsetFromFieldStart: 0, Length: 12},
		},
	}
	res := Map(doc, st, cached)
	if len(res.Spans) != 1 {
		t.Fatalf("expected mapped span despite validation failure, got %d", len(res.Spans))
	}
	want := 0.9 * validationFailPenalty * (1 - mappedConfidencePenalty)
	if diff := res.Spans[0].Confidence - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected halved confidence %f, got %f", want, res.Spans[0].Confidence)
	}
}

func TestMap_NoCachedSpans_Unreliable(t *testing.T) {
	st := structure.DocumentStructure{}
	cached := CachedResult{Structure: st}
	res := Map("doc with enough similarity", st, cached)
	if res.Reliable {
		t.Error("expected unreliable result when there are no cached spans")
	}
}

func TestToCachedSpans_FieldAndStandalone(t *testing.T) {
	doc := "Patient Name: Jane Doe, stray SSN 123-45-6789"
	st := structure.DocumentStructure{
		Fields: []structure.Field{{ExpectedType: span.Name, ValueStart: 14, ValueEnd: 22}},
	}
	named, err := span.New(doc, 14, 22, span.Name, 0.9, 1, "test")
	if err != nil {
		t.Fatal(err)
	}
	ssnStart := len("Patient Name: Jane Doe, stray SSN ")
	standalone, err := span.New(doc, ssnStart, ssnStart+11, span.SSN, 0.8, 1, "test")
	if err != nil {
		t.Fatal(err)
	}

	cached := ToCachedSpans([]span.Span{named, standalone}, st)
	if len(cached) != 2 {
		t.Fatalf("expected 2 cached spans, got %d", len(cached))
	}
	if cached[0].FieldIndex != 0 {
		t.Errorf("expected field-indexed span to reference field 0, got %d", cached[0].FieldIndex)
	}
	if cached[1].FieldIndex != -1 {
		t.Errorf("expected standalone span to have FieldIndex -1, got %d", cached[1].FieldIndex)
	}
}
