package apply

import (
	"strings"
	"testing"

	"phi-redactor/internal/redactionerr"
	"phi-redactor/internal/span"
)

func mustSpan(t *testing.T, doc string, start, end int, ft span.FilterType, confidence float64) span.Span {
	t.Helper()
	s, err := span.New(doc, start, end, ft, confidence, 1, "test")
	if err != nil {
		t.Fatalf("span.New failed: %v", err)
	}
	return s
}

func mustApply(t *testing.T, doc string, spans []span.Span, opts Options) Result {
	t.Helper()
	res, err := Apply(doc, spans, opts)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return res
}

func TestApply_NoSpans_TextUnchanged(t *testing.T) {
	doc := "nothing to redact here"
	res := mustApply(t, doc, nil, Options{})
	if res.Text != doc {
		t.Errorf("got %q, want unchanged %q", res.Text, doc)
	}
	if res.Report.SpansApplied != 0 {
		t.Errorf("expected 0 spans applied, got %d", res.Report.SpansApplied)
	}
}

func TestApply_SingleSpan_ReplacedWithToken(t *testing.T) {
	doc := "Call John Smith now."
	s := mustSpan(t, doc, 5, 15, span.Name, 0.9) // "John Smith"
	res := mustApply(t, doc, []span.Span{s}, Options{})
	if res.Text != "Call [NAME-1] now." {
		t.Errorf("got %q", res.Text)
	}
	if res.Report.SpansApplied != 1 || res.Report.CountsByType[span.Name] != 1 {
		t.Errorf("unexpected report: %+v", res.Report)
	}
}

func TestApply_MultipleSpansSameType_Enumerated(t *testing.T) {
	doc := "John Smith met Jane Doe."
	a := mustSpan(t, doc, 0, 10, span.Name, 0.9)
	b := mustSpan(t, doc, 15, 23, span.Name, 0.9)
	res := mustApply(t, doc, []span.Span{a, b}, Options{})
	if !strings.Contains(res.Text, "[NAME-1]") || !strings.Contains(res.Text, "[NAME-2]") {
		t.Errorf("expected distinct enumeration, got %q", res.Text)
	}
}

func TestApply_CollapseIdenticalText_ReusesToken(t *testing.T) {
	doc := "John Smith called. Later, John Smith called again."
	a := mustSpan(t, doc, 0, 10, span.Name, 0.9)
	idx := strings.LastIndex(doc, "John Smith")
	b := mustSpan(t, doc, idx, idx+10, span.Name, 0.9)
	res := mustApply(t, doc, []span.Span{a, b}, Options{CollapseIdenticalText: true})
	if strings.Contains(res.Text, "[NAME-2]") {
		t.Errorf("expected collapsed reuse of [NAME-1], got %q", res.Text)
	}
	if res.Report.SpansApplied != 2 {
		t.Errorf("expected 2 spans applied even though token collapsed, got %d", res.Report.SpansApplied)
	}
}

func TestApply_DifferentTypes_IndependentCounters(t *testing.T) {
	doc := "John Smith, SSN 123-45-6789."
	a := mustSpan(t, doc, 0, 10, span.Name, 0.9)
	b := mustSpan(t, doc, 17, 28, span.SSN, 0.9)
	res := mustApply(t, doc, []span.Span{a, b}, Options{})
	if !strings.Contains(res.Text, "[NAME-1]") || !strings.Contains(res.Text, "[SSN-1]") {
		t.Errorf("expected independent per-type counters, got %q", res.Text)
	}
}

func TestApply_Explanations_PopulatedWhenRequested(t *testing.T) {
	doc := "Call John Smith now."
	s := mustSpan(t, doc, 5, 15, span.Name, 0.9)
	res := mustApply(t, doc, []span.Span{s}, Options{IncludeExplanations: true})
	if len(res.Report.Explanations) != 1 {
		t.Fatalf("expected 1 explanation, got %d", len(res.Report.Explanations))
	}
	if res.Report.Explanations[0].Token != "[NAME-1]" {
		t.Errorf("unexpected explanation token: %+v", res.Report.Explanations[0])
	}
}

func TestApply_Explanations_OmittedByDefault(t *testing.T) {
	doc := "Call John Smith now."
	s := mustSpan(t, doc, 5, 15, span.Name, 0.9)
	res := mustApply(t, doc, []span.Span{s}, Options{})
	if len(res.Report.Explanations) != 0 {
		t.Errorf("expected no explanations by default, got %d", len(res.Report.Explanations))
	}
}

func TestApply_MutatesSpanReplacementAndApplied(t *testing.T) {
	doc := "Call John Smith now."
	spans := []span.Span{mustSpan(t, doc, 5, 15, span.Name, 0.9)}
	mustApply(t, doc, spans, Options{})
	if !spans[0].Applied || spans[0].Replacement != "[NAME-1]" {
		t.Errorf("expected span mutated in place: %+v", spans[0])
	}
}

func TestApply_PreservesSurroundingText(t *testing.T) {
	doc := "Prefix John Smith Suffix"
	s := mustSpan(t, doc, 7, 17, span.Name, 0.9)
	res := mustApply(t, doc, []span.Span{s}, Options{})
	if !strings.HasPrefix(res.Text, "Prefix ") || !strings.HasSuffix(res.Text, " Suffix") {
		t.Errorf("expected surrounding text preserved, got %q", res.Text)
	}
}

func TestApply_OverlappingSpans_FailsFastWithInternalInvariantViolation(t *testing.T) {
	doc := "John Smith, SSN 123-45-6789."
	// b starts before a ends: this should never happen after
	// disambiguate.Resolve, and Apply must refuse to silently drop it.
	a := mustSpan(t, doc, 0, 15, span.Name, 0.9)
	b := mustSpan(t, doc, 10, 20, span.SSN, 0.9)
	_, err := Apply(doc, []span.Span{a, b}, Options{})
	if err == nil {
		t.Fatal("expected an error for overlapping spans, got nil")
	}
	if !redactionerr.Is(err, redactionerr.KindInternalInvariantViolation) {
		t.Errorf("expected KindInternalInvariantViolation, got %v", err)
	}
}
