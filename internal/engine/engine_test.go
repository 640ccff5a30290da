package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"phi-redactor/internal/calibrate"
	"phi-redactor/internal/cache"
	"phi-redactor/internal/detect"
	"phi-redactor/internal/logger"
	"phi-redactor/internal/metrics"
	"phi-redactor/internal/postfilter"
	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
	"phi-redactor/internal/threshold"
)

func newTestEngine(t *testing.T, withCache bool) *Engine {
	t.Helper()
	var c *cache.Cache
	if withCache {
		cfg := cache.DefaultConfig(filepath.Join(t.TempDir(), "exact.db"))
		var err error
		c, err = cache.New(cfg)
		if err != nil {
			t.Fatalf("cache.New failed: %v", err)
		}
		t.Cleanup(func() { c.Close() })
	}
	return New(
		[]detect.Detector{detect.NewRegexDetector()},
		calibrate.New(calibrate.Platt),
		threshold.NewService(),
		c,
		metrics.New(),
		logger.New("TEST", "error"),
	)
}

func TestRedact_EmptyDocument_ReturnsInvalidInput(t *testing.T) {
	e := newTestEngine(t, false)
	_, err := e.Redact(context.Background(), "", Policy{Hash: "p1"}, Options{})
	if err == nil {
		t.Fatal("expected an error for an empty document")
	}
}

func TestRedact_DetectsAndRedactsSSN(t *testing.T) {
	e := newTestEngine(t, false)
	doc := "Patient SSN is 123-45-6789 on file."
	res, err := e.Redact(context.Background(), doc, Policy{Hash: "p1"}, Options{})
	if err != nil {
		t.Fatalf("Redact failed: %v", err)
	}
	if res.Text == doc {
		t.Error("expected the SSN to be replaced in the output text")
	}
	if res.Report.SpansApplied == 0 {
		t.Error("expected at least one span to be applied")
	}
	found := false
	for _, s := range res.Spans {
		if s.FilterType == span.SSN {
			found = true
		}
	}
	if !found {
		t.Error("expected a SSN span in the result")
	}
}

func TestRedact_NoPHI_TextUnchanged(t *testing.T) {
	e := newTestEngine(t, false)
	doc := "The weather today is mild with a light breeze."
	res, err := e.Redact(context.Background(), doc, Policy{Hash: "p1"}, Options{})
	if err != nil {
		t.Fatalf("Redact failed: %v", err)
	}
	if res.Text != doc {
		t.Errorf("expected unchanged text for a PHI-free document, got %q", res.Text)
	}
}

func TestRedact_CacheMissThenHit_SecondCallFromCache(t *testing.T) {
	e := newTestEngine(t, true)
	doc := "Patient SSN is 123-45-6789 on file."

	first, err := e.Redact(context.Background(), doc, Policy{Hash: "policy-a"}, Options{})
	if err != nil {
		t.Fatalf("first Redact failed: %v", err)
	}
	if first.FromCache {
		t.Error("expected the first call to be a cache miss")
	}

	second, err := e.Redact(context.Background(), doc, Policy{Hash: "policy-a"}, Options{})
	if err != nil {
		t.Fatalf("second Redact failed: %v", err)
	}
	if !second.FromCache {
		t.Error("expected the second call on the same document/policy to be a cache hit")
	}
	if second.Text != first.Text {
		t.Errorf("expected cache-hit text to match the original redaction, got %q vs %q", second.Text, first.Text)
	}
}

func TestRedact_DisableCache_NeverConsultsOrPopulatesCache(t *testing.T) {
	e := newTestEngine(t, true)
	doc := "Patient SSN is 123-45-6789 on file."

	if _, err := e.Redact(context.Background(), doc, Policy{Hash: "policy-a", DisableCache: true}, Options{}); err != nil {
		t.Fatalf("Redact failed: %v", err)
	}

	res, err := e.Redact(context.Background(), doc, Policy{Hash: "policy-a", DisableCache: true}, Options{})
	if err != nil {
		t.Fatalf("Redact failed: %v", err)
	}
	if res.FromCache {
		t.Error("expected DisableCache to bypass the cache even on a repeated document")
	}
}

func TestRedact_CancelledContext_ReturnsCancellationError(t *testing.T) {
	e := New(
		[]detect.Detector{blockingDetector{}},
		calibrate.New(calibrate.Platt),
		threshold.NewService(),
		nil,
		metrics.New(),
		logger.New("TEST", "error"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Redact(ctx, "some document text", Policy{Hash: "p1"}, Options{})
	if err == nil {
		t.Fatal("expected a cancellation error for an already-cancelled context")
	}
}

func TestRedact_DetectorFailureIsolated_OtherDetectorStillContributes(t *testing.T) {
	e := New(
		[]detect.Detector{failingDetector{}, detect.NewRegexDetector()},
		calibrate.New(calibrate.Platt),
		threshold.NewService(),
		nil,
		metrics.New(),
		logger.New("TEST", "error"),
	)
	doc := "Contact me at jane.doe@example.com for the results."
	res, err := e.Redact(context.Background(), doc, Policy{Hash: "p1"}, Options{})
	if err != nil {
		t.Fatalf("expected the failing detector to be isolated, got error: %v", err)
	}
	if res.Report.SpansApplied == 0 {
		t.Error("expected the healthy detector's spans to still be applied")
	}
}

// blockingDetector never returns until ctx is done, to exercise the
// fan-out's cancellation path.
type blockingDetector struct{}

func (blockingDetector) ID() string                    { return "blocking" }
func (blockingDetector) FilterTypes() []span.FilterType { return nil }
func (blockingDetector) Scan(ctx context.Context, _ string, _ *structure.DocumentStructure) ([]span.Span, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// failingDetector always errors, to exercise per-detector failure isolation.
type failingDetector struct{}

func (failingDetector) ID() string                    { return "failing" }
func (failingDetector) FilterTypes() []span.FilterType { return nil }
func (failingDetector) Scan(context.Context, string, *structure.DocumentStructure) ([]span.Span, error) {
	return nil, errors.New("simulated detector failure")
}

func TestRedact_PatientNameDOBAndMRN_AllThreeTokensInOrder(t *testing.T) {
	e := newTestEngine(t, false)
	doc := "Patient: John Smith, DOB 01/15/1980, MRN 12345678."
	res, err := e.Redact(context.Background(), doc, Policy{Hash: "p1"}, Options{})
	if err != nil {
		t.Fatalf("Redact failed: %v", err)
	}

	for _, want := range []string{"[NAME-1]", "[DATE-1]", "[MRN-1]"} {
		if !strings.Contains(res.Text, want) {
			t.Errorf("expected %s in output, got %q", want, res.Text)
		}
	}
	nameIdx := strings.Index(res.Text, "[NAME-1]")
	dateIdx := strings.Index(res.Text, "[DATE-1]")
	mrnIdx := strings.Index(res.Text, "[MRN-1]")
	if !(nameIdx < dateIdx && dateIdx < mrnIdx) {
		t.Errorf("expected NAME, DATE, MRN tokens in that order, got %q", res.Text)
	}

	for _, leaked := range []string{"John Smith", "01/15/1980", "12345678"} {
		if strings.Contains(res.Text, leaked) {
			t.Errorf("expected %q to be redacted, got %q", leaked, res.Text)
		}
	}
}

func TestRedact_ProviderNamePreserved_WhenWhitelistEnabled(t *testing.T) {
	e := newTestEngine(t, false)
	e.SetPostFilterFlags(func() postfilter.Flags {
		f := postfilter.DefaultFlags()
		f.ProviderNameWhitelist = true
		return f
	}())

	doc := "Dr. Jane Doe signed the report."
	res, err := e.Redact(context.Background(), doc, Policy{Hash: "p1"}, Options{})
	if err != nil {
		t.Fatalf("Redact failed: %v", err)
	}
	if strings.Contains(res.Text, "[NAME") {
		t.Errorf("expected the provider's name to be preserved, not tokenized, got %q", res.Text)
	}
	if !strings.Contains(res.Text, "Jane Doe") {
		t.Errorf("expected the provider's cleartext name to remain, got %q", res.Text)
	}
}

func TestRedact_ProviderNameRedacted_WhenWhitelistDisabled(t *testing.T) {
	e := newTestEngine(t, false)
	doc := "Dr. Jane Doe signed the report."
	res, err := e.Redact(context.Background(), doc, Policy{Hash: "p1"}, Options{})
	if err != nil {
		t.Fatalf("Redact failed: %v", err)
	}
	if strings.Contains(res.Text, "Jane Doe") {
		t.Errorf("expected the provider's name to be redacted by default, got %q", res.Text)
	}
}
