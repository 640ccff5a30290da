package detect

import (
	"context"
	"regexp"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
)

// regexRule pairs a compiled pattern with the FilterType it signals and a
// base confidence reflecting how specifically the pattern identifies the
// target family: 0.90+ is a highly specific format with very low
// false-positive risk; 0.70-0.89 is moderately specific; below 0.70 is a
// broad pattern with meaningful false-positive risk that the calibrator and
// post-filter stages are expected to correct.
type regexRule struct {
	re         *regexp.Regexp
	filterType span.FilterType
	confidence float64
	priority   int
	name       string
	group      int // capture group whose bounds become the span; 0 = whole match
}

// RegexDetector is the built-in structured-pattern detector: the concrete,
// in-scope plug-in variant named by the detector contract. One instance
// covers several PHI families, mirroring how a single compiled pattern
// table served many PII types in the pattern the engine generalizes.
type RegexDetector struct {
	id    string
	rules []regexRule
}

// NewRegexDetector compiles the standard family of structured-pattern rules.
// Patterns that fail to compile are skipped; this only happens for
// programmer error in the table below, never from runtime input.
func NewRegexDetector() *RegexDetector {
	nameWord := `[A-Z][a-zA-Z'\-]+`

	specs := []struct {
		expr       string
		filterType span.FilterType
		confidence float64
		priority   int
		name       string
		group      int
	}{
		{`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, span.Email, 0.95, 90, "email", 0},
		{`\b\d{3}-\d{2}-\d{4}\b`, span.SSN, 0.92, 100, "ssn_hyphenated", 0},
		{`\b\d{9}\b`, span.SSN, 0.55, 40, "ssn_bare", 0},
		{`(?i)\bMRN[\s:#-]*([A-Za-z0-9\-]{4,12})\b`, span.MRN, 0.85, 85, "mrn_labeled", 1},
		{`\b(?:\d{4}[\-\s]?){3}\d{4}\b`, span.CreditCard, 0.85, 80, "credit_card", 0},
		{`(?i)\b(?:fax)[\s:]*` +
			`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})\b`, span.Fax, 0.80, 70, "fax_labeled", 0},
		{`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})\b`, span.Phone, 0.65, 50, "phone", 0},
		{`(?i)\d+\s+[A-Za-z\s]+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`, span.Address, 0.75, 60, "street_address", 0},
		{`\b\d{5}(?:-\d{4})?\b`, span.ZipCode, 0.40, 20, "zipcode", 0},
		{`\b(?:19|20)\d{2}[-/](?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12]\d|3[01])\b`, span.Date, 0.80, 65, "date_iso", 0},
		{`\b(?:0[1-9]|1[0-2])[-/](?:0[1-9]|[12]\d|3[01])[-/](?:19|20)\d{2}\b`, span.Date, 0.78, 65, "date_us", 0},
		{`(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}`, span.IP, 0.85, 75, "ipv6", 0},
		{`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`, span.IP, 0.70, 55, "ipv4", 0},
		{`\bhttps?://[^\s<>"]+`, span.URL, 0.90, 85, "url", 0},
		{`(?i)\b\d{10}\b`, span.NPI, 0.50, 35, "npi_bare", 0},
		{`(?i)\b[A-Z]{2}\d{7}\b`, span.DEA, 0.70, 55, "dea", 0},
		{`(?i)\b(?:account|acct)[\s:#-]*([A-Za-z0-9\-]{6,20})\b`, span.Account, 0.75, 60, "account_labeled", 1},
		{`(?i)\b(?:license|lic)[\s:#-]*([A-Za-z0-9\-]{5,15})\b`, span.License, 0.70, 55, "license_labeled", 1},
		{`(?i)\b\d{1,3}\s*(?:years?|yrs?)[\s-]*old\b`, span.Age, 0.75, 60, "age_phrase", 0},

		// Name detectors: a name is never self-identifying by shape alone, so
		// each rule anchors on a label or title that clinical documents use
		// right next to a person's name.
		{`(?i)\b(?:patient|client)(?:\s+name)?\s*[:\-]\s*(` + nameWord + `(?:\s+` + nameWord + `){1,2})`,
			span.Name, 0.80, 75, "name_after_patient_label", 1},
		{`\bDr\.?\s+(` + nameWord + `(?:\s+` + nameWord + `){0,2})\b`,
			span.Name, 0.78, 72, "provider_name_titled", 1},
		{`\b(?:Mr|Mrs|Ms|Miss)\.?\s+(` + nameWord + `(?:\s+` + nameWord + `){0,2})\b`,
			span.Name, 0.72, 68, "titled_name", 1},
	}

	d := &RegexDetector{id: "regex"}
	for _, s := range specs {
		re, err := regexp.Compile(s.expr)
		if err != nil {
			continue
		}
		d.rules = append(d.rules, regexRule{re: re, filterType: s.filterType, confidence: s.confidence, priority: s.priority, name: s.name, group: s.group})
	}
	return d
}

func (d *RegexDetector) ID() string { return d.id }

func (d *RegexDetector) FilterTypes() []span.FilterType {
	seen := make(map[span.FilterType]bool)
	var out []span.FilterType
	for _, r := range d.rules {
		if !seen[r.filterType] {
			seen[r.filterType] = true
			out = append(out, r.filterType)
		}
	}
	return out
}

// Scan applies every rule to document, polling ctx between rules so a
// cancellation mid-scan is observed within one pattern's worth of work.
func (d *RegexDetector) Scan(ctx context.Context, document string, _ *structure.DocumentStructure) ([]span.Span, error) {
	var spans []span.Span
	for _, r := range d.rules {
		select {
		case <-ctx.Done():
			return spans, ctx.Err()
		default:
		}
		matches := r.re.FindAllStringSubmatchIndex(document, -1)
		for _, m := range matches {
			idx := r.group * 2
			if idx+1 >= len(m) || m[idx] < 0 || m[idx+1] < 0 {
				continue
			}
			s, err := span.New(document, m[idx], m[idx+1], r.filterType, r.confidence, r.priority, r.name)
			if err != nil {
				continue
			}
			s.DetectorID = d.id
			spans = append(spans, s)
		}
	}
	return spans, nil
}
