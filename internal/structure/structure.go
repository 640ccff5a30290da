// Package structure extracts a document's layout into a DocumentStructure:
// a document-type classification, a list of labeled fields, and a
// whitespace-normalized skeleton with typed placeholders in place of field
// values. The skeleton and its hash are what the semantic cache's structure
// tier keys on, so two structurally-similar documents (same form, different
// patient) collapse to the same cache bucket.
package structure

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"phi-redactor/internal/span"
)

// DocumentType is the closed set of clinical document shapes the extractor
// recognizes.
type DocumentType string

const (
	AdmissionNote    DocumentType = "ADMISSION_NOTE"
	DischargeSummary DocumentType = "DISCHARGE_SUMMARY"
	ProgressNote     DocumentType = "PROGRESS_NOTE"
	RadiologyReport  DocumentType = "RADIOLOGY_REPORT"
	LabReport        DocumentType = "LAB_REPORT"
	Prescription     DocumentType = "PRESCRIPTION"
	Referral         DocumentType = "REFERRAL"
	ClinicalNote     DocumentType = "CLINICAL_NOTE"
	Unknown          DocumentType = "UNKNOWN"

	// maxValueLength caps a field's value region when no closer boundary
	// (next label, newline) is found first.
	maxValueLength = 80
)

// Field is one labeled region of the document: a label ("Patient Name:")
// followed by its value, together with the PHI family that value is
// expected to hold.
type Field struct {
	Label        string
	ExpectedType span.FilterType
	LabelStart   int
	LabelEnd     int
	ValueStart   int
	ValueEnd     int
}

// DocumentStructure is the extractor's output for one document.
type DocumentStructure struct {
	Skeleton       string
	Hash           string
	Fields         []Field
	DocumentType   DocumentType
	Confidence     float64
	OriginalLength int
}

// docTypeRule pairs a document type with the ordered keyword patterns that
// identify it. The first matching rule wins, so more specific types are
// listed before generic ones.
type docTypeRule struct {
	docType DocumentType
	pattern *regexp.Regexp
}

var docTypeRules = []docTypeRule{
	{DischargeSummary, regexp.MustCompile(`(?i)\bdischarge\s+summary\b`)},
	{AdmissionNote, regexp.MustCompile(`(?i)\badmission\s+note\b|\bH&P\b`)},
	{RadiologyReport, regexp.MustCompile(`(?i)\b(?:radiology|imaging|x-ray|ct scan|mri)\s+report\b`)},
	{LabReport, regexp.MustCompile(`(?i)\b(?:lab(?:oratory)?\s+(?:report|results?))\b`)},
	{Prescription, regexp.MustCompile(`(?i)\b(?:prescription|rx)\b.{0,40}\b(?:sig|refills?|dispense)\b`)},
	{Referral, regexp.MustCompile(`(?i)\breferral\b`)},
	{ProgressNote, regexp.MustCompile(`(?i)\bprogress\s+note\b`)},
	{ClinicalNote, regexp.MustCompile(`(?i)\bclinical\s+note\b|\bchief\s+complaint\b`)},
}

// DetectDocumentType returns the first docTypeRule to match document, or
// Unknown if none do.
func DetectDocumentType(document string) DocumentType {
	for _, rule := range docTypeRules {
		if rule.pattern.MatchString(document) {
			return rule.docType
		}
	}
	return Unknown
}

// fieldLabelRule is a predefined label pattern and the PHI family its value
// region is expected to hold.
type fieldLabelRule struct {
	expectedType span.FilterType
	pattern      *regexp.Regexp
}

var fieldLabelRules = []fieldLabelRule{
	{span.Name, regexp.MustCompile(`(?i)\b(?:patient|client)\s*name\s*:`)},
	{span.Date, regexp.MustCompile(`(?i)\b(?:date\s+of\s+birth|dob)\s*:`)},
	{span.MRN, regexp.MustCompile(`(?i)\b(?:mrn|medical\s+record\s+(?:number|no\.?))\s*:`)},
	{span.SSN, regexp.MustCompile(`(?i)\b(?:ssn|social\s+security\s+(?:number|no\.?))\s*:`)},
	{span.Phone, regexp.MustCompile(`(?i)\b(?:phone|tel(?:ephone)?)\s*:`)},
	{span.Fax, regexp.MustCompile(`(?i)\bfax\s*:`)},
	{span.Email, regexp.MustCompile(`(?i)\be-?mail\s*:`)},
	{span.Address, regexp.MustCompile(`(?i)\baddress\s*:`)},
	{span.Account, regexp.MustCompile(`(?i)\b(?:account|acct)\s*(?:number|no\.?)?\s*:`)},
	{span.HealthPlan, regexp.MustCompile(`(?i)\b(?:insurance|health\s+plan|payer)\s*:`)},
	{span.Date, regexp.MustCompile(`(?i)\b(?:admission|discharge|visit|service)\s+date\s*:`)},
	{span.Age, regexp.MustCompile(`(?i)\bage\s*:`)},
}

// ExtractFields scans document left to right for the predefined label
// patterns. Each field's value region runs from the label's end to
// whichever comes first: the next field's label start, the next newline,
// or maxValueLength characters.
func ExtractFields(document string) []Field {
	var raw []Field
	for _, rule := range fieldLabelRules {
		for _, loc := range rule.pattern.FindAllStringIndex(document, -1) {
			raw = append(raw, Field{
				Label:        strings.TrimSpace(document[loc[0]:loc[1]]),
				ExpectedType: rule.expectedType,
				LabelStart:   loc[0],
				LabelEnd:     loc[1],
			})
		}
	}
	if len(raw) == 0 {
		return nil
	}

	sortFieldsByStart(raw)

	fields := make([]Field, len(raw))
	for i, f := range raw {
		end := len(document)
		if i+1 < len(raw) && raw[i+1].LabelStart < end {
			end = raw[i+1].LabelStart
		}
		if nl := strings.IndexByte(document[f.LabelEnd:end], '\n'); nl >= 0 && f.LabelEnd+nl < end {
			end = f.LabelEnd + nl
		}
		if end-f.LabelEnd > maxValueLength {
			end = f.LabelEnd + maxValueLength
		}
		f.ValueStart = f.LabelEnd
		f.ValueEnd = end
		fields[i] = f
	}
	return fields
}

func sortFieldsByStart(fields []Field) {
	for i := 1; i < len(fields); i++ {
		for j := i; j > 0 && fields[j].LabelStart < fields[j-1].LabelStart; j-- {
			fields[j], fields[j-1] = fields[j-1], fields[j]
		}
	}
}

// genericPlaceholderRules normalize obvious PHI-shaped text when no labeled
// fields were found at all.
var genericPlaceholderRules = []struct {
	filterType span.FilterType
	pattern    *regexp.Regexp
}{
	{span.SSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{span.Phone, regexp.MustCompile(`\b\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{span.Email, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{span.Date, regexp.MustCompile(`\b(?:19|20)\d{2}[-/]\d{2}[-/]\d{2}\b|\b\d{2}[-/]\d{2}[-/](?:19|20)\d{2}\b`)},
	{"ID", regexp.MustCompile(`\b\d{6,}\b`)},
}

// placeholder returns the skeleton tag for a PHI family, e.g. {{__NAME__}}.
func placeholder(ft span.FilterType) string {
	return "{{__" + string(ft) + "__}}"
}

// BuildSkeleton replaces each field's value region with a typed placeholder.
// If no fields were detected, a generic normalization pass replaces
// obviously PHI-shaped substrings (SSN, phone, email, dates, long numeric
// IDs) with placeholders instead.
func BuildSkeleton(document string, fields []Field) string {
	var out string
	if len(fields) == 0 {
		out = document
		for _, rule := range genericPlaceholderRules {
			out = rule.pattern.ReplaceAllString(out, placeholder(rule.filterType))
		}
	} else {
		var b strings.Builder
		cursor := 0
		for _, f := range fields {
			b.WriteString(document[cursor:f.ValueStart])
			b.WriteString(placeholder(f.ExpectedType))
			cursor = f.ValueEnd
		}
		b.WriteString(document[cursor:])
		out = b.String()
	}
	return normalizeWhitespace(out)
}

var (
	crlfPattern       = regexp.MustCompile(`\r\n?`)
	tabPattern        = regexp.MustCompile(`\t`)
	multiSpacePattern = regexp.MustCompile(` {2,}`)
	multiNewPattern   = regexp.MustCompile(`\n{3,}`)
)

// normalizeWhitespace applies the fixed normalization pipeline: CRLF to LF,
// tabs to single spaces, runs of 2+ spaces collapse to one, runs of 3+
// newlines collapse to two, then the result is trimmed.
func normalizeWhitespace(s string) string {
	s = crlfPattern.ReplaceAllString(s, "\n")
	s = tabPattern.ReplaceAllString(s, " ")
	s = multiSpacePattern.ReplaceAllString(s, " ")
	s = multiNewPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// Hash returns the hex-encoded SHA-256 digest of skeleton.
func Hash(skeleton string) string {
	sum := sha256.Sum256([]byte(skeleton))
	return hex.EncodeToString(sum[:])
}

// Extract produces the full DocumentStructure for document.
func Extract(document string) DocumentStructure {
	docType := DetectDocumentType(document)
	fields := ExtractFields(document)
	skeleton := BuildSkeleton(document, fields)
	hash := Hash(skeleton)

	coverage := 0.0
	if len(document) > 0 {
		var covered int
		for _, f := range fields {
			covered += f.ValueEnd - f.ValueStart
		}
		coverage = float64(covered) / float64(len(document))
	}
	fieldScore := float64(len(fields)) / 10.0
	if fieldScore > 1 {
		fieldScore = 1
	}
	coverageScore := coverage * 2
	if coverageScore > 1 {
		coverageScore = 1
	}
	confidence := (fieldScore + coverageScore) / 2

	return DocumentStructure{
		Skeleton:       skeleton,
		Hash:           hash,
		Fields:         fields,
		DocumentType:   docType,
		Confidence:     confidence,
		OriginalLength: len(document),
	}
}

// Similarity scores how structurally alike two documents are, combining a
// Jaccard index over field label sets (weight 0.4) with a line-by-line
// skeleton match ratio (weight 0.6). Identical hashes short-circuit to 1;
// differing known document types short-circuit to 0.
func Similarity(a, b DocumentStructure) float64 {
	if a.Hash == b.Hash {
		return 1.0
	}
	if a.DocumentType != Unknown && b.DocumentType != Unknown && a.DocumentType != b.DocumentType {
		return 0.0
	}

	labelJaccard := jaccard(labelSet(a.Fields), labelSet(b.Fields))
	lineRatio := lineMatchRatio(a.Skeleton, b.Skeleton)
	return 0.4*labelJaccard + 0.6*lineRatio
}

func labelSet(fields []Field) map[string]bool {
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f.Label] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	union := make(map[string]bool, len(a)+len(b))
	intersection := 0
	for k := range a {
		union[k] = true
	}
	for k := range b {
		if a[k] {
			intersection++
		}
		union[k] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func lineMatchRatio(a, b string) float64 {
	linesA := strings.Split(a, "\n")
	linesB := strings.Split(b, "\n")
	n := len(linesA)
	if len(linesB) > n {
		n = len(linesB)
	}
	if n == 0 {
		return 1.0
	}
	matches := 0
	for i := 0; i < len(linesA) && i < len(linesB); i++ {
		if linesA[i] == linesB[i] {
			matches++
		}
	}
	return float64(matches) / float64(n)
}
