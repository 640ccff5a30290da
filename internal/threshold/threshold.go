// Package threshold implements the adaptive threshold service: given a
// context (document type, specialty, purpose-of-use, OCR flag, ...), it
// computes a ThresholdSet by applying a chain of modifiers to configured
// base thresholds, then folds in a feedback-learned offset bounded by
// maxFeedbackAdjustment.
package threshold

import (
	"sort"
	"strings"
	"sync"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
)

// ContextStrength classifies how strongly surrounding context corroborates
// a detection.
type ContextStrength string

const (
	Strong   ContextStrength = "STRONG"
	Moderate ContextStrength = "MODERATE"
	Weak     ContextStrength = "WEAK"
	None     ContextStrength = "NONE"
)

// PurposeOfUse classifies why the document is being processed, since some
// purposes tolerate more aggressive redaction than others.
type PurposeOfUse string

const (
	PurposeTreatment  PurposeOfUse = "TREATMENT"
	PurposeMarketing  PurposeOfUse = "MARKETING"
	PurposeResearch   PurposeOfUse = "RESEARCH"
	PurposeOperations PurposeOfUse = "OPERATIONS"
)

// AdaptiveContext is everything the threshold service considers when
// computing a ThresholdSet for one document.
type AdaptiveContext struct {
	DocumentType    structure.DocumentType
	ContextStrength ContextStrength
	Specialty       string
	PurposeOfUse    PurposeOfUse
	PHIType         span.FilterType
	DocumentLength  int
	IsOCR           bool
}

// ThresholdSet is the ordered set of decision boundaries a calibrated
// confidence is compared against.
type ThresholdSet struct {
	Drop     float64
	Minimum  float64
	Low      float64
	Medium   float64
	High     float64
	VeryHigh float64
}

func defaultBase() ThresholdSet {
	return ThresholdSet{
		Drop:     0.15,
		Minimum:  0.30,
		Low:      0.45,
		Medium:   0.60,
		High:     0.75,
		VeryHigh: 0.90,
	}
}

// maxFeedbackAdjustment bounds how far learned feedback may move a
// threshold from its configured base.
const maxFeedbackAdjustment = 0.15

// minFeedbackSamples is the sample count at which a context-key's learned
// offset starts moving.
const minFeedbackSamples = 50

const (
	defaultTargetSensitivity = 0.98
	defaultTargetSpecificity = 0.95
)

type feedbackCounters struct {
	samples         int
	falsePositives  int
	falseNegatives  int
	offset          float64
}

// Service computes ThresholdSets and learns from feedback, per context key.
type Service struct {
	base               ThresholdSet
	targetSensitivity  float64
	targetSpecificity  float64

	mu       sync.RWMutex
	feedback map[string]*feedbackCounters
}

// NewService creates a Service with the spec's default base thresholds and
// target sensitivity/specificity.
func NewService() *Service {
	return &Service{
		base:              defaultBase(),
		targetSensitivity: defaultTargetSensitivity,
		targetSpecificity: defaultTargetSpecificity,
		feedback:          make(map[string]*feedbackCounters),
	}
}

// SetTargets overrides the feedback-learning targets (e.g. from config's
// ADAPTIVE_TARGET_SENSITIVITY/SPECIFICITY).
func (s *Service) SetTargets(sensitivity, specificity float64) {
	if sensitivity > 0 {
		s.targetSensitivity = sensitivity
	}
	if specificity > 0 {
		s.targetSpecificity = specificity
	}
}

// Thresholds computes the ThresholdSet for ctx by applying the modifier
// chain to the base thresholds, then adding the learned feedback offset for
// ctx's context key, clamped to [0,1] and ordered drop<=minimum<=...<=veryHigh.
func (s *Service) Thresholds(ctx AdaptiveContext) ThresholdSet {
	t := s.base

	applyDocumentType(&t, ctx.DocumentType)
	applyContextStrength(&t, ctx.ContextStrength)
	applySpecialty(&t, ctx.Specialty, ctx.PHIType)
	applyPurposeOfUse(&t, ctx.PurposeOfUse)
	applyPHIType(&t, ctx.PHIType)
	if ctx.IsOCR {
		t.Minimum -= 0.05
	}

	offset := s.learnedOffset(contextKey(ctx))
	t.Minimum += offset
	t.Low += offset
	t.Medium += offset
	t.High += offset
	t.VeryHigh += offset

	return clampOrdered(t)
}

func applyDocumentType(t *ThresholdSet, dt structure.DocumentType) {
	switch dt {
	case structure.RadiologyReport, structure.LabReport:
		shift(t, -0.03)
	case structure.Prescription:
		shift(t, -0.02)
	}
}

func applyContextStrength(t *ThresholdSet, strength ContextStrength) {
	switch strength {
	case Strong:
		shift(t, -0.08)
	case Moderate:
		shift(t, -0.03)
	case None:
		shift(t, 0.08)
	}
}

// specialtyBias nudges recall for PHI types that a specialty's documents
// mention unusually often (e.g. oncology notes name patients and relatives
// more densely than a generic note).
var specialtyBias = map[string]map[span.FilterType]float64{
	"oncology":  {span.Name: -0.05, span.Date: -0.02},
	"pediatrics": {span.Name: -0.05, span.Age: -0.05},
	"psychiatry": {span.Name: -0.05},
}

func applySpecialty(t *ThresholdSet, specialty string, phiType span.FilterType) {
	if specialty == "" {
		return
	}
	if biases, ok := specialtyBias[strings.ToLower(specialty)]; ok {
		if delta, ok := biases[phiType]; ok {
			shift(t, delta)
		}
	}
}

func applyPurposeOfUse(t *ThresholdSet, purpose PurposeOfUse) {
	switch purpose {
	case PurposeResearch, PurposeOperations:
		shift(t, -0.04)
	case PurposeTreatment, PurposeMarketing:
		shift(t, 0.03)
	}
}

// phiTypeOffset applies per-type biases: SSN and MRN, which are costly to
// miss, get lower thresholds; DATE gets slightly higher ones.
var phiTypeOffset = map[span.FilterType]float64{
	span.SSN: -0.05,
	span.MRN: -0.05,
	span.Date: 0.02,
}

func applyPHIType(t *ThresholdSet, ft span.FilterType) {
	if delta, ok := phiTypeOffset[ft]; ok {
		shift(t, delta)
	}
}

// shift nudges every boundary of t by delta, preserving relative spacing
// before the final clamp/reorder pass.
func shift(t *ThresholdSet, delta float64) {
	t.Drop += delta
	t.Minimum += delta
	t.Low += delta
	t.Medium += delta
	t.High += delta
	t.VeryHigh += delta
}

func clampOrdered(t ThresholdSet) ThresholdSet {
	vals := []float64{t.Drop, t.Minimum, t.Low, t.Medium, t.High, t.VeryHigh}
	for i := range vals {
		vals[i] = clamp01(vals[i])
	}
	sort.Float64s(vals)
	return ThresholdSet{
		Drop:     vals[0],
		Minimum:  vals[1],
		Low:      vals[2],
		Medium:   vals[3],
		High:     vals[4],
		VeryHigh: vals[5],
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// contextKey derives the feedback bucket key for a context: document type
// plus PHI type is specific enough to be actionable while still
// accumulating samples quickly.
func contextKey(ctx AdaptiveContext) string {
	return string(ctx.DocumentType) + "|" + string(ctx.PHIType)
}

func (s *Service) learnedOffset(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.feedback[key]; ok {
		return c.offset
	}
	return 0
}

// FeedbackEvent is the caller-facing shape of recordFeedback's input.
type FeedbackEvent struct {
	Context          AdaptiveContext
	PHIType          span.FilterType
	WasFalsePositive bool
	WasFalseNegative bool
	Confidence       float64
	AppliedThreshold float64
}

// RecordFeedback folds one labeled outcome into the context-key's running
// counters. Once a key accumulates at least minFeedbackSamples
// observations, its learned offset moves toward whichever target
// (sensitivity or specificity) the recent error pattern indicates is
// furthest off, bounded by maxFeedbackAdjustment.
func (s *Service) RecordFeedback(ev FeedbackEvent) {
	key := contextKey(ev.Context)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.feedback[key]
	if !ok {
		c = &feedbackCounters{}
		s.feedback[key] = c
	}
	c.samples++
	if ev.WasFalsePositive {
		c.falsePositives++
	}
	if ev.WasFalseNegative {
		c.falseNegatives++
	}

	if c.samples < minFeedbackSamples {
		return
	}

	fpRate := float64(c.falsePositives) / float64(c.samples)
	fnRate := float64(c.falseNegatives) / float64(c.samples)

	// Too many false negatives (missed PHI) -> lower the threshold to catch
	// more; too many false positives -> raise it. The larger deviation from
	// its target drives the direction.
	sensitivityGap := (1 - fnRate) - s.targetSensitivity
	specificityGap := (1 - fpRate) - s.targetSpecificity

	var step float64
	switch {
	case sensitivityGap < specificityGap:
		step = -0.01 // missing too much PHI; lower thresholds
	case specificityGap < sensitivityGap:
		step = 0.01 // too many false alarms; raise thresholds
	}

	c.offset = clampOffset(c.offset + step)
}

func clampOffset(offset float64) float64 {
	if offset > maxFeedbackAdjustment {
		return maxFeedbackAdjustment
	}
	if offset < -maxFeedbackAdjustment {
		return -maxFeedbackAdjustment
	}
	return offset
}

// specialtyKeywords backs DetectSpecialty's keyword-frequency scoring.
var specialtyKeywords = map[string][]string{
	"oncology":   {"chemotherapy", "tumor", "oncologist", "metastatic", "biopsy", "carcinoma"},
	"cardiology": {"cardiac", "ecg", "ekg", "arrhythmia", "myocardial", "coronary"},
	"psychiatry": {"psychiatric", "depression", "anxiety", "therapy session", "mental status"},
	"pediatrics": {"pediatric", "infant", "newborn", "vaccination", "growth chart"},
	"radiology":  {"radiograph", "contrast", "ct scan", "mri", "ultrasound"},
}

// DetectSpecialty scores document against a fixed vocabulary per specialty
// by keyword frequency; confidence is the top score's share of the total
// score across all specialties, floored so a single stray keyword does not
// report unwarranted confidence.
func DetectSpecialty(document string) (specialty string, confidence float64) {
	lower := strings.ToLower(document)
	scores := make(map[string]int, len(specialtyKeywords))
	total := 0
	for name, keywords := range specialtyKeywords {
		for _, kw := range keywords {
			n := strings.Count(lower, kw)
			scores[name] += n
			total += n
		}
	}
	if total == 0 {
		return "", 0
	}

	best := ""
	bestScore := 0
	for name, score := range scores {
		if score > bestScore {
			best = name
			bestScore = score
		}
	}
	conf := float64(bestScore) / float64(total)
	const floor = 0.2
	if conf < floor {
		return "", conf
	}
	return best, conf
}
