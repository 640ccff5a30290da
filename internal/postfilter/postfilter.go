// Package postfilter applies rule-based remove/demote/boost/reclassify
// decisions to an already-calibrated, thresholded span set. Rules are pure
// functions of (span, document, structure, flags); all remove rules run
// before any demote/boost/reclassify rule, per family order.
package postfilter

import (
	"regexp"
	"strings"
	"unicode"

	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
)

// Action is what a rule does to a span that matches it.
type Action int

const (
	ActionNone Action = iota
	ActionRemove
	ActionDemote
	ActionBoost
	ActionReclassify
)

// Flags toggles built-in rule families. internal/config has no post-filter
// settings; the engine takes these through SetPostFilterFlags.
type Flags struct {
	MedicalTermWhitelist  bool
	FieldLabelWhitelist   bool
	StructureWordFilter   bool
	GeographicFilter      bool
	InvalidEndingFilter   bool
	ProviderNameWhitelist bool
}

// DefaultFlags enables every built-in rule family except
// ProviderNameWhitelist: preserving a clinician's own name is a policy
// opt-in, not the default de-identification behavior.
func DefaultFlags() Flags {
	return Flags{
		MedicalTermWhitelist:  true,
		FieldLabelWhitelist:   true,
		StructureWordFilter:   true,
		GeographicFilter:      true,
		InvalidEndingFilter:   true,
		ProviderNameWhitelist: false,
	}
}

// Rule is one pure decision function. Match reports whether the rule
// applies to s; when it does, Action/Delta/NewType describe the effect.
type Rule struct {
	Name     string
	Action   Action
	Delta    float64         // for ActionDemote/ActionBoost
	NewType  span.FilterType // for ActionReclassify
	Match    func(s span.Span, document string, st structure.DocumentStructure) bool
}

const demoteDelta = 0.35
const boostDelta = 0.15

// medicalTerms is a small fixed dictionary of clinical vocabulary that
// superficially resembles a proper name or other PHI token.
var medicalTerms = map[string]bool{
	"tylenol": true, "advil": true, "ibuprofen": true, "lisinopril": true,
	"metformin": true, "amoxicillin": true, "warfarin": true, "insulin": true,
	"aspirin": true, "prednisone": true, "atorvastatin": true,
	"femur": true, "humerus": true, "clavicle": true, "sternum": true,
	"pancreas": true, "duodenum": true, "esophagus": true,
}

var fieldLabelPhrases = []string{
	"patient name", "client name", "date of birth", "dob", "mrn",
	"medical record number", "social security number", "ssn", "phone",
	"telephone", "fax", "email", "address", "account number", "insurance",
	"health plan", "admission date", "discharge date", "age",
}

var allCapsHeading = regexp.MustCompile(`^[A-Z0-9 ,&/()'-]{3,}:?$`)

// geographicStopwords are city-shaped tokens that, outside an address
// context, are most often generic vocabulary rather than PHI.
var geographicStopwords = map[string]bool{
	"mobile": true, "reading": true, "normal": true, "concord": true,
}

var invalidEndingRunes = map[rune]bool{
	',': true, ';': true, ':': true, '-': true, '(': true, '/': true,
}

// BuiltinRules returns the fixed rule families described by flags, in the
// order remove-rules-first that Apply relies on.
func BuiltinRules(flags Flags) []Rule {
	var rules []Rule

	if flags.FieldLabelWhitelist {
		rules = append(rules, Rule{
			Name:   "field_label_whitelist",
			Action: ActionRemove,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				return isFieldLabelText(s.Text)
			},
		})
	}
	if flags.StructureWordFilter {
		rules = append(rules, Rule{
			Name:   "structure_word_filter",
			Action: ActionRemove,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				if s.FilterType != span.Name {
					return false
				}
				return allCapsHeading.MatchString(strings.TrimSpace(s.Text))
			},
		})
	}
	if flags.MedicalTermWhitelist {
		rules = append(rules, Rule{
			Name:   "medical_term_whitelist",
			Action: ActionRemove,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				return medicalTerms[strings.ToLower(strings.TrimSpace(s.Text))]
			},
		})
	}
	if flags.ProviderNameWhitelist {
		rules = append(rules, Rule{
			Name:   "provider_name_whitelist",
			Action: ActionRemove,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				return s.FilterType == span.Name && isProviderContext(s, document)
			},
		})
	}
	if flags.InvalidEndingFilter {
		rules = append(rules, Rule{
			Name:   "invalid_ending_filter",
			Action: ActionRemove,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				if s.Text == "" {
					return false
				}
				last := []rune(s.Text)[len([]rune(s.Text))-1]
				return invalidEndingRunes[last]
			},
		})
	}

	if flags.GeographicFilter {
		rules = append(rules, Rule{
			Name:   "geographic_term_demote",
			Action: ActionDemote,
			Delta:  demoteDelta,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				if s.FilterType != span.City {
					return false
				}
				return geographicStopwords[strings.ToLower(strings.TrimSpace(s.Text))] && !nearAddressContext(s, document)
			},
		})
		rules = append(rules, Rule{
			Name:    "city_in_name_reclassify",
			Action:  ActionReclassify,
			NewType: span.Address,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				return s.FilterType == span.City && nearAddressContext(s, document)
			},
		})
	}
	if flags.FieldLabelWhitelist {
		rules = append(rules, Rule{
			Name:   "field_confirmed_boost",
			Action: ActionBoost,
			Delta:  boostDelta,
			Match: func(s span.Span, document string, st structure.DocumentStructure) bool {
				return withinKnownField(s, st)
			},
		})
	}

	return rules
}

// nearAddressContext reports whether s sits within 40 characters of an
// address-shaped marker (a ZIP code or a street-type suffix), suggesting
// the token is part of a mailing address rather than free vocabulary.
var streetSuffix = regexp.MustCompile(`(?i)\b(?:street|st\.?|avenue|ave\.?|road|rd\.?|drive|dr\.?|lane|ln\.?|boulevard|blvd\.?)\b`)
var zipPattern = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)

func nearAddressContext(s span.Span, document string) bool {
	const window = 40
	start := s.CharacterStart - window
	if start < 0 {
		start = 0
	}
	end := s.CharacterEnd + window
	if end > len(document) {
		end = len(document)
	}
	region := document[start:end]
	return streetSuffix.MatchString(region) || zipPattern.MatchString(region)
}

// providerTitle matches a preceding clinician title ("Dr.", "Attending",
// "Provider", "Physician") and providerCredential matches a trailing
// credential ("M.D.", "D.O."), either of which marks a name span as
// belonging to the treating clinician rather than the patient.
var providerTitle = regexp.MustCompile(`(?i)\b(?:dr\.?|attending|provider|physician)\s*$`)
var providerCredential = regexp.MustCompile(`(?i)^\s*,?\s*(?:M\.?D\.?|D\.?O\.?)\b`)

func isProviderContext(s span.Span, document string) bool {
	const window = 20
	start := s.CharacterStart - window
	if start < 0 {
		start = 0
	}
	end := s.CharacterEnd + window
	if end > len(document) {
		end = len(document)
	}
	before := document[start:s.CharacterStart]
	after := document[s.CharacterEnd:end]
	return providerTitle.MatchString(before) || providerCredential.MatchString(after)
}

func withinKnownField(s span.Span, st structure.DocumentStructure) bool {
	for _, f := range st.Fields {
		if f.ExpectedType == s.FilterType && f.ValueStart <= s.CharacterStart && s.CharacterEnd <= f.ValueEnd {
			return true
		}
	}
	return false
}

func isFieldLabelText(text string) bool {
	trimmed := strings.ToLower(strings.TrimRightFunc(strings.TrimSpace(text), func(r rune) bool {
		return r == ':' || unicode.IsSpace(r)
	}))
	for _, phrase := range fieldLabelPhrases {
		if trimmed == phrase {
			return true
		}
	}
	return false
}

// ThresholdTest re-evaluates a post-demote/boost confidence against the
// minimum acceptance threshold, the only "re-test against threshold" step
// demote/boost rules require.
func ThresholdTest(confidence, minimum float64) bool {
	return confidence >= minimum
}

// Apply runs every rule in rules against spans, in family order: all
// ActionRemove rules are evaluated to completion across the whole input set
// before any ActionDemote/ActionBoost/ActionReclassify rule runs, matching
// the ordering invariant. minThreshold re-gates demoted/boosted spans.
func Apply(spans []span.Span, document string, st structure.DocumentStructure, rules []Rule, minThreshold float64) []span.Span {
	var removeRules, otherRules []Rule
	for _, r := range rules {
		if r.Action == ActionRemove {
			removeRules = append(removeRules, r)
		} else {
			otherRules = append(otherRules, r)
		}
	}

	kept := make([]span.Span, 0, len(spans))
removeLoop:
	for _, s := range spans {
		for _, r := range removeRules {
			if r.Match(s, document, st) {
				continue removeLoop
			}
		}
		kept = append(kept, s)
	}

	out := make([]span.Span, 0, len(kept))
	for _, s := range kept {
		for _, r := range otherRules {
			if !r.Match(s, document, st) {
				continue
			}
			switch r.Action {
			case ActionDemote:
				s.Confidence -= r.Delta
				if s.Confidence < 0 {
					s.Confidence = 0
				}
			case ActionBoost:
				s.Confidence += r.Delta
				if s.Confidence > 1 {
					s.Confidence = 1
				}
			case ActionReclassify:
				s.FilterType = r.NewType
			}
		}
		if !ThresholdTest(s.Confidence, minThreshold) {
			continue
		}
		out = append(out, s)
	}
	return out
}
