// Package engine implements the Redaction Engine: the orchestrator that
// coordinates cache lookup, detector fan-out, calibration, adaptive
// thresholding, post-filtering, disambiguation, and redaction into the
// single public Redact operation.
package engine

import (
	"context"
	"sync"
	"time"

	"phi-redactor/internal/apply"
	"phi-redactor/internal/cache"
	"phi-redactor/internal/calibrate"
	"phi-redactor/internal/detect"
	"phi-redactor/internal/disambiguate"
	"phi-redactor/internal/logger"
	"phi-redactor/internal/metrics"
	"phi-redactor/internal/postfilter"
	"phi-redactor/internal/redactionerr"
	"phi-redactor/internal/span"
	"phi-redactor/internal/structure"
	"phi-redactor/internal/threshold"
)

// Policy is the core's opaque view of a redaction policy: a stable hash
// that partitions cache entries. The policy DSL itself (per-filter toggles,
// threshold overrides) is resolved externally; the core only ever sees the
// resulting hash, per spec §4's "Policy — opaque to the core" contract.
type Policy struct {
	Hash         string
	DisableCache bool
}

// Options carries per-request hints that shape adaptive thresholding.
type Options struct {
	DocumentTypeHint  structure.DocumentType
	ContextStrength   threshold.ContextStrength
	PurposeOfUse      threshold.PurposeOfUse
	IsOCR             bool
	Explanations      bool
	CollapseIdentical bool
}

// Result is the outcome of a Redact call.
type Result struct {
	Text            string
	Spans           []span.Span
	Report          apply.Report
	FromCache       bool
	CacheConfidence float64
}

// Engine owns every pipeline stage and is safe for concurrent use across
// documents; state mutated per-call lives on the call stack, never on the
// Engine itself (aside from the shared, internally-synchronized
// calibrator/threshold/cache services).
type Engine struct {
	detectors  []detect.Detector
	calibrator *calibrate.Calibrator
	thresholds *threshold.Service
	cache      *cache.Cache
	metrics    *metrics.Metrics
	log        *logger.Logger

	postFilterFlags postfilter.Flags

	// enableContextModifier gates specialty detection in baseContext.
	// Disabling it (ENABLE_CONTEXT_MODIFIER=off) leaves the specialty empty
	// instead of guessing it from the document; context strength comes from
	// the caller's Options either way.
	enableContextModifier bool

	maxConcurrentDetectors int
}

// New builds an Engine from its constituent services. cache may be nil to
// run without the semantic cache (every call is then a miss).
func New(detectors []detect.Detector, calibrator *calibrate.Calibrator, thresholds *threshold.Service, c *cache.Cache, m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		detectors:              detectors,
		calibrator:             calibrator,
		thresholds:             thresholds,
		cache:                  c,
		metrics:                m,
		log:                    log,
		postFilterFlags:        postfilter.DefaultFlags(),
		enableContextModifier:  true,
		maxConcurrentDetectors: 8,
	}
}

// SetPostFilterFlags overrides which built-in post-filter rule families run.
func (e *Engine) SetPostFilterFlags(flags postfilter.Flags) {
	e.postFilterFlags = flags
}

// SetContextModifierEnabled toggles document-derived specialty detection
// (ENABLE_CONTEXT_MODIFIER). When it is off, baseContext sets no specialty.
func (e *Engine) SetContextModifierEnabled(enabled bool) {
	e.enableContextModifier = enabled
}

// Redact runs the full pipeline against document under policy, honoring
// ctx for cancellation during the detector fan-out stage (spec §4.K).
func (e *Engine) Redact(ctx context.Context, document string, policy Policy, opts Options) (res Result, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = redactionerr.NewInternalInvariantViolation("panic during redact: %v", r)
			e.metrics.DocumentsFailed.Add(1)
		}
		e.metrics.RecordTotalLatency(time.Since(start))
	}()

	if document == "" {
		return Result{}, redactionerr.NewInvalidInput("document is empty")
	}
	e.metrics.DocumentsTotal.Add(1)

	if e.cache != nil && !policy.DisableCache {
		if hit := e.cache.Lookup(document, policy.Hash); hit.HitType != cache.Miss {
			return e.finishFromCache(document, hit, opts)
		}
	}

	st := structure.Extract(document)

	detected, ferr := e.runDetectors(ctx, document, &st)
	if ferr != nil {
		e.metrics.DocumentsCancelled.Add(1)
		return Result{}, ferr
	}
	e.metrics.SpansDetected.Add(int64(len(detected)))

	calibrated := e.calibrateAll(detected)

	adaptiveCtx := e.baseContext(document, st, opts)
	thresholded := e.applyThresholds(calibrated, adaptiveCtx)
	e.metrics.SpansDropped.Add(int64(len(calibrated) - len(thresholded)))

	filtered := e.runPostFilter(thresholded, document, st, adaptiveCtx)

	final := e.disambiguate(document, filtered)
	e.metrics.SpansMerged.Add(int64(len(filtered) - len(final)))

	applyResult, applyErr := apply.Apply(document, final, apply.Options{
		CollapseIdenticalText: opts.CollapseIdentical,
		IncludeExplanations:   opts.Explanations,
	})
	if applyErr != nil {
		e.metrics.DocumentsFailed.Add(1)
		return Result{}, applyErr
	}
	e.metrics.SpansApplied.Add(int64(applyResult.Report.SpansApplied))

	if e.cache != nil && !policy.DisableCache {
		if storeErr := e.cache.Store(document, final, policy.Hash); storeErr != nil {
			e.log.Warnf("cache_store_failed", "%v", storeErr)
		} else {
			e.metrics.CacheStores.Add(1)
		}
	}

	return Result{
		Text:   applyResult.Text,
		Spans:  final,
		Report: applyResult.Report,
	}, nil
}

// finishFromCache skips structure extraction/detection/calibration/
// thresholding/post-filtering (already folded into the cached spans at
// store time) and rejoins the pipeline at disambiguation, per spec step 2.
func (e *Engine) finishFromCache(document string, hit cache.LookupResult, opts Options) (Result, error) {
	if hit.HitType == cache.ExactHit {
		e.metrics.CacheExactHits.Add(1)
	} else {
		e.metrics.CacheStructureHits.Add(1)
	}
	e.metrics.DocumentsFromCache.Add(1)

	final := e.disambiguate(document, hit.Spans)
	applyResult, applyErr := apply.Apply(document, final, apply.Options{
		CollapseIdenticalText: opts.CollapseIdentical,
		IncludeExplanations:   opts.Explanations,
	})
	if applyErr != nil {
		e.metrics.DocumentsFailed.Add(1)
		return Result{}, applyErr
	}
	e.metrics.SpansApplied.Add(int64(applyResult.Report.SpansApplied))

	return Result{
		Text:            applyResult.Text,
		Spans:           final,
		Report:          applyResult.Report,
		FromCache:       true,
		CacheConfidence: hit.Confidence,
	}, nil
}

type detectorOutcome struct {
	id    string
	spans []span.Span
	err   error
}

// runDetectors fans out to every registered detector concurrently, bounded
// by maxConcurrentDetectors, tagging each returned span with its detector's
// ID. A single detector's failure is isolated: logged, counted, and treated
// as an empty span set, per spec's per-detector failure isolation
// guarantee. Context cancellation during the fan-out discards partial
// results and returns a cancellation error.
func (e *Engine) runDetectors(ctx context.Context, document string, st *structure.DocumentStructure) ([]span.Span, error) {
	if len(e.detectors) == 0 {
		return nil, nil
	}

	sem := make(chan struct{}, e.maxConcurrentDetectors)
	results := make(chan detectorOutcome, len(e.detectors))
	var wg sync.WaitGroup

	for _, d := range e.detectors {
		wg.Add(1)
		go func(d detect.Detector) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- detectorOutcome{id: d.ID(), err: ctx.Err()}
				return
			}
			spans, err := d.Scan(ctx, document, st)
			results <- detectorOutcome{id: d.ID(), spans: spans, err: err}
		}(d)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []span.Span
	for out := range results {
		e.metrics.DetectorInvocations.Add(1)
		if out.err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.metrics.DetectorFailures.Add(1)
			e.log.Warnf("detector_failed", "%s", redactionerr.NewDetectorError(out.id, out.err))
			continue
		}
		for i := range out.spans {
			out.spans[i].DetectorID = out.id
		}
		all = append(all, out.spans...)
	}

	if ctx.Err() != nil {
		return nil, redactionerr.NewOperationCancelled("detector fan-out: " + ctx.Err().Error())
	}
	return all, nil
}

// calibrateAll rewrites each span's confidence from a raw detector score to
// a calibrated probability, per spec §4.K step 5.
func (e *Engine) calibrateAll(spans []span.Span) []span.Span {
	start := time.Now()
	defer func() { e.metrics.RecordCalibrateLatency(time.Since(start)) }()

	if e.calibrator == nil {
		return spans
	}
	for i := range spans {
		spans[i].Confidence = e.calibrator.Calibrate(spans[i].Confidence, spans[i].FilterType)
	}
	return spans
}

// baseContext derives the adaptive-threshold context shared by every span
// in this document: document type (hint, else detected from structure),
// specialty (keyword-scored from the document text), purpose-of-use, and
// OCR flag. PHIType is filled in per span by applyThresholds.
func (e *Engine) baseContext(document string, st structure.DocumentStructure, opts Options) threshold.AdaptiveContext {
	docType := opts.DocumentTypeHint
	if docType == "" {
		docType = st.DocumentType
	}
	var specialty string
	if e.enableContextModifier {
		specialty, _ = threshold.DetectSpecialty(document)
	}
	return threshold.AdaptiveContext{
		DocumentType:    docType,
		ContextStrength: opts.ContextStrength,
		Specialty:       specialty,
		PurposeOfUse:    opts.PurposeOfUse,
		DocumentLength:  len(document),
		IsOCR:           opts.IsOCR,
	}
}

// applyThresholds drops spans below threshold.Drop outright. Spans between
// Drop and Minimum are demoted candidates: they survive only if no
// higher-confidence span already covers the same document position, per
// spec §4.K step 6 ("demoted for later re-consideration only if no
// higher-confidence span covers the same position").
func (e *Engine) applyThresholds(spans []span.Span, ctx threshold.AdaptiveContext) []span.Span {
	survivors := make([]span.Span, 0, len(spans))
	thresholdCache := make(map[span.FilterType]threshold.ThresholdSet, 8)

	thresholdsFor := func(ft span.FilterType) threshold.ThresholdSet {
		if ts, ok := thresholdCache[ft]; ok {
			return ts
		}
		c := ctx
		c.PHIType = ft
		ts := e.thresholds.Thresholds(c)
		thresholdCache[ft] = ts
		return ts
	}

	var aboveMinimum, belowMinimum []span.Span
	for _, s := range spans {
		ts := thresholdsFor(s.FilterType)
		if s.Confidence < ts.Drop {
			continue
		}
		if s.Confidence < ts.Minimum {
			belowMinimum = append(belowMinimum, s)
		} else {
			aboveMinimum = append(aboveMinimum, s)
		}
	}

	survivors = append(survivors, aboveMinimum...)
	for _, b := range belowMinimum {
		if !coveredByHigherConfidence(b, aboveMinimum) {
			survivors = append(survivors, b)
		}
	}
	return survivors
}

func coveredByHigherConfidence(s span.Span, others []span.Span) bool {
	for _, o := range others {
		if o.Confidence <= s.Confidence {
			continue
		}
		if s.CharacterStart < o.CharacterEnd && o.CharacterStart < s.CharacterEnd {
			return true
		}
	}
	return false
}

// runPostFilter groups spans by filter type (rules are pure per-span and
// never compare across types) and re-gates each group against that type's
// Minimum threshold, since postfilter.Apply takes a single scalar
// threshold per call.
func (e *Engine) runPostFilter(spans []span.Span, document string, st structure.DocumentStructure, ctx threshold.AdaptiveContext) []span.Span {
	start := time.Now()
	defer func() { e.metrics.RecordPostFilterLatency(time.Since(start)) }()

	rules := postfilter.BuiltinRules(e.postFilterFlags)

	byType := make(map[span.FilterType][]span.Span)
	var order []span.FilterType
	for _, s := range spans {
		if _, ok := byType[s.FilterType]; !ok {
			order = append(order, s.FilterType)
		}
		byType[s.FilterType] = append(byType[s.FilterType], s)
	}

	out := make([]span.Span, 0, len(spans))
	for _, ft := range order {
		c := ctx
		c.PHIType = ft
		minimum := e.thresholds.Thresholds(c).Minimum
		out = append(out, postfilter.Apply(byType[ft], document, st, rules, minimum)...)
	}
	return out
}

// disambiguate resolves overlaps into a final ordered span set, timing the
// stage for the metrics snapshot.
func (e *Engine) disambiguate(document string, spans []span.Span) []span.Span {
	start := time.Now()
	defer func() { e.metrics.RecordDisambiguateLatency(time.Since(start)) }()
	return disambiguate.Resolve(document, spans)
}
