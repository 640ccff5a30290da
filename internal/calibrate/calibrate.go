// Package calibrate maps raw detector confidence scores onto calibrated
// probabilities so that P(isPHI | score=c) approximately equals c.
//
// Four calibrator variants are supported, selectable at startup and
// persisted with their fitted parameters: Platt scaling, isotonic
// regression, beta calibration, and temperature scaling. Parameters are
// process-global and replaced atomically on recalibration via
// atomic.Pointer, matching the config snapshot-swap discipline.
package calibrate

import (
	"sort"
	"sync/atomic"

	"phi-redactor/internal/redactionerr"
	"phi-redactor/internal/span"
)

// Method names one of the four supported calibrator variants.
type Method string

const (
	Platt       Method = "platt"
	Isotonic    Method = "isotonic"
	Beta        Method = "beta"
	Temperature Method = "temperature"
)

// DataPoint is one labeled training observation: a raw detector confidence
// and whether the span it came from was actually PHI.
type DataPoint struct {
	Confidence  float64
	IsActualPHI bool
	FilterType  span.FilterType
}

// defaultMinDataPoints is the minimum number of points fit() requires before
// it will produce a model, per spec default.
const defaultMinDataPoints = 50

// Metrics summarizes calibration quality over a held-out set using 10
// equal-width reliability bins.
type Metrics struct {
	ECE     float64
	MCE     float64
	Brier   float64
	LogLoss float64
}

// modelParams is the fitted state for one calibrator, method-tagged so a
// single struct can hold any variant's parameters for JSON round-tripping.
type modelParams struct {
	Method      Method           `json:"method"`
	Platt       *plattParams     `json:"platt,omitempty"`
	Isotonic    []isotonicPoint  `json:"isotonic,omitempty"`
	Beta        *betaParams      `json:"beta,omitempty"`
	Temperature *temperatureParams `json:"temperature,omitempty"`
}

func (m modelParams) apply(x float64) float64 {
	switch m.Method {
	case Platt:
		if m.Platt == nil {
			return x
		}
		return m.Platt.apply(x)
	case Isotonic:
		return isotonicApply(m.Isotonic, x)
	case Beta:
		if m.Beta == nil {
			return x
		}
		return m.Beta.apply(x)
	case Temperature:
		if m.Temperature == nil {
			return x
		}
		return m.Temperature.apply(x)
	default:
		return x
	}
}

// Parameters is the full fitted state: one global model plus optional
// per-filter-type overrides, schema-versioned for persistence.
type Parameters struct {
	SchemaVersion string                             `json:"version"`
	Method        Method                             `json:"method"`
	MinDataPoints int                                `json:"minDataPoints"`
	Global        *modelParams                       `json:"global,omitempty"`
	PerFilter     map[span.FilterType]modelParams     `json:"perFilter,omitempty"`
}

// schemaVersion is the current export schema. Import rejects a major
// version mismatch.
const schemaVersion = "1.0.0"

// Calibrator holds the currently-active Parameters behind an atomic pointer
// so readers (detectors, the engine) never observe a partially-updated
// model during a recalibration.
type Calibrator struct {
	method        Method
	minDataPoints int
	params        atomic.Pointer[Parameters]
}

// New creates a Calibrator for the given method with no fitted parameters;
// Calibrate returns the raw input until Fit or Import populates a model,
// per spec 4.C "if parameters are absent returns the raw value".
func New(method Method) *Calibrator {
	c := &Calibrator{method: method, minDataPoints: defaultMinDataPoints}
	c.params.Store(&Parameters{SchemaVersion: schemaVersion, Method: method, MinDataPoints: defaultMinDataPoints})
	return c
}

// SetMinDataPoints overrides the default minimum training set size.
func (c *Calibrator) SetMinDataPoints(n int) {
	if n > 0 {
		c.minDataPoints = n
	}
}

// Fit trains a global model and, where enough per-filter-type points exist,
// per-filter overrides. Requires at least minDataPoints points overall or
// returns InsufficientData; fitting never partially succeeds.
func (c *Calibrator) Fit(points []DataPoint) error {
	if len(points) < c.minDataPoints {
		return redactionerr.NewInsufficientData(len(points), c.minDataPoints)
	}

	global, err := fitMethod(c.method, points)
	if err != nil {
		return redactionerr.NewCalibrationError("global fit failed: %v", err)
	}

	byFilter := make(map[span.FilterType][]DataPoint)
	for _, p := range points {
		if p.FilterType != "" {
			byFilter[p.FilterType] = append(byFilter[p.FilterType], p)
		}
	}

	perFilter := make(map[span.FilterType]modelParams)
	for ft, pts := range byFilter {
		if len(pts) < c.minDataPoints {
			continue
		}
		if m, err := fitMethod(c.method, pts); err == nil {
			perFilter[ft] = m
		}
	}

	next := &Parameters{
		SchemaVersion: schemaVersion,
		Method:        c.method,
		MinDataPoints: c.minDataPoints,
		Global:        &global,
	}
	if len(perFilter) > 0 {
		next.PerFilter = perFilter
	}
	c.params.Store(next)
	return nil
}

func fitMethod(method Method, points []DataPoint) (modelParams, error) {
	switch method {
	case Platt:
		p, err := fitPlatt(points)
		if err != nil {
			return modelParams{}, err
		}
		return modelParams{Method: Platt, Platt: &p}, nil
	case Isotonic:
		pts := fitIsotonic(points)
		return modelParams{Method: Isotonic, Isotonic: pts}, nil
	case Beta:
		p, err := fitBeta(points)
		if err != nil {
			return modelParams{}, err
		}
		return modelParams{Method: Beta, Beta: &p}, nil
	case Temperature:
		p, err := fitTemperature(points)
		if err != nil {
			return modelParams{}, err
		}
		return modelParams{Method: Temperature, Temperature: &p}, nil
	default:
		return modelParams{}, redactionerr.NewCalibrationError("unknown calibration method %q", method)
	}
}

// Calibrate maps a raw score x into a calibrated probability in [0,1],
// using the per-filterType model if one was fitted, otherwise the global
// model, otherwise x unchanged.
func (c *Calibrator) Calibrate(x float64, filterType span.FilterType) float64 {
	params := c.params.Load()
	if params == nil {
		return clamp01(x)
	}
	if filterType != "" && params.PerFilter != nil {
		if m, ok := params.PerFilter[filterType]; ok {
			return clamp01(m.apply(x))
		}
	}
	if params.Global != nil {
		return clamp01(params.Global.apply(x))
	}
	return clamp01(x)
}

// Evaluate computes reliability metrics over a held-out labeled set using
// 10 equal-width bins.
func (c *Calibrator) Evaluate(points []DataPoint) Metrics {
	const numBins = 10
	type bin struct {
		sumConf float64
		correct float64
		count   int
	}
	bins := make([]bin, numBins)

	var brierSum, logLossSum float64
	for _, p := range points {
		y := c.Calibrate(p.Confidence, p.FilterType)
		label := 0.0
		if p.IsActualPHI {
			label = 1.0
		}
		brierSum += (y - label) * (y - label)
		logLossSum += logLoss(y, label)

		idx := int(y * numBins)
		if idx >= numBins {
			idx = numBins - 1
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].sumConf += y
		bins[idx].count++
		if p.IsActualPHI {
			bins[idx].correct++
		}
	}

	var ece, mce float64
	n := float64(len(points))
	for _, b := range bins {
		if b.count == 0 {
			continue
		}
		avgConf := b.sumConf / float64(b.count)
		accuracy := b.correct / float64(b.count)
		gap := avgConf - accuracy
		if gap < 0 {
			gap = -gap
		}
		ece += (float64(b.count) / n) * gap
		if gap > mce {
			mce = gap
		}
	}

	if len(points) == 0 {
		return Metrics{}
	}
	return Metrics{
		ECE:     ece,
		MCE:     mce,
		Brier:   brierSum / n,
		LogLoss: logLossSum / n,
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

// sortedByConfidence returns a copy of points sorted ascending by
// Confidence, used by isotonic fitting and any future rank-based method.
func sortedByConfidence(points []DataPoint) []DataPoint {
	out := make([]DataPoint, len(points))
	copy(out, points)
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence < out[j].Confidence })
	return out
}
