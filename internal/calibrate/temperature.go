package calibrate

import "math"

// temperatureParams holds the fitted temperature T. Calibration rescales
// the input's logit by 1/T before mapping back through the sigmoid: T > 1
// softens overconfident scores, T < 1 sharpens underconfident ones.
type temperatureParams struct {
	T float64 `json:"t"`
}

func logit(x float64) float64 {
	xc := clip(x, epsilon, 1-epsilon)
	return math.Log(xc / (1 - xc))
}

func (p temperatureParams) apply(x float64) float64 {
	t := p.T
	if t <= 0 {
		t = 1
	}
	return sigmoid(logit(x) / t)
}

// fitTemperature searches for the T minimizing mean log-loss by golden
// section search over a fixed bracket, since log-loss as a function of T is
// unimodal for well-behaved score distributions.
func fitTemperature(points []DataPoint) (temperatureParams, error) {
	logits := make([]float64, len(points))
	labels := make([]float64, len(points))
	for i, p := range points {
		logits[i] = logit(p.Confidence)
		labels[i] = labelOf(p)
	}

	loss := func(t float64) float64 {
		if t <= 0 {
			return math.Inf(1)
		}
		var sum float64
		for i := range logits {
			pred := sigmoid(logits[i] / t)
			sum += logLoss(pred, labels[i])
		}
		return sum / float64(len(logits))
	}

	lo, hi := 0.05, 10.0
	const goldenRatio = 0.6180339887498949
	c := hi - goldenRatio*(hi-lo)
	d := lo + goldenRatio*(hi-lo)

	for iter := 0; iter < 100 && hi-lo > 1e-4; iter++ {
		if loss(c) < loss(d) {
			hi = d
		} else {
			lo = c
		}
		c = hi - goldenRatio*(hi-lo)
		d = lo + goldenRatio*(hi-lo)
	}

	return temperatureParams{T: (lo + hi) / 2}, nil
}
