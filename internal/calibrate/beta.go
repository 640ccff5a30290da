package calibrate

import "math"

// betaParams are the fitted coefficients of sigma(a*log(x) + b*log(1-x) + c).
type betaParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
}

func (p betaParams) apply(x float64) float64 {
	xc := clip(x, epsilon, 1-epsilon)
	return sigmoid(p.A*math.Log(xc) + p.B*math.Log(1-xc) + p.C)
}

// fitBeta fits sigma(a*log(x)+b*log(1-x)+c) by gradient descent on the
// logistic loss over inputs clipped away from the domain boundary.
func fitBeta(points []DataPoint) (betaParams, error) {
	a, b, c := 1.0, -1.0, 0.0
	const (
		iterations   = 500
		learningRate = 0.05
	)
	n := float64(len(points))

	logX := make([]float64, len(points))
	log1mX := make([]float64, len(points))
	for i, p := range points {
		xc := clip(p.Confidence, epsilon, 1-epsilon)
		logX[i] = math.Log(xc)
		log1mX[i] = math.Log(1 - xc)
	}

	for iter := 0; iter < iterations; iter++ {
		var gradA, gradB, gradC float64
		for i, p := range points {
			pred := sigmoid(a*logX[i] + b*log1mX[i] + c)
			err := pred - labelOf(p)
			gradA += err * logX[i]
			gradB += err * log1mX[i]
			gradC += err
		}
		a -= learningRate * gradA / n
		b -= learningRate * gradB / n
		c -= learningRate * gradC / n
	}

	return betaParams{A: a, B: b, C: c}, nil
}
