package calibrate

// plattParams are the fitted coefficients of sigma(a*x + b).
type plattParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (p plattParams) apply(x float64) float64 {
	return sigmoid(p.A*x + p.B)
}

// fitPlatt fits sigma(a*x+b) by gradient descent on the logistic loss,
// weighting all points equally (spec names "weighted logistic regression";
// DataPoint carries no weight, so every point counts with weight 1).
func fitPlatt(points []DataPoint) (plattParams, error) {
	a, b := 1.0, 0.0
	const (
		iterations   = 500
		learningRate = 0.1
	)
	n := float64(len(points))

	for iter := 0; iter < iterations; iter++ {
		var gradA, gradB float64
		for _, p := range points {
			pred := sigmoid(a*p.Confidence + b)
			err := pred - labelOf(p)
			gradA += err * p.Confidence
			gradB += err
		}
		a -= learningRate * gradA / n
		b -= learningRate * gradB / n
	}

	return plattParams{A: a, B: b}, nil
}
