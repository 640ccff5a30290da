package calibrate

import "sort"

// isotonicPoint is one step of the fitted non-decreasing step function:
// for x >= X, the calibrated value is Y (until the next point raises it).
type isotonicPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// fitIsotonic fits a non-decreasing step function by the pool-adjacent-
// violators algorithm: points are sorted by raw confidence, then adjacent
// blocks whose average label would otherwise decrease are merged until the
// whole sequence is non-decreasing.
func fitIsotonic(points []DataPoint) []isotonicPoint {
	sorted := sortedByConfidence(points)

	type block struct {
		sumX, sumY float64
		count      int
	}
	blocks := make([]block, 0, len(sorted))
	for _, p := range sorted {
		blocks = append(blocks, block{sumX: p.Confidence, sumY: labelOf(p), count: 1})
		// Merge backward while the pool violates monotonicity.
		for len(blocks) >= 2 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sumY/float64(prev.count) <= last.sumY/float64(last.count) {
				break
			}
			merged := block{
				sumX:  prev.sumX + last.sumX,
				sumY:  prev.sumY + last.sumY,
				count: prev.count + last.count,
			}
			blocks = append(blocks[:len(blocks)-2], merged)
		}
	}

	out := make([]isotonicPoint, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, isotonicPoint{X: b.sumX / float64(b.count), Y: b.sumY / float64(b.count)})
	}
	return out
}

// isotonicApply evaluates the fitted step function at x by binary search,
// per spec 4.C. An empty model is the identity function.
func isotonicApply(pts []isotonicPoint, x float64) float64 {
	if len(pts) == 0 {
		return x
	}
	idx := sort.Search(len(pts), func(i int) bool { return pts[i].X > x })
	switch {
	case idx == 0:
		return pts[0].Y
	case idx == len(pts):
		return pts[len(pts)-1].Y
	default:
		// x falls between pts[idx-1] and pts[idx]; the step function holds
		// the lower point's value until the next breakpoint is reached.
		return pts[idx-1].Y
	}
}
