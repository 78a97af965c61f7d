package experiment

import "math"

// twoProportionZTest compares conversion proportions between two samples and
// returns the z statistic and the two-tailed p-value. Degenerate inputs
// (empty samples, zero pooled variance) return z=0, p=1 so callers never
// mistake missing data for significance.
func twoProportionZTest(conversionsA, usersA, conversionsB, usersB int64) (z, p float64) {
	if usersA <= 0 || usersB <= 0 {
		return 0, 1
	}

	nA := float64(usersA)
	nB := float64(usersB)
	pA := float64(conversionsA) / nA
	pB := float64(conversionsB) / nB

	pooled := (float64(conversionsA) + float64(conversionsB)) / (nA + nB)
	variance := pooled * (1 - pooled) * (1/nA + 1/nB)
	if variance <= 0 {
		return 0, 1
	}

	z = (pB - pA) / math.Sqrt(variance)
	p = 2 * normalSurvival(math.Abs(z))
	if p > 1 {
		p = 1
	}

	return z, p
}

// normalSurvival is P(Z > x) for a standard normal Z.
func normalSurvival(x float64) float64 {
	return 0.5 * math.Erfc(x/math.Sqrt2)
}
