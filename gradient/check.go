package gradient

import "math"

import "github.com/pkg/errors"

// NumericalCheck compares an analytic gradient against a central-difference
// estimate of loss and returns the maximum relative error. Debug tool only;
// it evaluates loss 2*len(params) times.
func NumericalCheck(loss func(params []float64) float64, params, analytic []float64, eps float64) (float64, error) {
	if len(params) != len(analytic) {
		return 0, errors.Errorf("gradient: %d params vs %d analytic entries", len(params), len(analytic))
	}
	if eps <= 0 {
		eps = 1e-5
	}
	p := append([]float64(nil), params...)
	var maxRel float64
	for i := range p {
		orig := p[i]
		p[i] = orig + eps
		up := loss(p)
		p[i] = orig - eps
		down := loss(p)
		p[i] = orig
		numeric := (up - down) / (2 * eps)
		denom := math.Abs(numeric) + math.Abs(analytic[i])
		if denom == 0 {
			continue
		}
		rel := math.Abs(numeric-analytic[i]) / denom
		if rel > maxRel {
			maxRel = rel
		}
	}
	return maxRel, nil
}
