// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nndec

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultPixelCap bounds how many of a component's strongest-weighted pixels
// take part in one dual fit. The value is conventional, with no principled
// derivation; override it through the caller's configuration rather than
// editing it here.
const DefaultPixelCap = 15

// Dual updates one component's trace against the explicit residual under
// per-pixel noise budgets ‖𝐫ₚ - wₚ𝐜‖₂ ≤ σₚ√T, alternating a non-negative
// weighted-average primal step with a multiplicative ascent on the
// Lagrange multipliers. The multipliers are returned for warm-starting the
// next sweep.
type Dual struct {
	Iters int     // alternations per call, default 5
	Step  float64 // multiplier ascent rate, default 0.5
}

// Update fits a non-negative trace to the pixel-subset residual.
//   - resid: selected pixels × time, with this component's current
//     contribution already added back
//   - weights: footprint values of the selected pixels
//   - noise: per-pixel noise levels σₚ
//   - trace, lambda: warm-start primal and dual state
func (d Dual) Update(resid *mat.Dense, weights, noise, trace, lambda []float64) ([]float64, []float64, error) {

	np, nt := resid.Dims()
	switch {
	case np == 0 || nt == 0:
		return nil, nil, errors.New("empty residual block")
	case len(weights) != np || len(noise) != np:
		return nil, nil, errors.New("pixel weight/noise length mismatch")
	case len(trace) != nt || len(lambda) < np:
		return nil, nil, errors.New("trace/multiplier length mismatch")
	}

	iters := d.Iters
	if iters <= 0 {
		iters = 5
	}
	step := d.Step
	if step <= 0 {
		step = 0.5
	}

	c := make([]float64, nt)
	copy(c, trace)
	lam := make([]float64, np)
	copy(lam, lambda[:np])
	for p, l := range lam {
		if l <= 0 {
			lam[p] = one
		}
	}

	sqt := math.Sqrt(float64(nt))
	diff := make([]float64, nt)

	for it := 0; it < iters; it++ {
		// Primal: multiplier-weighted non-negative average of the
		// per-pixel trace estimates.
		var den float64
		for p, w := range weights {
			den += lam[p] * w * w
		}
		if den <= 0 {
			for t := range c {
				c[t] = zero
			}
			break
		}
		for t := 0; t < nt; t++ {
			var num float64
			for p, w := range weights {
				num += lam[p] * w * resid.At(p, t)
			}
			if num > 0 {
				c[t] = num / den
			} else {
				c[t] = zero
			}
		}

		// Dual: grow multipliers on pixels violating their noise budget,
		// shrink them on pixels with slack.
		for p, w := range weights {
			copy(diff, resid.RawRowView(p))
			floats.AddScaled(diff, -w, c)
			budget := noise[p] * sqt
			if budget <= 0 {
				continue
			}
			viol := floats.Norm(diff, 2)/budget - one
			lam[p] *= math.Exp(step * viol)
			lam[p] = math.Min(math.Max(lam[p], 1e-6), 1e6)
		}
	}

	return c, lam, nil
}
