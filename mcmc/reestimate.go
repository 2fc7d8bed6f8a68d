// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcmc

import (
	"errors"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/demix/arkernel"
	"github.com/curioloop/demix/nndec"
)

// Reestimator refits kernel time constants by Monte-Carlo local search:
// random perturbations of the coefficients are scored by the residual of a
// cone projection, and the best stable candidate wins.
type Reestimator struct {
	Draws  int     // candidates per call, default 20
	Spread float64 // coefficient perturbation scale, default 0.05
	Src    rand.Source
}

// Reestimate returns updated kernel coefficients for one trace.
func (re Reestimator) Reestimate(trace []float64, k arkernel.Kernel, noise float64) (arkernel.Kernel, error) {

	if len(trace) == 0 {
		return k, errors.New("empty trace")
	}
	if err := k.Validate(); err != nil {
		return k, err
	}

	draws := re.Draws
	if draws <= 0 {
		draws = 20
	}
	spread := re.Spread
	if spread <= 0 {
		spread = 0.05
	}
	src := re.Src
	if src == nil {
		src = rand.NewSource(1)
	}
	rng := rand.New(src)

	cone := nndec.Cone{}
	score := func(cand arkernel.Kernel) (float64, bool) {
		fit, err := cone.Project(trace, cand)
		if err != nil {
			return 0, false
		}
		floats.Sub(fit, trace)
		return floats.Dot(fit, fit), true
	}

	best := k
	bestScore, ok := score(k)
	if !ok {
		return k, errors.New("projection failed for current kernel")
	}

	// Nothing to gain once the projection residual is within the noise
	// floor of the trace.
	floor := noise * noise * float64(len(trace))

	for i := 0; i < draws && bestScore > floor; i++ {
		cand := perturb(best, spread, rng)
		if cand.Validate() != nil {
			continue
		}
		if s, ok := score(cand); ok && s < bestScore {
			best, bestScore = cand, s
		}
	}
	return best, nil
}
