// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/demix/arkernel"
	"github.com/curioloop/demix/mcmc"
	"github.com/curioloop/demix/nndec"
)

// Projector maps a trace onto the feasible cone of a kernel.
type Projector interface {
	Project(trace []float64, k arkernel.Kernel) ([]float64, error)
}

// Deconvolver runs one noise-constrained sparse deconvolution.
type Deconvolver interface {
	Deconvolve(trace []float64, k arkernel.Kernel, opt nndec.Options) (nndec.Result, error)
}

// Sampler draws a full posterior for one trace and reports its means.
type Sampler interface {
	Sample(trace []float64, k arkernel.Kernel, noise float64) (mcmc.Posterior, error)
}

// Reestimator refits a kernel's time constants by Monte-Carlo search.
type Reestimator interface {
	Reestimate(trace []float64, k arkernel.Kernel, noise float64) (arkernel.Kernel, error)
}

// DualSolver updates a trace against an explicit pixel-subset residual
// under per-pixel noise budgets, returning the trace and the multipliers.
type DualSolver interface {
	Update(resid *mat.Dense, weights, noise, trace, lambda []float64) ([]float64, []float64, error)
}

// Solvers collects the pluggable numeric back ends of one run. Zero-value
// fields are replaced by the package defaults, so callers only override
// what they want to stub.
type Solvers struct {
	Projector   Projector
	Deconvolver Deconvolver
	Sampler     Sampler
	Reestimator Reestimator
	Dual        DualSolver
}

func (s Solvers) withDefaults(seed uint64) Solvers {
	if s.Projector == nil {
		s.Projector = nndec.Cone{}
	}
	if s.Deconvolver == nil {
		s.Deconvolver = nndec.Deconv{}
	}
	if s.Sampler == nil {
		s.Sampler = mcmc.Sampler{Src: newSource(seed)}
	}
	if s.Reestimator == nil {
		s.Reestimator = mcmc.Reestimator{Src: newSource(seed + 1)}
	}
	if s.Dual == nil {
		s.Dual = nndec.Dual{}
	}
	return s
}
