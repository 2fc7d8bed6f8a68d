// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package nndec

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/demix/arkernel"
)

// Options tune one deconvolution call.
type Options struct {
	// Noise is the trace noise level σ; when zero the solver estimates it
	// from the high-frequency periodogram.
	Noise float64
	// Fudge shrinks the kernel coefficients before fitting (0 < Fudge ≤ 1).
	Fudge float64
	// Reestimate refits the AR coefficients from the trace autocovariance
	// before deconvolving.
	Reestimate bool
	// MaxIter caps the active-set iterations, 0 for the NNLS default.
	MaxIter int
}

// Result carries the fitted trace and the side-channel estimates of one
// deconvolution.
type Result struct {
	// Trace is the composite fit: denoised trace + baseline + init·rootᵗ.
	Trace []float64
	// Spikes is the deconvolved event train.
	Spikes []float64

	Baseline float64
	Init     float64
	Noise    float64
	Kernel   arkernel.Kernel
}

// Cone projects a trace onto the feasible set {𝐊𝐬 : 𝐬 ≥ 0} of a kernel.
type Cone struct {
	MaxIter int
}

// Project returns the closest kernel-generated trace, with no noise or
// kernel re-estimation.
func (c Cone) Project(trace []float64, k arkernel.Kernel) ([]float64, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	s, mode := NNLS(k.Toeplitz(len(trace)), trace, nil, c.MaxIter)
	if mode == BadArgument {
		return nil, errors.New("projection rejected by NNLS")
	}
	return k.Apply(s), nil
}

// Deconv is the noise-constrained sparse deconvolver. It solves for the
// event train, a constant baseline and an initial-condition amplitude in one
// non-negative system, then prices sparsity up by bisection until the
// residual norm meets the noise budget fudge·σ·√T.
type Deconv struct {
	MaxIter    int
	Bisections int // multiplier search depth, default 6
}

// Deconvolve runs one constrained deconvolution.
func (d Deconv) Deconvolve(trace []float64, k arkernel.Kernel, opt Options) (Result, error) {

	n := len(trace)
	if n == 0 {
		return Result{}, errors.New("empty trace")
	}

	noise := opt.Noise
	if noise <= 0 {
		noise = arkernel.EstimateNoise(trace)
	}

	if opt.Reestimate {
		if fit, err := arkernel.EstimateAR(trace, k.Order, noise); err == nil {
			k = fit
		}
	}
	if opt.Fudge > 0 && opt.Fudge < 1 {
		coef := make([]float64, len(k.Coef))
		for i, g := range k.Coef {
			coef[i] = g * opt.Fudge
		}
		k = arkernel.Kernel{Order: k.Order, Coef: coef}
	}
	if err := k.Validate(); err != nil {
		return Result{}, err
	}

	// Design [𝐊 : 𝟏 : rootᵗ] so baseline and initial condition are fitted
	// jointly with the event train, all non-negative.
	design := mat.NewDense(n, n+2, nil)
	kop := k.Toeplitz(n)
	decay := k.Decay(n)
	for i := 0; i < n; i++ {
		row := design.RawRowView(i)
		copy(row[:n], kop.RawRowView(i))
		row[n] = 1
		row[n+1] = decay[i]
	}

	solve := func(lambda float64) ([]float64, Mode) {
		var pen []float64
		if lambda > 0 {
			pen = make([]float64, n+2)
			for i := 0; i < n; i++ {
				pen[i] = lambda
			}
		}
		return NNLS(design, trace, pen, d.MaxIter)
	}
	rnorm := func(x []float64) float64 {
		r := make([]float64, n)
		v := mat.NewVecDense(n, r)
		v.MulVec(design, mat.NewVecDense(n+2, x))
		floats.Sub(r, trace)
		return floats.Norm(r, 2)
	}

	x, mode := solve(0)
	if mode == BadArgument {
		return Result{}, errors.New("deconvolution rejected by NNLS")
	}

	// The unpenalised fit is the residual floor. When the floor sits below
	// the noise budget there is slack to spend on sparsity.
	target := noise * math.Sqrt(float64(n))
	if floor := rnorm(x); floor < target {
		bis := d.Bisections
		if bis <= 0 {
			bis = 6
		}
		lo, hi := zero, noise*math.Sqrt(2*math.Log(float64(n)))
		if hi <= 0 {
			hi = one
		}
		xh, mh := solve(hi)
		for i := 0; i < bis && mh != BadArgument && rnorm(xh) < target; i++ {
			lo, hi = hi, hi*2
			xh, mh = solve(hi)
		}
		for i := 0; i < bis; i++ {
			mid := (lo + hi) / 2
			xm, mm := solve(mid)
			if mm == BadArgument {
				break
			}
			if rnorm(xm) < target {
				lo, x = mid, xm
			} else {
				hi = mid
			}
		}
	}

	spikes := make([]float64, n)
	copy(spikes, x[:n])
	base, init := x[n], x[n+1]

	fit := k.Apply(spikes)
	for t := range fit {
		fit[t] += base + init*decay[t]
	}

	return Result{
		Trace:    fit,
		Spikes:   spikes,
		Baseline: base,
		Init:     init,
		Noise:    noise,
		Kernel:   k,
	}, nil
}
