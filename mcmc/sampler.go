// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcmc provides the stochastic collaborators of the temporal
// update: a fixed-budget posterior sampler and a Monte-Carlo time-constant
// re-estimator. Both are deliberately simple reference implementations;
// the orchestrator only depends on their interfaces.
package mcmc

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/curioloop/demix/arkernel"
	"github.com/curioloop/demix/nndec"
)

// Posterior holds posterior means for one sampled trace.
type Posterior struct {
	Trace    []float64
	Spikes   []float64
	Baseline float64
	Init     float64
	Noise    float64
	Kernel   arkernel.Kernel
}

// Sampler draws posterior samples for the trace, baseline, initial
// condition, noise variance and kernel decay with a fixed sample and
// burn-in budget, and reports posterior means. This is by far the most
// expensive update rule per component.
type Sampler struct {
	Samples int // total draws, default 300
	Burn    int // discarded draws, default 100
	Src     rand.Source
}

// Sample runs the chain on one isolated trace.
func (sp Sampler) Sample(trace []float64, k arkernel.Kernel, noise float64) (Posterior, error) {

	n := len(trace)
	if n == 0 {
		return Posterior{}, errors.New("empty trace")
	}
	if err := k.Validate(); err != nil {
		return Posterior{}, err
	}

	samples := sp.Samples
	if samples <= 0 {
		samples = 300
	}
	burn := sp.Burn
	if burn <= 0 {
		burn = 100
	}
	if burn >= samples {
		burn = samples / 2
	}
	src := sp.Src
	if src == nil {
		src = rand.NewSource(1)
	}
	rng := rand.New(src)

	// Chain state starts from the constrained MAP fit.
	dec := nndec.Deconv{}
	cur, err := dec.Deconvolve(trace, k, nndec.Options{Noise: noise})
	if err != nil {
		return Posterior{}, err
	}
	sigma := cur.Noise
	if sigma <= 0 {
		sigma = arkernel.EstimateNoise(trace)
	}
	if sigma <= 0 {
		sigma = 1e-3
	}

	kcur := cur.Kernel
	denoised := kcur.Apply(cur.Spikes)
	decay := kcur.Decay(n)
	base, init := cur.Baseline, cur.Init

	resid := make([]float64, n)
	rss := func() float64 {
		copy(resid, trace)
		floats.Sub(resid, denoised)
		for t := range resid {
			resid[t] -= base + init*decay[t]
		}
		return floats.Dot(resid, resid)
	}

	var (
		meanTrace  = make([]float64, n)
		meanSpikes = make([]float64, n)
		meanCoef   = make([]float64, kcur.Order)
		meanBase   float64
		meanInit   float64
		meanSigma  float64
		kept       int
	)

	for it := 0; it < samples; it++ {

		// σ² | rest  ~  InvGamma(a₀+T/2, b₀+RSS/2)
		g := distuv.Gamma{Alpha: 2 + float64(n)/2, Beta: 0.5 + rss()/2, Src: rng}
		if v := g.Rand(); v > 0 {
			sigma = math.Sqrt(1 / v)
		}

		// baseline | rest ~ N(mean residual, σ/√T)
		copy(resid, trace)
		floats.Sub(resid, denoised)
		floats.AddScaled(resid, -init, decay)
		mu := floats.Sum(resid) / float64(n)
		base = distuv.Normal{Mu: mu, Sigma: sigma / math.Sqrt(float64(n)), Src: rng}.Rand()

		// init | rest: regression of the remaining residual on the decay
		// transient, truncated at zero.
		copy(resid, trace)
		floats.Sub(resid, denoised)
		for t := range resid {
			resid[t] -= base
		}
		dd := floats.Dot(decay, decay)
		mu = floats.Dot(resid, decay) / dd
		init = distuv.Normal{Mu: mu, Sigma: sigma / math.Sqrt(dd), Src: rng}.Rand()
		if init < 0 {
			init = 0
		}

		// Kernel decay: random-walk Metropolis every few draws, accepted on
		// the refitted residual. Re-deconvolution makes this the slow step.
		if it%5 == 0 {
			prop := perturb(kcur, 0.02, rng)
			if prop.Validate() == nil {
				cand, err := dec.Deconvolve(trace, prop, nndec.Options{Noise: sigma})
				if err == nil {
					old := rss()
					saveDen, saveDecay := denoised, decay
					saveS := cur.Spikes
					denoised = prop.Apply(cand.Spikes)
					decay = prop.Decay(n)
					cur.Spikes = cand.Spikes
					if acc := math.Exp((old - rss()) / (2 * sigma * sigma)); rng.Float64() < acc {
						kcur = prop
					} else {
						denoised, decay, cur.Spikes = saveDen, saveDecay, saveS
					}
				}
			}
		}

		if it < burn {
			continue
		}
		kept++
		floats.Add(meanTrace, denoised)
		for t := range meanTrace {
			meanTrace[t] += base + init*decay[t]
		}
		floats.Add(meanSpikes, cur.Spikes)
		floats.Add(meanCoef, kcur.Coef)
		meanBase += base
		meanInit += init
		meanSigma += sigma
	}

	inv := 1 / float64(kept)
	floats.Scale(inv, meanTrace)
	floats.Scale(inv, meanSpikes)
	floats.Scale(inv, meanCoef)

	return Posterior{
		Trace:    meanTrace,
		Spikes:   meanSpikes,
		Baseline: meanBase * inv,
		Init:     meanInit * inv,
		Noise:    meanSigma * inv,
		Kernel:   arkernel.Kernel{Order: kcur.Order, Coef: meanCoef},
	}, nil
}

func perturb(k arkernel.Kernel, spread float64, rng *rand.Rand) arkernel.Kernel {
	coef := make([]float64, len(k.Coef))
	for i, g := range k.Coef {
		coef[i] = g + spread*rng.NormFloat64()
	}
	return arkernel.Kernel{Order: k.Order, Coef: coef}
}
