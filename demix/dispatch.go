// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/demix/arkernel"
	"github.com/curioloop/demix/nndec"
)

// sourceState is the per-source mutable slate the dispatcher carries
// across sweeps: the working kernel, lazily estimated trace noise, the
// latest deconvolution side channel and the dual warm-start.
type sourceState struct {
	kernel arkernel.Kernel
	noise  float64

	baseline float64
	init     float64
	spikes   []float64

	rows   []int // dual pixel subset, fixed per run
	lambda []float64
}

// dispatcher routes each component through the configured update rule.
// The background always takes the trivial non-negative projection.
type dispatcher struct {
	cfg *Config
	sv  Solvers
	bk  *bookkeeper

	shared bool
	states []sourceState

	pixNoise []float64   // fitted-row noise levels, dual only
	warmLam  [][]float64 // caller-supplied multiplier columns, dual only
}

func newDispatcher(cfg *Config, sv Solvers, bk *bookkeeper, pixNoise []float64, warmLam [][]float64) *dispatcher {

	nsrc := bk.components() - 1
	states := make([]sourceState, nsrc)
	if !cfg.Kernels.empty() { // the dual rule works without kernels
		for i := range states {
			states[i].kernel = cfg.Kernels.forSource(i)
		}
	}

	return &dispatcher{
		cfg:      cfg,
		sv:       sv,
		bk:       bk,
		shared:   cfg.Kernels.Shared != nil,
		states:   states,
		pixNoise: pixNoise,
		warmLam:  warmLam,
	}
}

// updateSource refreshes one source trace in place.
func (d *dispatcher) updateSource(i int) error {

	st := &d.states[i]

	if d.cfg.method == MethodDual {
		return d.updateDual(i, st)
	}

	iso := d.bk.isolate(i)
	if st.noise <= 0 {
		st.noise = arkernel.EstimateNoise(iso)
	}

	// A configured order different from the supplied kernel's asks for a
	// fresh Yule-Walker fit at that order.
	if ord := d.cfg.KernelOrder; ord > 0 && ord != st.kernel.Order {
		if fit, err := arkernel.EstimateAR(iso, ord, st.noise); err == nil {
			d.setKernel(st, fit)
		}
	}

	var trace []float64
	switch d.cfg.method {

	case MethodProject:
		// Projection works in unit magnitude and scales back afterwards.
		scale := floats.Norm(iso, 2)
		if scale > 0 {
			floats.Scale(1/scale, iso)
		}
		fit, err := d.sv.Projector.Project(iso, st.kernel)
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		if scale > 0 {
			floats.Scale(scale, fit)
		}
		trace = fit

	case MethodConstrained:
		res, err := d.sv.Deconvolver.Deconvolve(iso, st.kernel, nndec.Options{
			Noise:      st.noise,
			Fudge:      d.cfg.FudgeFactor,
			Reestimate: d.cfg.restimate,
		})
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		d.record(st, res)
		trace = res.Trace

	case MethodMCEM:
		refit, err := d.sv.Reestimator.Reestimate(iso, st.kernel, st.noise)
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		res, err := d.sv.Deconvolver.Deconvolve(iso, refit, nndec.Options{
			Noise: st.noise,
			Fudge: d.cfg.FudgeFactor,
		})
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		d.record(st, res)
		trace = res.Trace

	case MethodBayes:
		post, err := d.sv.Sampler.Sample(iso, st.kernel, st.noise)
		if err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
		st.baseline, st.init = post.Baseline, post.Init
		st.spikes = post.Spikes
		st.noise = post.Noise
		d.setKernel(st, post.Kernel)
		trace = post.Trace

	default:
		return fmt.Errorf("source %d: unhandled method %v", i, d.cfg.method)
	}

	clampNonneg(trace)
	d.bk.setTrace(i, trace)
	return nil
}

func (d *dispatcher) updateDual(i int, st *sourceState) error {

	if st.rows == nil {
		st.rows = d.bk.topPixels(i, d.cfg.DualPixelCap)
		st.lambda = make([]float64, len(st.rows))
		if d.warmLam != nil {
			copy(st.lambda, d.warmLam[i])
		}
	}
	if len(st.rows) == 0 {
		return fmt.Errorf("source %d: footprint has no positive pixels", i)
	}

	block, weights := d.bk.block(i, st.rows)
	noise := make([]float64, len(st.rows))
	for r, p := range st.rows {
		noise[r] = d.pixNoise[p]
	}

	trace, lam, err := d.sv.Dual.Update(block, weights, noise, d.bk.trace(i), st.lambda)
	if err != nil {
		return fmt.Errorf("source %d: %w", i, err)
	}
	st.lambda = lam

	d.bk.setTrace(i, trace)
	return nil
}

// updateBackground clips the isolated background trace at zero.
func (d *dispatcher) updateBackground() {
	bg := d.bk.components() - 1
	iso := d.bk.isolate(bg)
	clampNonneg(iso)
	d.bk.setTrace(bg, iso)
}

// record stores a deconvolution side channel and propagates any kernel
// refit.
func (d *dispatcher) record(st *sourceState, res nndec.Result) {
	st.baseline, st.init = res.Baseline, res.Init
	st.spikes = res.Spikes
	st.noise = res.Noise
	d.setKernel(st, res.Kernel)
}

// setKernel installs a refitted kernel; a shared kernel propagates to
// every source so later components in the sweep see the refit.
func (d *dispatcher) setKernel(st *sourceState, k arkernel.Kernel) {
	st.kernel = k
	if d.shared {
		for j := range d.states {
			d.states[j].kernel = k
		}
	}
}

func clampNonneg(x []float64) {
	for t, v := range x {
		if v < 0 {
			x[t] = 0
		}
	}
}
