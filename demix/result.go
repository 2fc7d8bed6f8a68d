// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/demix/arkernel"
)

// SourceResult carries one source's per-trace side channel. Fields absent
// for the chosen method stay zero: only the deconvolution-backed rules
// produce spikes, and only the dual rule produces multipliers.
type SourceResult struct {
	Kernel   arkernel.Kernel
	Baseline float64
	Init     float64
	Noise    float64
	Spikes   []float64

	// DualPixels lists the original pixel indices of the dual fit subset;
	// Multipliers are the matching converged Lagrange multipliers, usable
	// to warm-start a later run.
	DualPixels  []int
	Multipliers []float64
}

// Result is the refreshed factorisation.
type Result struct {
	// C holds the updated traces, K × frames.
	C *mat.Dense
	// F is the updated background trace.
	F []float64
	// Residual is 𝐘 − 𝐀𝐂 − 𝐛𝐟ᵀ over the full movie. The fitted rows use
	// the interpolation-filled observation, the one the fit ran against;
	// the excluded rows carry the caller's raw values through the formula.
	Residual *mat.Dense

	Sources []SourceResult

	Status Status
	Sweeps int
	// Delta is the final relative Frobenius trace change.
	Delta float64
}

func (u *Updater) assemble(status Status, sweeps int, delta float64) *Result {

	nsrc := u.bk.components() - 1
	nt := u.bk.frames()
	np, _ := u.prob.Y.Dims()

	c := mat.NewDense(nsrc, nt, nil)
	for i := 0; i < nsrc; i++ {
		c.SetRow(i, u.bk.c.RawRowView(i))
	}
	f := make([]float64, nt)
	copy(f, u.bk.c.RawRowView(nsrc))

	// Reconstruction runs over every pixel, the excluded rows included, on
	// the caller's untouched movie.
	aug := mat.NewDense(np, nsrc+1, nil)
	aug.Slice(0, np, 0, nsrc).(*mat.Dense).Copy(u.prob.A)
	for p := 0; p < np; p++ {
		aug.Set(p, nsrc, u.prob.Bg.At(p, 0))
	}
	resid := mat.NewDense(np, nt, nil)
	resid.Mul(aug, u.bk.c)
	resid.Sub(u.prob.Y, resid)

	// The fitted rows answer to the observation the fit actually saw, the
	// interpolation-filled copy; only the excluded rows keep the caller's
	// raw values through the formula. The dual regime already paid for an
	// exact residual there, everyone else recomputes it from scratch.
	if u.bk.resid != nil {
		for r, p := range u.pt.fitIdx {
			resid.SetRow(p, u.bk.resid.RawRowView(r))
		}
	} else {
		fit := mat.NewDense(len(u.pt.fitIdx), nt, nil)
		fit.Mul(u.bk.aug, u.bk.c)
		fit.Sub(u.pt.y, fit)
		for r, p := range u.pt.fitIdx {
			resid.SetRow(p, fit.RawRowView(r))
		}
	}

	sources := make([]SourceResult, nsrc)
	for i := range sources {
		st := &u.disp.states[i]
		sources[i] = SourceResult{
			Kernel:   st.kernel,
			Baseline: st.baseline,
			Init:     st.init,
			Noise:    st.noise,
			Spikes:   st.spikes,
		}
		if len(st.rows) > 0 {
			pix := make([]int, len(st.rows))
			for r, row := range st.rows {
				pix[r] = u.pt.fitIdx[row]
			}
			sources[i].DualPixels = pix
			sources[i].Multipliers = st.lambda
		}
	}

	return &Result{
		C:        c,
		F:        f,
		Residual: resid,
		Sources:  sources,
		Status:   status,
		Sweeps:   sweeps,
		Delta:    delta,
	}
}
