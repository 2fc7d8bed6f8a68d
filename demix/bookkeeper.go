// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// bookkeeper maintains the residual statistics shared by all component
// updates within one run. Two regimes exist:
//
//   - Correlation mode keeps corr = 𝐘ᵀ𝐀 − 𝐂ᵀ(𝐀ᵀ𝐀), the residual/footprint
//     cross-correlation. Isolating a component and reabsorbing its new
//     trace are then O(T·K) rank-one updates instead of a full pixels×time
//     pass, which is what makes per-component updates cheap.
//   - Residual mode keeps the explicit pixels×time residual, which the
//     dual rule needs for its per-pixel noise budgets.
//
// The background occupies the last augmented column in both regimes.
type bookkeeper struct {
	aug *mat.Dense // fitted pixels × (K+1) footprints, background last
	aa  *mat.Dense // (K+1) × (K+1) Gram matrix of aug
	c   *mat.Dense // (K+1) × T traces, background last

	corr  *mat.Dense // T × (K+1), correlation mode
	resid *mat.Dense // fitted pixels × T, residual mode
}

func newBookkeeper(y, a, bg *mat.Dense, c, f []float64, frames int, explicit bool) *bookkeeper {

	np, k := a.Dims()
	aug := mat.NewDense(np, k+1, nil)
	aug.Slice(0, np, 0, k).(*mat.Dense).Copy(a)
	for p := 0; p < np; p++ {
		aug.Set(p, k, bg.At(p, 0))
	}

	caug := mat.NewDense(k+1, frames, nil)
	for i := 0; i < k; i++ {
		for t := 0; t < frames; t++ {
			caug.Set(i, t, c[i*frames+t])
		}
	}
	for t := 0; t < frames; t++ {
		caug.Set(k, t, f[t])
	}

	aa := mat.NewDense(k+1, k+1, nil)
	aa.Mul(aug.T(), aug)

	bk := &bookkeeper{aug: aug, aa: aa, c: caug}

	if explicit {
		r := mat.NewDense(np, frames, nil)
		r.Mul(aug, caug)
		r.Sub(y, r)
		bk.resid = r
	} else {
		corr := mat.NewDense(frames, k+1, nil)
		corr.Mul(y.T(), aug)
		var ca mat.Dense
		ca.Mul(caug.T(), aa)
		corr.Sub(corr, &ca)
		bk.corr = corr
	}
	return bk
}

// components reports K+1, the background slot included.
func (bk *bookkeeper) components() int {
	_, k := bk.aug.Dims()
	return k
}

func (bk *bookkeeper) frames() int {
	_, t := bk.c.Dims()
	return t
}

// norm2 is the squared footprint norm ‖aᵢ‖².
func (bk *bookkeeper) norm2(i int) float64 {
	return bk.aa.At(i, i)
}

// trace returns a copy of component i's current trace.
func (bk *bookkeeper) trace(i int) []float64 {
	out := make([]float64, bk.frames())
	copy(out, bk.c.RawRowView(i))
	return out
}

// isolate returns component i's trace with all other components explained
// away: its current trace plus the normalised residual correlation.
func (bk *bookkeeper) isolate(i int) []float64 {

	nt := bk.frames()
	out := make([]float64, nt)
	nrm := bk.norm2(i)
	if nrm <= 0 {
		return out
	}

	if bk.corr != nil {
		for t := 0; t < nt; t++ {
			out[t] = bk.c.At(i, t) + bk.corr.At(t, i)/nrm
		}
		return out
	}

	np, _ := bk.aug.Dims()
	for t := 0; t < nt; t++ {
		var dot float64
		for p := 0; p < np; p++ {
			dot += bk.aug.At(p, i) * bk.resid.At(p, t)
		}
		out[t] = bk.c.At(i, t) + dot/nrm
	}
	return out
}

// setTrace installs a new trace for component i and restores the regime
// invariant with a rank-one correction.
func (bk *bookkeeper) setTrace(i int, trace []float64) {

	nt := bk.frames()
	k := bk.components()

	if bk.corr != nil {
		for t := 0; t < nt; t++ {
			if d := trace[t] - bk.c.At(i, t); d != 0 {
				for j := 0; j < k; j++ {
					bk.corr.Set(t, j, bk.corr.At(t, j)-d*bk.aa.At(i, j))
				}
			}
		}
	} else {
		np, _ := bk.aug.Dims()
		for t := 0; t < nt; t++ {
			if d := trace[t] - bk.c.At(i, t); d != 0 {
				for p := 0; p < np; p++ {
					bk.resid.Set(p, t, bk.resid.At(p, t)-bk.aug.At(p, i)*d)
				}
			}
		}
	}

	bk.c.SetRow(i, trace)
}

// topPixels returns up to limit fitted-row indices ordered by descending
// footprint weight, the dual rule's pixel subset.
func (bk *bookkeeper) topPixels(i, limit int) []int {

	np, _ := bk.aug.Dims()
	idx := make([]int, 0, np)
	for p := 0; p < np; p++ {
		if bk.aug.At(p, i) > 0 {
			idx = append(idx, p)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		return bk.aug.At(idx[a], i) > bk.aug.At(idx[b], i)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}
	return idx
}

// block copies the selected residual rows with component i's own
// contribution added back, alongside the matching footprint weights.
func (bk *bookkeeper) block(i int, rows []int) (*mat.Dense, []float64) {

	nt := bk.frames()
	out := mat.NewDense(len(rows), nt, nil)
	w := make([]float64, len(rows))
	for r, p := range rows {
		w[r] = bk.aug.At(p, i)
		for t := 0; t < nt; t++ {
			out.Set(r, t, bk.resid.At(p, t)+w[r]*bk.c.At(i, t))
		}
	}
	return out, w
}
