// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// partition splits the movie's pixel rows into the fitted subset and the
// excluded remainder. The fitted copy carries the interpolation overrides;
// the caller's data is never touched.
type partition struct {
	pixels int
	frames int

	fitIdx   []int // original row indices of the fitted pixels, ascending
	excluded []int // complement, ascending

	y *mat.Dense // fitted rows, interpolation applied
}

func newPartition(y mat.Matrix, unsaturated []int, interp []Interp) (*partition, error) {

	np, nt := y.Dims()
	if np == 0 || nt == 0 {
		return nil, fmt.Errorf("empty movie: %d×%d", np, nt)
	}

	keep := make([]bool, np)
	var fitIdx []int
	if len(unsaturated) == 0 {
		fitIdx = make([]int, np)
		for p := range keep {
			keep[p] = true
			fitIdx[p] = p
		}
	} else {
		for _, p := range unsaturated {
			if p < 0 || p >= np {
				return nil, fmt.Errorf("unsaturated pixel %d outside 0..%d", p, np-1)
			}
			if keep[p] {
				return nil, fmt.Errorf("unsaturated pixel %d listed twice", p)
			}
			keep[p] = true
		}
		fitIdx = make([]int, 0, len(unsaturated))
		for p := range keep {
			if keep[p] {
				fitIdx = append(fitIdx, p)
			}
		}
	}

	var excluded []int
	for p := range keep {
		if !keep[p] {
			excluded = append(excluded, p)
		}
	}

	rowOf := make(map[int]int, len(fitIdx))
	for r, p := range fitIdx {
		rowOf[p] = r
	}

	yfit := mat.NewDense(len(fitIdx), nt, nil)
	for r, p := range fitIdx {
		for t := 0; t < nt; t++ {
			yfit.Set(r, t, y.At(p, t))
		}
	}
	for _, iv := range interp {
		if iv.Pix < 0 || iv.Pix >= np || iv.T < 0 || iv.T >= nt {
			return nil, fmt.Errorf("interpolation entry (%d,%d) outside movie", iv.Pix, iv.T)
		}
		if r, ok := rowOf[iv.Pix]; ok {
			yfit.Set(r, iv.T, iv.Val)
		}
	}

	return &partition{
		pixels:   np,
		frames:   nt,
		fitIdx:   fitIdx,
		excluded: excluded,
		y:        yfit,
	}, nil
}

// restrictCols copies the fitted rows of a pixels×k matrix.
func (pt *partition) restrictCols(m mat.Matrix) *mat.Dense {
	_, k := m.Dims()
	out := mat.NewDense(len(pt.fitIdx), k, nil)
	for r, p := range pt.fitIdx {
		for j := 0; j < k; j++ {
			out.Set(r, j, m.At(p, j))
		}
	}
	return out
}

// restrictVec copies the fitted entries of a per-pixel vector.
func (pt *partition) restrictVec(v []float64) []float64 {
	out := make([]float64, len(pt.fitIdx))
	for r, p := range pt.fitIdx {
		out[r] = v[p]
	}
	return out
}
