// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nndec provides the non-negative deconvolution solvers consumed by
// the temporal update: a cone projector, a noise-constrained sparse
// deconvolver and a per-pixel Lagrangian-dual update.
package nndec

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	zero = 0.0
	one  = 1.0
	eps  = float64(7)/3 - float64(4)/3 - 1.
)

// Mode reports the outcome of a solver call.
type Mode int

const (
	// HasSolution problem solved successfully.
	HasSolution Mode = iota + 1
	// ExceedMaxIter active-set loop hit the iteration cap, best x returned.
	ExceedMaxIter
	// BadArgument input dimensions unacceptable.
	BadArgument
)

// NNLS solves 𝚖𝚒𝚗 ‖𝐀𝐱 - 𝐛‖₂ + 𝐩ᵀ𝐱 subject to 𝐱 ≥ 0 with the Lawson-Hanson
// active-set method expressed on the normal equations.
//
// There are two index sets ℤ(zero) and ℙ(pivot): variables in ℤ are held at
// zero, variables in ℙ are free to take positive values. Each outer step
// relaxes the ℤ constraint with the largest dual weight 𝐰 = 𝐀ᵀ(𝐛-𝐀𝐱) - ½𝐩
// and re-solves the unconstrained subproblem over ℙ; the inner loop moves
// variables back to ℤ until the subproblem solution is feasible.
//
// The optional penalty 𝐩 ≥ 0 adds a linear charge on active variables,
// which is how the deconvolver prices sparsity; pass nil for plain NNLS.
//
// The trace lengths this module sees are small and the kernel systems well
// conditioned, so the subproblems are solved by Cholesky factorisation of
// the ℙ-restricted Gram matrix rather than Householder updates of the full
// workspace.
//
// C.L. Lawson, R.J. Hanson, 'Solving least squares problems' Prentice Hall,
// 1974 (revised 1995 edition), Chapter 23, Algorithm 23.10.
func NNLS(a mat.Matrix, b, penalty []float64, maxIter int) ([]float64, Mode) {

	m, n := a.Dims()
	if m <= 0 || n <= 0 || len(b) != m || (penalty != nil && len(penalty) != n) {
		return nil, BadArgument
	}
	if maxIter <= 0 {
		maxIter = 3 * n
	}

	// Gram matrix 𝐀ᵀ𝐀 and shifted correlation 𝐀ᵀ𝐛 - ½𝐩.
	var gram mat.Dense
	gram.Mul(a.T(), a)
	atb := make([]float64, n)
	col := make([]float64, m)
	for j := 0; j < n; j++ {
		mat.Col(col, j, a)
		atb[j] = floats.Dot(col, b)
		if penalty != nil {
			atb[j] -= penalty[j] / 2
		}
	}

	tol := 10 * eps * mat.Norm(&gram, 2) * float64(n)

	x := make([]float64, n)
	w := make([]float64, n)
	inP := make([]bool, n)
	rejected := make([]bool, n)
	var pivot []int

	// Subproblem 𝚖𝚒𝚗 ‖𝐀ᴾ𝐳 - 𝐛‖₂ over the pivot columns.
	solveP := func() ([]float64, bool) {
		np := len(pivot)
		sub := mat.NewSymDense(np, nil)
		rhs := mat.NewVecDense(np, nil)
		for i, pi := range pivot {
			rhs.SetVec(i, atb[pi])
			for j := i; j < np; j++ {
				sub.SetSym(i, j, gram.At(pi, pivot[j]))
			}
		}
		var chol mat.Cholesky
		if !chol.Factorize(sub) {
			return nil, false
		}
		var z mat.VecDense
		if err := chol.SolveVecTo(&z, rhs); err != nil {
			return nil, false
		}
		return z.RawVector().Data, true
	}

	for iter := 0; ; {
		// Dual vector 𝐰 = 𝐀ᵀ𝐛 - ½𝐩 - 𝐀ᵀ𝐀𝐱 for candidates in ℤ.
		jmax, wmax := -1, tol
		for j := 0; j < n; j++ {
			if inP[j] || rejected[j] {
				continue
			}
			w[j] = atb[j]
			for _, pi := range pivot {
				w[j] -= gram.At(j, pi) * x[pi]
			}
			if w[j] > wmax {
				jmax, wmax = j, w[j]
			}
		}

		// Kuhn-Tucker conditions hold: no constraint left to relax.
		if jmax < 0 {
			return x, HasSolution
		}

		inP[jmax] = true
		pivot = append(pivot, jmax)

		z, ok := solveP()
		if !ok || z[len(z)-1] <= zero {
			// Near linear dependence: reject the candidate column until
			// the solution moves again.
			inP[jmax] = false
			pivot = pivot[:len(pivot)-1]
			rejected[jmax] = true
			continue
		}
		clear(rejected)

		// Inner loop: move infeasible pivots back to ℤ.
		for {
			if iter++; iter > maxIter {
				for i, pi := range pivot {
					if z[i] > zero {
						x[pi] = z[i]
					}
				}
				return x, ExceedMaxIter
			}

			// ɑ = 𝚖𝚒𝚗 { 𝐱ⱼ/(𝐱ⱼ-𝐳ⱼ) : 𝐳ⱼ ≤ 0, j ∈ ℙ }
			alpha, drop := 2.0, -1
			for i, pi := range pivot {
				if z[i] <= zero {
					if t := x[pi] / (x[pi] - z[i]); t < alpha {
						alpha, drop = t, i
					}
				}
			}

			if drop < 0 {
				for i, pi := range pivot {
					x[pi] = z[i]
				}
				break
			}

			// Interpolate 𝐱 = 𝐱 + ɑ(𝐳 - 𝐱) and retire the blocking pivot.
			for i, pi := range pivot {
				x[pi] += alpha * (z[i] - x[pi])
			}
			kept := pivot[:0]
			for i, pi := range pivot {
				if i == drop || x[pi] <= tol {
					x[pi] = zero
					inP[pi] = false
					continue
				}
				kept = append(kept, pi)
			}
			pivot = kept
			if len(pivot) == 0 {
				break
			}
			if z, ok = solveP(); !ok {
				return x, ExceedMaxIter
			}
		}
	}
}
