// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arkernel models the autoregressive impulse response that smears a
// sparse event train into an observed fluorescence trace, and provides the
// matrix operators and parameter estimators the temporal update consumes.
package arkernel

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// Kernel is an AR(p) process cₜ = ∑ⱼ gⱼcₜ₋ⱼ + sₜ describing how an event sₜ
// decays into the calcium trace cₜ.
type Kernel struct {
	Order int
	Coef  []float64 // g₁ ··· gₚ
}

// Validate reports whether the kernel is well formed and stable.
func (k Kernel) Validate() error {
	switch {
	case k.Order <= 0:
		return errors.New("kernel order must be positive")
	case len(k.Coef) != k.Order:
		return errors.New("kernel coefficient count must equal order")
	}
	if r := k.DominantRoot(); math.IsNaN(r) || r >= 1 {
		return errors.New("kernel characteristic root outside the unit disc")
	}
	return nil
}

// Impulse returns the first n samples of the kernel impulse response:
// h₀ = 1, hₜ = ∑ⱼ gⱼhₜ₋ⱼ.
func (k Kernel) Impulse(n int) []float64 {
	h := make([]float64, n)
	if n == 0 {
		return h
	}
	h[0] = 1
	for t := 1; t < n; t++ {
		for j, g := range k.Coef {
			if t-1-j < 0 {
				break
			}
			h[t] += g * h[t-1-j]
		}
	}
	return h
}

// Toeplitz returns the n×n lower-triangular convolution operator K with
// Kᵢⱼ = hᵢ₋ⱼ, mapping an event train s to the trace c = Ks.
func (k Kernel) Toeplitz(n int) *mat.Dense {
	h := k.Impulse(n)
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		row := m.RawRowView(i)
		for j := 0; j <= i; j++ {
			row[j] = h[i-j]
		}
	}
	return m
}

// Discrete returns the sparse banded inverse operator G with unit diagonal
// and -gⱼ on the j-th subdiagonal, so that Gc = s. Only the p+1 stored bands
// are ever touched.
func (k Kernel) Discrete(n int) *mat.BandDense {
	g := mat.NewBandDense(n, n, k.Order, 0, nil)
	for i := 0; i < n; i++ {
		g.SetBand(i, i, 1)
		for j := 1; j <= k.Order && i-j >= 0; j++ {
			g.SetBand(i, i-j, -k.Coef[j-1])
		}
	}
	return g
}

// Apply convolves an event train with the kernel in place of a dense
// multiply: c = K s in O(n·p).
func (k Kernel) Apply(s []float64) []float64 {
	c := make([]float64, len(s))
	for t := range s {
		c[t] = s[t]
		for j, g := range k.Coef {
			if t-1-j < 0 {
				break
			}
			c[t] += g * c[t-1-j]
		}
	}
	return c
}

// DominantRoot returns the largest-magnitude root of the characteristic
// polynomial zᵖ - g₁zᵖ⁻¹ - ··· - gₚ. The initial-condition transient of the
// trace decays as rootᵗ. Closed form for p ≤ 2, companion-matrix
// eigenvalues otherwise.
func (k Kernel) DominantRoot() float64 {
	switch k.Order {
	case 1:
		return math.Abs(k.Coef[0])
	case 2:
		g1, g2 := k.Coef[0], k.Coef[1]
		d := g1*g1 + 4*g2
		if d >= 0 {
			s := math.Sqrt(d)
			return math.Max(math.Abs((g1+s)/2), math.Abs((g1-s)/2))
		}
		return cmplx.Abs(complex(g1/2, math.Sqrt(-d)/2))
	}

	// Companion matrix of the characteristic polynomial.
	p := k.Order
	c := mat.NewDense(p, p, nil)
	for j, g := range k.Coef {
		c.Set(0, j, g)
	}
	for i := 1; i < p; i++ {
		c.Set(i, i-1, 1)
	}
	var eig mat.Eigen
	if !eig.Factorize(c, mat.EigenNone) {
		return math.NaN()
	}
	root := 0.0
	for _, v := range eig.Values(nil) {
		if a := cmplx.Abs(v); a > root {
			root = a
		}
	}
	return root
}

// Decay returns the length-n transient rootᵗ used to carry the estimated
// initial condition through the fitted trace.
func (k Kernel) Decay(n int) []float64 {
	r := k.DominantRoot()
	d := make([]float64, n)
	v := 1.0
	for t := 0; t < n; t++ {
		d[t] = v
		v *= r
	}
	return d
}
