// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package arkernel

import (
	"errors"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// EstimateNoise returns the noise standard deviation of a trace as the mean
// periodogram power over the upper half of the frequency range, where the
// AR-smoothed signal contributes next to nothing.
func EstimateNoise(trace []float64) float64 {
	n := len(trace)
	if n < 8 {
		return stat.StdDev(trace, nil)
	}

	fft := fourier.NewFFT(n)
	coef := fft.Coefficients(nil, trace)

	// Average |Y(f)|²/n over f ∈ [0.25, 0.5).
	lo, hi := len(coef)/2, len(coef)
	var sum float64
	for _, c := range coef[lo:hi] {
		sum += cmplx.Abs(c) * cmplx.Abs(c)
	}
	if hi == lo {
		return stat.StdDev(trace, nil)
	}
	return math.Sqrt(sum / float64(hi-lo) / float64(n))
}

// EstimateAR fits AR(p) coefficients to a trace by solving the Yule-Walker
// equations on the noise-corrected autocovariance. The noise variance is
// removed from the zero lag before solving; pass noise = 0 for a clean
// trace. The fitted kernel is shrunk towards stability when the dominant
// root reaches the unit circle.
func EstimateAR(trace []float64, order int, noise float64) (Kernel, error) {
	n := len(trace)
	if order <= 0 {
		return Kernel{}, errors.New("order must be positive")
	}
	if n < 3*order {
		return Kernel{}, errors.New("trace too short to fit kernel")
	}

	mean := stat.Mean(trace, nil)
	acov := make([]float64, order+1)
	for lag := 0; lag <= order; lag++ {
		var s float64
		for t := 0; t < n-lag; t++ {
			s += (trace[t] - mean) * (trace[t+lag] - mean)
		}
		acov[lag] = s / float64(n)
	}
	acov[0] -= noise * noise
	if acov[0] <= 0 {
		return Kernel{}, errors.New("noise variance exceeds trace variance")
	}

	// Toeplitz system R g = r with Rᵢⱼ = acov(|i-j|).
	r := mat.NewDense(order, order, nil)
	for i := 0; i < order; i++ {
		for j := 0; j < order; j++ {
			r.Set(i, j, acov[absInt(i-j)])
		}
	}
	rhs := mat.NewVecDense(order, acov[1:order+1])

	var g mat.VecDense
	if err := g.SolveVec(r, rhs); err != nil {
		return Kernel{}, errors.New("singular autocovariance system")
	}

	k := Kernel{Order: order, Coef: make([]float64, order)}
	copy(k.Coef, g.RawVector().Data)

	// Shrink towards zero until stable.
	for iter := 0; iter < 10 && !(k.DominantRoot() < 1); iter++ {
		for i := range k.Coef {
			k.Coef[i] *= 0.95
		}
	}
	if !(k.DominantRoot() < 1) {
		return Kernel{}, errors.New("fitted kernel is unstable")
	}
	return k, nil
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
