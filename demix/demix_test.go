// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"math"
	"reflect"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/demix/arkernel"
)

// movie builds a small synthetic factorisation 𝐘 = 𝐀𝐂 + 𝐛𝐟ᵀ + noise with
// two overlapping sources and a flat background.
type movie struct {
	y  *mat.Dense
	a  *mat.Dense
	bg *mat.Dense
	c  []float64 // true traces, row-major 2 × frames
	f  []float64
	k  arkernel.Kernel
}

const (
	moviePixels = 20
	movieFrames = 80
)

func makeMovie(sigma float64, seed uint64) *movie {

	const np, nt, k = moviePixels, movieFrames, 2
	rng := rand.New(rand.NewSource(seed))

	a := mat.NewDense(np, k, nil)
	for p := 0; p < 10; p++ {
		a.Set(p, 0, 1-0.08*float64(p))
	}
	for p := 8; p < 18; p++ {
		a.Set(p, 1, 0.9-0.07*float64(p-8))
	}
	bg := mat.NewDense(np, 1, nil)
	for p := 0; p < np; p++ {
		bg.Set(p, 0, 0.1)
	}

	kern := arkernel.Kernel{Order: 1, Coef: []float64{0.8}}
	s1 := make([]float64, nt)
	s2 := make([]float64, nt)
	s1[5], s1[30], s1[60] = 2, 1.5, 1
	s2[12], s2[45], s2[46] = 1, 2, 0.8

	c := make([]float64, k*nt)
	copy(c[:nt], kern.Apply(s1))
	copy(c[nt:], kern.Apply(s2))

	f := make([]float64, nt)
	for t := range f {
		f[t] = 1 + 0.1*math.Sin(float64(t)/10)
	}

	y := mat.NewDense(np, nt, nil)
	for p := 0; p < np; p++ {
		for t := 0; t < nt; t++ {
			v := a.At(p, 0)*c[t] + a.At(p, 1)*c[nt+t] + bg.At(p, 0)*f[t]
			y.Set(p, t, v+sigma*rng.NormFloat64())
		}
	}

	return &movie{y: y, a: a, bg: bg, c: c, f: f, k: kern}
}

func (mv *movie) problem(cfg Config) Problem {
	if cfg.Kernels.empty() && cfg.Method != "dual" {
		cfg.Kernels.Shared = &mv.k
	}
	warmC := make([]float64, len(mv.c))
	warmF := make([]float64, len(mv.f))
	copy(warmF, mv.f)
	return Problem{Y: mv.y, A: mv.a, Bg: mv.bg, C: warmC, F: warmF, Config: cfg}
}

func residNorm(mv *movie, c *mat.Dense, f []float64) float64 {
	np, nt := mv.y.Dims()
	r := mat.NewDense(np, nt, nil)
	for p := 0; p < np; p++ {
		for t := 0; t < nt; t++ {
			v := mv.y.At(p, t) - mv.bg.At(p, 0)*f[t]
			for i := 0; i < 2; i++ {
				v -= mv.a.At(p, i) * c.At(i, t)
			}
			r.Set(p, t, v)
		}
	}
	return mat.Norm(r, 2)
}

func TestConstrainedRun(t *testing.T) {

	mv := makeMovie(0.02, 1)
	cfg := DefaultConfig()
	cfg.RestimateKernel = boolPtr(false)
	cfg.Seed = 42
	cfg.Kernels.Shared = &mv.k

	u, err := mv.problem(cfg).New()
	if err != nil {
		t.Fatal("TestConstrainedRun: New Failed")
	}
	res, err := u.Run()
	if err != nil {
		t.Fatal("TestConstrainedRun: Run Failed")
	}

	// Truth comparison per source trace.
	nt := movieFrames
	err0 := floats.Distance(res.C.RawRowView(0), mv.c[:nt], 2)
	err1 := floats.Distance(res.C.RawRowView(1), mv.c[nt:], 2)
	ref0 := floats.Norm(mv.c[:nt], 2)
	ref1 := floats.Norm(mv.c[nt:], 2)

	switch {
	case res.Status != Converged && res.Status != IterationLimit:
		t.Fatal("TestConstrainedRun: Bad Status")
	case mat.Min(res.C) < 0:
		t.Fatal("TestConstrainedRun: Negative Trace")
	case floats.Min(res.F) < 0:
		t.Fatal("TestConstrainedRun: Negative Background")
	case err0 > 0.15*ref0 || err1 > 0.15*ref1:
		t.Fatalf("TestConstrainedRun: Traces Off Truth (%.3f, %.3f)", err0/ref0, err1/ref1)
	case residNorm(mv, res.C, res.F) > 2*residNorm(mv, mat.NewDense(2, nt, mv.c), mv.f):
		t.Fatal("TestConstrainedRun: Residual Not Reduced")
	case len(res.Sources) != 2:
		t.Fatal("TestConstrainedRun: Missing Source Channel")
	case res.Sources[0].Spikes == nil || res.Sources[0].Noise <= 0:
		t.Fatal("TestConstrainedRun: Empty Source Channel")
	}

	// The reported residual must match the reconstruction formula.
	np, _ := mv.y.Dims()
	for p := 0; p < np; p++ {
		for c := 0; c < nt; c++ {
			want := mv.y.At(p, c) - mv.bg.At(p, 0)*res.F[c]
			for i := 0; i < 2; i++ {
				want -= mv.a.At(p, i) * res.C.At(i, c)
			}
			if math.Abs(res.Residual.At(p, c)-want) > 1e-10 {
				t.Fatal("TestConstrainedRun: Residual Formula Broken")
			}
		}
	}
}

func TestProjectFixedPoint(t *testing.T) {

	// A noiseless movie whose warm start is already the exact solution
	// must converge immediately and leave the traces untouched.
	mv := makeMovie(0, 2)
	cfg := DefaultConfig()
	cfg.Method = "project"
	cfg.FixedOrder = true

	p := mv.problem(cfg)
	copy(p.C, mv.c)

	u, err := p.New()
	if err != nil {
		t.Fatal("TestProjectFixedPoint: New Failed")
	}
	res, err := u.Run()

	nt := movieFrames
	switch {
	case err != nil:
		t.Fatal("TestProjectFixedPoint: Run Failed")
	case res.Status != Converged:
		t.Fatal("TestProjectFixedPoint: Did Not Converge")
	case res.Sweeps != 1:
		t.Fatal("TestProjectFixedPoint: Extra Sweeps")
	case floats.Distance(res.C.RawRowView(0), mv.c[:nt], 2) > 1e-6:
		t.Fatal("TestProjectFixedPoint: Fixed Point Moved")
	}
}

func TestNoiselessRecovery(t *testing.T) {

	// Three overlapping sources, no noise, cold-started traces: the sweeps
	// must drive every trace to the generating one within a percent.
	const np, nt, k = 20, 50, 3
	kern := arkernel.Kernel{Order: 2, Coef: []float64{1.2, -0.35}}

	a := mat.NewDense(np, k, nil)
	spans := [k][2]int{{0, 8}, {6, 14}, {12, 20}}
	for i, sp := range spans {
		for p := sp[0]; p < sp[1]; p++ {
			a.Set(p, i, 1-0.1*float64(p-sp[0]))
		}
	}
	bg := mat.NewDense(np, 1, nil)
	for p := 0; p < np; p++ {
		bg.Set(p, 0, 0.1)
	}

	truth := make([]float64, k*nt)
	for i, at := range [][]int{{4, 25}, {10, 35}, {18, 40}} {
		s := make([]float64, nt)
		for _, j := range at {
			s[j] = 1.5
		}
		copy(truth[i*nt:(i+1)*nt], kern.Apply(s))
	}
	f := make([]float64, nt)
	for i := range f {
		f[i] = 1
	}

	y := mat.NewDense(np, nt, nil)
	for p := 0; p < np; p++ {
		for c := 0; c < nt; c++ {
			v := bg.At(p, 0) * f[c]
			for i := 0; i < k; i++ {
				v += a.At(p, i) * truth[i*nt+c]
			}
			y.Set(p, c, v)
		}
	}

	cfg := DefaultConfig()
	cfg.Method = "project"
	cfg.FixedOrder = true
	cfg.OuterIterations = 40
	cfg.ConvergenceTol = 1e-4
	cfg.Kernels.Shared = &kern

	u, err := Problem{
		Y: y, A: a, Bg: bg,
		C: make([]float64, k*nt), F: f,
		Config: cfg,
	}.New()
	if err != nil {
		t.Fatal("TestNoiselessRecovery: New Failed")
	}
	res, err := u.Run()
	if err != nil {
		t.Fatal("TestNoiselessRecovery: Run Failed")
	}

	for i := 0; i < k; i++ {
		want := truth[i*nt : (i+1)*nt]
		if d := floats.Distance(res.C.RawRowView(i), want, 2); d > 1e-2*floats.Norm(want, 2) {
			t.Fatalf("TestNoiselessRecovery: Source %d Off By %.2e", i, d)
		}
	}
	if res.Status != Converged {
		t.Fatal("TestNoiselessRecovery: Did Not Converge")
	}
}

func TestMonotoneSweeps(t *testing.T) {

	// With a fixed seed the sweep permutations replay identically, so runs
	// with growing sweep budgets share a common prefix and their final
	// relative changes trace one descent path, which must not increase.
	mv := makeMovie(0.01, 12)

	deltas := make([]float64, 0, 4)
	for sweeps := 1; sweeps <= 4; sweeps++ {
		cfg := DefaultConfig()
		cfg.RestimateKernel = boolPtr(false)
		cfg.Seed = 5
		cfg.OuterIterations = sweeps
		cfg.ConvergenceTol = 1e-12

		u, err := mv.problem(cfg).New()
		if err != nil {
			t.Fatal("TestMonotoneSweeps: New Failed")
		}
		res, err := u.Run()
		if err != nil {
			t.Fatal("TestMonotoneSweeps: Run Failed")
		}
		deltas = append(deltas, res.Delta)
	}

	for i := 1; i < len(deltas); i++ {
		if deltas[i] > deltas[i-1]+1e-9 {
			t.Fatalf("TestMonotoneSweeps: Change Grew At Sweep %d (%.3e > %.3e)",
				i+1, deltas[i], deltas[i-1])
		}
	}
}

func TestStochasticRuns(t *testing.T) {

	// One cheap sweep each for the sampling-backed rules: they must run to
	// completion and keep every driver invariant.
	mv := makeMovie(0.05, 14)

	for _, method := range []string{"bayes", "mcem"} {
		cfg := DefaultConfig()
		cfg.Method = method
		cfg.Seed = 3
		cfg.OuterIterations = 1

		u, err := mv.problem(cfg).New()
		if err != nil {
			t.Fatalf("TestStochasticRuns: %s New Failed", method)
		}
		res, err := u.Run()
		if err != nil {
			t.Fatalf("TestStochasticRuns: %s Run Failed", method)
		}

		switch {
		case mat.Min(res.C) < 0:
			t.Fatalf("TestStochasticRuns: %s Negative Trace", method)
		case floats.Min(res.F) < 0:
			t.Fatalf("TestStochasticRuns: %s Negative Background", method)
		case len(res.Sources) != 2:
			t.Fatalf("TestStochasticRuns: %s Missing Source Channel", method)
		case res.Sources[0].Kernel.Validate() != nil:
			t.Fatalf("TestStochasticRuns: %s Unstable Kernel", method)
		case res.Sources[0].Spikes == nil:
			t.Fatalf("TestStochasticRuns: %s Empty Spike Channel", method)
		}
	}
}

func TestReproducibleSweeps(t *testing.T) {

	mv := makeMovie(0.05, 3)
	cfg := DefaultConfig()
	cfg.RestimateKernel = boolPtr(false)
	cfg.Seed = 99

	run := func() *Result {
		u, err := mv.problem(cfg).New()
		if err != nil {
			t.Fatal("TestReproducibleSweeps: New Failed")
		}
		res, err := u.Run()
		if err != nil {
			t.Fatal("TestReproducibleSweeps: Run Failed")
		}
		return res
	}

	r1, r2 := run(), run()
	switch {
	case !mat.Equal(r1.C, r2.C):
		t.Fatal("TestReproducibleSweeps: Traces Differ")
	case !almostEqual(r1.F, r2.F, 0):
		t.Fatal("TestReproducibleSweeps: Background Differs")
	}
}

func TestExcludedPixels(t *testing.T) {

	mv := makeMovie(0.02, 6)
	np, nt := mv.y.Dims()

	// Every pixel but the last two takes part in the fit.
	cfg := DefaultConfig()
	cfg.RestimateKernel = boolPtr(false)
	cfg.Seed = 7
	cfg.Unsaturated = make([]int, np-2)
	for p := range cfg.Unsaturated {
		cfg.Unsaturated[p] = p
	}

	run := func(y *mat.Dense) *Result {
		p := mv.problem(cfg)
		p.Y = y
		u, err := p.New()
		if err != nil {
			t.Fatal("TestExcludedPixels: New Failed")
		}
		res, err := u.Run()
		if err != nil {
			t.Fatal("TestExcludedPixels: Run Failed")
		}
		return res
	}

	// Corrupting the excluded rows must not move the fit at all.
	spoiled := mat.DenseCopyOf(mv.y)
	for _, p := range []int{np - 2, np - 1} {
		for c := 0; c < nt; c++ {
			spoiled.Set(p, c, 1e6)
		}
	}

	r1, r2 := run(mv.y), run(spoiled)
	switch {
	case !mat.Equal(r1.C, r2.C):
		t.Fatal("TestExcludedPixels: Excluded Rows Influenced Traces")
	case !almostEqual(r1.F, r2.F, 0):
		t.Fatal("TestExcludedPixels: Excluded Rows Influenced Background")
	}

	// The excluded residual rows still follow the reconstruction formula
	// on the corrupted data.
	for _, p := range []int{np - 2, np - 1} {
		for c := 0; c < nt; c++ {
			want := spoiled.At(p, c) - mv.bg.At(p, 0)*r2.F[c]
			for i := 0; i < 2; i++ {
				want -= mv.a.At(p, i) * r2.C.At(i, c)
			}
			if math.Abs(r2.Residual.At(p, c)-want) > 1e-6 {
				t.Fatal("TestExcludedPixels: Excluded Residual Broken")
			}
		}
	}
}

func TestInterpolation(t *testing.T) {

	mv := makeMovie(0, 8)

	// Replacing one observation by garbage and interpolating it back must
	// reproduce the clean run exactly.
	spoiled := mat.DenseCopyOf(mv.y)
	spoiled.Set(4, 20, 500)

	cfg := DefaultConfig()
	cfg.RestimateKernel = boolPtr(false)
	cfg.FixedOrder = true

	clean := mv.problem(cfg)
	cfgI := cfg
	cfgI.Interpolation = []Interp{{Pix: 4, T: 20, Val: mv.y.At(4, 20)}}
	patched := mv.problem(cfgI)
	patched.Y = spoiled

	run := func(p Problem) *Result {
		u, err := p.New()
		if err != nil {
			t.Fatal("TestInterpolation: New Failed")
		}
		res, err := u.Run()
		if err != nil {
			t.Fatal("TestInterpolation: Run Failed")
		}
		return res
	}

	r1, r2 := run(clean), run(patched)
	if !mat.Equal(r1.C, r2.C) {
		t.Fatal("TestInterpolation: Patched Run Differs")
	}

	// The caller's movie keeps its raw value.
	if spoiled.At(4, 20) != 500 {
		t.Fatal("TestInterpolation: Input Mutated")
	}

	// Dropping the overrides and fitting the raw values may move the
	// traces but must still run to completion.
	raw := mv.problem(cfg)
	raw.Y = spoiled
	r3 := run(raw)
	if mat.Min(r3.C) < 0 {
		t.Fatal("TestInterpolation: Raw Run Broke Non-Negativity")
	}
}

func TestInterpolatedResidual(t *testing.T) {

	// The residual contract is stated against the observation the fit ran
	// on: at an interpolated coordinate the reported residual subtracts
	// the reconstruction from the override, never from the raw reading.
	mv := makeMovie(0.02, 15)
	const pix, frame, val = 4, 20, 0.157

	spoiled := mat.DenseCopyOf(mv.y)
	spoiled.Set(pix, frame, 500)

	cfg := DefaultConfig()
	cfg.RestimateKernel = boolPtr(false)
	cfg.Seed = 11
	cfg.Interpolation = []Interp{{Pix: pix, T: frame, Val: val}}

	p := mv.problem(cfg)
	p.Y = spoiled

	u, err := p.New()
	if err != nil {
		t.Fatal("TestInterpolatedResidual: New Failed")
	}
	res, err := u.Run()
	if err != nil {
		t.Fatal("TestInterpolatedResidual: Run Failed")
	}

	recon := mv.bg.At(pix, 0) * res.F[frame]
	for i := 0; i < 2; i++ {
		recon += mv.a.At(pix, i) * res.C.At(i, frame)
	}

	switch {
	case math.Abs(res.Residual.At(pix, frame)-(val-recon)) > 1e-9:
		t.Fatalf("TestInterpolatedResidual: Got %.3f Want %.3f",
			res.Residual.At(pix, frame), val-recon)
	case math.Abs(res.Residual.At(pix, frame)-(500-recon)) < 1:
		t.Fatal("TestInterpolatedResidual: Raw Reading Leaked Into Residual")
	}
}

func TestDualRun(t *testing.T) {

	mv := makeMovie(0.02, 9)
	np, _ := mv.y.Dims()

	cfg := DefaultConfig()
	cfg.Method = "dual"
	cfg.Seed = 13
	cfg.DualPixelCap = 5
	cfg.PerPixelNoise = make([]float64, np)
	for p := range cfg.PerPixelNoise {
		cfg.PerPixelNoise[p] = 0.02
	}

	p := mv.problem(cfg)
	copy(p.C, mv.c) // dual refines a warm start

	u, err := p.New()
	if err != nil {
		t.Fatal("TestDualRun: New Failed")
	}
	res, err := u.Run()
	if err != nil {
		t.Fatal("TestDualRun: Run Failed")
	}

	nt := movieFrames
	switch {
	case mat.Min(res.C) < 0:
		t.Fatal("TestDualRun: Negative Trace")
	case floats.Distance(res.C.RawRowView(0), mv.c[:nt], 2) > 0.2*floats.Norm(mv.c[:nt], 2):
		t.Fatal("TestDualRun: Trace Drifted Off Truth")
	}

	for i, src := range res.Sources {
		switch {
		case len(src.DualPixels) == 0 || len(src.DualPixels) > cfg.DualPixelCap:
			t.Fatalf("TestDualRun: Source %d Bad Pixel Subset", i)
		case len(src.Multipliers) != len(src.DualPixels):
			t.Fatalf("TestDualRun: Source %d Multiplier Mismatch", i)
		case floats.Min(src.Multipliers) <= 0:
			t.Fatalf("TestDualRun: Source %d Non-Positive Multiplier", i)
		}
	}
}

func TestValidation(t *testing.T) {

	mv := makeMovie(0, 10)
	base := func() Problem { return mv.problem(DefaultConfig()) }

	cases := []struct {
		name string
		warp func(*Problem)
	}{
		{"NilMovie", func(p *Problem) { p.Y = nil }},
		{"ShortTraces", func(p *Problem) { p.C = p.C[:10] }},
		{"ShortBackground", func(p *Problem) { p.F = p.F[:10] }},
		{"FootprintMismatch", func(p *Problem) { p.A = mat.NewDense(5, 2, nil) }},
		{"BadBackgroundShape", func(p *Problem) { p.Bg = mat.NewDense(moviePixels, 2, nil) }},
		{"NoKernel", func(p *Problem) { p.Config.Kernels = KernelSpec{} }},
		{"BadMethod", func(p *Problem) { p.Config.Method = "magic" }},
		{"UnstableKernel", func(p *Problem) {
			p.Config.Kernels = KernelSpec{Shared: &arkernel.Kernel{Order: 1, Coef: []float64{1.5}}}
		}},
		{"DualWithoutNoise", func(p *Problem) { p.Config.Method = "dual" }},
		{"BadUnsaturated", func(p *Problem) { p.Config.Unsaturated = []int{moviePixels} }},
		{"BadInterp", func(p *Problem) { p.Config.Interpolation = []Interp{{Pix: 0, T: -1}} }},
	}

	for _, c := range cases {
		p := base()
		c.warp(&p)
		if _, err := p.New(); err == nil {
			t.Fatalf("TestValidation: %s Accepted", c.name)
		}
	}

	if _, err := base().New(); err != nil {
		t.Fatal("TestValidation: Valid Problem Rejected")
	}
}

func boolPtr(v bool) *bool { return &v }

func almostEqual[T float64 | []float64](a, b T, tol float64) bool {
	equalWithinAbs := func(a, b float64) bool {
		return a == b || math.Abs(a-b) <= tol
	}
	switch reflect.TypeOf((*T)(nil)).Elem().Kind() {
	case reflect.Float64:
		return equalWithinAbs(any(a).(float64), any(b).(float64))
	case reflect.Slice:
		a, b := any(a).([]float64), any(b).([]float64)
		if len(a) != len(b) {
			return false
		}
		for i, a := range a {
			if !equalWithinAbs(a, b[i]) {
				return false
			}
		}
		return true
	default:
		panic("unknown type")
	}
}
