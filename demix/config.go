// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package demix

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/curioloop/demix/arkernel"
	"github.com/curioloop/demix/nndec"
)

// Method selects the per-component update rule. It is resolved once per
// call; the background component always uses non-negative clipping
// regardless of the selection.
type Method int

const (
	// MethodConstrained noise-constrained sparse deconvolution (default).
	MethodConstrained Method = iota
	// MethodProject rescale, project onto the kernel cone, rescale back.
	MethodProject
	// MethodMCEM constrained deconvolution with Monte-Carlo time-constant
	// re-estimation.
	MethodMCEM
	// MethodBayes fully Bayesian sampling, posterior means returned.
	MethodBayes
	// MethodDual per-pixel noise-budget Lagrangian dual on the explicit
	// residual.
	MethodDual
)

func (m Method) String() string {
	switch m {
	case MethodConstrained:
		return "constrained"
	case MethodProject:
		return "project"
	case MethodMCEM:
		return "mcem"
	case MethodBayes:
		return "bayes"
	case MethodDual:
		return "dual"
	}
	return "unknown"
}

// Interp is one sparse observation override: the entry at (Pix, T) is
// replaced by Val before any fitting occurs. Used to pre-fill missing data
// with interpolated values.
type Interp struct {
	Pix int     `yaml:"pix"`
	T   int     `yaml:"t"`
	Val float64 `yaml:"val"`
}

// KernelSpec carries either one kernel shared by all sources or a
// per-source mapping.
type KernelSpec struct {
	Shared    *arkernel.Kernel
	PerSource []arkernel.Kernel
}

func (ks KernelSpec) empty() bool {
	return ks.Shared == nil && len(ks.PerSource) == 0
}

func (ks KernelSpec) forSource(i int) arkernel.Kernel {
	if ks.Shared != nil {
		return *ks.Shared
	}
	return ks.PerSource[i]
}

// Config is the immutable caller-facing parameter record. Per-source
// outputs live in Result.Sources, not here. Start from DefaultConfig so
// boolean defaults survive; LoadConfig does this for YAML files.
type Config struct {
	// Method names the update rule: constrained (default), project, mcem,
	// bayes or dual.
	Method string `yaml:"method"`
	// RestimateKernel lets the constrained deconvolver refit AR
	// coefficients, which then feed later iterations and, for a shared
	// kernel, later components. Defaults to true; nil means unset.
	RestimateKernel *bool `yaml:"restimate_kernel"`
	// OuterIterations caps the block-coordinate sweeps.
	OuterIterations int `yaml:"outer_iterations"`
	// ConvergenceTol is the relative Frobenius-change stopping threshold.
	ConvergenceTol float64 `yaml:"convergence_tol"`
	// KernelOrder, when set to a different order than the supplied kernel,
	// requests a fresh Yule-Walker fit per source at that order.
	KernelOrder int `yaml:"kernel_order"`
	// FudgeFactor shrinks kernel coefficients inside the deconvolver.
	FudgeFactor float64 `yaml:"fudge_factor"`
	// Seed drives the per-sweep visiting permutation; FixedOrder
	// substitutes the identity order for reproducible runs.
	Seed       uint64 `yaml:"seed"`
	FixedOrder bool   `yaml:"fixed_order"`
	// DualPixelCap bounds the dual method's per-component pixel subset.
	DualPixelCap int `yaml:"dual_pixel_cap"`
	// SharedKernel is the YAML form of a shared kernel: its AR
	// coefficients, order implied by length.
	SharedKernel []float64 `yaml:"kernel"`
	// Interpolation pre-fills missing observations.
	Interpolation []Interp `yaml:"interpolation"`
	// Unsaturated lists the pixels that take part in the fit; all pixels
	// when empty. The complement is reconstructed but never fitted.
	Unsaturated []int `yaml:"unsaturated"`
	// PerPixelNoise supplies σₚ for the dual method.
	PerPixelNoise []float64 `yaml:"per_pixel_noise"`

	// Kernels is the programmatic kernel specification; it wins over
	// SharedKernel when both are set.
	Kernels KernelSpec `yaml:"-"`

	method    Method
	restimate bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Method:          "constrained",
		OuterIterations: 2,
		ConvergenceTol:  1e-3,
		FudgeFactor:     1,
		DualPixelCap:    nndec.DefaultPixelCap,
	}
}

// LoadConfig reads a YAML parameter file over the defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	contents, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("parse %q: %w", path, err)
	}
	return c, c.finalize()
}

func (c *Config) finalize() error {
	switch c.Method {
	case "", "constrained":
		c.method = MethodConstrained
	case "project":
		c.method = MethodProject
	case "mcem":
		c.method = MethodMCEM
	case "bayes":
		c.method = MethodBayes
	case "dual":
		c.method = MethodDual
	default:
		return fmt.Errorf("no update method named %q", c.Method)
	}
	c.restimate = c.RestimateKernel == nil || *c.RestimateKernel
	if c.OuterIterations <= 0 {
		c.OuterIterations = 2
	}
	if c.ConvergenceTol <= 0 {
		c.ConvergenceTol = 1e-3
	}
	if c.FudgeFactor <= 0 || c.FudgeFactor > 1 {
		c.FudgeFactor = 1
	}
	if c.DualPixelCap <= 0 {
		c.DualPixelCap = nndec.DefaultPixelCap
	}
	if c.Kernels.empty() && len(c.SharedKernel) > 0 {
		coef := make([]float64, len(c.SharedKernel))
		copy(coef, c.SharedKernel)
		c.Kernels.Shared = &arkernel.Kernel{Order: len(coef), Coef: coef}
	}
	return nil
}
