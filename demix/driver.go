// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package demix refines the temporal traces of a spatio-temporal source
// mixture by block-coordinate descent. Given a movie 𝐘 ≈ 𝐀𝐂 + 𝐛𝐟ᵀ with
// fixed spatial footprints, each source trace is isolated against the
// shared residual bookkeeping, refreshed by the configured update rule and
// reabsorbed, sweeping all sources in random order until the traces stop
// moving.
package demix

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Status reports why a run stopped.
type Status int

const (
	// Converged the relative trace change dropped below the tolerance.
	Converged Status = iota + 1
	// IterationLimit the sweep budget ran out first.
	IterationLimit
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case IterationLimit:
		return "iteration limit reached"
	}
	return "unknown"
}

// Problem bundles one temporal-update instance: the movie, the fixed
// spatial side of the factorisation and the warm-start traces.
type Problem struct {
	// Y is the pixels × frames movie.
	Y *mat.Dense
	// A is the pixels × K matrix of source footprints.
	A *mat.Dense
	// Bg is the pixels × 1 background footprint.
	Bg *mat.Dense
	// C holds the K warm-start traces, row-major K × frames.
	C []float64
	// F is the warm-start background trace.
	F []float64
	// Lambda optionally seeds the dual method's per-source Lagrange
	// multipliers, one column per source; omit for the default start.
	Lambda [][]float64

	Config  Config
	Solvers Solvers
}

// Updater is a prepared run. Problem.New validates once; Run may then be
// called without further checking.
type Updater struct {
	cfg Config
	sv  Solvers

	prob *Problem
	pt   *partition
	bk   *bookkeeper
	disp *dispatcher

	log *logrus.Entry
}

// New validates the problem and prepares an Updater.
func (p Problem) New() (*Updater, error) {

	if p.Y == nil || p.A == nil || p.Bg == nil {
		return nil, fmt.Errorf("movie, footprints and background are all required")
	}

	cfg := p.Config
	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	np, nt := p.Y.Dims()
	ap, k := p.A.Dims()
	bp, bc := p.Bg.Dims()

	switch {
	case k == 0:
		return nil, fmt.Errorf("no sources to update")
	case ap != np:
		return nil, fmt.Errorf("footprint rows %d != movie pixels %d", ap, np)
	case bp != np || bc != 1:
		return nil, fmt.Errorf("background must be %d×1, got %d×%d", np, bp, bc)
	case len(p.C) != k*nt:
		return nil, fmt.Errorf("trace matrix needs %d entries, got %d", k*nt, len(p.C))
	case len(p.F) != nt:
		return nil, fmt.Errorf("background trace needs %d entries, got %d", nt, len(p.F))
	}

	if cfg.method == MethodDual {
		if len(cfg.PerPixelNoise) != np {
			return nil, fmt.Errorf("dual method needs %d per-pixel noise levels, got %d",
				np, len(cfg.PerPixelNoise))
		}
		if p.Lambda != nil && len(p.Lambda) != k {
			return nil, fmt.Errorf("multiplier warm-start: %d columns for %d sources",
				len(p.Lambda), k)
		}
	} else {
		switch {
		case cfg.Kernels.empty():
			return nil, fmt.Errorf("method %v needs a kernel specification", cfg.method)
		case cfg.Kernels.Shared == nil && len(cfg.Kernels.PerSource) != k:
			return nil, fmt.Errorf("per-source kernels: %d given for %d sources",
				len(cfg.Kernels.PerSource), k)
		}
		for i := 0; i < k; i++ {
			if err := cfg.Kernels.forSource(i).Validate(); err != nil {
				return nil, fmt.Errorf("kernel for source %d: %w", i, err)
			}
			if cfg.Kernels.Shared != nil {
				break
			}
		}
	}

	pt, err := newPartition(p.Y, cfg.Unsaturated, cfg.Interpolation)
	if err != nil {
		return nil, err
	}

	afit := pt.restrictCols(p.A)
	bgfit := pt.restrictCols(p.Bg)
	bk := newBookkeeper(pt.y, afit, bgfit, p.C, p.F, nt, cfg.method == MethodDual)

	var pixNoise []float64
	if cfg.method == MethodDual {
		pixNoise = pt.restrictVec(cfg.PerPixelNoise)
	}

	sv := p.Solvers.withDefaults(cfg.Seed)

	return &Updater{
		cfg:  cfg,
		sv:   sv,
		prob: &p,
		pt:   pt,
		bk:   bk,
		disp: newDispatcher(&cfg, sv, bk, pixNoise, p.Lambda),
		log: logrus.WithFields(logrus.Fields{
			"method":  cfg.method.String(),
			"sources": k,
			"pixels":  len(pt.fitIdx),
			"frames":  nt,
		}),
	}, nil
}

// Run sweeps the sources until convergence or the iteration budget.
func (u *Updater) Run() (*Result, error) {

	nsrc := u.bk.components() - 1
	nt := u.bk.frames()

	// The background slot takes part in the visiting order like any other
	// component; index nsrc stands for it.
	rng := rand.New(newSource(u.cfg.Seed))
	order := func() []int {
		if u.cfg.FixedOrder {
			ord := make([]int, nsrc+1)
			for i := range ord {
				ord[i] = i
			}
			return ord
		}
		return rng.Perm(nsrc + 1)
	}

	prev := mat.NewDense(nsrc+1, nt, nil)
	delta := math.Inf(1)
	status := IterationLimit

	sweeps := 0
	for ; sweeps < u.cfg.OuterIterations; sweeps++ {

		prev.Copy(u.bk.c)

		for n, i := range order() {
			if i == nsrc {
				u.disp.updateBackground()
			} else if err := u.disp.updateSource(i); err != nil {
				return nil, fmt.Errorf("sweep %d: %w", sweeps+1, err)
			}
			if (n+1)%10 == 0 {
				u.log.Debugf("sweep %d: %d/%d components updated", sweeps+1, n+1, nsrc+1)
			}
		}

		delta = relChange(u.bk.c, prev)
		u.log.Infof("sweep %d/%d: relative change %.3e", sweeps+1, u.cfg.OuterIterations, delta)

		if delta < u.cfg.ConvergenceTol {
			status = Converged
			sweeps++
			break
		}
	}

	u.log.Infof("finished: %v after %d sweeps", status, sweeps)
	return u.assemble(status, sweeps, delta), nil
}

// relChange is the Frobenius distance between two trace matrices relative
// to the previous one.
func relChange(cur, prev *mat.Dense) float64 {
	var diff mat.Dense
	diff.Sub(cur, prev)
	ref := mat.Norm(prev, 2)
	if ref == 0 {
		return mat.Norm(&diff, 2)
	}
	return mat.Norm(&diff, 2) / ref
}

func newSource(seed uint64) rand.Source {
	return rand.NewSource(seed)
}
