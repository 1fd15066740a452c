// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package diffim

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/spatial"
	"gonum.org/v1/gonum/mat"
)

// ErrTooFewCells is returned when fewer cells were visited than the spatial model has parameters
var ErrTooFewCells = errors.New("too few usable cells for spatial model")

// Kernel solution of one visited cell at its reference position
type observation struct {
	x, y       float64
	coeffs     []float64
	coeffVars  []float64
	background float64
	bgVar      float64
}

// Accumulates the kernel solutions of all visited cells, then fits each basis coefficient
// and the background as a spatial function of position. Cells may be visited in any order
type SpatialKernelVisitor struct {
	basis         []*kernel.FixedKernel
	family        spatial.Basis1D
	bbox          image.Rectangle
	kernelOrder   int
	bgOrder       int
	fitBackground bool

	obs []observation

	kernel     *kernel.LinearCombinationKernel
	background *spatial.Function
}

// Creates a visitor fitting spatial functions of the given family and orders over the given region
func NewSpatialKernelVisitor(basis []*kernel.FixedKernel, bbox image.Rectangle, family spatial.Basis1D,
	kernelOrder, bgOrder int, fitBackground bool) *SpatialKernelVisitor {
	return &SpatialKernelVisitor{
		basis:         basis,
		family:        family,
		bbox:          bbox,
		kernelOrder:   kernelOrder,
		bgOrder:       bgOrder,
		fitBackground: fitBackground,
	}
}

// Records the current candidate of the cell, unless the cell is unusable or the candidate
// is not good. Returns true if the cell was used
func (v *SpatialKernelVisitor) ProcessCandidate(c *Cell) bool {
	if !c.IsUsable() {
		return false
	}
	kc, ok := c.Current().(*KernelCandidate)
	if !ok || kc.Status() != StatusGood || kc.Solution() == nil {
		return false
	}
	sol := kc.Solution()
	if len(sol.Coeffs) != len(v.basis) {
		return false
	}
	x, y := kc.Position()
	v.obs = append(v.obs, observation{
		x: x, y: y,
		coeffs:     sol.Coeffs,
		coeffVars:  sol.CoeffVariances,
		background: sol.Background,
		bgVar:      sol.BackgroundVariance,
	})
	v.kernel, v.background = nil, nil
	return true
}

// Number of cells used so far
func (v *SpatialKernelVisitor) NCandidates() int { return len(v.obs) }

// Fits the spatial functions to the recorded cells
func (v *SpatialKernelVisitor) Solve() error {
	kernelFuncs := make([]*spatial.Function, len(v.basis))
	for k := range v.basis {
		f := spatial.NewFunction(v.family, v.kernelOrder, v.bbox)
		if err := v.fit(f, func(o *observation) (float64, float64) { return o.coeffs[k], o.coeffVars[k] }); err != nil {
			return fmt.Errorf("basis kernel %d: %w", k, err)
		}
		kernelFuncs[k] = f
	}
	var bg *spatial.Function
	if v.fitBackground {
		bg = spatial.NewFunction(v.family, v.bgOrder, v.bbox)
		if err := v.fit(bg, func(o *observation) (float64, float64) { return o.background, o.bgVar }); err != nil {
			return fmt.Errorf("background: %w", err)
		}
	} else {
		bg = spatial.NewConstant(v.family, v.bbox, 0)
	}
	k, err := kernel.NewSpatialLinearCombinationKernel(v.basis, kernelFuncs)
	if err != nil {
		return err
	}
	v.kernel, v.background = k, bg
	return nil
}

// Fits the parameters of f to the observed values by weighted least squares, with weights
// the inverse observed variances. Non-finite or non-positive variances get unit weight
func (v *SpatialKernelVisitor) fit(f *spatial.Function, value func(o *observation) (val, variance float64)) error {
	n := f.NumParams()
	if len(v.obs) < n {
		return fmt.Errorf("%d cells for %d parameters: %w", len(v.obs), n, ErrTooFewCells)
	}
	normal := mat.NewSymDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	phi := make([]float64, n)
	for i := range v.obs {
		o := &v.obs[i]
		val, variance := value(o)
		weight := 1.0
		if variance > 0 && !math.IsInf(variance, 0) {
			weight = 1 / variance
		}
		phi = f.Basis(o.x, o.y, phi)
		normal.SymRankOne(normal, weight, mat.NewVecDense(n, phi))
		rhs.AddScaledVec(rhs, weight*val, mat.NewVecDense(n, phi))
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(normal); !ok {
		return fmt.Errorf("spatial fit over %d cells: %w", len(v.obs), ErrSingular)
	}
	sol := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(sol, rhs); err != nil {
		return fmt.Errorf("spatial fit over %d cells: %v: %w", len(v.obs), err, ErrSingular)
	}
	return f.SetParams(sol.RawVector().Data)
}

// The spatial kernel and background function. Solve must have succeeded before
func (v *SpatialKernelVisitor) GetSolutionPair() (*kernel.LinearCombinationKernel, *spatial.Function, error) {
	if v.kernel == nil {
		return nil, nil, errors.New("spatial kernel not solved")
	}
	return v.kernel, v.background, nil
}
