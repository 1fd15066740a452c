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

// Package diffim fits PSF-matching kernels between a template and a science image,
// models their spatial variation across the image, and computes difference images.
package diffim

import (
	"errors"
	"fmt"
	"math"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/ops"
	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when the normal equations cannot be factorized
var ErrSingular = errors.New("singular normal equations")

// ErrIllConditioned is returned when the condition number of the normal equations exceeds the configured maximum
var ErrIllConditioned = errors.New("ill-conditioned normal equations")

// Options for the per-footprint kernel solution
type SolveOptions struct {
	FitForBackground          bool    // Fit a constant differential background
	ConstantVarianceWeighting bool    // Unit weights instead of inverse variance
	CheckConditionNumber      bool    // Reject solutions with condition number above MaxConditionNumber
	MaxConditionNumber        float64 //
}

// Kernel and background fitted to one footprint
type KernelSolution struct {
	Coeffs             []float64     // One coefficient per basis kernel
	Background         float64       // Differential background, zero if not fitted
	Covariance         *mat.SymDense // Inverse of the normal matrix, coefficients first, then background if fitted
	CoeffVariances     []float64     // Diagonal of the covariance for the coefficients
	BackgroundVariance float64       // Variance of the background, zero if not fitted
	KernelSum          float64       // Sum of the fitted kernel
	Condition          float64       // Condition number estimate of the normal matrix
	NPix               int           // Number of pixels in the fit
	Kernel             *kernel.LinearCombinationKernel
}

// Pixel of the science stamp used in the fit
type fitPixel struct {
	x, y   int
	weight float64
}

// Solves for the linear combination of basis kernels which, convolved with the template stamp
// plus a constant background, best matches the science stamp in the weighted least squares sense.
// Both stamps must be co-registered. Only interior pixels with no mask bits set in the science
// stamp or under the kernel in the template stamp are used
func SolveKernel(template, science *fits.Image, basis []*kernel.FixedKernel, opts SolveOptions) (*KernelSolution, error) {
	if len(basis) == 0 {
		return nil, fmt.Errorf("%d: empty kernel basis", science.ID)
	}
	if err := fits.CheckCoregistered(template, science); err != nil {
		return nil, err
	}
	w, h := template.Width(), template.Height()
	inner := kernel.Interior(w, h, basis[0])
	kw, kh, cx, cy := basis[0].Dims()

	pixels := make([]fitPixel, 0, inner.Dx()*inner.Dy())
	for y := inner.Min.Y; y < inner.Max.Y; y++ {
		for x := inner.Min.X; x < inner.Max.X; x++ {
			idx := y*w + x
			if science.Mask[idx] != 0 || maskedUnder(template.Mask, w, x, y, kw, kh, cx, cy) {
				continue
			}
			weight := 1.0
			if !opts.ConstantVarianceWeighting {
				v := float64(science.Variance[idx]) + float64(template.Variance[idx])
				if !(v > 0) || math.IsInf(v, 0) {
					continue
				}
				weight = 1 / v
			}
			pixels = append(pixels, fitPixel{x: x, y: y, weight: weight})
		}
	}

	nb := len(basis)
	n := nb
	if opts.FitForBackground {
		n++
	}
	if len(pixels) < n {
		return nil, fmt.Errorf("%d: %d usable pixels for %d unknowns: %w", science.ID, len(pixels), n, ErrSingular)
	}

	// weighted design matrix and target, rows scaled by sqrt(weight)
	design := ops.PoolFloat64.Get(len(pixels) * n)
	defer ops.PoolFloat64.Put(design)
	target := ops.PoolFloat64.Get(len(pixels))
	defer ops.PoolFloat64.Put(target)
	for r, p := range pixels {
		sw := math.Sqrt(p.weight)
		row := design[r*n : (r+1)*n]
		for k, b := range basis {
			row[k] = sw * b.Apply(template.Data, w, p.x, p.y)
		}
		if opts.FitForBackground {
			row[nb] = sw
		}
		target[r] = sw * float64(science.Data[p.y*w+p.x])
	}
	a := mat.NewDense(len(pixels), n, design)
	t := mat.NewVecDense(len(pixels), target)

	var normal mat.SymDense
	normal.SymOuterK(1, a.T())
	rhs := mat.NewVecDense(n, nil)
	rhs.MulVec(a.T(), t)

	var chol mat.Cholesky
	if ok := chol.Factorize(&normal); !ok {
		return nil, fmt.Errorf("%d: cholesky factorization of %dx%d normal matrix failed: %w", science.ID, n, n, ErrSingular)
	}
	cond := chol.Cond()
	if opts.CheckConditionNumber && !(cond <= opts.MaxConditionNumber) {
		return nil, fmt.Errorf("%d: condition number %.4g above %.4g: %w", science.ID, cond, opts.MaxConditionNumber, ErrIllConditioned)
	}
	sol := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(sol, rhs); err != nil {
		return nil, fmt.Errorf("%d: %v: %w", science.ID, err, ErrSingular)
	}
	cov := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, fmt.Errorf("%d: inverting normal matrix: %v: %w", science.ID, err, ErrSingular)
	}

	res := &KernelSolution{
		Coeffs:         make([]float64, nb),
		CoeffVariances: make([]float64, nb),
		Covariance:     cov,
		Condition:      cond,
		NPix:           len(pixels),
	}
	for k, b := range basis {
		res.Coeffs[k] = sol.AtVec(k)
		res.CoeffVariances[k] = cov.At(k, k)
		res.KernelSum += res.Coeffs[k] * b.Sum()
	}
	if opts.FitForBackground {
		res.Background = sol.AtVec(nb)
		res.BackgroundVariance = cov.At(nb, nb)
	}
	for _, c := range res.Coeffs {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%d: non-finite kernel coefficient: %w", science.ID, ErrSingular)
		}
	}
	k, err := kernel.NewLinearCombinationKernel(basis, res.Coeffs)
	if err != nil {
		return nil, err
	}
	res.Kernel = k
	return res, nil
}

// Returns true if any mask bit is set in the template pixels read by a kernel of given
// geometry when convolving at local pixel x,y
func maskedUnder(mask []uint32, stride, x, y, kw, kh, cx, cy int) bool {
	for yy := y + cy - kh + 1; yy <= y+cy; yy++ {
		row := mask[yy*stride : (yy+1)*stride]
		for xx := x + cx - kw + 1; xx <= x+cx; xx++ {
			if row[xx] != 0 {
				return true
			}
		}
	}
	return false
}

// Approximate memory in bytes needed by one kernel solve on a stamp of given size
func SolveBytes(stampPixels, numBasis int) int64 {
	n := int64(numBasis + 1)
	return int64(stampPixels)*(n+1)*8 + 3*n*n*8
}
