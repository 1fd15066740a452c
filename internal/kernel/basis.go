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

package kernel

import (
	"fmt"
	"math"
)

// Creates a basis of cols*rows delta function kernels, in row-major order of the set pixel
func DeltaFunctionBasis(cols, rows int) ([]*FixedKernel, error) {
	if cols < 1 || rows < 1 {
		return nil, fmt.Errorf("invalid delta function basis size %dx%d", cols, rows)
	}
	basis := make([]*FixedKernel, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			pixels := make([]float64, cols*rows)
			pixels[j*cols+i] = 1
			k, err := NewFixedKernel(cols, rows, pixels)
			if err != nil {
				return nil, err
			}
			basis = append(basis, k)
		}
	}
	return basis, nil
}

// Index of the delta function kernel at the kernel center in a delta function basis
func DeltaFunctionCenterIndex(cols, rows int) int {
	return ((rows-1)/2)*cols + (cols-1)/2
}

// Creates an Alard-Lupton basis: for each Gaussian sigma and each x^p y^q with p+q <= degree,
// the product of the Gaussian with the polynomial term. The first kernel is normalized to unit sum.
// All further kernels are made zero-sum by subtracting a multiple of the first, then scaled to unit peak.
// The kernel sum of a linear combination is thus the first coefficient.
func AlardLuptonBasis(cols, rows int, sigGauss []float64, degGauss []int) ([]*FixedKernel, error) {
	if cols < 1 || rows < 1 {
		return nil, fmt.Errorf("invalid Alard-Lupton basis size %dx%d", cols, rows)
	}
	if len(sigGauss) == 0 || len(sigGauss) != len(degGauss) {
		return nil, fmt.Errorf("need one degree per Gaussian sigma, got %d sigmas and %d degrees", len(sigGauss), len(degGauss))
	}
	ctrX, ctrY := (cols-1)/2, (rows-1)/2
	var first []float64
	basis := []*FixedKernel{}
	for s, sigma := range sigGauss {
		if !(sigma > 0) || degGauss[s] < 0 {
			return nil, fmt.Errorf("invalid Gaussian sigma %g or degree %d", sigma, degGauss[s])
		}
		for deg := 0; deg <= degGauss[s]; deg++ {
			for q := 0; q <= deg; q++ {
				p := deg - q
				pixels := make([]float64, cols*rows)
				for j := 0; j < rows; j++ {
					y := float64(j - ctrY)
					for i := 0; i < cols; i++ {
						x := float64(i - ctrX)
						g := math.Exp(-(x*x + y*y) / (2 * sigma * sigma))
						pixels[j*cols+i] = g * math.Pow(x, float64(p)) * math.Pow(y, float64(q))
					}
				}
				if first == nil {
					if err := scaleToSum(pixels, 1); err != nil {
						return nil, err
					}
					first = pixels
				} else {
					if sum := sumOf(pixels); sum != 0 {
						for i := range pixels {
							pixels[i] -= sum * first[i]
						}
					}
					if err := scaleToPeak(pixels); err != nil {
						return nil, fmt.Errorf("basis kernel sigma %g x^%d y^%d: %w", sigma, p, q, err)
					}
				}
				k, err := NewFixedKernel(cols, rows, pixels)
				if err != nil {
					return nil, err
				}
				basis = append(basis, k)
			}
		}
	}
	return basis, nil
}

func sumOf(pixels []float64) float64 {
	sum := 0.0
	for _, p := range pixels {
		sum += p
	}
	return sum
}

func scaleToSum(pixels []float64, target float64) error {
	sum := sumOf(pixels)
	if sum == 0 {
		return fmt.Errorf("kernel sum is zero")
	}
	for i := range pixels {
		pixels[i] *= target / sum
	}
	return nil
}

func scaleToPeak(pixels []float64) error {
	peak := 0.0
	for _, p := range pixels {
		peak = math.Max(peak, math.Abs(p))
	}
	if peak < 1e-12 {
		return fmt.Errorf("kernel vanishes")
	}
	for i := range pixels {
		pixels[i] /= peak
	}
	return nil
}
