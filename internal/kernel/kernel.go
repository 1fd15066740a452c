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

	"github.com/mlnoga/nightdiff/internal/spatial"
)

// A convolution kernel of fixed size with a center pixel, possibly varying with position
type Kernel interface {
	// Width, height and center pixel of the kernel image
	Dims() (width, height, ctrX, ctrY int)

	// Realizes the kernel image at parent position x,y into dst, which must hold width*height values.
	// Returns the kernel sum
	ComputeImage(dst []float64, x, y float64) float64

	// Returns true if the kernel changes with position
	IsSpatiallyVarying() bool

	asLinearCombination() *LinearCombinationKernel
}

// A non-zero kernel pixel as offset from the output pixel into the input image
type tap struct {
	dx, dy int
	w      float64
}

// A kernel with a fixed pixel image
type FixedKernel struct {
	width, height int
	ctrX, ctrY    int
	pixels        []float64
	sum           float64
	taps          []tap
}

// Creates a fixed kernel from the given row-major pixels, centered on ((width-1)/2, (height-1)/2).
// Pixels are copied
func NewFixedKernel(width, height int, pixels []float64) (*FixedKernel, error) {
	if width < 1 || height < 1 || len(pixels) != width*height {
		return nil, fmt.Errorf("kernel of size %dx%d needs %d pixels, got %d", width, height, width*height, len(pixels))
	}
	k := &FixedKernel{
		width:  width,
		height: height,
		ctrX:   (width - 1) / 2,
		ctrY:   (height - 1) / 2,
		pixels: append([]float64(nil), pixels...),
	}
	for j := 0; j < height; j++ {
		for i := 0; i < width; i++ {
			w := k.pixels[j*width+i]
			k.sum += w
			if w != 0 {
				// convolution mirrors the kernel: out(x,y) = sum K(i,j) in(x-(i-ctrX), y-(j-ctrY))
				k.taps = append(k.taps, tap{dx: k.ctrX - i, dy: k.ctrY - j, w: w})
			}
		}
	}
	return k, nil
}

func (k *FixedKernel) Dims() (width, height, ctrX, ctrY int) {
	return k.width, k.height, k.ctrX, k.ctrY
}

func (k *FixedKernel) ComputeImage(dst []float64, x, y float64) float64 {
	copy(dst, k.pixels)
	return k.sum
}

func (k *FixedKernel) IsSpatiallyVarying() bool { return false }

func (k *FixedKernel) asLinearCombination() *LinearCombinationKernel {
	return &LinearCombinationKernel{basis: []*FixedKernel{k}, coeffs: []float64{1}}
}

// Sum of the kernel pixels
func (k *FixedKernel) Sum() float64 { return k.sum }

// Returns a copy of the kernel pixels
func (k *FixedKernel) Pixels() []float64 { return append([]float64(nil), k.pixels...) }

// Applies the kernel to the input at local pixel index idx of a plane with the given stride.
// The caller guarantees the kernel fits
func (k *FixedKernel) apply(src []float32, idx, stride int) float64 {
	v := 0.0
	for _, t := range k.taps {
		v += t.w * float64(src[idx+t.dy*stride+t.dx])
	}
	return v
}

// A linear combination of fixed basis kernels. Coefficients are either constant,
// or spatial functions of position
type LinearCombinationKernel struct {
	basis   []*FixedKernel
	coeffs  []float64           // constant coefficients, nil if spatially varying
	spatial []*spatial.Function // spatial coefficient functions, nil if constant
}

// Creates a linear combination kernel with constant coefficients
func NewLinearCombinationKernel(basis []*FixedKernel, coeffs []float64) (*LinearCombinationKernel, error) {
	if err := checkBasis(basis, len(coeffs)); err != nil {
		return nil, err
	}
	return &LinearCombinationKernel{basis: basis, coeffs: append([]float64(nil), coeffs...)}, nil
}

// Creates a linear combination kernel whose coefficients are spatial functions of position
func NewSpatialLinearCombinationKernel(basis []*FixedKernel, funcs []*spatial.Function) (*LinearCombinationKernel, error) {
	if err := checkBasis(basis, len(funcs)); err != nil {
		return nil, err
	}
	return &LinearCombinationKernel{basis: basis, spatial: append([]*spatial.Function(nil), funcs...)}, nil
}

func checkBasis(basis []*FixedKernel, numCoeffs int) error {
	if len(basis) == 0 {
		return fmt.Errorf("empty kernel basis")
	}
	if len(basis) != numCoeffs {
		return fmt.Errorf("kernel basis of size %d needs as many coefficients, got %d", len(basis), numCoeffs)
	}
	w, h := basis[0].width, basis[0].height
	for i, b := range basis {
		if b.width != w || b.height != h {
			return fmt.Errorf("basis kernel %d has size %dx%d, expected %dx%d", i, b.width, b.height, w, h)
		}
	}
	return nil
}

func (k *LinearCombinationKernel) Dims() (width, height, ctrX, ctrY int) {
	return k.basis[0].Dims()
}

func (k *LinearCombinationKernel) IsSpatiallyVarying() bool { return k.spatial != nil }

func (k *LinearCombinationKernel) asLinearCombination() *LinearCombinationKernel { return k }

// The basis kernels
func (k *LinearCombinationKernel) Basis() []*FixedKernel { return k.basis }

// The spatial coefficient functions, nil if the coefficients are constant
func (k *LinearCombinationKernel) SpatialFunctions() []*spatial.Function { return k.spatial }

// Stores the coefficients at parent position x,y into dst, which is grown if necessary
func (k *LinearCombinationKernel) Coefficients(x, y float64, dst []float64) []float64 {
	if cap(dst) < len(k.basis) {
		dst = make([]float64, len(k.basis))
	}
	dst = dst[:len(k.basis)]
	if k.spatial == nil {
		copy(dst, k.coeffs)
		return dst
	}
	for i, f := range k.spatial {
		dst[i] = f.Eval(x, y)
	}
	return dst
}

func (k *LinearCombinationKernel) ComputeImage(dst []float64, x, y float64) float64 {
	coeffs := k.Coefficients(x, y, nil)
	for i := range dst {
		dst[i] = 0
	}
	sum := 0.0
	for b, c := range coeffs {
		for i, p := range k.basis[b].pixels {
			dst[i] += c * p
		}
		sum += c * k.basis[b].sum
	}
	return sum
}

// Kernel sum at parent position x,y
func (k *LinearCombinationKernel) Sum(x, y float64) float64 {
	sum := 0.0
	for b, c := range k.Coefficients(x, y, nil) {
		sum += c * k.basis[b].sum
	}
	return sum
}

// Realizes the kernel at parent position x,y as fixed kernel
func (k *LinearCombinationKernel) FixedAt(x, y float64) *FixedKernel {
	w, h, _, _ := k.Dims()
	pixels := make([]float64, w*h)
	k.ComputeImage(pixels, x, y)
	f, _ := NewFixedKernel(w, h, pixels)
	return f
}
