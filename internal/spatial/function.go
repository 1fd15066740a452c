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

// Package spatial provides smooth functions of pixel position with linear parameters,
// used for spatially varying kernel coefficients and backgrounds.
package spatial

import (
	"fmt"
	"image"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// One-dimensional basis of a function family. Fill stores the values of the
// first len(dst) basis functions at normalized position x in [-1,1] into dst
type Basis1D interface {
	Name() string
	Fill(x float64, dst []float64)
}

// Plain powers 1, x, x^2, ...
type PolynomialBasis struct{}

func (PolynomialBasis) Name() string { return "polynomial" }

func (PolynomialBasis) Fill(x float64, dst []float64) {
	p := 1.0
	for i := range dst {
		dst[i] = p
		p *= x
	}
}

// Chebyshev polynomials of the first kind T0, T1, T2, ...
type ChebyshevBasis struct{}

func (ChebyshevBasis) Name() string { return "chebyshev" }

func (ChebyshevBasis) Fill(x float64, dst []float64) {
	for i := range dst {
		switch i {
		case 0:
			dst[i] = 1
		case 1:
			dst[i] = x
		default:
			dst[i] = 2*x*dst[i-1] - dst[i-2]
		}
	}
}

// Returns the basis family with the given name, polynomial or chebyshev
func FamilyFromName(name string) (Basis1D, error) {
	switch strings.ToLower(name) {
	case "polynomial", "poly", "":
		return PolynomialBasis{}, nil
	case "chebyshev", "cheby":
		return ChebyshevBasis{}, nil
	default:
		return nil, fmt.Errorf("unknown spatial function family %s", name)
	}
}

// A two-dimensional function f(x,y) = sum_k params[k] * B_i(k)(x') * B_j(k)(y') with i(k)+j(k) <= order,
// where x' and y' are the pixel positions normalized to [-1,1] over a bounding box.
// Terms are ordered by total degree, then by decreasing power of x.
type Function struct {
	family Basis1D
	order  int
	bbox   image.Rectangle
	params []float64
	terms  [][2]int
}

// Creates a function of the given family and order over the given region, with all parameters zero
func NewFunction(family Basis1D, order int, bbox image.Rectangle) *Function {
	terms := [][2]int{}
	for deg := 0; deg <= order; deg++ {
		for j := 0; j <= deg; j++ {
			terms = append(terms, [2]int{deg - j, j})
		}
	}
	return &Function{
		family: family,
		order:  order,
		bbox:   bbox,
		params: make([]float64, len(terms)),
		terms:  terms,
	}
}

// Creates a function of order zero with the given constant value
func NewConstant(family Basis1D, bbox image.Rectangle, value float64) *Function {
	f := NewFunction(family, 0, bbox)
	f.params[0] = value
	return f
}

func (f *Function) NumParams() int          { return len(f.params) }
func (f *Function) Order() int              { return f.order }
func (f *Function) Family() Basis1D         { return f.family }
func (f *Function) Bounds() image.Rectangle { return f.bbox }

// Returns a copy of the parameters
func (f *Function) Params() []float64 {
	return append([]float64(nil), f.params...)
}

// Sets the parameters. The length must match NumParams()
func (f *Function) SetParams(p []float64) error {
	if len(p) != len(f.params) {
		return fmt.Errorf("spatial function of order %d needs %d parameters, got %d", f.order, len(f.params), len(p))
	}
	copy(f.params, p)
	return nil
}

// Normalizes a pixel position to [-1,1] over the given range
func normalize(v float64, min, size int) float64 {
	if size <= 1 {
		return 0
	}
	return 2*(v-float64(min))/float64(size-1) - 1
}

func (f *Function) normX(x float64) float64 { return normalize(x, f.bbox.Min.X, f.bbox.Dx()) }
func (f *Function) normY(y float64) float64 { return normalize(y, f.bbox.Min.Y, f.bbox.Dy()) }

// Stores the value of each term at pixel position x,y into dst, which is grown if necessary
func (f *Function) Basis(x, y float64, dst []float64) []float64 {
	if cap(dst) < len(f.terms) {
		dst = make([]float64, len(f.terms))
	}
	dst = dst[:len(f.terms)]
	bx, by := make([]float64, f.order+1), make([]float64, f.order+1)
	f.family.Fill(f.normX(x), bx)
	f.family.Fill(f.normY(y), by)
	for k, t := range f.terms {
		dst[k] = bx[t[0]] * by[t[1]]
	}
	return dst
}

// Evaluates the function at pixel position x,y
func (f *Function) Eval(x, y float64) float64 {
	if f.order == 0 {
		return f.params[0]
	}
	return floats.Dot(f.params, f.Basis(x, y, nil))
}

// The function restricted to one row, i.e. a function of x for a fixed y
type Row struct {
	f      *Function
	coeffs []float64 // coefficient of B_i(x') for i=0..order
	bx     []float64
}

// Returns the function restricted to the row at y. The y terms are evaluated once,
// so per-pixel cost is one basis evaluation in x
func (f *Function) Row(y float64) *Row {
	by := make([]float64, f.order+1)
	f.family.Fill(f.normY(y), by)
	coeffs := make([]float64, f.order+1)
	for k, t := range f.terms {
		coeffs[t[0]] += f.params[k] * by[t[1]]
	}
	return &Row{f: f, coeffs: coeffs, bx: make([]float64, f.order+1)}
}

// Evaluates the row function at pixel position x. Not safe for concurrent use
func (r *Row) Eval(x float64) float64 {
	if len(r.coeffs) == 1 {
		return r.coeffs[0]
	}
	r.f.family.Fill(r.f.normX(x), r.bx)
	return floats.Dot(r.coeffs, r.bx)
}

// Pretty print the function parameters
func (f *Function) String() string {
	return fmt.Sprintf("%s order %d over %v: %.4g", f.family.Name(), f.order, f.bbox, f.params)
}
