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
	"image"
	"math"
	"testing"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/spatial"
	"github.com/valyala/fastrand"
)

const eps = 1e-6

func randomImage(seed uint32, width, height int) *fits.Image {
	rng := fastrand.RNG{}
	rng.Seed(seed)
	img := fits.NewMaskedImage(width, height)
	for i := range img.Data {
		img.Data[i] = float32(rng.Uint32n(1000)) / 10
		img.Variance[i] = 1 + float32(rng.Uint32n(100))/100
	}
	return img
}

func TestDeltaFunctionBasis(t *testing.T) {
	basis, err := DeltaFunctionBasis(5, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 15 {
		t.Fatalf("got %d kernels want 15", len(basis))
	}
	for i, k := range basis {
		if k.Sum() != 1 {
			t.Errorf("kernel %d: got sum %g want 1", i, k.Sum())
		}
	}
	center := basis[DeltaFunctionCenterIndex(5, 3)].Pixels()
	if center[1*5+2] != 1 {
		t.Errorf("center kernel not set at center pixel: %v", center)
	}
}

func TestAlardLuptonBasis(t *testing.T) {
	basis, err := AlardLuptonBasis(15, 15, []float64{0.7, 1.5, 3.0}, []int{4, 3, 2})
	if err != nil {
		t.Fatal(err)
	}
	if want := 15 + 10 + 6; len(basis) != want {
		t.Fatalf("got %d kernels want %d", len(basis), want)
	}
	if math.Abs(basis[0].Sum()-1) > eps {
		t.Errorf("first kernel sum %g want 1", basis[0].Sum())
	}
	for i, k := range basis[1:] {
		if math.Abs(k.Sum()) > eps {
			t.Errorf("kernel %d: sum %g want 0", i+1, k.Sum())
		}
	}
	if _, err := AlardLuptonBasis(15, 15, []float64{1}, []int{1, 2}); err == nil {
		t.Errorf("expected error for mismatched sigmas and degrees")
	}
}

func TestConvolveIdentity(t *testing.T) {
	src := randomImage(1, 20, 15)
	basis, _ := DeltaFunctionBasis(5, 5)
	coeffs := make([]float64, len(basis))
	coeffs[DeltaFunctionCenterIndex(5, 5)] = 1
	k, err := NewLinearCombinationKernel(basis, coeffs)
	if err != nil {
		t.Fatal(err)
	}
	dst := fits.NewImageFromImage(src)
	if err := Convolve(dst, src, k, ConvolveOptions{Variance: true, Mask: true, MaxThreads: 3}); err != nil {
		t.Fatal(err)
	}
	inner := Interior(20, 15, k)
	if !inner.Eq(image.Rect(2, 2, 18, 13)) {
		t.Errorf("got interior %v", inner)
	}
	for y := 0; y < 15; y++ {
		for x := 0; x < 20; x++ {
			i := y*20 + x
			if dst.Data[i] != src.Data[i] || dst.Variance[i] != src.Variance[i] {
				t.Errorf("(%d,%d): got %g/%g want %g/%g", x, y, dst.Data[i], dst.Variance[i], src.Data[i], src.Variance[i])
			}
			isEdge := dst.Mask[i]&fits.MaskEdge != 0
			if isEdge == (image.Point{X: x, Y: y}).In(inner) {
				t.Errorf("(%d,%d): edge flag %v", x, y, isEdge)
			}
		}
	}
}

func TestConvolveShift(t *testing.T) {
	src := randomImage(2, 12, 12)
	src.Mask[5*12+5] = fits.MaskSat
	pixels := make([]float64, 9)
	pixels[1*3+2] = 1 // one right of center shifts the image right
	k, _ := NewFixedKernel(3, 3, pixels)
	dst := fits.NewImageFromImage(src)
	if err := Convolve(dst, src, k, ConvolveOptions{Mask: true, MaxThreads: 2}); err != nil {
		t.Fatal(err)
	}
	for y := 1; y < 11; y++ {
		for x := 1; x < 11; x++ {
			if got, want := dst.Data[y*12+x], src.Data[y*12+x-1]; got != want {
				t.Errorf("(%d,%d): got %g want %g", x, y, got, want)
			}
		}
	}
	if dst.Mask[5*12+6]&fits.MaskSat == 0 {
		t.Errorf("saturated pixel not propagated to its shifted position")
	}
}

func TestSpatialKernelMatchesFixed(t *testing.T) {
	src := randomImage(3, 30, 20)
	basis, _ := AlardLuptonBasis(7, 7, []float64{1.0, 2.0}, []int{2, 1})
	coeffs := make([]float64, len(basis))
	funcs := make([]*spatial.Function, len(basis))
	for i := range basis {
		coeffs[i] = 1 / float64(i+1)
		funcs[i] = spatial.NewConstant(spatial.ChebyshevBasis{}, src.Bounds(), coeffs[i])
	}
	fixed, _ := NewLinearCombinationKernel(basis, coeffs)
	varying, _ := NewSpatialLinearCombinationKernel(basis, funcs)
	if !varying.IsSpatiallyVarying() || fixed.IsSpatiallyVarying() {
		t.Fatalf("wrong spatial variation flags")
	}
	if a, b := fixed.Sum(0, 0), varying.Sum(17, 3); math.Abs(a-b) > eps || math.Abs(a-1) > eps {
		t.Errorf("kernel sums %g and %g, want 1", a, b)
	}

	opts := ConvolveOptions{Variance: true, MaxThreads: 4}
	a, b := fits.NewImageFromImage(src), fits.NewImageFromImage(src)
	if err := Convolve(a, src, fixed, opts); err != nil {
		t.Fatal(err)
	}
	if err := Convolve(b, src, varying, opts); err != nil {
		t.Fatal(err)
	}
	for i := range a.Data {
		if math.Abs(float64(a.Data[i]-b.Data[i])) > 1e-3 || math.Abs(float64(a.Variance[i]-b.Variance[i])) > 1e-3 {
			t.Errorf("pixel %d: fixed %g/%g varying %g/%g", i, a.Data[i], a.Variance[i], b.Data[i], b.Variance[i])
		}
	}
}

func TestLinearCombinationErrors(t *testing.T) {
	basis, _ := DeltaFunctionBasis(3, 3)
	if _, err := NewLinearCombinationKernel(basis, []float64{1}); err == nil {
		t.Errorf("expected error for coefficient count mismatch")
	}
	if _, err := NewLinearCombinationKernel(nil, nil); err == nil {
		t.Errorf("expected error for empty basis")
	}
	if _, err := NewFixedKernel(2, 2, []float64{1}); err == nil {
		t.Errorf("expected error for pixel count mismatch")
	}
}
