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
	"image"
	"math"
	"testing"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/spatial"
)

func TestConvolveAndSubtractInvert(t *testing.T) {
	basis, _ := kernel.DeltaFunctionBasis(3, 3)
	k, _ := kernel.NewLinearCombinationKernel(basis, knownCoeffs)
	template := randomImage(11, 24, 18)
	science := randomImage(12, 24, 18)
	bgFunc := spatial.NewFunction(spatial.ChebyshevBasis{}, 1, template.Bounds())
	if err := bgFunc.SetParams([]float64{2, 0.5, -1}); err != nil {
		t.Fatal(err)
	}

	for _, bg := range []Background{ScalarBackground(3), FunctionBackground(bgFunc)} {
		a, err := ConvolveAndSubtract(template, science, k, bg, SubtractOptions{Invert: true})
		if err != nil {
			t.Fatal(err)
		}
		b, err := ConvolveAndSubtract(template, science, k, bg, SubtractOptions{Invert: false})
		if err != nil {
			t.Fatal(err)
		}
		for i := range a.Data {
			if a.Data[i] != -b.Data[i] {
				t.Fatalf("pixel %d: got %g and %g, not negations", i, a.Data[i], b.Data[i])
			}
		}
	}
}

func TestConvolveAndSubtractPlanes(t *testing.T) {
	basis, _ := kernel.DeltaFunctionBasis(3, 3)
	identity, _ := kernel.NewLinearCombinationKernel(basis, []float64{0, 0, 0, 0, 1, 0, 0, 0, 0})
	template := randomImage(5, 16, 12)
	template.X0, template.Y0 = 10, 20
	science := template.Clone()
	for i := range science.Data {
		science.Data[i] += 3
		science.Variance[i] = 2
	}
	science.Mask[5*16+6] = fits.MaskSat
	template.Mask[7*16+7] = fits.MaskBad

	diff, err := ConvolveAndSubtract(template, science, identity, ScalarBackground(3), SubtractOptions{Invert: true})
	if err != nil {
		t.Fatal(err)
	}
	if !diff.Bounds().Eq(science.Bounds()) {
		t.Errorf("got bounds %v want %v", diff.Bounds(), science.Bounds())
	}
	inner := image.Rect(1, 1, 15, 11)
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			idx := y*16 + x
			if math.Abs(float64(diff.Data[idx])) > 1e-4 {
				t.Errorf("pixel %d,%d: got %g want 0", x, y, diff.Data[idx])
			}
			if diff.Variance[idx] != 2 {
				t.Errorf("pixel %d,%d: got variance %g want 2", x, y, diff.Variance[idx])
			}
			wantMask := science.Mask[idx]
			if !(image.Point{X: x, Y: y}).In(inner) {
				wantMask |= fits.MaskEdge
			}
			if diff.Mask[idx] != wantMask {
				t.Errorf("pixel %d,%d: got mask %x want %x", x, y, diff.Mask[idx], wantMask)
			}
		}
	}

	withVar, err := ConvolveAndSubtract(template, science, identity, ScalarBackground(3), SubtractOptions{Invert: true, ConvolveVariance: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := withVar.Variance[6*16+8]; got != 3 {
		t.Errorf("got convolved variance %g want 3", got)
	}
}

func TestAddBackground(t *testing.T) {
	img := fits.NewMaskedImage(20, 10)
	img.X0 = 100
	f := spatial.NewFunction(spatial.PolynomialBasis{}, 1, img.Bounds())
	if err := f.SetParams([]float64{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	AddBackground(img, FunctionBackground(f))
	for _, p := range []image.Point{{X: 100, Y: 0}, {X: 119, Y: 9}, {X: 107, Y: 4}} {
		got := float64(img.Data[img.Index(p.X, p.Y)])
		want := f.Eval(float64(p.X), float64(p.Y))
		if math.Abs(got-want) > 1e-5 {
			t.Errorf("%v: got %g want %g", p, got, want)
		}
	}
	AddBackground(img, ScalarBackground(-1))
	if got, want := float64(img.Data[0]), f.Eval(100, 0)-1; math.Abs(got-want) > 1e-5 {
		t.Errorf("got %g want %g", got, want)
	}
}
