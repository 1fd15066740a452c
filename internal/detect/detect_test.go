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

package detect

import (
	"errors"
	"image"
	"io"
	"testing"

	"github.com/mlnoga/nightdiff/internal/fits"
)

// Creates an image with unit variance and 3x3 blocks of the given value centered on the given points
func blocks(width, height int, value float32, centers ...image.Point) *fits.Image {
	img := fits.NewMaskedImage(width, height)
	for i := range img.Variance {
		img.Variance[i] = 1
	}
	for _, c := range centers {
		for y := c.Y - 1; y <= c.Y+1; y++ {
			for x := c.X - 1; x <= c.X+1; x++ {
				img.Data[y*width+x] = value
			}
		}
	}
	return img
}

func TestDetectConnectivity(t *testing.T) {
	img := fits.NewMaskedImage(10, 10)
	set := func(x, y int) { img.Data[y*10+x] = 10 }
	set(1, 1)
	set(2, 2) // diagonal neighbor joins
	set(3, 3)
	set(7, 1) // isolated single pixel
	set(7, 7)
	set(8, 7)
	img.Mask[7*10+8] = fits.MaskBad // masked pixels are never detected

	fps := Detect(img, 5, ThresholdValue, Levels{}, 1)
	if len(fps) != 3 {
		t.Fatalf("got %d footprints want 3", len(fps))
	}
	if fps[0].Npix != 3 || !fps[0].BBox.Eq(image.Rect(1, 1, 4, 4)) {
		t.Errorf("got %v", fps[0])
	}
	if fps[2].Npix != 1 || !fps[2].Contains(7, 7) || fps[2].Contains(8, 7) {
		t.Errorf("got %v", fps[2])
	}

	fps = Detect(img, 5, ThresholdValue, Levels{}, 2)
	if len(fps) != 1 || fps[0].Detected != 3 {
		t.Errorf("npixMin not applied: got %d footprints", len(fps))
	}
}

func TestDetectParentCoordinates(t *testing.T) {
	img := blocks(20, 20, 9, image.Point{X: 10, Y: 5})
	img.X0, img.Y0 = 100, 200
	fps := Detect(img, 3, ThresholdPixelStdev, Levels{}, 1)
	if len(fps) != 1 {
		t.Fatalf("got %d footprints want 1", len(fps))
	}
	if want := image.Rect(109, 204, 112, 207); !fps[0].BBox.Eq(want) {
		t.Errorf("got bbox %v want %v", fps[0].BBox, want)
	}
	if x, y := fps[0].Center(); x != 110 || y != 205 {
		t.Errorf("got center %g,%g", x, y)
	}
}

func TestThresholdTypeNames(t *testing.T) {
	for _, tt := range []ThresholdType{ThresholdValue, ThresholdStdev, ThresholdVariance, ThresholdPixelStdev} {
		got, err := ThresholdTypeFromName(tt.String())
		if err != nil || got != tt {
			t.Errorf("%v: got %v, %v", tt, got, err)
		}
	}
	if _, err := ThresholdTypeFromName("isotropic"); err == nil {
		t.Errorf("expected error for unknown type")
	}
}

func TestGrowManhattan(t *testing.T) {
	fp := newFootprint(0, []Span{{Y: 10, X0: 10, X1: 11}})
	fp.Detected = 1
	g := Grow(fp, 2)
	if g.Npix != 13 {
		t.Errorf("got %d pixels want 13", g.Npix)
	}
	if !g.BBox.Eq(image.Rect(8, 8, 13, 13)) {
		t.Errorf("got bbox %v", g.BBox)
	}
	if !g.Contains(9, 9) || g.Contains(8, 9) || g.Contains(12, 12) {
		t.Errorf("wrong diamond shape")
	}
	if g.Detected != 1 {
		t.Errorf("got detected %d want 1", g.Detected)
	}
}

func TestSelectFootprints(t *testing.T) {
	a := image.Point{X: 30, Y: 30} // clean
	b := image.Point{X: 3, Y: 30}  // too close to the edge once grown
	c := image.Point{X: 45, Y: 10} // masked pixel in the science image
	d := image.Point{X: 30, Y: 40} // overlaps a once grown
	template := blocks(60, 60, 100, a, b, c, d)
	science := template.Clone()
	science.Mask[14*60+45] = fits.MaskBad

	p := SelectParams{
		NpixMin: 5, NpixMax: 100,
		KernelCols: 5, KernelRows: 5, GrowKsize: 1,
		MinCleanFp: 1, Threshold: 50, ThresholdScaling: 0.5, ThresholdMin: 1,
		ThresholdType: ThresholdValue, DetOnTemplate: true,
	}
	fps, err := SelectFootprints(template, science, p, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 1 {
		t.Fatalf("got %d footprints want 1", len(fps))
	}
	fp := fps[0]
	if !fp.Contains(a.X, a.Y) || fp.Detected != 9 || !fp.BBox.Eq(image.Rect(24, 24, 37, 37)) {
		t.Errorf("got %v", fp)
	}
	for _, s := range fp.Spans {
		for x := s.X0; x < s.X1; x++ {
			if template.Mask[s.Y*60+x] != 0 || science.Mask[s.Y*60+x] != 0 {
				t.Errorf("masked pixel %d,%d in footprint", x, s.Y)
			}
		}
	}
	if science.Mask[14*60+45] != fits.MaskBad || template.Mask[30*60+30] != 0 {
		t.Errorf("input masks modified")
	}

	p.NpixMax = 8
	if _, err := SelectFootprints(template, science, p, io.Discard); !errors.Is(err, ErrNoCleanFootprints) {
		t.Errorf("got error %v want ErrNoCleanFootprints", err)
	}
}

func TestSelectFootprintsLowersThreshold(t *testing.T) {
	template := blocks(40, 40, 8, image.Point{X: 20, Y: 20})
	science := template.Clone()
	p := SelectParams{
		NpixMin: 1, NpixMax: 100,
		KernelCols: 3, KernelRows: 3, GrowKsize: 1,
		MinCleanFp: 1, Threshold: 10, ThresholdScaling: 0.5, ThresholdMin: 1,
		ThresholdType: ThresholdValue, DetOnTemplate: false,
	}
	fps, err := SelectFootprints(template, science, p, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(fps) != 1 {
		t.Errorf("got %d footprints want 1", len(fps))
	}

	blank := fits.NewMaskedImage(40, 40)
	if _, err := SelectFootprints(blank, blank.Clone(), p, io.Discard); !errors.Is(err, ErrNoCleanFootprints) {
		t.Errorf("got error %v want ErrNoCleanFootprints", err)
	}
}

func TestThresholdTypes(t *testing.T) {
	img := blocks(20, 10, 9, image.Point{X: 4, Y: 4}, image.Point{X: 14, Y: 4})
	for y := 3; y <= 5; y++ {
		for x := 13; x <= 15; x++ {
			img.Variance[y*20+x] = 16
		}
	}
	cases := []struct {
		name   string
		t      ThresholdType
		th     float64
		levels Levels
		want   int
	}{
		{"value below", ThresholdValue, 9, Levels{}, 0},
		{"value above", ThresholdValue, 8, Levels{}, 2},
		{"stdev", ThresholdStdev, 3, Levels{Location: 1, Scale: 2}, 2},
		{"stdev too high", ThresholdStdev, 5, Levels{Location: 1, Scale: 2}, 0},
		{"variance", ThresholdVariance, 3, Levels{Location: 2}, 1},
		{"pixel stdev", ThresholdPixelStdev, 2, Levels{Location: 100}, 2},
	}
	for _, c := range cases {
		if got := len(Detect(img, c.th, c.t, c.levels, 1)); got != c.want {
			t.Errorf("%s: got %d footprints want %d", c.name, got, c.want)
		}
	}
}
