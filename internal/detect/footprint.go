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

// Package detect finds connected regions above a threshold in masked images,
// grows them, and selects clean ones as candidates for kernel fitting.
package detect

import (
	"fmt"
	"image"
)

// A horizontal run of pixels [X0,X1) in row Y, in parent coordinates
type Span struct {
	Y, X0, X1 int
}

// A connected pixel region, stored as sorted spans. Immutable once selected
type Footprint struct {
	ID       int             // Sequential ID number, for log output
	Spans    []Span          // Spans sorted by row, then column
	BBox     image.Rectangle // Bounding box in parent coordinates
	Npix     int             // Number of pixels in the spans
	Detected int             // Number of pixels as detected, before growing
	Peak     image.Point     // Position of the brightest detected pixel
	PeakVal  float32         // Value of the brightest detected pixel
}

// Creates a footprint from sorted spans, computing bounding box and pixel count
func newFootprint(id int, spans []Span) *Footprint {
	fp := &Footprint{ID: id, Spans: spans}
	for i, s := range spans {
		r := image.Rect(s.X0, s.Y, s.X1, s.Y+1)
		if i == 0 {
			fp.BBox = r
		} else {
			fp.BBox = fp.BBox.Union(r)
		}
		fp.Npix += s.X1 - s.X0
	}
	return fp
}

// Center of the bounding box in parent coordinates
func (fp *Footprint) Center() (x, y float64) {
	return float64(fp.BBox.Min.X+fp.BBox.Max.X-1) / 2, float64(fp.BBox.Min.Y+fp.BBox.Max.Y-1) / 2
}

// Returns true if the footprint contains the pixel at parent coordinates x,y
func (fp *Footprint) Contains(x, y int) bool {
	if !(image.Point{X: x, Y: y}).In(fp.BBox) {
		return false
	}
	for _, s := range fp.Spans {
		if s.Y == y && x >= s.X0 && x < s.X1 {
			return true
		}
		if s.Y > y {
			break
		}
	}
	return false
}

// Calls fn with the plane index range [i0,i1) of each span, for a plane with the given bounds.
// Spans must lie within the bounds
func (fp *Footprint) forEachSpan(bounds image.Rectangle, fn func(i0, i1 int)) {
	w := bounds.Dx()
	for _, s := range fp.Spans {
		i0 := (s.Y-bounds.Min.Y)*w + s.X0 - bounds.Min.X
		fn(i0, i0+s.X1-s.X0)
	}
}

// Pretty print the footprint to string
func (fp *Footprint) String() string {
	return fmt.Sprintf("fp%d: %d pix (%d detected) in %v peak %.4g at %v",
		fp.ID, fp.Npix, fp.Detected, fp.BBox, fp.PeakVal, fp.Peak)
}
