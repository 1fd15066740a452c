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
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/stats"
)

// Statistic a detection threshold refers to
type ThresholdType int

const (
	ThresholdValue      ThresholdType = iota // absolute pixel value
	ThresholdStdev                           // robust location plus multiples of the robust image scale
	ThresholdVariance                        // robust location plus multiples of the per-pixel sigma
	ThresholdPixelStdev                      // multiples of the per-pixel sigma
)

var thresholdTypeNames = []string{"value", "stdev", "variance", "pixel_stdev"}

func (t ThresholdType) String() string {
	if int(t) < 0 || int(t) >= len(thresholdTypeNames) {
		return fmt.Sprintf("ThresholdType(%d)", int(t))
	}
	return thresholdTypeNames[t]
}

// Parses a threshold type from its name
func ThresholdTypeFromName(name string) (ThresholdType, error) {
	for i, n := range thresholdTypeNames {
		if strings.EqualFold(n, name) {
			return ThresholdType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown detection threshold type %s", name)
}

// Number of samples for robust location and scale estimation
const levelSamples = 64 * 1024

// Robust location and scale of an image plane, as reference for detection thresholds
type Levels struct {
	Location float32
	Scale    float32
}

// Estimates the levels of the unmasked image plane with iterative sigma clipping
func NewLevels(img *fits.Image) Levels {
	data := img.Data
	if img.Mask != nil {
		data = make([]float32, 0, len(img.Data))
		for i, d := range img.Data {
			if img.Mask[i] == 0 {
				data = append(data, d)
			}
		}
	}
	loc, scale := stats.FastApproxSigmaClippedMedianAndQn(data, 3, 3, 1e-6, levelSamples)
	if math.IsNaN(float64(loc)) {
		loc = 0
	}
	if !(scale > 0) {
		scale = 0
	}
	return Levels{Location: loc, Scale: scale}
}

// Returns a predicate on plane indices, true where the pixel exceeds the threshold
func (l Levels) above(img *fits.Image, threshold float64, t ThresholdType) func(i int) bool {
	th := float32(threshold)
	switch t {
	case ThresholdStdev:
		level := l.Location + th*l.Scale
		return func(i int) bool { return img.Data[i] > level }
	case ThresholdVariance:
		return func(i int) bool {
			return img.Data[i]-l.Location > th*float32(math.Sqrt(float64(img.Variance[i])))
		}
	case ThresholdPixelStdev:
		return func(i int) bool {
			return img.Data[i] > th*float32(math.Sqrt(float64(img.Variance[i])))
		}
	default:
		return func(i int) bool { return img.Data[i] > th }
	}
}

// Detects 8-connected regions of unmasked pixels above the threshold, keeping those
// with at least npixMin pixels. Footprints are returned in raster order of their first pixel
func Detect(img *fits.Image, threshold float64, t ThresholdType, levels Levels, npixMin int) []*Footprint {
	w, h := img.Width(), img.Height()
	aboveFn := levels.above(img, threshold, t)
	above := make([]bool, len(img.Data))
	for i := range above {
		above[i] = img.Mask[i] == 0 && aboveFn(i)
	}

	labels := make([]int32, len(img.Data))
	stack := []int{}
	res := []*Footprint{}
	label := int32(0)
	for start := range above {
		if !above[start] || labels[start] != 0 {
			continue
		}
		label++
		labels[start] = label
		stack = append(stack[:0], start)
		bbox := image.Rect(start%w, start/w, start%w+1, start/w+1)
		count, peak := 0, start
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := p%w, p/w
			bbox = bbox.Union(image.Rect(x, y, x+1, y+1))
			count++
			if img.Data[p] > img.Data[peak] {
				peak = p
			}
			for ny := y - 1; ny <= y+1; ny++ {
				if ny < 0 || ny >= h {
					continue
				}
				for nx := x - 1; nx <= x+1; nx++ {
					if nx < 0 || nx >= w {
						continue
					}
					q := ny*w + nx
					if above[q] && labels[q] == 0 {
						labels[q] = label
						stack = append(stack, q)
					}
				}
			}
		}
		if count < npixMin {
			continue
		}

		spans := []Span{}
		for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
			for x := bbox.Min.X; x < bbox.Max.X; {
				if labels[y*w+x] != label {
					x++
					continue
				}
				x0 := x
				for x < bbox.Max.X && labels[y*w+x] == label {
					x++
				}
				spans = append(spans, Span{Y: y + int(img.Y0), X0: x0 + int(img.X0), X1: x + int(img.X0)})
			}
		}
		fp := newFootprint(len(res), spans)
		fp.Detected = fp.Npix
		fp.Peak = image.Point{X: peak%w + int(img.X0), Y: peak/w + int(img.Y0)}
		fp.PeakVal = img.Data[peak]
		res = append(res, fp)
	}
	return res
}

// Grows a footprint by all pixels within Manhattan distance r. The result may extend
// beyond the image. Detected pixel count and peak are retained
func Grow(fp *Footprint, r int) *Footprint {
	if r <= 0 {
		g := newFootprint(fp.ID, append([]Span(nil), fp.Spans...))
		g.Detected, g.Peak, g.PeakVal = fp.Detected, fp.Peak, fp.PeakVal
		return g
	}
	win := fp.BBox.Inset(-r)
	ww, wh := win.Dx(), win.Dy()
	far := int32(ww + wh)
	dist := make([]int32, ww*wh)
	for i := range dist {
		dist[i] = far
	}
	for _, s := range fp.Spans {
		row := (s.Y - win.Min.Y) * ww
		for x := s.X0; x < s.X1; x++ {
			dist[row+x-win.Min.X] = 0
		}
	}

	// two-pass city block distance transform, exact for the L1 metric
	for y := 0; y < wh; y++ {
		for x := 0; x < ww; x++ {
			i := y*ww + x
			if x > 0 && dist[i-1]+1 < dist[i] {
				dist[i] = dist[i-1] + 1
			}
			if y > 0 && dist[i-ww]+1 < dist[i] {
				dist[i] = dist[i-ww] + 1
			}
		}
	}
	for y := wh - 1; y >= 0; y-- {
		for x := ww - 1; x >= 0; x-- {
			i := y*ww + x
			if x < ww-1 && dist[i+1]+1 < dist[i] {
				dist[i] = dist[i+1] + 1
			}
			if y < wh-1 && dist[i+ww]+1 < dist[i] {
				dist[i] = dist[i+ww] + 1
			}
		}
	}

	spans := []Span{}
	limit := int32(r)
	for y := 0; y < wh; y++ {
		for x := 0; x < ww; {
			if dist[y*ww+x] > limit {
				x++
				continue
			}
			x0 := x
			for x < ww && dist[y*ww+x] <= limit {
				x++
			}
			spans = append(spans, Span{Y: y + win.Min.Y, X0: x0 + win.Min.X, X1: x + win.Min.X})
		}
	}
	g := newFootprint(fp.ID, spans)
	g.Detected, g.Peak, g.PeakVal = fp.Detected, fp.Peak, fp.PeakVal
	return g
}
