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
	"fmt"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/ops"
	"github.com/mlnoga/nightdiff/internal/spatial"
)

// A differential background, either a constant or a spatial function of position
type Background struct {
	Value float64
	Func  *spatial.Function // Overrides Value if not nil
}

func ScalarBackground(v float64) Background { return Background{Value: v} }

func FunctionBackground(f *spatial.Function) Background { return Background{Func: f} }

// Returns the background along row y in parent coordinates as a function of x.
// Spatial functions amortize the y terms over the row
func (b Background) row(y float64) func(x float64) float64 {
	if b.Func == nil {
		v := b.Value
		return func(float64) float64 { return v }
	}
	r := b.Func.Row(y)
	return r.Eval
}

// Options for convolve-and-subtract
type SubtractOptions struct {
	Invert           bool // D = I - (K*T + bg). If false, the negation
	ConvolveVariance bool // Add the variance of the convolved operand K^2*Var(T) to the output variance
	MaxThreads       int
}

// Convolves the first image with the kernel, adds the background and subtracts the result from
// the second image. Mask and variance of the result come from the second, un-convolved image.
// Pixels where the kernel does not fit carry the EDGE mask bit. Passing the science image first
// and the template second with Invert false yields the form (K*I + bg) - T
func ConvolveAndSubtract(toConvolve, toNotConvolve *fits.Image, k kernel.Kernel, bg Background, opts SubtractOptions) (*fits.Image, error) {
	if err := fits.CheckCoregistered(toConvolve, toNotConvolve); err != nil {
		return nil, err
	}
	n := int(toConvolve.Pixels)
	conv := &fits.Image{
		ID:       toConvolve.ID,
		Naxisn:   toConvolve.Naxisn,
		Pixels:   toConvolve.Pixels,
		Data:     ops.PoolFloat32.Get(n),
		Mask:     make([]uint32, n),
		Variance: ops.PoolFloat32.Get(n),
	}
	defer ops.PoolFloat32.Put(conv.Data)
	defer ops.PoolFloat32.Put(conv.Variance)
	if err := kernel.Convolve(conv, toConvolve, k, kernel.ConvolveOptions{Variance: opts.ConvolveVariance, MaxThreads: opts.MaxThreads}); err != nil {
		return nil, fmt.Errorf("%d: convolving: %w", toConvolve.ID, err)
	}

	diff := fits.NewImageFromImage(toNotConvolve)
	diff.Header = fits.NewHeader()
	sign := float32(1)
	if !opts.Invert {
		sign = -1
	}
	w, h := diff.Width(), diff.Height()
	for y := 0; y < h; y++ {
		bgRow := bg.row(float64(y + int(diff.Y0)))
		for x := 0; x < w; x++ {
			idx := y*w + x
			model := float64(conv.Data[idx]) + bgRow(float64(x+int(diff.X0)))
			diff.Data[idx] = sign * float32(float64(toNotConvolve.Data[idx])-model)
			diff.Mask[idx] = toNotConvolve.Mask[idx] | (conv.Mask[idx] & fits.MaskEdge)
			diff.Variance[idx] = toNotConvolve.Variance[idx]
			if opts.ConvolveVariance {
				diff.Variance[idx] += conv.Variance[idx]
			}
		}
	}
	return diff, nil
}

// Adds the background to the image plane in place
func AddBackground(img *fits.Image, bg Background) {
	w, h := img.Width(), img.Height()
	for y := 0; y < h; y++ {
		bgRow := bg.row(float64(y + int(img.Y0)))
		for x := 0; x < w; x++ {
			img.Data[y*w+x] += float32(bgRow(float64(x + int(img.X0))))
		}
	}
}
