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
	"image"
	"sync"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/spatial"
)

// Options for convolving a masked image
type ConvolveOptions struct {
	Variance   bool // Convolve the variance plane with the squared kernel. Else copy it from the input
	Mask       bool // OR the mask bits of all input pixels under the kernel. Else copy them from the input
	MaxThreads int  // Maximum number of concurrent row bands
}

// Region in local pixel coordinates of an image of given size where the kernel fits entirely
func Interior(width, height int, k Kernel) image.Rectangle {
	kw, kh, cx, cy := k.Dims()
	r := image.Rect(kw-1-cx, kh-1-cy, width-cx, height-cy)
	if r.Empty() {
		return image.Rectangle{}
	}
	return r
}

// Applies the kernel to the plane at local pixel x,y. The kernel must fit entirely
func (k *FixedKernel) Apply(src []float32, stride, x, y int) float64 {
	return k.apply(src, y*stride+x, stride)
}

// Convolves the image plane of src with the kernel into dst, which must have the same dimensions and be
// a different image. Pixels where the kernel does not fit are copied from src and flagged as EDGE
func Convolve(dst, src *fits.Image, k Kernel, opts ConvolveOptions) error {
	if !fits.EqualInt32Slice(dst.Naxisn, src.Naxisn) {
		return fmt.Errorf("%d: cannot convolve %s into %s", src.ID, src.DimensionsToString(), dst.DimensionsToString())
	}
	if dst == src {
		return fmt.Errorf("%d: cannot convolve in place", src.ID)
	}
	dst.X0, dst.Y0 = src.X0, src.Y0
	w, h := src.Width(), src.Height()
	inner := Interior(w, h, k)

	// copy edges
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (image.Point{X: x, Y: y}).In(inner) {
				continue
			}
			idx := y*w + x
			dst.Data[idx] = src.Data[idx]
			dst.Mask[idx] = src.Mask[idx] | fits.MaskEdge
			dst.Variance[idx] = src.Variance[idx]
		}
	}
	if inner.Empty() {
		return nil
	}

	lc := k.asLinearCombination()
	kw, kh, cx, cy := lc.Dims()
	var combined *FixedKernel
	if !lc.IsSpatiallyVarying() {
		combined = lc.FixedAt(0, 0)
	}
	footprint := unionTaps(lc.basis)

	parallelRows(inner.Min.Y, inner.Max.Y, opts.MaxThreads, func(y0, y1 int) {
		nb := len(lc.basis)
		coeffs := make([]float64, nb)
		rows := make([]*spatial.Row, nb)
		kimg := make([]float64, kw*kh)
		for y := y0; y < y1; y++ {
			if combined == nil {
				for b, f := range lc.spatial {
					rows[b] = f.Row(float64(y + int(src.Y0)))
				}
			}
			for x := inner.Min.X; x < inner.Max.X; x++ {
				idx := y*w + x
				if combined != nil {
					dst.Data[idx] = float32(combined.apply(src.Data, idx, w))
					if opts.Variance {
						dst.Variance[idx] = float32(applySquared(combined.pixels, kw, kh, cx, cy, src.Variance, idx, w))
					}
				} else {
					px := float64(x + int(src.X0))
					v := 0.0
					for b, row := range rows {
						coeffs[b] = row.Eval(px)
						if coeffs[b] != 0 {
							v += coeffs[b] * lc.basis[b].apply(src.Data, idx, w)
						}
					}
					dst.Data[idx] = float32(v)
					if opts.Variance {
						for i := range kimg {
							kimg[i] = 0
						}
						for b, c := range coeffs {
							for i, p := range lc.basis[b].pixels {
								kimg[i] += c * p
							}
						}
						dst.Variance[idx] = float32(applySquared(kimg, kw, kh, cx, cy, src.Variance, idx, w))
					}
				}
				if !opts.Variance {
					dst.Variance[idx] = src.Variance[idx]
				}
				if opts.Mask {
					m := uint32(0)
					for _, t := range footprint {
						m |= src.Mask[idx+t.dy*w+t.dx]
					}
					dst.Mask[idx] = m
				} else {
					dst.Mask[idx] = src.Mask[idx]
				}
			}
		}
	})
	return nil
}

// Applies the squared kernel image to the plane at local pixel index idx
func applySquared(kimg []float64, kw, kh, cx, cy int, src []float32, idx, stride int) float64 {
	v := 0.0
	for j := 0; j < kh; j++ {
		for i := 0; i < kw; i++ {
			p := kimg[j*kw+i]
			if p != 0 {
				v += p * p * float64(src[idx+(cy-j)*stride+(cx-i)])
			}
		}
	}
	return v
}

// Returns the offsets of all kernel pixels that are non-zero in any basis kernel
func unionTaps(basis []*FixedKernel) []tap {
	seen := map[[2]int]bool{}
	res := []tap{}
	for _, b := range basis {
		for _, t := range b.taps {
			key := [2]int{t.dx, t.dy}
			if !seen[key] {
				seen[key] = true
				res = append(res, tap{dx: t.dx, dy: t.dy, w: 1})
			}
		}
	}
	return res
}

// Runs fn over bands of rows in [y0,y1), with at most maxThreads bands in flight
func parallelRows(y0, y1, maxThreads int, fn func(y0, y1 int)) {
	if maxThreads < 1 {
		maxThreads = 1
	}
	n := y1 - y0
	bands := maxThreads * 4
	if bands > n {
		bands = n
	}
	var wg sync.WaitGroup
	limiter := make(chan bool, maxThreads)
	for b := 0; b < bands; b++ {
		lo, hi := y0+b*n/bands, y0+(b+1)*n/bands
		limiter <- true
		wg.Add(1)
		go func(lo, hi int) {
			defer func() { <-limiter; wg.Done() }()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}
