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

package fits

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrOutOfBounds is returned when a requested region does not lie within an image
var ErrOutOfBounds = errors.New("region out of bounds")

// A masked FITS image with co-registered image, mask and variance planes.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int    // Sequential ID number, for log output. By convention, template is 0 and science is 1
	FileName string // Original file name, if any, for log output.

	Header Header  // The header with all keys, values, comments, history entries etc.
	Bitpix int32   // Bits per pixel value from the header. Positive values are integral, negative floating.
	Bzero  float32 // Zero offset. True pixel value is Bzero + Bscale * Data[i].
	Bscale float32 // Value scaler. True pixel value is Bzero + Bscale * Data[i].
	Naxisn []int32 // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32   // Number of pixels in the image. Product of Naxisn[]

	X0, Y0 int32 // Pixel origin of this image in the coordinate frame of its parent

	Data     []float32 // The image plane
	Mask     []uint32  // The mask plane, one bit per mask plane, see MaskPlanes
	Variance []float32 // The variance plane

	Exposure float32 // Image exposure in seconds
}

// Creates a FITS image initialized with empty header
func NewImage() *Image {
	return &Image{
		Header: NewHeader(),
		Bscale: 1,
	}
}

// Creates a masked image with given width and height. All planes are zero
func NewMaskedImage(width, height int) *Image {
	return NewImageFromNaxisn([]int32{int32(width), int32(height)}, nil)
}

// Creates a FITS image from given naxisn. Data is not copied, allocated if nil. naxisn is deep copied.
// Mask and variance planes are freshly allocated
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels := int32(1)
	for _, naxis := range naxisn {
		numPixels *= naxis
	}
	if data == nil {
		data = make([]float32, numPixels)
	}
	return &Image{
		Header:   NewHeader(),
		Bitpix:   -32,
		Bscale:   1,
		Naxisn:   append([]int32(nil), naxisn...), // clone slice
		Pixels:   numPixels,
		Data:     data,
		Mask:     make([]uint32, numPixels),
		Variance: make([]float32, numPixels),
	}
}

// Creates a FITS image with the same geometry and metadata as the given image. New planes are allocated
func NewImageFromImage(img *Image) *Image {
	return &Image{
		ID:       img.ID,
		FileName: img.FileName,
		Header:   img.Header,
		Bitpix:   img.Bitpix,
		Bzero:    img.Bzero,
		Bscale:   img.Bscale,
		Naxisn:   append([]int32(nil), img.Naxisn...), // clone slice
		Pixels:   img.Pixels,
		X0:       img.X0,
		Y0:       img.Y0,
		Data:     make([]float32, img.Pixels),
		Mask:     make([]uint32, img.Pixels),
		Variance: make([]float32, img.Pixels),
		Exposure: img.Exposure,
	}
}

// Returns a deep copy of the image, including all planes
func (f *Image) Clone() *Image {
	c := NewImageFromImage(f)
	copy(c.Data, f.Data)
	copy(c.Mask, f.Mask)
	copy(c.Variance, f.Variance)
	return c
}

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float32
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float32),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

func (f *Image) Width() int  { return int(f.Naxisn[0]) }
func (f *Image) Height() int { return int(f.Naxisn[1]) }

// Bounding box of the image in parent coordinates
func (f *Image) Bounds() image.Rectangle {
	return image.Rect(int(f.X0), int(f.Y0), int(f.X0)+f.Width(), int(f.Y0)+f.Height())
}

// Index of the pixel at parent coordinates x, y in the planes
func (f *Image) Index(x, y int) int {
	return (y-int(f.Y0))*f.Width() + (x - int(f.X0))
}

// Extracts a deep copy of the given region in parent coordinates.
// Returns ErrOutOfBounds if the region is empty or not fully contained in the image
func (f *Image) SubImage(r image.Rectangle) (*Image, error) {
	if r.Empty() || !r.In(f.Bounds()) {
		return nil, fmt.Errorf("%d: subimage %v of %v: %w", f.ID, r, f.Bounds(), ErrOutOfBounds)
	}
	w, h := r.Dx(), r.Dy()
	sub := NewImageFromNaxisn([]int32{int32(w), int32(h)}, nil)
	sub.ID, sub.FileName, sub.Exposure = f.ID, f.FileName, f.Exposure
	sub.X0, sub.Y0 = int32(r.Min.X), int32(r.Min.Y)
	for y := 0; y < h; y++ {
		src := f.Index(r.Min.X, r.Min.Y+y)
		dst := y * w
		copy(sub.Data[dst:dst+w], f.Data[src:src+w])
		copy(sub.Mask[dst:dst+w], f.Mask[src:src+w])
		copy(sub.Variance[dst:dst+w], f.Variance[src:src+w])
	}
	return sub, nil
}

// Checks that two images have identical dimensions and origin
func CheckCoregistered(a, b *Image) error {
	if len(a.Naxisn) != 2 || len(b.Naxisn) != 2 {
		return fmt.Errorf("%d/%d: need two-dimensional images, got %s and %s",
			a.ID, b.ID, a.DimensionsToString(), b.DimensionsToString())
	}
	if !a.Bounds().Eq(b.Bounds()) {
		return fmt.Errorf("%d/%d: images not co-registered, bounds %v vs %v", a.ID, b.ID, a.Bounds(), b.Bounds())
	}
	if len(a.Mask) != len(a.Data) || len(a.Variance) != len(a.Data) ||
		len(b.Mask) != len(b.Data) || len(b.Variance) != len(b.Data) {
		return fmt.Errorf("%d/%d: mask or variance plane does not match image plane", a.ID, b.ID)
	}
	return nil
}

func (f *Image) DimensionsToString() string {
	b := strings.Builder{}
	for i, naxis := range f.Naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}

// Compares two int32 slices for equality
func EqualInt32Slice(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}
