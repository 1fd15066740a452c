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
	"bufio"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// End points and center of the diverging color map for difference previews
var (
	divergingLow  = colorful.Color{R: 0.230, G: 0.299, B: 0.754}
	divergingMid  = colorful.Color{R: 0.865, G: 0.865, B: 0.865}
	divergingHigh = colorful.Color{R: 0.706, G: 0.016, B: 0.150}
	maskedColor   = color.RGBA{R: 32, G: 32, B: 32, A: 255}
)

// Number of entries in the precomputed diverging color map
const divergingSteps = 256

// Write a difference image to JPG as signal-to-noise map, using a diverging color map
// from -sigma (blue) over zero (grey) to +sigma (red). Pixels with any of the given mask bits are dark
func (f *Image) WriteDiffJPGToFile(fileName string, sigma float32, maskBits uint32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := f.WriteDiffJPG(writer, sigma, maskBits, quality); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a difference image to JPG as signal-to-noise map, see WriteDiffJPGToFile
func (f *Image) WriteDiffJPG(writer io.Writer, sigma float32, maskBits uint32, quality int) error {
	lut := divergingLUT()
	width, height := f.Width(), f.Height()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			i := yoffset + x
			if f.Mask[i]&maskBits != 0 {
				img.SetRGBA(x, y, maskedColor)
				continue
			}
			snr := f.Data[i]
			if v := f.Variance[i]; v > 0 {
				snr /= float32(math.Sqrt(float64(v)))
			}
			t := 0.5 + 0.5*snr/sigma
			// replace NaNs with the center color, else JPG output breaks
			if math.IsNaN(float64(t)) {
				t = 0.5
			} else if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
			img.SetRGBA(x, y, lut[int(t*(divergingSteps-1)+0.5)])
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Precomputes the diverging color map, blending in CIE L*C*h space
func divergingLUT() []color.RGBA {
	lut := make([]color.RGBA, divergingSteps)
	for i := range lut {
		t := float64(i) / float64(divergingSteps-1)
		var c colorful.Color
		if t < 0.5 {
			c = divergingLow.BlendHcl(divergingMid, 2*t)
		} else {
			c = divergingMid.BlendHcl(divergingHigh, 2*t-1)
		}
		r, g, b := c.Clamped().RGB255()
		lut[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return lut
}
