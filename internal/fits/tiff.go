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
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Read a color or grayscale TIFF image into the image plane. Color images are converted
// to luminance. Mask and variance planes are left untouched
func (f *Image) ReadTIFF(r io.Reader) error {
	t, err := tiff.Decode(bufio.NewReader(r))
	if err != nil {
		return err
	}

	width, height := t.Bounds().Dx(), t.Bounds().Dy()
	minX, minY := t.Bounds().Min.X, t.Bounds().Min.Y

	f.Bitpix = colorModelToBitpix(t.ColorModel())
	f.Naxisn = []int32{int32(width), int32(height)}
	f.Pixels = int32(width) * int32(height)
	f.Bzero, f.Bscale = 0, 1
	f.Data = make([]float32, f.Pixels)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			switch c := t.At(minX+x, minY+y).(type) {
			case color.Gray16:
				f.Data[y*width+x] = float32(c.Y)
			case color.Gray:
				f.Data[y*width+x] = float32(c.Y)
			default:
				cr, cg, cb, _ := c.RGBA()
				f.Data[y*width+x] = 0.2126*float32(cr) + 0.7152*float32(cg) + 0.0722*float32(cb)
			}
		}
	}
	return nil
}

func colorModelToBitpix(m color.Model) int32 {
	switch m {
	case color.RGBAModel, color.NRGBAModel, color.AlphaModel, color.GrayModel:
		return 8
	default:
		return 16
	}
}

// Write the image plane to a 16-bit grayscale TIFF file, using the given min and max
func (f *Image) WriteMonoTIFF16ToFile(fileName string, min, max float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := f.WriteMonoTIFF16(writer, min, max); err != nil {
		return err
	}
	return writer.Flush()
}

// Write the image plane to 16-bit grayscale TIFF, using the given min and max
func (f *Image) WriteMonoTIFF16(writer io.Writer, min, max float32) error {
	width, height := f.Width(), f.Height()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	scale := 1 / (max - min)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			gray := (f.Data[y*width+x] - min) * scale
			// replace NaNs with zeros for export, else TIFF output breaks
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			} else if gray > 1 {
				gray = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(gray * 65535)})
		}
	}
	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Uncompressed, Predictor: false})
}
