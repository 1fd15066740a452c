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
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/mlnoga/nightdiff/internal/stats"
)

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// Number of samples for estimating a constant variance plane
const varianceSamples = 64 * 1024

func NewImageFromFile(fileName string, id int, logWriter io.Writer) (i *Image, err error) {
	i = NewImage()
	i.ID = id
	return i, i.ReadFile(fileName, logWriter)
}

// Read a masked image from the file with the given name. Decompresses gzip if .gz or gzip suffix is present,
// and reads TIFF if .tif or .tiff suffix is present.
func (f *Image) ReadFile(fileName string, logWriter io.Writer) error {
	file, err := os.Open(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	var r io.Reader = file

	f.FileName = fileName
	lExt := strings.ToLower(path.Ext(fileName))

	if lExt == ".tif" || lExt == ".tiff" {
		if err := f.ReadTIFF(file); err != nil {
			return err
		}
		f.Mask = make([]uint32, f.Pixels)
		f.EstimateVariance(logWriter)
		return nil
	} else if lExt == ".gz" || lExt == ".gzip" {
		r, err = gzip.NewReader(file)
		if err != nil {
			return err
		}
	}

	return f.Read(r, logWriter)
}

// A header/data unit, as parsed from a header
type hdu struct {
	bitpix  int32
	naxisn  []int32
	pixels  int32
	bzero   float32
	bscale  float32
	extname string
	isImage bool
}

// Size of the data unit in bytes, excluding padding
func (u *hdu) dataBytes() int64 {
	if len(u.naxisn) == 0 {
		return 0
	}
	abs := u.bitpix
	if abs < 0 {
		abs = -abs
	}
	return int64(u.pixels) * int64(abs/8)
}

// Reads a masked image from a multi-extension FITS stream. The image plane is the first
// data unit with at least two axes; extensions named MASK and VARIANCE provide the other planes.
// Missing mask planes are zeroed, missing variance planes estimated from the image.
func (f *Image) Read(r io.Reader, logWriter io.Writer) (err error) {
	br := bufio.NewReader(r)
	haveData := false
	for i := 0; ; i++ {
		h := NewHeader()
		if err = h.read(br, f.ID, logWriter); err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		u, err := parseHDU(&h, i, f.ID)
		if err != nil {
			return err
		}
		if i == 0 {
			f.Header = h
			if f.Exposure, err = f.PopHeaderInt32OrFloat("EXPOSURE"); err != nil {
				if f.Exposure, err = f.PopHeaderInt32OrFloat("EXPTIME"); err != nil {
					f.Exposure = 0
				}
			}
		}

		switch {
		case !u.isImage || len(u.naxisn) == 0:
			if err = skipData(br, u.dataBytes()); err != nil {
				return fmt.Errorf("%d: skipping HDU %d: %w", f.ID, i, err)
			}
			continue

		case u.extname == "MASK":
			f.Mask = make([]uint32, u.pixels)
			err = readPlane(br, u, func(buf []byte) error { return decodeUint32(buf, u, f.Mask) })

		case u.extname == "VARIANCE":
			f.Variance = make([]float32, u.pixels)
			err = readPlane(br, u, func(buf []byte) error { return decodeFloat32(buf, u, f.Variance) })

		case !haveData && len(u.naxisn) >= 2:
			haveData = true
			f.Bitpix, f.Naxisn, f.Pixels = u.bitpix, u.naxisn, u.pixels
			if ltv, ok := h.Ints["LTV1"]; ok {
				f.X0 = -ltv
			}
			if ltv, ok := h.Ints["LTV2"]; ok {
				f.Y0 = -ltv
			}
			if u.bitpix == 32 || u.bitpix == 64 || u.bitpix == -64 {
				fmt.Fprintf(logWriter, "%d: Warning: loss of precision converting BITPIX %d to float32 values\n", f.ID, u.bitpix)
			}
			f.Data = make([]float32, u.pixels)
			err = readPlane(br, u, func(buf []byte) error { return decodeFloat32(buf, u, f.Data) })

		default:
			fmt.Fprintf(logWriter, "%d: Warning: ignoring HDU %d with extension name '%s'\n", f.ID, i, u.extname)
			err = skipData(br, u.dataBytes())
		}
		if err != nil {
			return fmt.Errorf("%d: reading HDU %d: %w", f.ID, i, err)
		}
	}
	if !haveData {
		return fmt.Errorf("%d: no image data found", f.ID)
	}
	f.Bzero, f.Bscale = 0, 1 // reflect that data values incorporate these now

	if f.Mask == nil {
		f.Mask = make([]uint32, f.Pixels)
	}
	if f.Variance == nil {
		f.EstimateVariance(logWriter)
	}
	if len(f.Mask) != len(f.Data) || len(f.Variance) != len(f.Data) {
		return fmt.Errorf("%d: mask (%d) or variance (%d) plane does not match image plane (%d)",
			f.ID, len(f.Mask), len(f.Variance), len(f.Data))
	}
	return nil
}

// Fills the variance plane with the square of a robust scale estimate of the image plane
func (f *Image) EstimateVariance(logWriter io.Writer) {
	_, scale := stats.FastApproxSigmaClippedMedianAndQn(f.Data, 2, 2, 1e-6, varianceSamples)
	variance := scale * scale
	if !(variance > 0) {
		variance = 1
	}
	fmt.Fprintf(logWriter, "%d: Warning: no variance plane, using constant %.4g\n", f.ID, variance)
	f.Variance = make([]float32, f.Pixels)
	for i := range f.Variance {
		f.Variance[i] = variance
	}
}

func (f *Image) PopHeaderInt32(key string) (res int32, err error) {
	if val, ok := f.Header.Ints[key]; ok {
		delete(f.Header.Ints, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", f.ID, key)
}

func (f *Image) PopHeaderInt32OrFloat(key string) (res float32, err error) {
	if val, ok := f.Header.Ints[key]; ok {
		delete(f.Header.Ints, key)
		return float32(val), nil
	} else if val, ok := f.Header.Floats[key]; ok {
		delete(f.Header.Floats, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", f.ID, key)
}

// Parses and removes the structural keys of a header/data unit
func parseHDU(h *Header, index, id int) (u *hdu, err error) {
	u = &hdu{bzero: 0, bscale: 1}
	if index == 0 {
		if !h.Bools["SIMPLE"] {
			return nil, fmt.Errorf("%d: Not a valid FITS file; SIMPLE=T missing in header", id)
		}
		delete(h.Bools, "SIMPLE")
		u.isImage = true
	} else {
		xt, ok := h.Strings["XTENSION"]
		if !ok {
			return nil, fmt.Errorf("%d: HDU %d lacks XTENSION", id, index)
		}
		u.isImage = strings.TrimSpace(xt) == "IMAGE"
	}
	u.extname = strings.ToUpper(strings.TrimSpace(h.Strings["EXTNAME"]))

	var ok bool
	if u.bitpix, ok = h.Ints["BITPIX"]; !ok {
		return nil, fmt.Errorf("%d: HDU %d lacks BITPIX", id, index)
	}
	naxis, ok := h.Ints["NAXIS"]
	if !ok {
		return nil, fmt.Errorf("%d: HDU %d lacks NAXIS", id, index)
	}
	u.naxisn = make([]int32, naxis)
	u.pixels = 1
	for i := int32(1); i <= naxis; i++ {
		name := "NAXIS" + strconv.FormatInt(int64(i), 10)
		nai, ok := h.Ints[name]
		if !ok {
			return nil, fmt.Errorf("%d: HDU %d lacks %s", id, index, name)
		}
		u.naxisn[i-1] = nai
		u.pixels *= nai
	}
	if v, ok := h.Floats["BZERO"]; ok {
		u.bzero = v
	} else if v, ok := h.Ints["BZERO"]; ok {
		u.bzero = float32(v)
	}
	if v, ok := h.Floats["BSCALE"]; ok {
		u.bscale = v
	} else if v, ok := h.Ints["BSCALE"]; ok {
		u.bscale = float32(v)
	}
	return u, nil
}

// Reads one data unit including padding, and passes the raw bytes to decode
func readPlane(r io.Reader, u *hdu, decode func(buf []byte) error) error {
	buf := make([]byte, u.dataBytes())
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	if err := decode(buf); err != nil {
		return err
	}
	return skipPadding(r, int64(len(buf)))
}

// Skips a data unit including padding
func skipData(r io.Reader, n int64) error {
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return err
	}
	return skipPadding(r, n)
}

// Skips the padding after a data unit of n bytes. Tolerates files truncated after the last data unit
func skipPadding(r io.Reader, n int64) error {
	pad := (int64(fitsBlockSize) - n%int64(fitsBlockSize)) % int64(fitsBlockSize)
	_, err := io.CopyN(io.Discard, r, pad)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Converts raw big endian data to float32, applying bzero and bscale
func decodeFloat32(buf []byte, u *hdu, dst []float32) error {
	be := binary.BigEndian
	for i := range dst {
		var v float64
		switch u.bitpix {
		case 8:
			v = float64(buf[i])
		case 16:
			v = float64(int16(be.Uint16(buf[i*2:])))
		case 32:
			v = float64(int32(be.Uint32(buf[i*4:])))
		case 64:
			v = float64(int64(be.Uint64(buf[i*8:])))
		case -32:
			v = float64(math.Float32frombits(be.Uint32(buf[i*4:])))
		case -64:
			v = math.Float64frombits(be.Uint64(buf[i*8:]))
		default:
			return fmt.Errorf("unknown BITPIX value %d", u.bitpix)
		}
		dst[i] = float32(v)*u.bscale + u.bzero
	}
	return nil
}

// Converts raw big endian integer data to mask bits, applying bzero
func decodeUint32(buf []byte, u *hdu, dst []uint32) error {
	be := binary.BigEndian
	offset := int64(u.bzero)
	for i := range dst {
		var v int64
		switch u.bitpix {
		case 8:
			v = int64(buf[i])
		case 16:
			v = int64(int16(be.Uint16(buf[i*2:])))
		case 32:
			v = int64(int32(be.Uint32(buf[i*4:])))
		case 64:
			v = int64(be.Uint64(buf[i*8:]))
		default:
			return fmt.Errorf("mask plane needs integer BITPIX, got %d", u.bitpix)
		}
		dst[i] = uint32(v + offset)
	}
	return nil
}

func (h *Header) read(r io.Reader, id int, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)

	for h.Length = 0; !h.End; {
		// read next header unit
		bytesRead, err := io.ReadFull(r, buf)
		if err != nil {
			return fmt.Errorf("%d: reading header: %w", id, err)
		}
		h.Length += int32(bytesRead)

		// parse all lines in this header unit
		for lineNo := 0; lineNo < fitsBlockSize/HeaderLineSize && !h.End; lineNo++ {
			line := buf[lineNo*HeaderLineSize : (lineNo+1)*HeaderLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%d: Warning:Cannot parse '%s', ignoring\n", id, string(line))
			} else {
				h.readLine(reParser.SubexpNames(), subValues, id, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] == nil || len(subNames[i]) != 1 {
			continue
		}
		switch c := subNames[i][0]; c {
		case byte('E'): // end line
			h.End = true
		case byte('H'): // history line
			h.History = append(h.History, string(subValues[i]))
		case byte('C'): // comment line
			h.Comments = append(h.Comments, string(subValues[i]))
		case byte('k'): // key
			key = string(subValues[i])
		case byte('b'): // boolean
			if len(subValues[i]) > 0 {
				v := subValues[i][0]
				h.Bools[key] = v == byte('t') || v == byte('T')
			}
		case byte('i'): // int
			if val, err := strconv.ParseInt(string(subValues[i]), 10, 64); err == nil {
				h.Ints[key] = int32(val)
			}
		case byte('f'): // float
			if val, err := strconv.ParseFloat(strings.Replace(string(subValues[i]), "D", "E", 1), 64); err == nil {
				h.Floats[key] = float32(val)
			}
		case byte('s'): // string
			h.Strings[key] = strings.TrimRight(string(subValues[i]), " ")
		case byte('d'): // date
			h.Dates[key] = string(subValues[i])
		case byte('c'): // comment
			// ignore value comments
		default:
			fmt.Fprintf(logWriter, "%d:%d:Warning:Unknown token '%s'\n", id, lineNo, string(c))
		}
	}
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"

	rest := ".*"
	histLine := "HISTORY" + white + "(?P<H>" + rest + ")"
	commLine := "COMMENT" + white + "(?P<C>" + rest + ")"
	endLine := "(?P<E>END)" + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	equals := "="

	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?[0-9]*\\.[0-9]*(?:[ED][-+]?[0-9]+)?)"
	stri := "'(?P<s>[^']*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + inte + "|" + floa + "|" + stri + "|" + date + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + equals + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + white + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
