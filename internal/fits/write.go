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
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

const bufLen int = 16 * 1024 // output buffer length for writing to file

// Writes a masked image to a file with given filename. Creates/overwrites the file if necessary
func (f *Image) WriteFile(fileName string) error {
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	w := bufio.NewWriterSize(file, bufLen)
	if err := f.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// Writes a masked image as multi-extension FITS: the image plane as primary HDU,
// followed by IMAGE extensions MASK and VARIANCE
func (f *Image) Write(w io.Writer) error {
	// primary header with image plane
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	f.writeGeometry(&sb, -32, "32-bit floating point")
	writeBool(&sb, "EXTEND", true, "Extensions follow")
	if f.Exposure != 0 {
		writeFloat32(&sb, "EXPTIME", f.Exposure, "[s] Exposure time")
	}
	writeHeaderValues(&sb, &f.Header)
	writeEnd(&sb)
	if err := writeHeaderBlocks(w, &sb); err != nil {
		return err
	}
	if err := writeFloat32Array(w, f.Data, true); err != nil {
		return err
	}

	// mask extension
	sb.Reset()
	writeString(&sb, "XTENSION", "IMAGE", "Image extension")
	f.writeGeometry(&sb, 32, "32-bit integer mask bits")
	writeInt(&sb, "PCOUNT", 0, "No parameters")
	writeInt(&sb, "GCOUNT", 1, "One group")
	writeString(&sb, "EXTNAME", "MASK", "Mask plane")
	writeEnd(&sb)
	if err := writeHeaderBlocks(w, &sb); err != nil {
		return err
	}
	if err := writeUint32Array(w, f.Mask); err != nil {
		return err
	}

	// variance extension
	sb.Reset()
	writeString(&sb, "XTENSION", "IMAGE", "Image extension")
	f.writeGeometry(&sb, -32, "32-bit floating point")
	writeInt(&sb, "PCOUNT", 0, "No parameters")
	writeInt(&sb, "GCOUNT", 1, "One group")
	writeString(&sb, "EXTNAME", "VARIANCE", "Variance plane")
	writeEnd(&sb)
	if err := writeHeaderBlocks(w, &sb); err != nil {
		return err
	}
	return writeFloat32Array(w, f.Variance, false)
}

// Writes BITPIX, NAXIS, NAXISn and the pixel origin
func (f *Image) writeGeometry(w io.Writer, bitpix int32, comment string) {
	writeInt32(w, "BITPIX", bitpix, comment)
	writeInt32(w, "NAXIS", int32(len(f.Naxisn)), "[1] Number of axis")
	for i := 0; i < len(f.Naxisn); i++ {
		writeInt32(w, fmt.Sprintf("NAXIS%d", i+1), f.Naxisn[i], "[1] Axis size")
	}
	if f.X0 != 0 || f.Y0 != 0 {
		writeInt32(w, "LTV1", -f.X0, "Offset of parent origin")
		writeInt32(w, "LTV2", -f.Y0, "Offset of parent origin")
	}
}

// Writes the non-structural header values in sorted key order
func writeHeaderValues(w io.Writer, h *Header) {
	for _, k := range sortedKeys(h.Strings) {
		writeString(w, k, h.Strings[k], "")
	}
	for _, k := range sortedKeys(h.Ints) {
		writeInt32(w, k, h.Ints[k], "")
	}
	for _, k := range sortedKeys(h.Floats) {
		writeFloat32(w, k, h.Floats[k], "")
	}
	for _, k := range sortedKeys(h.Bools) {
		if k != "SIMPLE" && k != "EXTEND" {
			writeBool(w, k, h.Bools[k], "")
		}
	}
	for _, c := range h.Comments {
		fmt.Fprintf(w, "COMMENT %-72.72s", c)
	}
	for _, c := range h.History {
		fmt.Fprintf(w, "HISTORY %-72.72s", c)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "BITPIX", "NAXIS", "NAXIS1", "NAXIS2", "NAXIS3", "EXTEND", "XTENSION", "EXTNAME",
			"PCOUNT", "GCOUNT", "BZERO", "BSCALE", "LTV1", "LTV2", "EXPTIME", "EXPOSURE":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pads the header to full blocks and writes it
func writeHeaderBlocks(w io.Writer, sb *strings.Builder) error {
	if rest := sb.Len() % fitsBlockSize; rest > 0 {
		sb.WriteString(strings.Repeat(" ", fitsBlockSize-rest))
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// Pads a data unit of n bytes to full blocks with zeros
func writePadding(w io.Writer, n int) error {
	if rest := n % fitsBlockSize; rest > 0 {
		_, err := w.Write(make([]byte, fitsBlockSize-rest))
		return err
	}
	return nil
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8.8s= %20s / %-47.47s", key, v, comment)
}

// Writes a FITS header integer value
func writeInt(w io.Writer, key string, value int, comment string) {
	fmt.Fprintf(w, "%-8.8s= %20d / %-47.47s", key, value, comment)
}

// Writes a FITS header int32 value
func writeInt32(w io.Writer, key string, value int32, comment string) {
	fmt.Fprintf(w, "%-8.8s= %20d / %-47.47s", key, value, comment)
}

// Writes a FITS header float32 value
func writeFloat32(w io.Writer, key string, value float32, comment string) {
	fmt.Fprintf(w, "%-8.8s= %20.8E / %-47.47s", key, value, comment)
}

// Writes a FITS header string value. Values longer than a single card are truncated
func writeString(w io.Writer, key, value, comment string) {
	value = strings.ReplaceAll(value, "'", "''")
	if len(value) > 68 {
		value = value[:68]
	}
	if len(value) < 8 {
		value += strings.Repeat(" ", 8-len(value))
	}
	card := fmt.Sprintf("%-8.8s= '%s'", key, value)
	if len(card) < 30 {
		card += strings.Repeat(" ", 30-len(card))
	}
	if len(card)+3 < HeaderLineSize {
		card += " / " + comment
	}
	fmt.Fprintf(w, "%-80.80s", card)
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", 80-3))
}

// Writes FITS binary body data in network byte order, followed by block padding.
// Optionally replaces NaNs with zeros for compatibility with other software
func writeFloat32Array(w io.Writer, data []float32, replaceNaNs bool) error {
	buf := make([]byte, bufLen)
	for block := 0; block < len(data); block += bufLen >> 2 {
		size := len(data) - block
		if size > bufLen>>2 {
			size = bufLen >> 2
		}
		for offset := 0; offset < size; offset++ {
			d := data[block+offset]
			if replaceNaNs && math.IsNaN(float64(d)) {
				d = 0
			}
			binary.BigEndian.PutUint32(buf[offset<<2:], math.Float32bits(d))
		}
		if _, err := w.Write(buf[:size<<2]); err != nil {
			return err
		}
	}
	return writePadding(w, len(data)*4)
}

// Writes mask bits as signed 32-bit integers, followed by block padding
func writeUint32Array(w io.Writer, data []uint32) error {
	buf := make([]byte, bufLen)
	for block := 0; block < len(data); block += bufLen >> 2 {
		size := len(data) - block
		if size > bufLen>>2 {
			size = bufLen >> 2
		}
		for offset := 0; offset < size; offset++ {
			binary.BigEndian.PutUint32(buf[offset<<2:], data[block+offset])
		}
		if _, err := w.Write(buf[:size<<2]); err != nil {
			return err
		}
	}
	return writePadding(w, len(data)*4)
}
