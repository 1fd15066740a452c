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
	"fmt"
	"sort"
	"strings"
)

// Mask plane bits
const (
	MaskBad uint32 = 1 << iota
	MaskSat
	MaskIntrp
	MaskCR
	MaskEdge
	MaskDetected
	MaskDetectedNegative
)

// Names of the mask planes, as written to the MASK extension header
var MaskPlanes = map[string]uint32{
	"BAD":               MaskBad,
	"SAT":               MaskSat,
	"INTRP":             MaskIntrp,
	"CR":                MaskCR,
	"EDGE":              MaskEdge,
	"DETECTED":          MaskDetected,
	"DETECTED_NEGATIVE": MaskDetectedNegative,
}

// Returns the OR of the bits of the named mask planes
func MaskBitsFromNames(names []string) (bits uint32, err error) {
	for _, n := range names {
		b, ok := MaskPlanes[strings.ToUpper(n)]
		if !ok {
			return 0, fmt.Errorf("unknown mask plane %s", n)
		}
		bits |= b
	}
	return bits, nil
}

// Returns the names of the mask planes set in bits, in sorted order
func MaskNamesFromBits(bits uint32) []string {
	names := []string{}
	for n, b := range MaskPlanes {
		if bits&b != 0 {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// Sets the given bits on every pixel of the mask plane where pred(x,y) holds.
// Coordinates are in the parent frame
func (f *Image) SetMaskBits(bits uint32, pred func(x, y int) bool) {
	w, h := f.Width(), f.Height()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if pred(x+int(f.X0), y+int(f.Y0)) {
				f.Mask[y*w+x] |= bits
			}
		}
	}
}

// Clears the given bits on all pixels of the mask plane
func (f *Image) ClearMaskBits(bits uint32) {
	for i := range f.Mask {
		f.Mask[i] &^= bits
	}
}
