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
	"image"
	"io"
)

// Splits the region into nCol x nRow cells in row-major order, and assigns each candidate
// to the cell containing the center of its footprint bounding box. Candidates keep their
// relative order within a cell. Cells without candidates are created, but are not usable
func MakeCells(candidates []*KernelCandidate, bbox image.Rectangle, nCol, nRow int, log io.Writer) ([]*Cell, error) {
	if nCol < 1 || nRow < 1 {
		return nil, fmt.Errorf("need a positive cell grid, got %dx%d", nCol, nRow)
	}
	if bbox.Dx() < nCol || bbox.Dy() < nRow {
		return nil, fmt.Errorf("cannot split region %v into %dx%d cells", bbox, nCol, nRow)
	}
	models := make([][]Model, nCol*nRow)
	for _, c := range candidates {
		x, y := c.Position()
		col := cellIndex(int(x), bbox.Min.X, bbox.Dx(), nCol)
		row := cellIndex(int(y), bbox.Min.Y, bbox.Dy(), nRow)
		if col < 0 || row < 0 {
			fmt.Fprintf(log, "fp%d: center %.1f,%.1f outside region %v, skipped\n", c.Footprint.ID, x, y, bbox)
			continue
		}
		models[row*nCol+col] = append(models[row*nCol+col], c)
	}

	cells := make([]*Cell, nCol*nRow)
	for row := 0; row < nRow; row++ {
		y0, y1 := bbox.Min.Y+row*bbox.Dy()/nRow, bbox.Min.Y+(row+1)*bbox.Dy()/nRow
		for col := 0; col < nCol; col++ {
			x0, x1 := bbox.Min.X+col*bbox.Dx()/nCol, bbox.Min.X+(col+1)*bbox.Dx()/nCol
			i := row*nCol + col
			cells[i] = NewCell(fmt.Sprintf("c%d", i), (x0+x1)/2, (y0+y1)/2, models[i], log)
		}
	}
	fmt.Fprintf(log, "Assigned %d candidates to %dx%d cells\n", len(candidates), nCol, nRow)
	return cells, nil
}

// Index of the cell containing coordinate v along an axis of given origin and size, -1 if outside
func cellIndex(v, min, size, n int) int {
	if v < min || v >= min+size {
		return -1
	}
	i := (v - min) * n / size
	if i >= n {
		i = n - 1
	}
	return i
}
