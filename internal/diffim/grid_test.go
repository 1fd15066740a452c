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
	"image"
	"io"
	"testing"
)

func TestMakeCells(t *testing.T) {
	bbox := image.Rect(0, 0, 100, 100)
	cands := []*KernelCandidate{
		solvedCandidate(0, 10, 10, StatusGood, []float64{1}, 0),
		solvedCandidate(1, 80, 10, StatusGood, []float64{1}, 0),
		solvedCandidate(2, 10, 80, StatusGood, []float64{1}, 0),
		solvedCandidate(3, 30, 40, StatusGood, []float64{1}, 0),
	}
	cells, err := MakeCells(cands, bbox, 2, 2, io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if len(cells) != 4 {
		t.Fatalf("got %d cells want 4", len(cells))
	}
	cases := []struct {
		label      string
		colC, rowC int
		models     []*KernelCandidate
	}{
		{"c0", 25, 25, []*KernelCandidate{cands[0], cands[3]}},
		{"c1", 75, 25, []*KernelCandidate{cands[1]}},
		{"c2", 25, 75, []*KernelCandidate{cands[2]}},
		{"c3", 75, 75, nil},
	}
	for i, c := range cases {
		cell := cells[i]
		if cell.Label != c.label || cell.ColC != c.colC || cell.RowC != c.rowC {
			t.Errorf("cell %d: got %s at %d,%d want %s at %d,%d", i, cell.Label, cell.ColC, cell.RowC, c.label, c.colC, c.rowC)
		}
		if cell.NModels() != len(c.models) {
			t.Errorf("cell %d: got %d models want %d", i, cell.NModels(), len(c.models))
			continue
		}
		for j, m := range cell.Models() {
			if m != Model(c.models[j]) {
				t.Errorf("cell %d model %d: got %v want %v", i, j, m, c.models[j])
			}
		}
	}
	if cells[3].IsUsable() {
		t.Errorf("empty cell usable")
	}

	if _, err := MakeCells(cands, bbox, 0, 2, io.Discard); err == nil {
		t.Errorf("expected error for empty grid")
	}
}
