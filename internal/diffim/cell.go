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
	"io"
)

// Quality status of a candidate model
type Status int

const (
	StatusUnknown Status = iota
	StatusGood
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// A candidate model competing for a spatial cell. Build fits the model and sets its
// status; a build error marks the model bad
type Model interface {
	Build() error
	IsBuilt() bool
	Status() Status
	SetStatus(s Status)
	Rating() float64 // Residual quality, lower is better
}

// A spatial sub-region of the image holding a list of competing candidate models.
// The current model only ever advances forward. If all candidates are rejected, the
// last one is retained and the cell becomes unusable
type Cell struct {
	Label      string
	ColC, RowC int // Reference center of the cell in parent coordinates

	models    []Model
	currentID int // -1 if the cell has no models
	fixed     bool
	log       io.Writer
}

// Creates a cell over the given candidate models. The first model becomes current,
// and is built on demand. Progress is logged to the given writer, if not nil
func NewCell(label string, colC, rowC int, models []Model, log io.Writer) *Cell {
	c := &Cell{Label: label, ColC: colC, RowC: rowC, models: models, currentID: -1, log: log}
	if len(models) > 0 {
		c.currentID = 0
	}
	return c
}

func (c *Cell) NModels() int      { return len(c.models) }
func (c *Cell) CurrentID() int    { return c.currentID }
func (c *Cell) IsFixed() bool     { return c.fixed }
func (c *Cell) Models() []Model   { return c.models }
func (c *Cell) SetFixed(fix bool) { c.fixed = fix }

// The current model, or nil if the cell has none
func (c *Cell) Current() Model {
	if c.currentID < 0 {
		return nil
	}
	return c.models[c.currentID]
}

// A cell is usable unless it has no models, or all of them were tried and rejected
func (c *Cell) IsUsable() bool {
	if c.currentID < 0 {
		return false
	}
	return !(c.currentID == len(c.models)-1 && c.models[c.currentID].Status() == StatusBad)
}

// Makes the model with given index current, and builds it if necessary. Ignored for fixed cells
func (c *Cell) SetCurrentID(id int) error {
	if id < 0 || id >= len(c.models) {
		return fmt.Errorf("%s: model index %d out of range [0,%d)", c.Label, id, len(c.models))
	}
	if c.fixed {
		return nil
	}
	c.currentID = id
	c.build()
	return nil
}

// Builds the current model if it has not been built yet. Build failures mark it bad
func (c *Cell) build() {
	m := c.models[c.currentID]
	if m.IsBuilt() {
		return
	}
	if err := m.Build(); err != nil {
		m.SetStatus(StatusBad)
		c.logf("%s: model %d rejected: %v\n", c.Label, c.currentID, err)
	}
}

// Advances to the next model and builds it. If the current model is the last,
// marks it bad and returns false. Fixed cells do not change
func (c *Cell) IncrementModel() bool {
	if c.fixed || c.currentID < 0 {
		return false
	}
	if c.currentID == len(c.models)-1 {
		c.models[c.currentID].SetStatus(StatusBad)
		return false
	}
	c.currentID++
	c.build()
	return true
}

// Advances through the models until one is good, or the last one is reached.
// Then fixes the selection if requested
func (c *Cell) SelectBestModel(fix bool) {
	if c.currentID < 0 {
		return
	}
	if !c.fixed {
		c.build()
		for c.models[c.currentID].Status() != StatusGood && c.currentID < len(c.models)-1 {
			c.IncrementModel()
		}
	}
	c.fixed = fix
	if m := c.Current(); m.Status() == StatusGood {
		c.logf("%s: selected model %d of %d with rating %.4g\n", c.Label, c.currentID, len(c.models), m.Rating())
	} else {
		c.logf("%s: no good model among %d\n", c.Label, len(c.models))
	}
}

func (c *Cell) logf(format string, args ...interface{}) {
	if c.log != nil {
		fmt.Fprintf(c.log, format, args...)
	}
}

func (c *Cell) String() string {
	return fmt.Sprintf("%s at %d,%d: model %d of %d, usable %v, fixed %v",
		c.Label, c.ColC, c.RowC, c.currentID, len(c.models), c.IsUsable(), c.fixed)
}
