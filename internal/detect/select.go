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

package detect

import (
	"errors"
	"fmt"
	"io"

	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/ops"
	"github.com/mlnoga/nightdiff/internal/stats"
)

// ErrNoCleanFootprints is returned when no footprint survives selection at the lowest threshold
var ErrNoCleanFootprints = errors.New("unable to find any footprints for PSF matching")

// Parameters for footprint selection
type SelectParams struct {
	NpixMin          int           // Minimum number of detected pixels
	NpixMax          int           // Maximum number of detected pixels
	KernelCols       int           // Kernel width, for the grow radius
	KernelRows       int           // Kernel height, for the grow radius
	GrowKsize        float64       // Grow radius in units of the larger kernel dimension
	MinCleanFp       int           // Lower the threshold until this many clean footprints are found
	Threshold        float64       // Initial detection threshold
	ThresholdScaling float64       // Multiplier applied to the threshold after each pass
	ThresholdMin     float64       // Threshold floor
	ThresholdType    ThresholdType // Statistic the threshold refers to
	DetOnTemplate    bool          // Detect on the template, else on the science image
}

// Grow radius in pixels
func (p *SelectParams) GrowPixels() int {
	k := p.KernelCols
	if p.KernelRows > k {
		k = p.KernelRows
	}
	return int(p.GrowKsize * float64(k))
}

// Selects clean footprints for kernel fitting from two co-registered images. Detects sources above a threshold,
// grows each by the kernel size, and keeps those with detected pixel count within bounds, whose grown bounding box
// lies strictly inside the image, and which contain no masked pixels in either image nor overlap a footprint
// already accepted in the same pass. Lowers the threshold until enough footprints are found or the floor is reached.
// At least one pass is always made. Mask planes of the inputs are not modified
func SelectFootprints(template, science *fits.Image, p SelectParams, logWriter io.Writer) ([]*Footprint, error) {
	if err := fits.CheckCoregistered(template, science); err != nil {
		return nil, err
	}
	detImg := template
	if !p.DetOnTemplate {
		detImg = science
	}
	levels := Levels{}
	if p.ThresholdType == ThresholdStdev || p.ThresholdType == ThresholdVariance {
		levels = NewLevels(detImg)
		fmt.Fprintf(logWriter, "%d: Detection levels location %.4g scale %.4g\n", detImg.ID, levels.Location, levels.Scale)
	}

	// scratch plane marking accepted footprints, scoped to this call
	scratch := ops.PoolUint8.GetCleared(len(template.Data))
	defer ops.PoolUint8.Put(scratch)

	growPix := p.GrowPixels()
	threshold := p.Threshold
	var clean []*Footprint
	for {
		clean = selectPass(template, science, detImg, p, levels, threshold, growPix, scratch, logWriter)
		fmt.Fprintf(logWriter, "%d: Found %d clean footprints above threshold %.3f %s\n",
			detImg.ID, len(clean), threshold, p.ThresholdType)
		threshold *= p.ThresholdScaling
		if len(clean) >= p.MinCleanFp || !(threshold > p.ThresholdMin) {
			break
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("%d: threshold floor %.3f reached: %w", detImg.ID, p.ThresholdMin, ErrNoCleanFootprints)
	}
	return clean, nil
}

// Runs one detection pass at the given threshold. Clears and uses the scratch plane
func selectPass(template, science, detImg *fits.Image, p SelectParams, levels Levels, threshold float64,
	growPix int, scratch []uint8, logWriter io.Writer) []*Footprint {
	for i := range scratch {
		scratch[i] = 0
	}
	bounds := template.Bounds()
	interior := bounds.Inset(1)
	raw := Detect(detImg, threshold, p.ThresholdType, levels, p.NpixMin)

	clean := []*Footprint{}
	fsb := stats.FindSetBits{}
	for _, fp := range raw {
		if fp.Detected < p.NpixMin || fp.Detected > p.NpixMax {
			fmt.Fprintf(logWriter, "fp%d: %d pixels outside [%d,%d], skipping\n", fp.ID, fp.Detected, p.NpixMin, p.NpixMax)
			continue
		}
		grown := Grow(fp, growPix)
		if !grown.BBox.In(interior) {
			fmt.Fprintf(logWriter, "fp%d: grown box %v not inside %v, skipping\n", fp.ID, grown.BBox, interior)
			continue
		}

		fsb.Reset()
		grown.forEachSpan(bounds, func(i0, i1 int) { fsb.Apply(template.Mask[i0:i1]) })
		if fsb.Bits != 0 {
			fmt.Fprintf(logWriter, "fp%d: masked pixels %v in template, skipping\n", fp.ID, fits.MaskNamesFromBits(fsb.Bits))
			continue
		}
		grown.forEachSpan(bounds, func(i0, i1 int) { fsb.Apply(science.Mask[i0:i1]) })
		if fsb.Bits != 0 {
			fmt.Fprintf(logWriter, "fp%d: masked pixels %v in science image, skipping\n", fp.ID, fits.MaskNamesFromBits(fsb.Bits))
			continue
		}
		overlap := false
		grown.forEachSpan(bounds, func(i0, i1 int) {
			for _, s := range scratch[i0:i1] {
				if s != 0 {
					overlap = true
				}
			}
		})
		if overlap {
			fmt.Fprintf(logWriter, "fp%d: overlaps an accepted footprint, skipping\n", fp.ID)
			continue
		}

		grown.forEachSpan(bounds, func(i0, i1 int) {
			for i := i0; i < i1; i++ {
				scratch[i] = 1
			}
		})
		grown.ID = len(clean)
		clean = append(clean, grown)
	}
	return clean
}

