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
	"math"

	"github.com/mlnoga/nightdiff/internal/detect"
	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/stats"
)

// Read-only pair of co-registered images that candidates extract their stamps from
type ImagePair struct {
	Template *fits.Image
	Science  *fits.Image
}

// Acceptance bounds on the noise-normalized residuals of a candidate
type Quality struct {
	MaxMean float64
	MaxStd  float64
}

// A kernel fit candidate for one footprint. Holds the footprint region and a handle to the
// image pair; the stamps are extracted on Build and not retained
type KernelCandidate struct {
	Footprint *detect.Footprint

	images  *ImagePair
	basis   []*kernel.FixedKernel
	opts    SolveOptions
	quality Quality

	solution *KernelSolution
	stats    *stats.DifferenceImageStatistics
	status   Status
	built    bool
}

// Creates an unbuilt candidate for the given footprint
func NewKernelCandidate(fp *detect.Footprint, images *ImagePair, basis []*kernel.FixedKernel,
	opts SolveOptions, quality Quality) *KernelCandidate {
	return &KernelCandidate{Footprint: fp, images: images, basis: basis, opts: opts, quality: quality}
}

func (c *KernelCandidate) IsBuilt() bool      { return c.built }
func (c *KernelCandidate) Status() Status     { return c.status }
func (c *KernelCandidate) SetStatus(s Status) { c.status = s }

// The kernel solution, nil if not built or the fit failed
func (c *KernelCandidate) Solution() *KernelSolution { return c.solution }

// Residual statistics over the footprint, nil if not built or the fit failed
func (c *KernelCandidate) Stats() *stats.DifferenceImageStatistics { return c.stats }

// Standard deviation of the normalized residuals, +Inf if unknown
func (c *KernelCandidate) Rating() float64 {
	if c.stats == nil || math.IsNaN(c.stats.ResidualStd) {
		return math.Inf(1)
	}
	return c.stats.ResidualStd
}

// Fits the kernel to the footprint stamps, then applies it back to the footprint
// and rates the residuals against the quality bounds
func (c *KernelCandidate) Build() error {
	c.built = true
	c.status = StatusBad
	tStamp, err := c.images.Template.SubImage(c.Footprint.BBox)
	if err != nil {
		return err
	}
	sStamp, err := c.images.Science.SubImage(c.Footprint.BBox)
	if err != nil {
		return err
	}
	sol, err := SolveKernel(tStamp, sStamp, c.basis, c.opts)
	if err != nil {
		return err
	}
	c.solution = sol

	diff, err := ConvolveAndSubtract(tStamp, sStamp, sol.Kernel, ScalarBackground(sol.Background),
		SubtractOptions{Invert: true, ConvolveVariance: true, MaxThreads: 1})
	if err != nil {
		return err
	}
	c.stats = stats.NewDifferenceImageStatistics(diff.Data, diff.Mask, diff.Variance)
	if !c.stats.EvaluateQuality(c.quality.MaxMean, c.quality.MaxStd) {
		return fmt.Errorf("fp%d: residuals %s outside mean %.3g std %.3g", c.Footprint.ID, c.stats, c.quality.MaxMean, c.quality.MaxStd)
	}
	c.status = StatusGood
	return nil
}

// Reference position of the candidate in parent coordinates
func (c *KernelCandidate) Position() (x, y float64) {
	return c.Footprint.Center()
}

func (c *KernelCandidate) String() string {
	return fmt.Sprintf("fp%d at %v: %v", c.Footprint.ID, c.Footprint.BBox, c.status)
}
