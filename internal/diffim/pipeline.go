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
	"time"

	"github.com/google/uuid"
	"github.com/mlnoga/nightdiff/internal/config"
	"github.com/mlnoga/nightdiff/internal/detect"
	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/ops"
	"github.com/mlnoga/nightdiff/internal/spatial"
	"github.com/mlnoga/nightdiff/internal/stats"
)

// Number of histogram bins and clipping range in sigma for the final residual fit
const (
	histogramBins = 64
	histogramClip = 5
)

// Outcome of an image subtraction run
type Result struct {
	RunID      uuid.UUID
	Difference *fits.Image
	Kernel     *kernel.LinearCombinationKernel
	Background *spatial.Function
	Footprints []*detect.Footprint
	Cells      []*Cell
	NCellsUsed int
	Stats      *stats.DifferenceImageStatistics
}

// Matches the template PSF to the science image and subtracts. Selects clean footprints, fits a kernel
// per cell candidate, rejects kernel sum outliers, models the kernel and background spatially, and
// convolves and subtracts with the spatial model
func Subtract(template, science *fits.Image, p *config.Policy, c *ops.Context) (*Result, error) {
	start := time.Now()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if err := fits.CheckCoregistered(template, science); err != nil {
		return nil, err
	}
	res := &Result{RunID: uuid.New()}
	fmt.Fprintf(c.Log, "Run %s: subtracting %d from %d\n", res.RunID, template.ID, science.ID)

	basis, err := p.MakeBasis()
	if err != nil {
		return nil, err
	}
	family, err := p.SpatialFamily()
	if err != nil {
		return nil, err
	}
	sp, err := p.SelectParams()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Log, "Using %d %s basis kernels of size %dx%d\n", len(basis), p.KernelBasisSet, p.KernelCols, p.KernelRows)

	res.Footprints, err = detect.SelectFootprints(template, science, sp, c.Log)
	if err != nil {
		return nil, err
	}

	images := &ImagePair{Template: template, Science: science}
	opts := SolveOptions{
		FitForBackground:          p.FitForBackground,
		ConstantVarianceWeighting: p.ConstantVarianceWeighting,
		CheckConditionNumber:      p.CheckConditionNumber,
		MaxConditionNumber:        p.MaxConditionNumber,
	}
	quality := Quality{MaxMean: p.MaximumFootprintResidualMean, MaxStd: p.MaximumFootprintResidualStd}
	candidates := make([]*KernelCandidate, len(res.Footprints))
	maxStamp := 0
	for i, fp := range res.Footprints {
		candidates[i] = NewKernelCandidate(fp, images, basis, opts, quality)
		if a := fp.BBox.Dx() * fp.BBox.Dy(); a > maxStamp {
			maxStamp = a
		}
	}
	// cells log from concurrent tasks below
	res.Cells, err = MakeCells(candidates, template.Bounds(), p.NSegmentCol, p.NSegmentRow, ops.SyncWriter(c.Log))
	if err != nil {
		return nil, err
	}

	// cells select independently of each other
	tasks := make([]ops.Task, len(res.Cells))
	for i, cell := range res.Cells {
		cell := cell
		tasks[i] = func() error {
			cell.SelectBestModel(false)
			return nil
		}
	}
	threads := c.Budget(SolveBytes(maxStamp, len(basis)))
	if err := ops.RunAll(tasks, threads); err != nil {
		return nil, err
	}

	if _, err := RejectKernelSumOutliers(res.Cells, p.MaxOutlierIterations, p.MaxOutlierSigma, c.Log); err != nil {
		return nil, err
	}

	visitor := NewSpatialKernelVisitor(basis, template.Bounds(), family, p.KernelSpatialOrder, p.BackgroundSpatialOrder, p.FitForBackground)
	for _, cell := range res.Cells {
		visitor.ProcessCandidate(cell)
	}
	res.NCellsUsed = visitor.NCandidates()
	fmt.Fprintf(c.Log, "Fitting spatial model over %d of %d cells\n", res.NCellsUsed, len(res.Cells))
	if err := visitor.Solve(); err != nil {
		return nil, err
	}
	res.Kernel, res.Background, err = visitor.GetSolutionPair()
	if err != nil {
		return nil, err
	}
	ctrX, ctrY := center(template)
	fmt.Fprintf(c.Log, "Spatial kernel sum at center %.6g, background %s\n", res.Kernel.Sum(ctrX, ctrY), res.Background)

	res.Difference, err = ConvolveAndSubtract(template, science, res.Kernel, FunctionBackground(res.Background),
		SubtractOptions{Invert: p.Invert, ConvolveVariance: p.ConvolveVariance, MaxThreads: c.MaxThreads})
	if err != nil {
		return nil, err
	}
	d := res.Difference
	d.ID = science.ID
	d.Header.Strings["RUNID"] = res.RunID.String()
	d.Header.Ints["NCELLS"] = int32(res.NCellsUsed)
	d.Header.Ints["NFOOTPR"] = int32(len(res.Footprints))
	d.Header.Floats["KSUM"] = float32(res.Kernel.Sum(ctrX, ctrY))

	res.Stats = stats.NewDifferenceImageStatistics(d.Data, d.Mask, d.Variance)
	if err := res.Stats.FitHistogram(d.Data, d.Mask, d.Variance, histogramClip, histogramBins); err != nil {
		fmt.Fprintf(c.Log, "%d: histogram fit failed: %v\n", d.ID, err)
	}
	fmt.Fprintf(c.Log, "%d: Difference image %s in %v\n", d.ID, res.Stats, time.Since(start))
	return res, nil
}

// Center of the image in parent coordinates
func center(img *fits.Image) (x, y float64) {
	b := img.Bounds()
	return float64(b.Min.X+b.Max.X-1) / 2, float64(b.Min.Y+b.Max.Y-1) / 2
}
