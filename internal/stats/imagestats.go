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

package stats

import (
	"fmt"
	"math"
)

// Accumulates noise-normalized residual statistics over unmasked pixels:
// the pixel count, the sum of pixel/sqrt(variance) and the sum of pixel^2/variance.
// Pixels with any mask bit set, or with a variance that is not positive, are skipped.
type ImageStatistics struct {
	XSum  float64 // Sum of pixel/sqrt(variance)
	X2Sum float64 // Sum of pixel^2/variance
	NPix  int     // Number of pixels accumulated
}

// Creates empty image statistics
func NewImageStatistics() *ImageStatistics {
	return &ImageStatistics{}
}

// Resets the accumulators to zero
func (s *ImageStatistics) Reset() {
	s.XSum, s.X2Sum, s.NPix = 0, 0, 0
}

// Accumulates the given image, mask and variance planes, which must have equal length
func (s *ImageStatistics) Apply(data []float32, mask []uint32, variance []float32) {
	for i, d := range data {
		if mask[i] != 0 {
			continue
		}
		v := float64(variance[i])
		if !(v > 0) {
			continue
		}
		x := float64(d)
		s.XSum += x / math.Sqrt(v)
		s.X2Sum += x * x / v
		s.NPix++
	}
}

// Mean of the normalized residuals, NaN if no pixels were accumulated
func (s *ImageStatistics) Mean() float64 {
	if s.NPix < 1 {
		return math.NaN()
	}
	return s.XSum / float64(s.NPix)
}

// Unbiased sample variance of the normalized residuals, NaN for fewer than two pixels
func (s *ImageStatistics) Variance() float64 {
	if s.NPix < 2 {
		return math.NaN()
	}
	n := float64(s.NPix)
	mean := s.XSum / n
	return (s.X2Sum/n - mean*mean) * n / (n - 1)
}

// Pretty print image statistics to string
func (s *ImageStatistics) String() string {
	return fmt.Sprintf("NPix %d Mean %.4g Variance %.4g", s.NPix, s.Mean(), s.Variance())
}

// Accumulates the OR of all mask bits it is applied to
type FindSetBits struct {
	Bits uint32
}

// Resets the accumulated bits to zero
func (f *FindSetBits) Reset() {
	f.Bits = 0
}

// Accumulates the bits of the given mask plane section
func (f *FindSetBits) Apply(mask []uint32) {
	for _, m := range mask {
		f.Bits |= m
	}
}

// Sums the flux of all unmasked pixels it is applied to
type FindCounts struct {
	Counts float64
}

// Resets the accumulated flux to zero
func (f *FindCounts) Reset() {
	f.Counts = 0
}

// Accumulates the flux of the unmasked pixels of the given image and mask plane sections
func (f *FindCounts) Apply(data []float32, mask []uint32) {
	for i, d := range data {
		if mask[i] == 0 {
			f.Counts += float64(d)
		}
	}
}

// Residual quality of a difference image or a footprint thereof
type DifferenceImageStatistics struct {
	ResidualMean float64 // Mean of the noise-normalized residuals
	ResidualStd  float64 // Standard deviation of the noise-normalized residuals
	NPix         int     // Number of unmasked pixels

	Mode       float32 // Mode of the normalized residual histogram, NaN if not fitted
	ModeStdDev float32 // Standard deviation of the Gaussian fitted to the histogram, NaN if not fitted
}

// Computes difference image statistics over the unmasked pixels of the given planes
func NewDifferenceImageStatistics(data []float32, mask []uint32, variance []float32) *DifferenceImageStatistics {
	s := NewImageStatistics()
	s.Apply(data, mask, variance)
	return &DifferenceImageStatistics{
		ResidualMean: s.Mean(),
		ResidualStd:  clampedSqrt(s.Variance()),
		NPix:         s.NPix,
		Mode:         float32(math.NaN()),
		ModeStdDev:   float32(math.NaN()),
	}
}

// Square root of a variance which may have rounded slightly below zero. NaN stays NaN
func clampedSqrt(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	return math.Sqrt(math.Max(0, v))
}

// Returns true if residual mean and standard deviation lie within the given bounds.
// NaN statistics fail the quality bar
func (d *DifferenceImageStatistics) EvaluateQuality(maxMean, maxStd float64) bool {
	if !(math.Abs(d.ResidualMean) <= maxMean) {
		return false
	}
	if !(d.ResidualStd <= maxStd) {
		return false
	}
	return true
}

// Fits a Gaussian to the histogram of normalized residuals within +-clip sigma,
// and stores its mode and standard deviation
func (d *DifferenceImageStatistics) FitHistogram(data []float32, mask []uint32, variance []float32, clip float32, numBins int) error {
	normalized := make([]float32, 0, len(data))
	for i, x := range data {
		if mask[i] != 0 || !(variance[i] > 0) {
			continue
		}
		r := x / float32(math.Sqrt(float64(variance[i])))
		if r >= -clip && r <= clip {
			normalized = append(normalized, r)
		}
	}
	if len(normalized) < numBins {
		return fmt.Errorf("too few residuals for histogram fit: %d < %d", len(normalized), numBins)
	}
	bins := make([]int32, numBins)
	Histogram(normalized, -clip, clip, bins)
	sigma0 := float32(d.ResidualStd)
	if !(sigma0 > 0) {
		sigma0 = 1
	}
	mode, stdDev, err := GetModeStdDevFromHistogram(bins, -clip, clip, sigma0)
	if err != nil {
		return err
	}
	d.Mode, d.ModeStdDev = mode, stdDev
	return nil
}

// Pretty print difference image statistics to string
func (d *DifferenceImageStatistics) String() string {
	return fmt.Sprintf("NPix %d ResidualMean %.4g ResidualStd %.4g Mode %.4g ModeStdDev %.4g",
		d.NPix, d.ResidualMean, d.ResidualStd, d.Mode, d.ModeStdDev)
}
