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
	"math"

	"github.com/mlnoga/nightdiff/internal/qsort"
	"github.com/valyala/fastrand"
)

// Maximum number of draws per sample when sampling within bounds
const maxDrawsPerSample = 64

// Calculates fast approximate median of the (presumably large) data by subsampling the given number of values and taking the median of that.
// Uses provided samples array as scratchpad. NaNs are never sampled
func FastApproxMedian(data []float32, samples []float32) float32 {
	return FastApproxBoundedMedian(data, float32(math.Inf(-1)), float32(math.Inf(1)), samples)
}

// Calculates fast approximate median of the data within [lowBound, highBound] by subsampling.
// Returns NaN if no samples within the bounds could be found
func FastApproxBoundedMedian(data []float32, lowBound, highBound float32, samples []float32) float32 {
	n := sampleBounded(data, lowBound, highBound, samples)
	if n == 0 {
		return float32(math.NaN())
	}
	return qsort.QSelectMedianFloat32(samples[:n])
}

// Calculates fast approximate Qn scale estimate of the (presumably large) data by subsampling the given number of pairs and taking the first quartile of that.
// Original paper http://web.ipac.caltech.edu/staff/fmasci/home/astro_refs/BetterThanMAD.pdf
func FastApproxQn(data []float32, samples []float32) float32 {
	return FastApproxBoundedQn(data, float32(math.Inf(-1)), float32(math.Inf(1)), samples)
}

// Calculates fast approximate Qn scale estimate of the data within [lowBound, highBound] by subsampling pairs.
// Returns NaN if no pairs within the bounds could be found
func FastApproxBoundedQn(data []float32, lowBound, highBound float32, samples []float32) float32 {
	if len(data) < 2 {
		return float32(math.NaN())
	}
	max := uint32(len(data))
	rng := fastrand.RNG{}
	n := 0
	for draws := 0; n < len(samples) && draws < maxDrawsPerSample*len(samples); draws++ {
		index1 := 1 + rng.Uint32n(max-1)
		d1 := data[index1]
		if !(d1 >= lowBound && d1 <= highBound) {
			continue
		}
		d2 := data[rng.Uint32n(index1)]
		if !(d2 >= lowBound && d2 <= highBound) {
			continue
		}
		samples[n] = float32(math.Abs(float64(d1 - d2)))
		n++
	}
	if n == 0 {
		return float32(math.NaN())
	}
	// normalize to Gaussian std dev, for large numSamples >>1000. Source for constant https://rdrr.io/cran/robustbase/man/Qn.html
	return qsort.QSelectFirstQuartileFloat32(samples[:n]) * 2.21914
}

// Draws samples from data within [lowBound, highBound] into samples. Returns the number of samples drawn
func sampleBounded(data []float32, lowBound, highBound float32, samples []float32) int {
	if len(data) == 0 {
		return 0
	}
	max := uint32(len(data))
	rng := fastrand.RNG{}
	n := 0
	for draws := 0; n < len(samples) && draws < maxDrawsPerSample*len(samples); draws++ {
		d := data[rng.Uint32n(max)]
		if d >= lowBound && d <= highBound {
			samples[n] = d
			n++
		}
	}
	return n
}

// Returns a rapid robust estimation of location and scale. Uses a fast approximate median based on randomized sampling,
// iteratively sigma clipped with a fast approximate Qn based on random sampling. Exits once the absolute change in
// location and scale is below epsilon.
func FastApproxSigmaClippedMedianAndQn(data []float32, sigmaLow, sigmaHigh float32, epsilon float32, numSamples int) (location, scale float32) {
	samples := make([]float32, numSamples)
	location = FastApproxMedian(data, samples)
	scale = FastApproxQn(data, samples)
	if math.IsNaN(float64(location)) || !(scale > 0) {
		return location, scale
	}

	for i := 0; ; i++ {
		lowBound := location - sigmaLow*scale
		highBound := location + sigmaHigh*scale

		newLocation := FastApproxBoundedMedian(data, lowBound, highBound, samples)
		newScale := FastApproxBoundedQn(data, lowBound, highBound, samples) * 1.134 // adjust for clipping
		if math.IsNaN(float64(newLocation)) || math.IsNaN(float64(newScale)) {
			return location, scale
		}

		// once converged, return results
		if float32(math.Abs(float64(newLocation-location))+math.Abs(float64(newScale-scale))) <= epsilon || i >= 10 {
			return newLocation, newScale
		}
		location, scale = newLocation, newScale
	}
}

// Calculates minimum, mean and maximum of the finite values of data
func MinMeanMax(data []float32) (min, mean, max float32) {
	min, max = float32(math.MaxFloat32), float32(-math.MaxFloat32)
	sum, n := float64(0), 0
	for _, d := range data {
		if math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) {
			continue
		}
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += float64(d)
		n++
	}
	if n == 0 {
		return float32(math.NaN()), float32(math.NaN()), float32(math.NaN())
	}
	return min, float32(sum / float64(n)), max
}
