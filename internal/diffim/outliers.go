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
	"math"

	mfstats "github.com/montanaflynn/stats"
)

// Kernel sum of the current candidate of a cell, if the cell is usable and the candidate has a good solution
func currentKernelSum(c *Cell) (float64, bool) {
	if !c.IsUsable() {
		return 0, false
	}
	kc, ok := c.Current().(*KernelCandidate)
	if !ok || kc.Status() != StatusGood || kc.Solution() == nil {
		return 0, false
	}
	return kc.Solution().KernelSum, true
}

// Iteratively rejects cells whose current kernel sum deviates from the mean over all cells by more than
// maxSigma population standard deviations. Rejected candidates are marked bad, and their cells advance
// to the next good candidate. Stops after maxIter passes, or when a pass rejects nothing. Returns the
// total number of rejected candidates
func RejectKernelSumOutliers(cells []*Cell, maxIter int, maxSigma float64, log io.Writer) (int, error) {
	total := 0
	for iter := 0; iter < maxIter; iter++ {
		sums := mfstats.Float64Data{}
		for _, c := range cells {
			if s, ok := currentKernelSum(c); ok {
				sums = append(sums, s)
			}
		}
		if len(sums) < 2 {
			return total, nil
		}
		mean, err := mfstats.Mean(sums)
		if err != nil {
			return total, err
		}
		sigma, err := mfstats.StandardDeviationPopulation(sums)
		if err != nil {
			return total, err
		}
		median, err := mfstats.Median(sums)
		if err != nil {
			return total, err
		}
		fmt.Fprintf(log, "Pass %d: kernel sum over %d cells mean %.6g median %.6g stdev %.4g\n", iter, len(sums), mean, median, sigma)
		if !(sigma > 0) {
			return total, nil
		}

		rejected := 0
		for _, c := range cells {
			s, ok := currentKernelSum(c)
			if !ok || c.IsFixed() || math.Abs(s-mean) <= maxSigma*sigma {
				continue
			}
			fmt.Fprintf(log, "%s: kernel sum %.6g deviates from mean by %.2f sigma, rejecting model %d\n",
				c.Label, s, math.Abs(s-mean)/sigma, c.CurrentID())
			c.Current().SetStatus(StatusBad)
			c.IncrementModel()
			c.SelectBestModel(false)
			rejected++
		}
		total += rejected
		if rejected == 0 {
			break
		}
	}
	return total, nil
}
