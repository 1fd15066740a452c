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
	"testing"

	"github.com/valyala/fastrand"
)

// Gaussian random numbers via Box-Muller
func gaussians(seed uint32, n int, mu, sigma float64) []float32 {
	rng := fastrand.RNG{}
	rng.Seed(seed)
	res := make([]float32, n)
	for i := range res {
		u1 := (float64(rng.Uint32()) + 1) / (math.MaxUint32 + 2)
		u2 := float64(rng.Uint32()) / (math.MaxUint32 + 1)
		res[i] = float32(mu + sigma*math.Sqrt(-2*math.Log(u1))*math.Cos(2*math.Pi*u2))
	}
	return res
}

func constant(n int, v float32) []float32 {
	res := make([]float32, n)
	for i := range res {
		res[i] = v
	}
	return res
}

func TestImageStatisticsZeroResiduals(t *testing.T) {
	for _, n := range []int{0, 1, 2, 100} {
		s := NewImageStatistics()
		s.Apply(make([]float32, n), make([]uint32, n), constant(n, 1))
		if s.NPix != n {
			t.Errorf("n=%d: got NPix %d", n, s.NPix)
		}
		mean, variance := s.Mean(), s.Variance()
		if n == 0 {
			if !math.IsNaN(mean) {
				t.Errorf("n=%d: got mean %g want NaN", n, mean)
			}
		} else if mean != 0 {
			t.Errorf("n=%d: got mean %g want 0", n, mean)
		}
		if n <= 1 {
			if !math.IsNaN(variance) {
				t.Errorf("n=%d: got variance %g want NaN", n, variance)
			}
		} else if variance != 0 {
			t.Errorf("n=%d: got variance %g want 0", n, variance)
		}
	}
}

func TestImageStatisticsUnitVariance(t *testing.T) {
	tests := []struct {
		n   int
		eps float64
	}{
		{1000, 0.15},
		{100000, 0.02},
	}
	for _, test := range tests {
		data := gaussians(uint32(test.n), test.n, 0, 2)
		s := NewImageStatistics()
		s.Apply(data, make([]uint32, test.n), constant(test.n, 4))
		if math.Abs(s.Variance()-1) > test.eps {
			t.Errorf("n=%d: got variance %g want 1+-%g", test.n, s.Variance(), test.eps)
		}
		if math.Abs(s.Mean()) > test.eps {
			t.Errorf("n=%d: got mean %g want 0+-%g", test.n, s.Mean(), test.eps)
		}
	}
}

func TestImageStatisticsSkipsMaskedAndInvalidVariance(t *testing.T) {
	data := []float32{1, 100, 3, 5}
	mask := []uint32{0, 4, 0, 0}
	variance := []float32{1, 1, 1, 0}
	s := NewImageStatistics()
	s.Apply(data, mask, variance)
	if s.NPix != 2 || s.XSum != 4 || s.X2Sum != 10 {
		t.Errorf("got %v; want NPix 2 XSum 4 X2Sum 10", s)
	}
	if got := s.Variance(); got != 2 {
		t.Errorf("got variance %g want 2", got)
	}
}

func TestFindSetBitsAndCounts(t *testing.T) {
	mask := []uint32{0, 1, 0, 8, 0}
	var fsb FindSetBits
	fsb.Apply(mask[:1])
	if fsb.Bits != 0 {
		t.Errorf("got bits %d want 0", fsb.Bits)
	}
	fsb.Apply(mask)
	if fsb.Bits != 9 {
		t.Errorf("got bits %d want 9", fsb.Bits)
	}
	fsb.Reset()
	if fsb.Bits != 0 {
		t.Errorf("got bits %d after reset", fsb.Bits)
	}

	var fc FindCounts
	fc.Apply([]float32{1, 2, 3, 4, 5}, mask)
	if fc.Counts != 9 {
		t.Errorf("got counts %g want 9", fc.Counts)
	}
}

func TestDifferenceImageStatisticsConstantResiduals(t *testing.T) {
	for _, n := range []int{3, 10, 100, 1000, 7777} {
		for _, c := range []float32{0.1, 0.3, 1e-3, 0.7, 1.1, 3e-5} {
			data := make([]float32, n)
			variance := make([]float32, n)
			for i := range data {
				data[i], variance[i] = c, 1
			}
			d := NewDifferenceImageStatistics(data, make([]uint32, n), variance)
			if !(d.ResidualStd >= 0 && d.ResidualStd < 1e-3) {
				t.Errorf("n %d c %g: got std %g want 0", n, c, d.ResidualStd)
			}
			if !d.EvaluateQuality(1.5, 1.5) {
				t.Errorf("n %d c %g: constant residuals rejected", n, c)
			}
		}
	}

	d := NewDifferenceImageStatistics([]float32{0.5}, []uint32{0}, []float32{1})
	if !math.IsNaN(d.ResidualStd) {
		t.Errorf("single pixel: got std %g want NaN", d.ResidualStd)
	}
}

func TestEvaluateQuality(t *testing.T) {
	tests := []struct {
		mean, std float64
		want      bool
	}{
		{0, 1, true},
		{-0.5, 1.2, true},
		{-2, 1, false},
		{0, 2, false},
		{math.NaN(), 1, false},
		{0, math.NaN(), false},
	}
	for _, test := range tests {
		d := &DifferenceImageStatistics{ResidualMean: test.mean, ResidualStd: test.std}
		if got := d.EvaluateQuality(1, 1.5); got != test.want {
			t.Errorf("mean %g std %g: got %v want %v", test.mean, test.std, got, test.want)
		}
	}
}

func TestDifferenceImageStatisticsHistogram(t *testing.T) {
	n := 200000
	data := gaussians(3, n, 0.5, 1)
	d := NewDifferenceImageStatistics(data, make([]uint32, n), constant(n, 1))
	if math.Abs(d.ResidualMean-0.5) > 0.02 || math.Abs(d.ResidualStd-1) > 0.02 {
		t.Errorf("got %v; want mean 0.5 std 1", d)
	}
	if err := d.FitHistogram(data, make([]uint32, n), constant(n, 1), 5, 201); err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(d.Mode)-0.5) > 0.1 || math.Abs(float64(d.ModeStdDev)-1) > 0.1 {
		t.Errorf("got mode %g stddev %g; want 0.5 and 1", d.Mode, d.ModeStdDev)
	}
}

func TestFastApproxSigmaClippedMedianAndQn(t *testing.T) {
	data := gaussians(11, 100000, 100, 5)
	loc, scale := FastApproxSigmaClippedMedianAndQn(data, 2, 2, 1e-3, 16*1024)
	if math.Abs(float64(loc)-100) > 0.5 {
		t.Errorf("got location %g want 100", loc)
	}
	if math.Abs(float64(scale)-5) > 0.75 {
		t.Errorf("got scale %g want 5", scale)
	}
}
