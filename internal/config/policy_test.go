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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mlnoga/nightdiff/internal/detect"
)

func TestDefaultsValidate(t *testing.T) {
	if err := NewPolicyDefaults().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		modify func(p *Policy)
	}{
		{"even kernel", func(p *Policy) { p.KernelCols = 18 }},
		{"basis set", func(p *Policy) { p.KernelBasisSet = "pca" }},
		{"alard degrees", func(p *Policy) { p.KernelBasisSet = BasisAlardLupton; p.AlardDegGauss = []int{1} }},
		{"npix bounds", func(p *Policy) { p.FpNpixMin = 2000 }},
		{"scaling", func(p *Policy) { p.DetThresholdScaling = 1.5 }},
		{"threshold type", func(p *Policy) { p.DetThresholdType = "sigma" }},
		{"spatial family", func(p *Policy) { p.SpatialFunction = "legendre" }},
		{"grid", func(p *Policy) { p.NSegmentRow = 0 }},
	}
	for _, c := range cases {
		p := NewPolicyDefaults()
		c.modify(p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestUnmarshalJSONKeepsDefaults(t *testing.T) {
	p := Policy{}
	if err := json.Unmarshal([]byte(`{"kernelCols": 9, "invert": false}`), &p); err != nil {
		t.Fatal(err)
	}
	if p.KernelCols != 9 || p.Invert {
		t.Errorf("explicit values not applied: %+v", p)
	}
	if p.KernelRows != 19 || p.MinCleanFp != 50 || !p.FitForBackground || p.DetThresholdType != "stdev" {
		t.Errorf("defaults not retained: %+v", p)
	}
}

func TestLoadSavePolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "policy.yaml")

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.KernelCols != 19 {
		t.Errorf("missing file should yield defaults, got kernelCols %d", p.KernelCols)
	}

	p.KernelBasisSet = BasisAlardLupton
	p.AlardSigGauss = []float64{1, 2}
	p.AlardDegGauss = []int{2, 1}
	p.NSegmentCol = 3
	if err := p.SavePolicy(path); err != nil {
		t.Fatal(err)
	}
	q, err := LoadPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if q.KernelBasisSet != BasisAlardLupton || q.NSegmentCol != 3 || len(q.AlardSigGauss) != 2 || q.AlardDegGauss[1] != 1 {
		t.Errorf("round trip mismatch: %+v", q)
	}

	partial := filepath.Join(dir, "partial.yaml")
	if err := os.WriteFile(partial, []byte("minCleanFp: 3\ndetThresholdType: value\n"), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := LoadPolicy(partial)
	if err != nil {
		t.Fatal(err)
	}
	if r.MinCleanFp != 3 || r.DetThresholdType != "value" || r.KernelCols != 19 {
		t.Errorf("partial file not merged onto defaults: %+v", r)
	}
}

func TestDerivedSettings(t *testing.T) {
	p := NewPolicyDefaults()
	p.KernelCols, p.KernelRows = 5, 3
	p.DetThresholdType = "pixel_stdev"
	sp, err := p.SelectParams()
	if err != nil {
		t.Fatal(err)
	}
	if sp.ThresholdType != detect.ThresholdPixelStdev || sp.GrowPixels() != 5 {
		t.Errorf("got %+v", sp)
	}
	basis, err := p.MakeBasis()
	if err != nil {
		t.Fatal(err)
	}
	if len(basis) != 15 {
		t.Errorf("got %d basis kernels want 15", len(basis))
	}
	if fam, err := p.SpatialFamily(); err != nil || fam.Name() != "polynomial" {
		t.Errorf("got family %v, %v", fam, err)
	}
}
