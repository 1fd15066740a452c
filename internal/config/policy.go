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

// Package config holds the policy controlling footprint selection, kernel fitting,
// spatial modeling and subtraction.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mlnoga/nightdiff/internal/detect"
	"github.com/mlnoga/nightdiff/internal/kernel"
	"github.com/mlnoga/nightdiff/internal/spatial"
	"gopkg.in/yaml.v3"
)

// Names of the supported basis kernel sets
const (
	BasisDeltaFunction = "delta-function"
	BasisAlardLupton   = "alard-lupton"
)

// All recognized options for image differencing
type Policy struct {
	// Basis kernel set
	KernelCols     int       `json:"kernelCols"     yaml:"kernelCols"`
	KernelRows     int       `json:"kernelRows"     yaml:"kernelRows"`
	KernelBasisSet string    `json:"kernelBasisSet" yaml:"kernelBasisSet"`
	AlardSigGauss  []float64 `json:"alardSigGauss"  yaml:"alardSigGauss"`
	AlardDegGauss  []int     `json:"alardDegGauss"  yaml:"alardDegGauss"`

	// Footprint selection
	FpNpixMin           int     `json:"fpNpixMin"           yaml:"fpNpixMin"`
	FpNpixMax           int     `json:"fpNpixMax"           yaml:"fpNpixMax"`
	FpGrowKsize         float64 `json:"fpGrowKsize"         yaml:"fpGrowKsize"`
	MinCleanFp          int     `json:"minCleanFp"          yaml:"minCleanFp"`
	DetThreshold        float64 `json:"detThreshold"        yaml:"detThreshold"`
	DetThresholdScaling float64 `json:"detThresholdScaling" yaml:"detThresholdScaling"`
	DetThresholdMin     float64 `json:"detThresholdMin"     yaml:"detThresholdMin"`
	DetThresholdType    string  `json:"detThresholdType"    yaml:"detThresholdType"`
	DetOnTemplate       bool    `json:"detOnTemplate"       yaml:"detOnTemplate"`

	// Per-footprint kernel solution
	FitForBackground             bool    `json:"fitForBackground"             yaml:"fitForBackground"`
	ConstantVarianceWeighting    bool    `json:"constantVarianceWeighting"    yaml:"constantVarianceWeighting"`
	CheckConditionNumber         bool    `json:"checkConditionNumber"         yaml:"checkConditionNumber"`
	MaxConditionNumber           float64 `json:"maxConditionNumber"           yaml:"maxConditionNumber"`
	MaximumFootprintResidualMean float64 `json:"maximumFootprintResidualMean" yaml:"maximumFootprintResidualMean"`
	MaximumFootprintResidualStd  float64 `json:"maximumFootprintResidualStd"  yaml:"maximumFootprintResidualStd"`

	// Spatial model
	SpatialFunction        string  `json:"spatialFunction"        yaml:"spatialFunction"`
	KernelSpatialOrder     int     `json:"kernelSpatialOrder"     yaml:"kernelSpatialOrder"`
	BackgroundSpatialOrder int     `json:"backgroundSpatialOrder" yaml:"backgroundSpatialOrder"`
	NSegmentCol            int     `json:"nSegmentCol"            yaml:"nSegmentCol"`
	NSegmentRow            int     `json:"nSegmentRow"            yaml:"nSegmentRow"`
	MaxOutlierIterations   int     `json:"maxOutlierIterations"   yaml:"maxOutlierIterations"`
	MaxOutlierSigma        float64 `json:"maxOutlierSigma"        yaml:"maxOutlierSigma"`

	// Subtraction
	Invert           bool `json:"invert"           yaml:"invert"`
	ConvolveVariance bool `json:"convolveVariance" yaml:"convolveVariance"`

	// Execution
	MaxThreads int `json:"maxThreads" yaml:"maxThreads"`
}

// Returns a policy with default values
func NewPolicyDefaults() *Policy {
	return &Policy{
		KernelCols:     19,
		KernelRows:     19,
		KernelBasisSet: BasisDeltaFunction,
		AlardSigGauss:  []float64{0.7, 1.5, 3.0},
		AlardDegGauss:  []int{4, 3, 2},

		FpNpixMin:           5,
		FpNpixMax:           1500,
		FpGrowKsize:         1.0,
		MinCleanFp:          50,
		DetThreshold:        10.0,
		DetThresholdScaling: 0.75,
		DetThresholdMin:     5.0,
		DetThresholdType:    "stdev",
		DetOnTemplate:       true,

		FitForBackground:             true,
		ConstantVarianceWeighting:    false,
		CheckConditionNumber:         false,
		MaxConditionNumber:           5.0e7,
		MaximumFootprintResidualMean: 1.0,
		MaximumFootprintResidualStd:  1.5,

		SpatialFunction:        "polynomial",
		KernelSpatialOrder:     1,
		BackgroundSpatialOrder: 1,
		NSegmentCol:            4,
		NSegmentRow:            4,
		MaxOutlierIterations:   5,
		MaxOutlierSigma:        5.0,

		Invert:           true,
		ConvolveVariance: false,

		MaxThreads: 0,
	}
}

// Unmarshal a policy from JSON, with defaults for all omitted values
func (p *Policy) UnmarshalJSON(data []byte) error {
	type defaults Policy
	def := defaults(*NewPolicyDefaults())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*p = Policy(def)
	return nil
}

// Loads a policy from a YAML file, with defaults for all omitted values.
// Returns the defaults if the file does not exist
func LoadPolicy(path string) (*Policy, error) {
	p := NewPolicyDefaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	} else if err != nil {
		return nil, fmt.Errorf("error reading policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("error parsing policy file %s: %w", path, err)
	}
	return p, nil
}

// Saves the policy to a YAML file, creating the directory if necessary
func (p *Policy) SavePolicy(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating policy directory: %w", err)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("error marshaling policy: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing policy file: %w", err)
	}
	return nil
}

// Checks the policy for inconsistent settings
func (p *Policy) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(p.KernelCols > 0 && p.KernelCols%2 == 1, "kernelCols must be odd and positive, got %d", p.KernelCols)
	check(p.KernelRows > 0 && p.KernelRows%2 == 1, "kernelRows must be odd and positive, got %d", p.KernelRows)
	check(p.KernelBasisSet == BasisDeltaFunction || p.KernelBasisSet == BasisAlardLupton,
		"unknown kernelBasisSet %s", p.KernelBasisSet)
	if p.KernelBasisSet == BasisAlardLupton {
		check(len(p.AlardSigGauss) > 0 && len(p.AlardSigGauss) == len(p.AlardDegGauss),
			"need one alardDegGauss per alardSigGauss, got %d sigmas and %d degrees", len(p.AlardSigGauss), len(p.AlardDegGauss))
	}
	check(p.FpNpixMin > 0 && p.FpNpixMin <= p.FpNpixMax, "need 0 < fpNpixMin <= fpNpixMax, got %d and %d", p.FpNpixMin, p.FpNpixMax)
	check(p.FpGrowKsize >= 0, "fpGrowKsize must not be negative, got %g", p.FpGrowKsize)
	check(p.MinCleanFp > 0, "minCleanFp must be positive, got %d", p.MinCleanFp)
	check(p.DetThresholdScaling > 0 && p.DetThresholdScaling < 1, "detThresholdScaling must be in (0,1), got %g", p.DetThresholdScaling)
	_, err := detect.ThresholdTypeFromName(p.DetThresholdType)
	check(err == nil, "unknown detThresholdType %s", p.DetThresholdType)
	check(p.MaxConditionNumber > 0, "maxConditionNumber must be positive, got %g", p.MaxConditionNumber)
	check(p.MaximumFootprintResidualMean > 0, "maximumFootprintResidualMean must be positive, got %g", p.MaximumFootprintResidualMean)
	check(p.MaximumFootprintResidualStd > 0, "maximumFootprintResidualStd must be positive, got %g", p.MaximumFootprintResidualStd)
	_, err = spatial.FamilyFromName(p.SpatialFunction)
	check(err == nil, "unknown spatialFunction %s", p.SpatialFunction)
	check(p.KernelSpatialOrder >= 0, "kernelSpatialOrder must not be negative, got %d", p.KernelSpatialOrder)
	check(p.BackgroundSpatialOrder >= 0, "backgroundSpatialOrder must not be negative, got %d", p.BackgroundSpatialOrder)
	check(p.NSegmentCol > 0 && p.NSegmentRow > 0, "need positive nSegmentCol and nSegmentRow, got %d and %d", p.NSegmentCol, p.NSegmentRow)
	check(p.MaxOutlierIterations >= 0, "maxOutlierIterations must not be negative, got %d", p.MaxOutlierIterations)
	check(p.MaxOutlierSigma > 0, "maxOutlierSigma must be positive, got %g", p.MaxOutlierSigma)
	check(p.MaxThreads >= 0, "maxThreads must not be negative, got %d", p.MaxThreads)
	return errors.Join(errs...)
}

// Parameters for footprint selection
func (p *Policy) SelectParams() (detect.SelectParams, error) {
	tt, err := detect.ThresholdTypeFromName(p.DetThresholdType)
	if err != nil {
		return detect.SelectParams{}, err
	}
	return detect.SelectParams{
		NpixMin:          p.FpNpixMin,
		NpixMax:          p.FpNpixMax,
		KernelCols:       p.KernelCols,
		KernelRows:       p.KernelRows,
		GrowKsize:        p.FpGrowKsize,
		MinCleanFp:       p.MinCleanFp,
		Threshold:        p.DetThreshold,
		ThresholdScaling: p.DetThresholdScaling,
		ThresholdMin:     p.DetThresholdMin,
		ThresholdType:    tt,
		DetOnTemplate:    p.DetOnTemplate,
	}, nil
}

// Creates the basis kernel set
func (p *Policy) MakeBasis() ([]*kernel.FixedKernel, error) {
	switch p.KernelBasisSet {
	case BasisDeltaFunction:
		return kernel.DeltaFunctionBasis(p.KernelCols, p.KernelRows)
	case BasisAlardLupton:
		return kernel.AlardLuptonBasis(p.KernelCols, p.KernelRows, p.AlardSigGauss, p.AlardDegGauss)
	default:
		return nil, fmt.Errorf("unknown kernelBasisSet %s", p.KernelBasisSet)
	}
}

// Family of the spatial functions for kernel coefficients and background
func (p *Policy) SpatialFamily() (spatial.Basis1D, error) {
	return spatial.FamilyFromName(p.SpatialFunction)
}
