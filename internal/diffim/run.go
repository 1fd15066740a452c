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

	"github.com/mlnoga/nightdiff/internal/config"
	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/ops"
)

// Sigma range and quality of the difference image JPEG preview
const (
	previewSigma   = 5
	previewQuality = 95
)

// Output files of a subtraction run. Empty names are not written
type Outputs struct {
	FITS string `json:"out"`
	JPG  string `json:"jpg"`
}

// Loads template and science images from file, subtracts them and writes the outputs
func SubtractFiles(templateFile, scienceFile string, out Outputs, p *config.Policy, c *ops.Context) (*Result, error) {
	template, err := c.LoadImage(0, templateFile)
	if err != nil {
		return nil, err
	}
	science, err := c.LoadImage(1, scienceFile)
	if err != nil {
		return nil, err
	}
	res, err := Subtract(template, science, p, c)
	if err != nil {
		return nil, err
	}
	if out.FITS != "" {
		fmt.Fprintf(c.Log, "%d: Writing difference image to %s\n", res.Difference.ID, out.FITS)
		if err := res.Difference.WriteFile(out.FITS); err != nil {
			return res, fmt.Errorf("writing %s: %w", out.FITS, err)
		}
	}
	if out.JPG != "" {
		fmt.Fprintf(c.Log, "%d: Writing preview to %s\n", res.Difference.ID, out.JPG)
		if err := res.Difference.WriteDiffJPGToFile(out.JPG, previewSigma, fits.MaskBad|fits.MaskEdge, previewQuality); err != nil {
			return res, fmt.Errorf("writing %s: %w", out.JPG, err)
		}
	}
	return res, nil
}
