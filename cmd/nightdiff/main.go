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

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/klauspost/cpuid"
	nl "github.com/mlnoga/nightdiff/internal"
	"github.com/mlnoga/nightdiff/internal/config"
	"github.com/mlnoga/nightdiff/internal/diffim"
	"github.com/mlnoga/nightdiff/internal/ops"
	"github.com/mlnoga/nightdiff/internal/rest"
	"github.com/pbnjay/memory"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "diff.fits", "save difference image to `file`")
var jpg = flag.String("jpg", "%auto", "save 8bit preview of difference image as JPEG to `file`. `%auto` replaces suffix of output file with .jpg")
var log = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")

var policy = flag.String("policy", "", "load differencing policy from YAML `file`; flags below override its values")
var savePolicy = flag.String("savePolicy", "", "save effective differencing policy as YAML to `file`")

var threads = flag.Int("threads", 0, "maximum number of concurrent threads, 0=number of physical cores")

var addr = flag.String("addr", ":8080", "listen address for the serve command")
var chroot = flag.String("chroot", "", "change filesystem root to `dir` before serving (requires root)")
var setuid = flag.Int("setuid", -1, "change user id to `uid` before serving, -1=no op")

// Policy overrides. Only flags given on the command line are applied
var kernelCols = flag.Int("kernelCols", 19, "kernel width in pixels, odd")
var kernelRows = flag.Int("kernelRows", 19, "kernel height in pixels, odd")
var basis = flag.String("basis", config.BasisDeltaFunction, "kernel basis set, one of delta-function or alard-lupton")
var detThreshold = flag.Float64("detThreshold", 10, "initial footprint detection threshold")
var detThresholdType = flag.String("detThresholdType", "stdev", "detection threshold type, one of value, stdev, variance, pixel_stdev")
var minCleanFp = flag.Int("minCleanFp", 50, "minimum number of clean footprints before lowering the detection threshold stops")
var nSegCol = flag.Int("nSegCol", 4, "number of spatial cells along x")
var nSegRow = flag.Int("nSegRow", 4, "number of spatial cells along y")
var kOrder = flag.Int("kOrder", 1, "spatial order of the kernel coefficients")
var bgOrder = flag.Int("bgOrder", 1, "spatial order of the differential background")
var spatialFunc = flag.String("spatial", "polynomial", "spatial function family, one of polynomial or chebyshev")
var invert = flag.Bool("invert", true, "compute science minus convolved template instead of the reverse")
var convVar = flag.Bool("convVar", false, "propagate convolved template variance into the difference image")

func main() {
	logWriter := nl.LogWriter()
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(os.Stdout, `Nightdiff Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (diff|stats|basis|serve|legal|version) (img0.fits ... imgn.fits)

Commands:
  diff    Subtract PSF-matched template from science image. Inputs are treated as template and science in that order
  stats   Show difference image statistics
  basis   Show the basis kernel set of the effective policy
  serve   Serve the REST API
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	// Initialize logging to file in addition to stdout, if selected
	if *log == "%auto" {
		if *out != "" {
			*log = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".log"
		} else {
			*log = ""
		}
	}
	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		return
	}
	if *log != "" && args[0] == "diff" {
		if err := nl.LogAlsoToFile(*log); err != nil {
			nl.LogFatalf("Unable to open logfile '%s': %s\n", *log, err.Error())
		}
	}

	// Also auto-select JPEG output target
	if *jpg == "%auto" {
		if *out != "" {
			*jpg = strings.TrimSuffix(*out, filepath.Ext(*out)) + ".jpg"
		} else {
			*jpg = ""
		}
	}

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			nl.LogFatal("Could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			nl.LogFatal("Could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	p, err := loadPolicy()
	if err != nil {
		nl.LogFatal(err)
	}

	// run actions
	switch args[0] {
	case "diff":
		err = cmdDiff(args[1:], p, logWriter)

	case "stats":
		ctx := ops.NewContext(logWriter, *threads)
		for i, f := range args[1:] {
			if _, e := ctx.Stats(i, f); e != nil {
				fmt.Fprintf(logWriter, "%d: Error: %s\n", i, e.Error())
				err = e
			}
		}

	case "basis":
		err = cmdBasis(p, logWriter)

	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid, logWriter); err == nil {
			fmt.Fprintf(logWriter, "Serving REST API on %s\n", *addr)
			err = rest.Serve(*addr)
		}

	case "legal":
		cmdLegal(logWriter)

	case "version":
		fmt.Fprintf(logWriter, "Version %s\n", version)
		fmt.Fprintf(logWriter, "Running on %s with %d physical cores, %d logical cores and %d MiB of memory\n",
			cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, memory.TotalMemory()/1024/1024)

	case "help", "?":
		flag.Usage()

	default:
		fmt.Fprintf(logWriter, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	elapsed := time.Since(start)
	fmt.Fprintf(logWriter, "\nDone after %v\n", elapsed)

	// Store memory profile if flagged
	if *memprofile != "" {
		f, e := os.Create(*memprofile)
		if e != nil {
			nl.LogFatal("Could not create memory profile: ", e)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if e := pprof.Lookup("allocs").WriteTo(f, 0); e != nil {
			nl.LogFatal("Could not write allocation profile: ", e)
		}
	}

	if err != nil {
		fmt.Fprintf(logWriter, "Error: %s\n", err.Error())
		nl.LogSync()
		os.Exit(-1)
	}
	nl.LogSync()
}

// Loads the policy file if given, applies command line overrides, validates and optionally saves the result
func loadPolicy() (*config.Policy, error) {
	p := config.NewPolicyDefaults()
	if *policy != "" {
		var err error
		if p, err = config.LoadPolicy(*policy); err != nil {
			return nil, err
		}
	}
	if *threads > 0 {
		p.MaxThreads = *threads
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "kernelCols":
			p.KernelCols = *kernelCols
		case "kernelRows":
			p.KernelRows = *kernelRows
		case "basis":
			p.KernelBasisSet = *basis
		case "detThreshold":
			p.DetThreshold = *detThreshold
		case "detThresholdType":
			p.DetThresholdType = *detThresholdType
		case "minCleanFp":
			p.MinCleanFp = *minCleanFp
		case "nSegCol":
			p.NSegmentCol = *nSegCol
		case "nSegRow":
			p.NSegmentRow = *nSegRow
		case "kOrder":
			p.KernelSpatialOrder = *kOrder
		case "bgOrder":
			p.BackgroundSpatialOrder = *bgOrder
		case "spatial":
			p.SpatialFunction = *spatialFunc
		case "invert":
			p.Invert = *invert
		case "convVar":
			p.ConvolveVariance = *convVar
		}
	})
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if *savePolicy != "" {
		if err := p.SavePolicy(*savePolicy); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Perform the image differencing command
func cmdDiff(args []string, p *config.Policy, logWriter io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("need exactly two input files, template and science, got %d", len(args))
	}
	m, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "\nDifferencing with these settings:\n%s\n", string(m))

	ctx := ops.NewContext(logWriter, p.MaxThreads)
	res, err := diffim.SubtractFiles(args[0], args[1], diffim.Outputs{FITS: *out, JPG: *jpg}, p, ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "\nRun %s used %d of %d cells and %d footprints\n", res.RunID, res.NCellsUsed, len(res.Cells), len(res.Footprints))
	if res.Stats != nil {
		fmt.Fprintf(logWriter, "Difference %s\n", res.Stats)
	}
	return nil
}

// Show the basis kernel set of the effective policy
func cmdBasis(p *config.Policy, logWriter io.Writer) error {
	basis, err := p.MakeBasis()
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s basis with %d kernels of %dx%d pixels:\n", p.KernelBasisSet, len(basis), p.KernelCols, p.KernelRows)
	for i, k := range basis {
		fmt.Fprintf(logWriter, "%4d: sum %.6g\n", i, k.Sum())
	}
	return nil
}
