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

// Package ops holds the execution context shared by all processing steps:
// log destination, thread and memory limits, and concurrent task execution.
package ops

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/klauspost/cpuid"
	"github.com/mlnoga/nightdiff/internal/fits"
	"github.com/mlnoga/nightdiff/internal/stats"
	"github.com/pbnjay/memory"
)

// An execution context for processing steps
type Context struct {
	Log        io.Writer
	MemoryMB   int // memory.TotalMemory()/1024/1024
	MaxThreads int `json:"maxThreads"`
}

// Serializes writes to an underlying log writer shared by concurrent tasks
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Wraps the writer so concurrent writes are serialized. A nil writer discards
func SyncWriter(w io.Writer) io.Writer {
	switch w.(type) {
	case nil:
		return io.Discard
	case *syncWriter:
		return w
	}
	if w == io.Discard {
		return w
	}
	return &syncWriter{w: w}
}

// Creates a context logging to the given writer, which is safe for use by concurrent tasks.
// If maxThreads is not positive, uses the number of physical cores
func NewContext(log io.Writer, maxThreads int) *Context {
	if maxThreads <= 0 {
		maxThreads = DefaultThreads()
	}
	return &Context{
		Log:        SyncWriter(log),
		MemoryMB:   int(memory.TotalMemory() / 1024 / 1024),
		MaxThreads: maxThreads,
	}
}

// Number of physical cores, or GOMAXPROCS if unknown
func DefaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// A unit of work returning an error
type Task func() error

// Runs all tasks with given concurrency limit, and returns the joined errors of all failed tasks
func RunAll(tasks []Task, maxThreads int) error {
	if len(tasks) == 0 {
		return nil
	}
	if maxThreads < 1 {
		maxThreads = 1
	}
	limiter := make(chan bool, maxThreads)
	errs := make(chan error, len(tasks))
	for _, task := range tasks {
		limiter <- true
		go func(theTask Task) {
			defer func() { <-limiter }()
			errs <- theTask()
		}(task)
	}
	for i := 0; i < cap(limiter); i++ { // wait for goroutines to finish
		limiter <- true
	}
	var joined []error
	for i := 0; i < len(tasks); i++ { // collect errors
		if e := <-errs; e != nil {
			joined = append(joined, e)
		}
	}
	return errors.Join(joined...)
}

// Number of concurrent tasks which fit into half the physical memory, if each needs
// bytesPerTask. Never more than MaxThreads, never less than one
func (c *Context) Budget(bytesPerTask int64) int {
	n := c.MaxThreads
	if bytesPerTask > 0 && c.MemoryMB > 0 {
		if fit := int(int64(c.MemoryMB) * 1024 * 1024 / 2 / bytesPerTask); fit < n {
			n = fit
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Loads a masked image from a file, and logs its geometry and value range
func (c *Context) LoadImage(id int, fileName string) (*fits.Image, error) {
	f, err := fits.NewImageFromFile(fileName, id, c.Log)
	if err != nil {
		return nil, fmt.Errorf("%d: loading %s: %w", id, fileName, err)
	}
	min, mean, max := stats.MinMeanMax(f.Data)
	warning := ""
	if max-min < 1e-8 {
		warning = "; WARNING low dynamic range"
	}
	fmt.Fprintf(c.Log, "%d: Loaded %s image with min %.4g mean %.4g max %.4g from %s%s\n",
		f.ID, f.DimensionsToString(), min, mean, max, f.FileName, warning)
	return f, nil
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) {
		return false // relative paths only
	}
	if strings.Contains(p, "..") {
		return false // no going outside the tree
	}
	return true
}

// Loads an image and logs its noise-normalized statistics, total unmasked flux and the names of all
// mask planes in use. Intended for inspecting difference images
func (c *Context) Stats(id int, fileName string) (*stats.DifferenceImageStatistics, error) {
	f, err := c.LoadImage(id, fileName)
	if err != nil {
		return nil, err
	}
	s := stats.NewDifferenceImageStatistics(f.Data, f.Mask, f.Variance)
	if err := s.FitHistogram(f.Data, f.Mask, f.Variance, 5, 64); err != nil {
		fmt.Fprintf(c.Log, "%d: histogram fit failed: %v\n", id, err)
	}
	counts := stats.FindCounts{}
	counts.Apply(f.Data, f.Mask)
	bits := stats.FindSetBits{}
	bits.Apply(f.Mask)
	fmt.Fprintf(c.Log, "%d: %s flux %.6g masks %v\n", id, s, counts.Counts, fits.MaskNamesFromBits(bits.Bits))
	return s, nil
}
