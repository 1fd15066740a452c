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

package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/nightdiff/internal/config"
	"github.com/mlnoga/nightdiff/internal/diffim"
	"github.com/mlnoga/nightdiff/internal/ops"
)

// Creates the router for the REST API
func NewRouter() *gin.Engine {
	r := gin.Default()
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/diff", postDiff)
			v1.POST("/stats", postStats)
		}
	}
	return r
}

// Listens and serves the REST API on the given address, e.g. ":8080"
func Serve(addr string) error {
	return NewRouter().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

// Rejects the request unless all non-empty paths are relative and stay within the working directory
func checkPaths(c *gin.Context, paths ...string) bool {
	for _, p := range paths {
		if p != "" && !ops.IsPathAllowed(p) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("path not allowed: %s", p)})
			return false
		}
	}
	return true
}

// Switches the response to a plain text log stream
func startLog(c *gin.Context) gin.ResponseWriter {
	logWriter := c.Writer
	logWriter.Header().Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)
	return logWriter
}

type postDiffArgs struct {
	Template string         `json:"template" binding:"required"`
	Science  string         `json:"science"  binding:"required"`
	Outputs  diffim.Outputs `json:"outputs"`
	Policy   *config.Policy `json:"policy"`
}

func postDiff(c *gin.Context) {
	var args postDiffArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !checkPaths(c, args.Template, args.Science, args.Outputs.FITS, args.Outputs.JPG) {
		return
	}
	if args.Policy == nil {
		args.Policy = config.NewPolicyDefaults()
	}
	if err := args.Policy.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logWriter := startLog(c)
	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	ctx := ops.NewContext(logWriter, args.Policy.MaxThreads)
	res, err := diffim.SubtractFiles(args.Template, args.Science, args.Outputs, args.Policy, ctx)
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	} else {
		fmt.Fprintf(logWriter, "Run %s used %d cells and %d footprints\n", res.RunID, res.NCellsUsed, len(res.Footprints))
	}
	logWriter.Flush()
}

type postStatsArgs struct {
	Files []string `json:"files" binding:"required"`
}

func postStats(c *gin.Context) {
	var args postStatsArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !checkPaths(c, args.Files...) {
		return
	}

	logWriter := startLog(c)
	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}
	ctx := ops.NewContext(logWriter, 0)
	for i, f := range args.Files {
		if _, err := ctx.Stats(i, f); err != nil {
			fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		}
	}
	logWriter.Flush()
}
