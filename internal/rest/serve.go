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


// Package rest exposes scheduling, planning and alignment over HTTP.
package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/framestack/internal/gpuplan"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/ops/post"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/report"
	"github.com/mlnoga/framestack/internal/schedule"
	"github.com/mlnoga/framestack/internal/stack"
)

// Serves one orchestrator. Stack files are addressed relative to Root
type Server struct {
	Orch    *stack.Orchestrator
	Root    string
	Camera  params.CameraParameters
	Control params.ControlSet
	Sets    params.FrameAliSet

	running sync.Mutex // held for the duration of an alignment request
}

func NewServer(o *stack.Orchestrator, root string, cam params.CameraParameters, cs params.ControlSet, sets params.FrameAliSet) *Server {
	return &Server{Orch: o, Root: root, Camera: cam, Control: cs, Sets: sets}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.GET("/status", s.getStatus)
			v1.POST("/schedule", postSchedule)
			v1.POST("/plan", postPlan)
			v1.POST("/align", s.postAlign)
		}
	}
	return r
}

// Listens and serves on addr, e.g. ":8080"
func (s *Server) Serve(addr string) error {
	return s.Router().Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Orch.Status())
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}

type postScheduleArgs struct {
	Schedule         schedule.Schedule `json:"schedule"`
	Exposure         float64           `json:"exposure"`
	ReadoutInterval  float64           `json:"readoutInterval"`
	SkipBefore       int               `json:"skipBefore"`
	SkipAfter        int               `json:"skipAfter"`
	FrameFrac        []float64         `json:"frameFrac"`
	SubframeFrac     []float64         `json:"subframeFrac"`
	AligningInServer bool              `json:"aligningInServer"`
	AlignFraction    int               `json:"alignFraction"`
}

type postScheduleResult struct {
	Schedule  schedule.Schedule  `json:"schedule"`
	Exposure  float64            `json:"exposure"`
	NumFrames int                `json:"numFrames"`
	Subframes []int              `json:"subframes"`
	Readouts  []schedule.Readout `json:"readouts"`
}

func postSchedule(c *gin.Context) {
	var args postScheduleArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.ReadoutInterval <= 0 || args.Exposure <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exposure and readout interval must be positive"})
		return
	}
	sched, exp := schedule.AdjustForExposure(args.Schedule, args.SkipBefore, args.SkipAfter, args.Exposure,
		args.ReadoutInterval, args.FrameFrac, args.SubframeFrac,
		schedule.Options{AligningInServer: args.AligningInServer, AlignFraction: args.AlignFraction})
	if err := sched.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, postScheduleResult{
		Schedule:  sched,
		Exposure:  exp,
		NumFrames: sched.NumFrames(),
		Subframes: sched.Expand(),
		Readouts:  sched.Readouts(args.SkipBefore),
	})
}

type postPlanArgs struct {
	Input gpuplan.Input  `json:"input"`
	Slack *gpuplan.Slack `json:"slack"`
}

type postPlanResult struct {
	gpuplan.Plan
	StageNames string `json:"stageNames"`
}

func postPlan(c *gin.Context) {
	var args postPlanArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if args.Input.Nx <= 0 || args.Input.Ny <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frame size must be positive"})
		return
	}
	slack := gpuplan.DefaultSlack
	if args.Slack != nil {
		slack = *args.Slack
	}
	plan := gpuplan.Evaluate(args.Input, slack, io.Discard)
	c.JSON(http.StatusOK, postPlanResult{Plan: plan, StageNames: plan.Stages.String()})
}

type postAlignArgs struct {
	Stack     string `json:"stack"     binding:"required"` // relative to the server root
	Save      bool   `json:"save"`                         // write the frames again, e.g. rotated
	Directory string `json:"directory"`                    // output directory for saved frames
	RootName  string `json:"rootName"`
	Sum       string `json:"sum"` // output file for the aligned sum, .mrc, .fits or .tif
	SumBin    int    `json:"sumBin"`
	ParamSet  int    `json:"paramSet"`
	Async     bool   `json:"async"`

	Post *ops.OpSequence `json:"post"` // post-processing of the sum, replaces sumBin
}

// Checks the save steps of a post-processing sequence and places their
// files below the server root
func (s *Server) rootSavePaths(seq *ops.OpSequence) (err error) {
	post.Visit(seq, func(op ops.Operator) {
		save, ok := op.(*post.OpSave)
		if !ok || save.FilePattern == "" || err != nil {
			return
		}
		if !ops.IsPathAllowed(save.FilePattern) {
			err = fmt.Errorf("path %s not allowed", save.FilePattern)
			return
		}
		save.FilePattern = filepath.Join(s.Root, save.FilePattern)
	})
	return err
}

// Aligns a stack file, streaming the log as plain text
func (s *Server) postAlign(c *gin.Context) {
	var args postAlignArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, p := range []string{args.Stack, args.Directory, args.Sum} {
		if p != "" && !ops.IsPathAllowed(p) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("path %s not allowed", p)})
			return
		}
	}
	if args.Post != nil {
		if err := s.rootSavePaths(args.Post); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if args.Save && args.RootName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "saving frames needs a root name"})
		return
	}
	if !s.running.TryLock() {
		c.JSON(http.StatusConflict, gin.H{"error": stack.Busy.Error()})
		return
	}
	defer s.running.Unlock()

	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)
	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}

	o := s.Orch
	prevLog, prevReport := o.Ctx.Log, o.Report
	o.Ctx.Log, o.Report = logWriter, report.NewWriterReporter(logWriter)
	defer func() { o.Ctx.Log, o.Report = prevLog, prevReport }()

	cs := s.Control
	cs.SaveFrames, cs.AlignFrames, cs.AlignInProcess = args.Save, true, true
	cs.FaParamSetInd, cs.Async = args.ParamSet, args.Async
	cam := s.Camera
	opts := stack.RunOptions{
		Control: &cs,
		Camera:  &cam,
		Paths:   params.Paths{Directory: filepath.Join(s.Root, args.Directory), RootName: args.RootName},
		Wanted:  func() bool { return c.Request.Context().Err() == nil },
	}
	e, err := o.AlignStackFile(filepath.Join(s.Root, args.Stack), opts, s.Sets)
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		return
	}
	res, err := e.Run(c.Request.Context())
	if err != nil {
		fmt.Fprintf(logWriter, "error: %s\n", err.Error())
	}
	if args.Sum != "" && res != nil && res.Sum != nil {
		name := filepath.Join(s.Root, args.Sum)
		steps := args.Post
		if steps == nil {
			steps = ops.NewOpSequence(post.NewOpBin(args.SumBin))
		}
		if err := o.WriteSum(res, name, cam.PixelSize, steps); err != nil {
			fmt.Fprintf(logWriter, "error: %s\n", err.Error())
		} else {
			fmt.Fprintf(logWriter, "Wrote aligned sum to %s\n", name)
		}
	}
	logWriter.Flush()
}
