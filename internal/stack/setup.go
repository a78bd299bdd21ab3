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



// Package stack orchestrates capturing, saving and aligning frame stacks.
package stack

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mlnoga/framestack/internal/align"
	"github.com/mlnoga/framestack/internal/comfile"
	"github.com/mlnoga/framestack/internal/gpuplan"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/pool"
	"github.com/mlnoga/framestack/internal/report"
	"github.com/mlnoga/framestack/internal/schedule"
	"github.com/mlnoga/framestack/internal/sidecar"
	"gopkg.in/yaml.v2"
)

// Lifecycle state of the orchestrator
type State int

const (
	Idle State = iota
	Initialized
	Streaming
	Finalizing
)

var stateNames = []string{"idle", "initialized", "streaming", "finalizing"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Receives the list of readouts to sum into each saved frame, e.g. a camera
// plugin or the local writer
type ReadoutConfigurer interface {
	ConfigureReadouts(fileName string, readouts []schedule.Readout) error
}

// Writes the readout list as YAML next to the frames
type YAMLReadouts struct{}

func (YAMLReadouts) ConfigureReadouts(fileName string, readouts []schedule.Readout) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	if err := yaml.NewEncoder(f).Encode(struct {
		Readouts []schedule.Readout `yaml:"readouts"`
	}{readouts}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Drives stacking and alignment of frames. Long-lived collaborators live here,
// while all per-run state lives in an Episode
type Orchestrator struct {
	Ctx           *ops.Context
	Report        report.Reporter
	Engine        align.Engine
	Alloc         pool.Allocator
	Slack         gpuplan.Slack
	Sidecar       *sidecar.Store // optional
	Readouts      ReadoutConfigurer
	AsyncTimeout  time.Duration
	HostMemoryMax float64 // bytes, 0 for the context's stack memory
	MaxReadErrors int     // consecutive failed reads ending an episode

	session Session
	mutex   sync.Mutex
	state   State
	episode *Episode
}

func New(c *ops.Context, r report.Reporter, e align.Engine) *Orchestrator {
	if c == nil {
		c = ops.NewContext(io.Discard)
	}
	if c.Log == nil {
		c.Log = io.Discard
	}
	if r == nil {
		r = report.NewWriterReporter(c.Log)
	}
	return &Orchestrator{
		Ctx:           c,
		Report:        r,
		Engine:        e,
		Alloc:         pool.Shared{},
		Slack:         gpuplan.DefaultSlack,
		Readouts:      YAMLReadouts{},
		AsyncTimeout:  30 * time.Second,
		MaxReadErrors: 10,
	}
}

func (o *Orchestrator) log() io.Writer { return o.Ctx.Log }

func (o *Orchestrator) setState(s State) {
	o.mutex.Lock()
	o.state = s
	o.mutex.Unlock()
}

func (o *Orchestrator) State() State {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.state
}

// True while an episode holds the camera
func (o *Orchestrator) Busy() bool { return o.session.Busy() }

// Progress of the current or most recent episode
type Status struct {
	State   State  `json:"state"`
	Token   string `json:"token,omitempty"`
	Frame   int    `json:"frame"`
	Frames  int    `json:"frames"`
	Stacked int    `json:"stacked"`
	Aligned int    `json:"aligned"`
}

func (o *Orchestrator) Status() Status {
	o.mutex.Lock()
	st, ep := o.state, o.episode
	o.mutex.Unlock()
	s := Status{State: st, Token: o.session.Token()}
	if ep != nil {
		s.Frame, s.Frames, s.Stacked, s.Aligned = ep.progress()
	}
	return s
}

// Alignment resolved for one run
type Alignment struct {
	Params params.FrameAliParams
	Plan   gpuplan.Plan
	Init   align.InitParams
}

// Inputs of SetupFrameAlignment
type AlignRequest struct {
	Control   *params.ControlSet
	Camera    *params.CameraParameters
	Sets      params.FrameAliSet
	GpuMemory float64 // bytes
	UseGpu    [2]bool // for summing and preprocessing, for aligning
	NumFrames int
	FrameNx   int // size the frame source delivers, 0 if not known yet
	FrameNy   int
}

// Resolves the alignment parameters, sizes the frames, plans GPU use and
// initializes the engine. Nothing is retained on failure
func (o *Orchestrator) SetupFrameAlignment(req AlignRequest) (*Alignment, error) {
	if o.Busy() {
		return nil, newError(Busy, errors.New("cannot reinitialize the engine while frames are processed"))
	}
	cs, cam := req.Control, req.Camera
	fa := req.Sets.Resolve(cs.FaParamSetInd)
	if err := fa.Validate(); err != nil {
		return nil, newError(AlignInit, err)
	}
	nx, ny := cs.FrameSize(cam)
	if req.FrameNx > 0 && (req.FrameNx != nx || req.FrameNy != ny) {
		return nil, newError(AlignSize, fmt.Errorf("frames are %dx%d, acquisition is %dx%d", req.FrameNx, req.FrameNy, nx, ny))
	}
	if nx/fa.AliBinning < 16 || ny/fa.AliBinning < 16 {
		return nil, newError(AlignSize, fmt.Errorf("%dx%d frames too small for binning %d", nx, ny, fa.AliBinning))
	}

	gpuMemory := 0.0
	if (req.UseGpu[0] || req.UseGpu[1]) && o.Engine.GpuAvailable(req.GpuMemory) {
		gpuMemory = req.GpuMemory
	}
	hostMax := o.HostMemoryMax
	if hostMax <= 0 {
		hostMax = o.Ctx.StackMemory()
	}
	numAligned := fa.NumAligned(req.NumFrames)
	in := PlanInput(cs, cam, &fa, numAligned, gpuMemory, hostMax)
	plan := gpuplan.Evaluate(in, o.Slack, o.log())
	if !req.UseGpu[0] {
		plan.Stages &^= gpuplan.GpuForSumming | gpuplan.GpuDoEvenOdd | gpuplan.GpuDoPreprocess
	}
	if !req.UseGpu[1] {
		plan.Stages &^= gpuplan.GpuForAligning | gpuplan.GpuDoNoiseTaper | gpuplan.GpuDoBinPad
	}
	for _, w := range plan.Warnings {
		o.Report.Report(report.Warning, w)
	}

	a := &Alignment{Params: fa, Plan: plan, Init: align.NewInitParams(&fa, nx, ny, 1, numAligned, plan)}
	if err := o.Engine.Initialize(a.Init); err != nil {
		o.Engine.Cleanup()
		return nil, newError(AlignInit, err)
	}
	o.setState(Initialized)
	return a, nil
}

// Describes an alignment run of numAligned frames to the GPU budget planner
func PlanInput(cs *params.ControlSet, cam *params.CameraParameters, fa *params.FrameAliParams, numAligned int, gpuMemory, hostMax float64) gpuplan.Input {
	nx, ny := cs.FrameSize(cam)
	return gpuplan.Input{
		Nx:              nx,
		Ny:              ny,
		BytesPerPixel:   cam.BytesPerPixel,
		NumFrames:       numAligned,
		GainNormalize:   !cam.VendorNormalizes && cam.GainRef != "",
		DefectCorrect:   !cam.VendorNormalizes && cam.DefectFile != "",
		Truncate:        fa.TruncLimit > 0,
		SumBinning:      1,
		AliBinning:      fa.AliBinning,
		NumAllVsAll:     fa.NumAllVsAll(numAligned),
		GroupSize:       fa.GroupSize,
		RefineIter:      fa.RefineIter,
		NumFilters:      len(fa.Bands),
		Spline:          fa.DoSpline(numAligned),
		WantFRC:         fa.WantFRC,
		GpuMemory:       gpuMemory,
		HostMemoryLimit: hostMax,
	}
}

// Validates the save directory, creating it once if needed
func ensureDirectory(dir string) error {
	if dir == "" {
		return newError(DirMissing, nil)
	}
	st, err := os.Stat(dir)
	if err == nil {
		if !st.IsDir() {
			return newError(DirMissing, fmt.Errorf("%s is not a directory", dir))
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return newError(DirMissing, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return newError(DirCreate, err)
	}
	return nil
}

// Backs up an existing stack of the same name
func backupStack(fileName string) error {
	if err := mrc.BackupExisting(fileName); err != nil {
		if errors.Is(err, mrc.ErrBackupExists) {
			return newError(BackupExists, err)
		}
		return newError(BackupRename, err)
	}
	return nil
}

// Inputs of SetupConfigFile
type ConfigRequest struct {
	Control   *params.ControlSet
	Camera    *params.CameraParameters
	Paths     params.Paths
	Sets      params.FrameAliSet
	GpuMemory float64
	UseGpu    [2]bool
}

// Prepares saving frames: validates the directory, sets up alignment in process
// if requested, backs up an existing stack and hands the readout list to the
// configured receiver. Returns the number of frames to expect. On failure the
// engine is released and the stack and readout list are left as they were
func (o *Orchestrator) SetupConfigFile(req ConfigRequest) (int, *Alignment, error) {
	cs, cam := req.Control, req.Camera
	if err := cs.Validate(cam); err != nil {
		return 0, nil, newError(BadSchedule, err)
	}
	if len(cs.SumSchedule) == 0 {
		cs.AdjustSchedule(cam)
	}
	if err := cs.SumSchedule.Validate(); err != nil {
		return 0, nil, newError(BadSchedule, err)
	}
	numFrames := cs.SumSchedule.NumFrames()
	if cs.SaveFrames {
		if err := ensureDirectory(req.Paths.Directory); err != nil {
			return 0, nil, err
		}
	}

	var a *Alignment
	if cs.AlignFrames && cs.AlignInProcess {
		var err error
		a, err = o.SetupFrameAlignment(AlignRequest{
			Control:   cs,
			Camera:    cam,
			Sets:      req.Sets,
			GpuMemory: req.GpuMemory,
			UseGpu:    req.UseGpu,
			NumFrames: numFrames,
		})
		if err != nil {
			return 0, nil, err
		}
	}
	if !cs.SaveFrames {
		return numFrames, a, nil
	}

	fail := func(err error) (int, *Alignment, error) {
		if a != nil {
			o.Engine.Cleanup()
			o.setState(Idle)
		}
		return 0, nil, err
	}
	undo, err := o.prepareStack(req)
	if err != nil {
		return fail(err)
	}
	if cs.AlignFrames && !cs.AlignInProcess {
		if err := o.WriteAlignComFile(req); err != nil && CodeOf(err) != NoRelPath {
			undo()
			return fail(err)
		}
	}
	return numFrames, a, nil
}

// Backs up an existing stack and writes the readout list. The returned
// function restores the backup and removes the readout list
func (o *Orchestrator) prepareStack(req ConfigRequest) (undo func(), err error) {
	name := stackFileFor(req.Paths, req.Camera)
	_, statErr := os.Stat(name)
	if err := backupStack(name); err != nil {
		return nil, err
	}
	moved := statErr == nil
	readouts := ""
	undo = func() {
		if readouts != "" {
			os.Remove(readouts)
		}
		if moved {
			os.Rename(name+"~", name)
		}
	}
	if o.Readouts != nil {
		readouts = filepath.Join(req.Paths.Directory, req.Paths.RootName+".readouts.yaml")
		if err := o.Readouts.ConfigureReadouts(readouts, req.Control.SumSchedule.Readouts(req.Control.SkipBefore)); err != nil {
			undo()
			return nil, newError(Plugin, err)
		}
	}
	return undo, nil
}

// Name of the stack a capture produces. EER cameras write their own .eer
// stack, all other frames are saved here as MRC
func stackFileFor(p params.Paths, cam *params.CameraParameters) string {
	return p.StackFile(cam.EER)
}

// Writes a command file for aligning the saved frames offline. A missing relative
// path is reported as a warning with code NoRelPath; the frames remain valid
func (o *Orchestrator) WriteAlignComFile(req ConfigRequest) error {
	cs, cam := req.Control, req.Camera
	fa := req.Sets.Resolve(cs.FaParamSetInd)
	mode := int(cs.SaveMode)
	name, err := comfile.Write(&fa, comfile.Options{
		ComDir:     req.Paths.CommandDir(),
		StackFile:  stackFileFor(req.Paths, cam),
		GainRef:    cam.GainRef,
		DefectFile: cam.DefectFile,
		NumFrames:  cs.SumSchedule.NumFrames(),
		RotateFlip: cs.RotateFlip,
		Mode:       mode,
		UseGPU:     req.UseGpu[1] && req.GpuMemory > 0,
	})
	if errors.Is(err, comfile.ErrNoRelPath) {
		report.Reportf(o.Report, report.Warning, "%v", err)
		return newError(NoRelPath, err)
	}
	if err != nil {
		return newError(ComFileWrite, err)
	}
	fmt.Fprintf(o.log(), "Wrote alignment command file %s\n", name)
	return nil
}
