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


package stack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlnoga/framestack/internal/align"
	"github.com/mlnoga/framestack/internal/gpuplan"
	"github.com/mlnoga/framestack/internal/host"
	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/ops/post"
	"github.com/mlnoga/framestack/internal/ops/pre"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/report"
	"github.com/mlnoga/framestack/internal/sidecar"
	"github.com/mlnoga/framestack/internal/source"
)

// Destination of saved frames. Implemented by *mrc.Writer
type Storage interface {
	AppendImage(data []float32, nx, ny int) error
	StartAsyncAppend(data []float32, nx, ny int) error
	CheckAsyncComplete() (done bool, err error)
	WaitAsync(timeout time.Duration) error
	Close() error
}

// Storage which knows the file and in-file index of the section written last,
// as stacks roll over to numbered files
type sectionLocator interface {
	LastSection() (fileName string, index int)
}

// Inputs of one episode
type Request struct {
	Source       source.FrameSource
	Storage      Storage    // nil if frames are not saved
	StackFile    string     // name recorded in the sidecar
	Alignment    *Alignment // nil if frames are not aligned in process
	Refs         *pre.Refs  // in-process normalization, nil if the vendor normalizes
	RotateFlip   int        // applied to saved frames and to the aligned sum
	SumMode      mrc.Mode   // pixel format of the aligned sum
	DivideByPow2 int
	SumCrop      *source.Area // deferred crop of the aligned sum
	Async        bool         // save asynchronously with double buffering
	Wanted       func() bool  // stacking stops at the next step once this returns false
	Subframes    []int        // sub-frames per frame, for sidecar records
	FrameTime    float64      // seconds per sub-frame
}

// State of one stacking episode, from its first frame to its cleanup. Step it
// with Poll from an idle loop, or run it to completion with Run
type Episode struct {
	o     *Orchestrator
	req   Request
	token string

	mutex     sync.Mutex // guards the progress counters below
	index     int
	numFrames int // 0 if unknown
	stacked   int
	aligned   int

	nx, ny, onx, ony int
	saving, aligning bool
	normalizeHere    bool
	engineRefs       *pre.Refs
	fa               *params.FrameAliParams

	readBuf  []float32
	out      [2][]float32
	outIdx   int
	pending  bool // a save of out[outIdx^1] is in flight
	pendingF int
	queued   bool // out[outIdx] waits for the pending save to finish

	exhausted    bool
	alignFailed  bool
	alignErr     error
	fatal        *Error
	cancel       atomic.Bool
	cancelled    bool
	frameErrors  int
	readErrors   int // consecutive
	lastFrameErr Code
	sections     []sidecar.Section
	started      time.Time

	cleanups int
	result   *Result
}

// Starts an episode, taking the camera session. The engine must already be
// initialized if the request aligns frames
func (o *Orchestrator) Start(req Request) (*Episode, error) {
	token, err := o.session.Acquire()
	if err != nil {
		return nil, err
	}
	nx, ny := req.Source.Size()
	e := &Episode{o: o, req: req, token: token, nx: nx, ny: ny, started: time.Now()}
	e.onx, e.ony = improc.RotatedSize(req.RotateFlip, nx, ny)
	e.numFrames = req.Source.NumFrames()
	e.saving = req.Storage != nil
	e.aligning = req.Alignment != nil
	if e.aligning {
		init := req.Alignment.Init
		if init.Nx != nx || init.Ny != ny {
			o.Engine.Cleanup()
			o.session.Release(token)
			return nil, newError(AlignSize, fmt.Errorf("frames are %dx%d, alignment expects %dx%d", nx, ny, init.Nx, init.Ny))
		}
		fa := req.Alignment.Params
		e.fa = &fa
		// the engine preprocesses on the GPU only if frames need not be saved normalized
		if !e.saving && req.Alignment.Plan.Stages.Has(gpuplan.GpuDoPreprocess) {
			e.engineRefs = req.Refs
		}
	}
	e.normalizeHere = req.Refs.Active() && e.engineRefs == nil

	o.mutex.Lock()
	o.state, o.episode = Streaming, e
	o.mutex.Unlock()
	fmt.Fprintf(o.log(), "Stacking %dx%d frames, %d expected, saving %v, aligning %v, async %v\n",
		nx, ny, e.numFrames, e.saving, e.aligning, req.Async)
	return e, nil
}

// Requests cancellation. The episode finishes at its next step with the frames processed so far
func (e *Episode) Cancel() { e.cancel.Store(true) }

func (e *Episode) progress() (index, frames, stacked, aligned int) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.index, e.numFrames, e.stacked, e.aligned
}

func (e *Episode) count(stacked, aligned int) {
	e.mutex.Lock()
	e.stacked += stacked
	e.aligned += aligned
	e.mutex.Unlock()
}

func (e *Episode) advance() {
	e.mutex.Lock()
	e.index++
	e.mutex.Unlock()
}

func (e *Episode) allRead() bool {
	return e.exhausted || (e.numFrames > 0 && e.index >= e.numFrames)
}

// Performs one step. Returns Continue after processing a frame, Wait while an
// asynchronous save blocks progress, and Done or Failed once the episode finished
func (e *Episode) Poll() host.Status {
	if e.result != nil {
		return e.status()
	}
	if e.cancel.Load() || (e.req.Wanted != nil && !e.req.Wanted()) {
		e.cancelled = true
		return e.finish()
	}
	if e.queued {
		if !e.collect() {
			return host.Wait
		}
		e.queued = false
		e.startSave(e.index)
		e.advance()
		return e.next()
	}
	if e.allRead() {
		if e.pending && !e.collect() {
			return host.Wait
		}
		return e.finish()
	}
	consumed := e.step()
	if e.fatal != nil {
		return e.finish()
	}
	if e.queued {
		return host.Wait
	}
	if consumed {
		e.advance()
	}
	return e.next()
}

func (e *Episode) next() host.Status {
	if e.allRead() && !e.pending {
		return e.finish()
	}
	return host.Continue
}

// Runs the episode to completion, polling it from an unthrottled idle loop
func (e *Episode) Run(ctx context.Context) (*Result, error) {
	host.NewLoop(0).Run(ctx, e)
	return e.Result()
}

// Final result, nil until the episode finished
func (e *Episode) Result() (*Result, error) {
	if e.result == nil {
		return nil, nil
	}
	return e.result, e.result.Err
}

func (e *Episode) status() host.Status {
	if e.result.Code != OK {
		return host.Failed
	}
	return host.Done
}

// Allocates frame buffers on first use
func (e *Episode) ensureBuffers() error {
	if e.out[0] != nil {
		return nil
	}
	size := e.nx * e.ny
	get := func() ([]float32, error) {
		b := e.o.Alloc.Get(size)
		if len(b) < size {
			e.o.Alloc.Put(b)
			return nil, fmt.Errorf("%w: %d pixels", ErrOutOfMemory, size)
		}
		return b, nil
	}
	var err error
	if e.out[0], err = get(); err != nil {
		return err
	}
	if e.saving && e.req.Async {
		if e.out[1], err = get(); err != nil {
			return err
		}
	}
	if e.saving && e.req.RotateFlip != 0 {
		if e.readBuf, err = get(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Episode) releaseBuffers() {
	for _, b := range [][]float32{e.out[0], e.out[1], e.readBuf} {
		if b != nil {
			e.o.Alloc.Put(b)
		}
	}
	e.out[0], e.out[1], e.readBuf = nil, nil, nil
}

// Records a failed frame. Frame errors are reported and skipped
func (e *Episode) frameError(c Code, err error, frame int) {
	e.frameErrors++
	e.lastFrameErr = c
	report.Reportf(e.o.Report, report.Warning, "Frame %d: %v: %v", frame, c, err)
}

// Reads, normalizes, aligns and saves the frame at the current index. Returns
// true if the frame was consumed, false if the source is exhausted or the
// frame waits for a pending save
func (e *Episode) step() bool {
	idx := e.index
	if err := e.ensureBuffers(); err != nil {
		e.fatal = newError(OutOfMemory, err)
		return false
	}
	size := e.nx * e.ny
	dst := e.out[e.outIdx][:size]
	if e.readBuf != nil {
		dst = e.readBuf[:size]
	}
	data, err := e.req.Source.NextFrame(dst)
	if errors.Is(err, source.ErrNoMoreFrames) {
		e.exhausted = true
		return false
	}
	if err == nil && len(data) != size {
		err = fmt.Errorf("frame has %d pixels, expected %dx%d", len(data), e.nx, e.ny)
	}
	if err != nil {
		e.frameError(ReadFrame, err, idx)
		e.readErrors++
		switch {
		case e.stacked == 0 && e.aligned == 0 && isResourceError(err):
			e.fatal = newError(FileOpen, err)
		case e.o.MaxReadErrors > 0 && e.readErrors >= e.o.MaxReadErrors:
			e.fatal = newError(ReadFrame, fmt.Errorf("%d reads failed in a row, last: %w", e.readErrors, err))
		}
		return true
	}
	e.readErrors = 0
	if &data[0] != &dst[0] {
		copy(dst, data)
		data = dst
	}

	if e.normalizeHere {
		if err := e.req.Refs.Apply(data); err != nil {
			e.frameError(ReadFrame, err, idx)
			return true
		}
	}

	if e.aligning && !e.alignFailed && e.fa.InSubset(idx) {
		if err := e.o.Engine.NextFrame(data, e.engineRefs); err != nil {
			e.alignFailed, e.alignErr = true, err
			report.Reportf(e.o.Report, report.Error, "Frame alignment failed at frame %d: %v", idx, err)
			e.o.Engine.Cleanup()
			if !e.saving {
				e.fatal = newError(FinishAlign, err)
				return true
			}
		} else {
			e.count(0, 1)
		}
	}

	if !e.saving {
		return true
	}
	out := e.out[e.outIdx][:size]
	if e.readBuf != nil {
		improc.RotateFlip(out, data, e.nx, e.ny, e.req.RotateFlip)
	}
	if e.req.Async {
		if e.pending && !e.collect() {
			e.queued = true
			return false
		}
		e.startSave(idx)
		return true
	}
	err = e.req.Storage.AppendImage(out, e.onx, e.ony)
	e.saved(idx, err, WriteFrame)
	if err != nil && e.stacked == 0 && isResourceError(err) {
		e.fatal = newError(WriteFrame, err)
	}
	return true
}

func (e *Episode) startSave(frame int) {
	out := e.out[e.outIdx][:e.onx*e.ony]
	if err := e.req.Storage.StartAsyncAppend(out, e.onx, e.ony); err != nil {
		e.saved(frame, err, AsyncSave)
		return
	}
	e.pending, e.pendingF = true, frame
	e.outIdx ^= 1
}

// Polls the pending asynchronous save, returns true once it has completed
func (e *Episode) collect() bool {
	done, err := e.req.Storage.CheckAsyncComplete()
	if !done {
		return false
	}
	e.pending = false
	e.saved(e.pendingF, err, AsyncSave)
	return true
}

func (e *Episode) saved(frame int, err error, c Code) {
	if err != nil {
		e.frameError(c, err, frame)
		return
	}
	sec := sidecar.Section{File: e.req.StackFile, Index: e.stacked, Frame: frame}
	if l, ok := e.req.Storage.(sectionLocator); ok {
		sec.File, sec.Index = l.LastSection()
	}
	if frame < len(e.req.Subframes) {
		sec.Subframes = e.req.Subframes[frame]
		sec.Exposure = float64(sec.Subframes) * e.req.FrameTime
	}
	e.sections = append(e.sections, sec)
	e.count(1, 0)
}

// Transitions to finalizing, exactly once per episode
func (e *Episode) finish() host.Status {
	if e.result != nil {
		return e.status()
	}
	e.o.setState(Finalizing)
	e.cleanups++
	res := &Result{Cancelled: e.cancelled}
	e.cleanupAndFinishAlign(res)
	e.result = res

	e.o.mutex.Lock()
	e.o.state = Idle
	e.o.mutex.Unlock()
	e.o.session.Release(e.token)
	return e.status()
}

// Releases buffers and files, finishes the alignment and converts the sum
// to its output format, then determines the outcome
func (e *Episode) cleanupAndFinishAlign(res *Result) {
	o := e.o
	if e.saving {
		if e.pending {
			err := e.req.Storage.WaitAsync(o.AsyncTimeout)
			if !errors.Is(err, mrc.ErrAsyncPending) {
				e.pending = false
				e.saved(e.pendingF, err, AsyncSave)
			}
		}
		// Close waits for any save still in flight, so buffers are free afterwards
		if err := e.req.Storage.Close(); err != nil {
			e.frameError(WriteFrame, err, e.pendingF)
		}
		if fn, ok := e.req.Storage.(interface{ FileNames() []string }); ok {
			res.Files = fn.FileNames()
		}
	}
	if err := e.req.Source.Close(); err != nil {
		fmt.Fprintf(o.log(), "Closing frame source: %v\n", err)
	}
	e.releaseBuffers()

	if e.aligning {
		if !e.alignFailed && e.aligned > 0 {
			e.finishAlign(res)
		}
		o.Engine.Cleanup()
	}

	index, frames, stacked, aligned := e.progress()
	if frames == 0 {
		frames = index
	}
	res.FramesTotal, res.FramesStacked, res.FramesAligned = frames, stacked, aligned
	res.FrameErrors, res.LastFrameErr = e.frameErrors, e.lastFrameErr

	switch {
	case e.fatal != nil:
		res.Code, res.Err = e.fatal.Code, e.fatal
	case e.aligning && res.Sum == nil:
		cause := e.alignErr
		if cause == nil {
			cause = errors.New("no frames were aligned")
		}
		res.Code, res.Err = FinishAlign, newError(FinishAlign, cause)
	case e.saving && stacked == 0 && !e.cancelled:
		res.Code, res.Err = NoFrames, newError(NoFrames, nil)
	case e.cancelled && stacked == 0 && res.Sum == nil:
		res.Code, res.Err = Cancelled, newError(Cancelled, nil)
	}

	if e.saving {
		o.Report.Report(report.Info, res.Summary(true))
	}
	if res.Align != nil {
		o.Report.Report(report.Info, res.Summary(false))
	}
	if res.Err != nil {
		report.Reportf(o.Report, report.Error, "%v", res.Err)
	}
	e.record(res)
}

func (e *Episode) finishAlign(res *Result) {
	fa := e.fa
	ar, err := e.o.Engine.FinishAlignAndSum(align.FinishOptions{
		RefRadius:   fa.RefRadius,
		StopBelow:   fa.StopIterBelow,
		GroupRefine: fa.GroupSize > 1,
		DoSmooth:    fa.DoSpline(e.aligned),
	})
	if err != nil {
		e.alignFailed, e.alignErr = true, err
		return
	}
	res.Align = ar

	mode := e.req.SumMode
	if fa.OutputFloat {
		mode = mrc.ModeFloat
	}
	seq := ops.NewOpSequence(post.NewOpConvert(mode, e.req.DivideByPow2))
	if c := e.req.SumCrop; c != nil {
		seq.Append(post.NewOpCrop(c.X0, c.Y0, c.Nx, c.Ny))
	}
	seq.Append(post.NewOpRotateFlip(e.req.RotateFlip))
	sum, err := seq.Apply(ar.Sum, e.o.Ctx)
	if err != nil {
		e.alignFailed, e.alignErr = true, err
		return
	}
	sum.Exposure = float32(e.req.FrameTime * float64(sumInts(e.req.Subframes)))
	res.Sum = sum
	if len(ar.FRC) > 0 {
		report.Reportf(e.o.Report, report.Info, "FRC crossings at 0.5, 0.25, 0.143: %.4f %.4f %.4f /pixel",
			ar.FRCCrossing[0], ar.FRCCrossing[1], ar.FRCCrossing[2])
	}
}

// Stores section metadata, shifts and the run outcome in the sidecar
func (e *Episode) record(res *Result) {
	sc := e.o.Sidecar
	if sc == nil {
		return
	}
	ctx := context.Background()
	if len(e.sections) > 0 {
		if err := sc.AddSections(ctx, e.sections, e.pending, e.o.AsyncTimeout); err != nil {
			report.Reportf(e.o.Report, report.Warning, "Sidecar: %v", err)
		}
	}
	// shifts map onto sections only if every saved frame was aligned
	if res.Align != nil && len(e.sections) == len(res.Align.XShifts) && e.frameErrors == 0 {
		if err := sc.SetShifts(ctx, e.sections, res.Align.XShifts, res.Align.YShifts); err != nil {
			report.Reportf(e.o.Report, report.Warning, "Sidecar: %v", err)
		}
	}
	run := sidecar.Run{
		ID:            e.token,
		Stack:         e.req.StackFile,
		Code:          int(res.Code),
		Message:       res.Summary(e.saving),
		FramesStacked: res.FramesStacked,
		FramesAligned: res.FramesAligned,
		FramesTotal:   res.FramesTotal,
		Started:       e.started,
		Finished:      time.Now(),
	}
	if res.Align != nil {
		run.ResMean = res.Align.ResMean[res.Align.BestFilter]
		run.FRC = res.Align.FRCCrossing[0]
	}
	if err := sc.PutRun(ctx, run); err != nil {
		report.Reportf(e.o.Report, report.Warning, "Sidecar: %v", err)
	}
}

func sumInts(v []int) int {
	s := 0
	for _, x := range v {
		s += x
	}
	return s
}
