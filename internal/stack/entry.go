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
	"fmt"
	"path/filepath"

	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/ops/post"
	"github.com/mlnoga/framestack/internal/ops/pre"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/source"
)

// Settings shared by the stacking entry points
type RunOptions struct {
	Control   *params.ControlSet
	Camera    *params.CameraParameters
	Paths     params.Paths
	Alignment *Alignment // from SetupFrameAlignment, nil if not aligning in process
	Refs      *pre.Refs
	SumCrop   *source.Area
	Wanted    func() bool
}

// Opens the output stack if frames are saved, backing up an existing one.
// EER cameras save their frames themselves
func (o *Orchestrator) openStorage(opts RunOptions, input string) (*mrc.Writer, string, error) {
	cs, cam := opts.Control, opts.Camera
	if !cs.SaveFrames || cam.EER {
		return nil, "", nil
	}
	if err := ensureDirectory(opts.Paths.Directory); err != nil {
		return nil, "", err
	}
	name := stackFileFor(opts.Paths, cam)
	if input != "" {
		if a, b := filepath.Clean(name), filepath.Clean(input); a == b {
			return nil, "", newError(FileOpen, fmt.Errorf("output %s would overwrite the input", name))
		}
	}
	if err := backupStack(name); err != nil {
		return nil, "", err
	}
	w, err := mrc.Create(name, mrc.WriterOptions{
		Mode:               cs.SaveMode,
		MaxSectionsPerFile: cam.MaxSectionsPerFile,
		PixelSize:          cam.PixelSize * float32(cs.Binning) / float32(cam.Expansion()),
		Label:              "framestack: " + opts.Paths.RootName,
	})
	if err != nil {
		return nil, "", newError(FileOpen, err)
	}
	return w, name, nil
}

// Starts an episode over the given source, releasing everything on failure
func (o *Orchestrator) start(src source.FrameSource, opts RunOptions, input string) (*Episode, error) {
	fail := func(err error) (*Episode, error) {
		src.Close()
		if opts.Alignment != nil {
			o.Engine.Cleanup()
		}
		return nil, err
	}
	if o.Busy() {
		src.Close()
		return nil, newError(Busy, nil)
	}
	w, name, err := o.openStorage(opts, input)
	if err != nil {
		return fail(err)
	}
	req := Request{
		Source:       src,
		StackFile:    name,
		Alignment:    opts.Alignment,
		Refs:         opts.Refs,
		RotateFlip:   opts.Control.RotateFlip,
		SumMode:      opts.Control.SaveMode,
		DivideByPow2: opts.Control.DivideByPow2,
		SumCrop:      opts.SumCrop,
		Async:        opts.Control.Async,
		Wanted:       opts.Wanted,
		Subframes:    opts.Control.SumSchedule.Expand(),
		FrameTime:    opts.Camera.ReadoutInterval,
	}
	if w != nil {
		req.Storage = w
	}
	e, err := o.Start(req)
	if err != nil {
		if w != nil {
			w.Close()
		}
		src.Close()
		return nil, err
	}
	return e, nil
}

// Re-reads the frames of a local stack file for aligning and optionally saving them
func (o *Orchestrator) StackFrames(fileName string, opts RunOptions) (*Episode, error) {
	src, err := source.OpenStackFile(fileName)
	if err != nil {
		if opts.Alignment != nil {
			o.Engine.Cleanup()
		}
		return nil, newError(FileOpen, err)
	}
	return o.start(src, opts, fileName)
}

// Processes frames pulled live from a camera plugin
func (o *Orchestrator) ProcessPluginFrames(p source.Plugin, opts RunOptions) (*Episode, error) {
	src := source.NewVendorPull(p, opts.Control.SumSchedule.NumFrames())
	return o.start(src, opts, "")
}

// Aligns frames a camera saved to its own file, trimmed to a sub-area in
// native camera coordinates
func (o *Orchestrator) AlignFramesFromFile(fileName string, area source.Area, flipY bool, opts RunOptions) (*Episode, error) {
	src, err := source.OpenSavedFile(fileName, area, flipY)
	if err != nil {
		if opts.Alignment != nil {
			o.Engine.Cleanup()
		}
		return nil, newError(FileOpen, err)
	}
	return o.start(src, opts, fileName)
}

// Re-reads a stack file as if a camera of the same size had just delivered it,
// setting up in-process alignment first if the control set asks for it
func (o *Orchestrator) AlignStackFile(fileName string, opts RunOptions, sets params.FrameAliSet) (*Episode, error) {
	if o.Busy() {
		return nil, newError(Busy, nil)
	}
	r, err := mrc.Open(fileName)
	if err != nil {
		return nil, newError(FileOpen, err)
	}
	nx, ny, nz := r.Nx(), r.Ny(), r.Sections()
	r.Close()

	cam := *opts.Camera
	cam.SizeX, cam.SizeY, cam.SuperResFactor, cam.EER = nx, ny, 1, false
	cs := *opts.Control
	cs.Binning, cs.Left, cs.Top, cs.Right, cs.Bottom = 1, 0, 0, 0, 0
	opts.Camera, opts.Control = &cam, &cs
	if opts.Refs == nil {
		fa := sets.Resolve(cs.FaParamSetInd)
		refs, err := o.loadRefs(&cam, &fa, nx, ny)
		if err != nil {
			return nil, err
		}
		opts.Refs = refs
	}
	if cs.AlignFrames && cs.AlignInProcess {
		a, err := o.SetupFrameAlignment(AlignRequest{
			Control:   &cs,
			Camera:    &cam,
			Sets:      sets,
			GpuMemory: cam.GpuMemory,
			UseGpu:    [2]bool{cam.GpuMemory > 0, cam.GpuMemory > 0},
			NumFrames: nz,
			FrameNx:   nx,
			FrameNy:   ny,
		})
		if err != nil {
			return nil, err
		}
		opts.Alignment = a
	}
	return o.StackFrames(fileName, opts)
}

// Writes the aligned sum in the format implied by the file extension:
// FITS, a TIFF preview or a single-section MRC file. A copy of the sum is
// passed through the given post-processing steps first, if any, and the
// pixel size is scaled by their binning. The sum in the result is left unchanged
func (o *Orchestrator) WriteSum(res *Result, fileName string, pixelSize float32, steps *ops.OpSequence) error {
	if res == nil || res.Sum == nil {
		return newError(FinishAlign, fmt.Errorf("no aligned sum to write to %s", fileName))
	}
	sum := *res.Sum
	sum.Data = append([]float32(nil), res.Sum.Data...)
	save := post.NewOpSave(fileName)
	save.Frames = res.FramesAligned
	seq := ops.NewOpSequence()
	if steps != nil {
		seq.Append(steps)
		save.PixelSize = pixelSize * float32(post.BinFactor(steps))
	} else {
		save.PixelSize = pixelSize
	}
	seq.Append(save)
	_, err := seq.Apply(&sum, o.Ctx)
	return err
}

// Loads gain and dark references and defects for normalizing frames of the
// given size in process. Returns nil if the camera normalizes by itself or
// nothing is configured
func (o *Orchestrator) loadRefs(cam *params.CameraParameters, fa *params.FrameAliParams, nx, ny int) (*pre.Refs, error) {
	if cam.VendorNormalizes {
		return nil, nil
	}
	if cam.DarkRef == "" && cam.GainRef == "" && cam.DefectFile == "" && fa.TruncLimit <= 0 {
		return nil, nil
	}
	refs, err := pre.LoadRefs(o.Ctx, nx, ny, cam.DarkRef, cam.GainRef, cam.DefectFile, float32(fa.TruncLimit))
	if err != nil {
		return nil, newError(FileOpen, err)
	}
	return refs, nil
}
