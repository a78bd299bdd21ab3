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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/mlnoga/framestack/internal/comfile"
	"github.com/mlnoga/framestack/internal/gpuplan"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/ops/post"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/rest"
	"github.com/mlnoga/framestack/internal/source"
	"github.com/mlnoga/framestack/internal/stack"
	"github.com/mlnoga/framestack/internal/watch"
	"github.com/spf13/cobra"
)

func newScheduleCmd(a *app) *cobra.Command {
	var exposure float64
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Distribute the readouts of an exposure into summed frames",
		Long: `Recomputes the summation schedule of the configured control set for the
exposure time, and prints the frames with their readout ranges.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, cam := a.cfg.Control, a.cfg.Camera
			if exposure > 0 {
				cs.Exposure = exposure
			}
			if err := cs.Validate(&cam); err != nil {
				return err
			}
			cs.AdjustSchedule(&cam)
			if err := cs.SumSchedule.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(a.log, "Exposure %.4gs in %d readouts of %.4gs, skipping %d before and %d after\n",
				cs.Exposure, cs.NumReadouts(&cam), cam.ReadoutInterval, cs.SkipBefore, cs.SkipAfter)
			fmt.Fprintf(a.log, "Schedule %v: %d frames from %d sub-frames\n",
				cs.SumSchedule, cs.SumSchedule.NumFrames(), cs.SumSchedule.NumSubframes())
			for i, r := range cs.SumSchedule.Readouts(cs.SkipBefore) {
				fmt.Fprintf(a.log, "%4d: readouts %d-%d\n", i, r.Start, r.End)
			}
			return nil
		},
	}
	cmd.Flags().Float64VarP(&exposure, "exposure", "e", 0, "exposure time in seconds, 0 for the configured one")
	return cmd
}

func newPlanCmd(a *app) *cobra.Command {
	var gpuMemory float64
	var numFrames int
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show which alignment stages fit on the GPU and the host memory needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, cam := a.cfg.Control, a.cfg.Camera
			fa := a.cfg.AliSets.Resolve(cs.FaParamSetInd)
			if err := fa.Validate(); err != nil {
				return err
			}
			if numFrames <= 0 {
				if len(cs.SumSchedule) == 0 {
					cs.AdjustSchedule(&cam)
				}
				numFrames = cs.SumSchedule.NumFrames()
			}
			if gpuMemory < 0 {
				gpuMemory = cam.GpuMemory
			}
			in := stack.PlanInput(&cs, &cam, &fa, fa.NumAligned(numFrames), gpuMemory, 0)
			plan := gpuplan.Evaluate(in, a.cfg.Slack, a.log)
			fmt.Fprintf(a.log, "%dx%d frames, %d aligned, parameter set %s\n", in.Nx, in.Ny, in.NumFrames, fa.Name)
			fmt.Fprintf(a.log, "GPU stages:   %v\n", plan.Stages)
			fmt.Fprintf(a.log, "Stack limit:  %d\n", plan.StackLimit)
			fmt.Fprintf(a.log, "Deferred sum: %v\n", plan.DeferSum)
			fmt.Fprintf(a.log, "FRC:          %v\n", plan.CanDoFRC)
			fmt.Fprintf(a.log, "GPU memory:   %.0f MiB needed of %.0f MiB usable\n", plan.GpuNeeded/(1<<20), plan.GpuUsable/(1<<20))
			fmt.Fprintf(a.log, "Host memory:  %.0f MiB\n", plan.TotalMemory/(1<<20))
			for _, w := range plan.Warnings {
				fmt.Fprintf(a.log, "WARNING: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&gpuMemory, "gpu-memory", -1, "GPU memory in bytes, -1 for the configured camera's")
	cmd.Flags().IntVarP(&numFrames, "frames", "n", 0, "number of frames, 0 to derive from the schedule")
	return cmd
}

// Flags of commands that align stacks
type alignFlags struct {
	sum      string
	save     bool
	dir      string
	rootName string
	async    bool
	paramSet int
	sumBin   int
	sumOps   string
}

func (f *alignFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.sum, "sum", "s", "", "write the aligned sum to `file` (.mrc, .fits or .tif), default <stack>_ali.mrc")
	cmd.Flags().BoolVar(&f.save, "save", false, "save the frames again, rotated and converted as configured")
	cmd.Flags().StringVar(&f.dir, "dir", "", "directory for saved frames, default next to the stack")
	cmd.Flags().StringVar(&f.rootName, "root", "", "root name for saved frames, default <stack>_frames")
	cmd.Flags().BoolVar(&f.async, "async", false, "save frames asynchronously")
	cmd.Flags().IntVar(&f.sumBin, "sum-bin", 1, "bin the written sum by `n`")
	cmd.Flags().StringVar(&f.sumOps, "sum-ops", "", "post-process the written sum with the JSON operator sequence in `file`, replaces --sum-bin")
	cmd.Flags().IntVarP(&f.paramSet, "params", "p", -2, "alignment parameter set, -1 for continuous mode, -2 for the configured one")
}

// Post-processing steps for the written sum. A JSON sequence from --sum-ops
// wins over --sum-bin
func (f *alignFlags) sumSteps() (*ops.OpSequence, error) {
	if f.sumOps == "" {
		return ops.NewOpSequence(post.NewOpBin(f.sumBin)), nil
	}
	bs, err := os.ReadFile(f.sumOps)
	if err != nil {
		return nil, err
	}
	seq := ops.NewOpSequenceDefault()
	if err := json.Unmarshal(bs, seq); err != nil {
		return nil, fmt.Errorf("decoding operators in %s: %w", f.sumOps, err)
	}
	return seq, nil
}

func sumName(stackFile string) string {
	return strings.TrimSuffix(stackFile, filepath.Ext(stackFile)) + "_ali.mrc"
}

// Aligns one stack file and writes its sum
func (a *app) alignFile(ctx context.Context, o *stack.Orchestrator, fileName string, f alignFlags) error {
	cs, cam := a.cfg.Control, a.cfg.Camera
	cs.AlignFrames, cs.AlignInProcess, cs.SaveFrames, cs.Async = true, true, f.save, f.async
	if f.paramSet > -2 {
		cs.FaParamSetInd = f.paramSet
	}
	steps, err := f.sumSteps()
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(fileName), filepath.Ext(fileName))
	paths := params.Paths{Directory: f.dir, RootName: f.rootName}
	if paths.Directory == "" {
		paths.Directory = filepath.Dir(fileName)
	}
	if paths.RootName == "" {
		paths.RootName = base + "_frames"
	}
	e, err := o.AlignStackFile(fileName, stack.RunOptions{Control: &cs, Camera: &cam, Paths: paths}, a.cfg.AliSets)
	if err != nil {
		return err
	}
	res, err := e.Run(ctx)
	if res != nil && res.Sum != nil {
		name := f.sum
		if name == "" {
			name = sumName(fileName)
		}
		if werr := o.WriteSum(res, name, cam.PixelSize, steps); werr != nil {
			return werr
		}
		fmt.Fprintf(a.log, "Wrote aligned sum to %s\n", name)
	}
	return err
}

func newAlignCmd(a *app) *cobra.Command {
	var f alignFlags
	cmd := &cobra.Command{
		Use:   "align <stack.mrc>",
		Short: "Align the frames of a stack file and write the aligned sum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer a.closeOrchestrator(o)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return a.alignFile(ctx, o, args[0], f)
		},
	}
	f.register(cmd)
	return cmd
}

func newSimulateCmd(a *app) *cobra.Command {
	var size, frames int
	var driftX, driftY, noise float64
	var seed uint32
	cmd := &cobra.Command{
		Use:   "simulate <out.mrc>",
		Short: "Write a stack of drifting, noisy frames with a known trajectory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sim := source.NewSimulated(size, size, frames, driftX, driftY, noise, seed)
			w, err := mrc.Create(args[0], mrc.WriterOptions{Mode: mrc.ModeFloat, PixelSize: a.cfg.Camera.PixelSize, Label: "framestack: simulated"})
			if err != nil {
				return err
			}
			for k := 0; k < frames; k++ {
				data, err := sim.NextFrame(nil)
				if err != nil {
					w.Close()
					return err
				}
				if err := w.AppendImage(data, size, size); err != nil {
					w.Close()
					return err
				}
				dx, dy := sim.Shift(k)
				fmt.Fprintf(a.log, "%4d: shift %7.2f %7.2f\n", k, dx, dy)
			}
			if err := w.Close(); err != nil {
				return err
			}
			fmt.Fprintf(a.log, "Wrote %d %dx%d frames to %s\n", frames, size, size, args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 512, "frame width and height in pixels")
	cmd.Flags().IntVarP(&frames, "frames", "n", 10, "number of frames")
	cmd.Flags().Float64Var(&driftX, "drift-x", 0.7, "drift per frame in x, pixels")
	cmd.Flags().Float64Var(&driftY, "drift-y", -0.4, "drift per frame in y, pixels")
	cmd.Flags().Float64Var(&noise, "noise", 5, "standard deviation of the added noise")
	cmd.Flags().Uint32Var(&seed, "seed", 1, "random seed")
	return cmd
}

func newCaptureCmd(a *app) *cobra.Command {
	var f alignFlags
	var exposure, driftX, driftY, noise float64
	var size int
	var seed uint32
	var mode string
	var noAlign, offline bool
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Acquire frames from a simulated camera, then save and align them",
		Long: `Simulates a camera which reads out sub-frames at the configured readout
interval. The readouts are summed into frames by the summation schedule for the
exposure, pulled through the camera plugin interface, saved and aligned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, cam := a.cfg.Control, a.cfg.Camera
			cam.Name, cam.SizeX, cam.SizeY, cam.SuperResFactor, cam.EER = "simulated", size, size, 1, false
			cam.VendorNormalizes = true
			cs.Binning, cs.Left, cs.Top, cs.Right, cs.Bottom = 1, 0, 0, 0, 0
			if exposure > 0 {
				cs.Exposure = exposure
			}
			if mode != "" {
				m, err := mrc.ParseMode(mode)
				if err != nil {
					return err
				}
				cs.SaveMode = m
			}
			if f.paramSet > -2 {
				cs.FaParamSetInd = f.paramSet
			}
			// captured frames are saved unless --save=false
			cs.SaveFrames, cs.Async = f.save || !cmd.Flags().Changed("save"), f.async
			cs.AlignFrames, cs.AlignInProcess = !noAlign, !offline
			if !cs.SaveFrames && (noAlign || offline) {
				return fmt.Errorf("nothing to do without saving or aligning frames in process")
			}
			if err := cs.Validate(&cam); err != nil {
				return err
			}
			cs.AdjustSchedule(&cam)
			steps, err := f.sumSteps()
			if err != nil {
				return err
			}

			paths := params.Paths{Directory: f.dir, RootName: f.rootName}
			if paths.Directory == "" {
				paths.Directory = "."
			}
			if paths.RootName == "" {
				paths.RootName = "capture"
			}
			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer a.closeOrchestrator(o)
			useGpu := cam.GpuMemory > 0
			numFrames, ali, err := o.SetupConfigFile(stack.ConfigRequest{
				Control:   &cs,
				Camera:    &cam,
				Paths:     paths,
				Sets:      a.cfg.AliSets,
				GpuMemory: cam.GpuMemory,
				UseGpu:    [2]bool{useGpu, useGpu},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.log, "Exposure %.4gs: schedule %v, %d frames from %d readouts\n",
				cs.Exposure, cs.SumSchedule, numFrames, cs.NumReadouts(&cam))

			sim := source.NewSimulated(size, size, cs.NumReadouts(&cam), driftX, driftY, noise, seed)
			summed := source.NewSummed(sim, cs.SumSchedule.Expand(), cs.SkipBefore, cs.SkipAfter)
			frameTime := time.Duration(cs.Exposure / float64(numFrames) * float64(time.Second))
			plugin := source.NewSourcePlugin(summed, frameTime)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			e, err := o.ProcessPluginFrames(plugin, stack.RunOptions{Control: &cs, Camera: &cam, Paths: paths, Alignment: ali})
			if err != nil {
				return err
			}
			res, err := e.Run(ctx)
			if res != nil && res.Sum != nil {
				name := f.sum
				if name == "" {
					name = filepath.Join(paths.Directory, paths.RootName+"_ali.mrc")
				}
				if werr := o.WriteSum(res, name, cam.PixelSize, steps); werr != nil {
					return werr
				}
				fmt.Fprintf(a.log, "Wrote aligned sum to %s\n", name)
			}
			return err
		},
	}
	f.register(cmd)
	cmd.Flags().Float64VarP(&exposure, "exposure", "e", 0, "exposure time in seconds, 0 for the configured one")
	cmd.Flags().IntVar(&size, "size", 512, "frame width and height in pixels")
	cmd.Flags().Float64Var(&driftX, "drift-x", 0.1, "drift per readout in x, pixels")
	cmd.Flags().Float64Var(&driftY, "drift-y", -0.05, "drift per readout in y, pixels")
	cmd.Flags().Float64Var(&noise, "noise", 5, "standard deviation of the readout noise")
	cmd.Flags().Uint32Var(&seed, "seed", 1, "random seed")
	cmd.Flags().StringVar(&mode, "mode", "", "pixel mode of saved frames: byte, int16, uint16, float, 4bit")
	cmd.Flags().BoolVar(&noAlign, "no-align", false, "only save the frames")
	cmd.Flags().BoolVar(&offline, "offline", false, "write a command file for aligning offline instead of aligning")
	return cmd
}

func newComfileCmd(a *app) *cobra.Command {
	var comDir string
	var gpu bool
	cmd := &cobra.Command{
		Use:   "comfile <stack.mrc>",
		Short: "Write a command file for aligning a stack offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, cam := a.cfg.Control, a.cfg.Camera
			fa := a.cfg.AliSets.Resolve(cs.FaParamSetInd)
			if comDir == "" {
				comDir = filepath.Dir(args[0])
			}
			numFrames := 0
			if r, err := mrc.Open(args[0]); err == nil {
				numFrames = r.Sections()
				r.Close()
			}
			name, err := comfile.Write(&fa, comfile.Options{
				ComDir:     comDir,
				StackFile:  args[0],
				GainRef:    cam.GainRef,
				DefectFile: cam.DefectFile,
				NumFrames:  numFrames,
				RotateFlip: cs.RotateFlip,
				Mode:       int(cs.SaveMode),
				UseGPU:     gpu,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.log, "Wrote %s\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&comDir, "dir", "", "directory for the command file, default next to the stack")
	cmd.Flags().BoolVar(&gpu, "gpu", false, "let the offline tool use the GPU")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var addr, root, chroot string
	var setuid int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve scheduling, planning and alignment over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Addr
			}
			if root == "" {
				root = a.cfg.Root
			}
			if err := rest.MakeSandbox(a.log, chroot, setuid); err != nil {
				return err
			}
			if chroot != "" {
				root = "/"
			}
			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer a.closeOrchestrator(o)
			s := rest.NewServer(o, root, a.cfg.Camera, a.cfg.Control, a.cfg.AliSets)
			fmt.Fprintf(a.log, "Listening for requests at %s, serving stacks from %s\n", addr, root)
			return s.Serve(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, default from the configuration")
	cmd.Flags().StringVar(&root, "root", "", "directory stack paths are relative to, default from the configuration")
	cmd.Flags().StringVar(&chroot, "chroot", "", "chroot to `dir` before serving, requires root")
	cmd.Flags().IntVar(&setuid, "setuid", -1, "switch to user `id` before serving, -1 to keep")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var f alignFlags
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Align every stack written into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.sum != "" {
				return fmt.Errorf("--sum names a single file, sums are written next to each stack")
			}
			o, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer a.closeOrchestrator(o)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			w := watch.New(args[0], settle, a.log, func(name string) error {
				return a.alignFile(ctx, o, name, f)
			})
			return w.Run(ctx)
		},
	}
	f.register(cmd)
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "time without writes before a stack is considered complete")
	return cmd
}

func newMkconfCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mkconf",
		Short: "Write the configuration file with the current values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(a.configFile)
			if err != nil {
				return err
			}
			if err := writeConfig(f, a.cfg); err != nil {
				f.Close()
				return err
			}
			fmt.Fprintf(a.log, "Wrote %s\n", a.configFile)
			return f.Close()
		},
	}
}

func newConfCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "conf",
		Short: "Print the configuration in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeConfig(os.Stdout, a.cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("framestack version %s\n", Version)
		},
	}
}

func newLegalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "legal",
		Short: "Show license and attribution information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(legal)
		},
	}
}
