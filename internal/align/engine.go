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



// Package align measures the drift between the frames of an exposure and
// sums them after shifting each frame back into register
package align

import (
	"errors"
	"fmt"

	"github.com/mlnoga/framestack/internal/gpuplan"
	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/ops/pre"
	"github.com/mlnoga/framestack/internal/params"
)

var (
	ErrNotInitialized = errors.New("alignment engine not initialized")
	ErrFinished       = errors.New("alignment already finished")
	ErrNoFrames       = errors.New("no frames to align")
)

// An alignment engine. Initialize must succeed before NextFrame is called; frames
// arrive in temporal order; FinishAlignAndSum is called once after the last frame.
// Cleanup is idempotent and safe to call at any time
type Engine interface {
	Initialize(p InitParams) error
	NextFrame(data []float32, refs *pre.Refs) error
	FinishAlignAndSum(opts FinishOptions) (*Result, error)
	Cleanup()
	GpuAvailable(gpuMemory float64) bool
}

// Parameters of one alignment run
type InitParams struct {
	Nx, Ny        int // size of frames passed to NextFrame
	SumBinning    int
	AliBinning    int
	Strategy      params.Strategy
	NumAllVsAll   int
	RefineIter    int
	GroupSize     int
	HybridShifts  bool
	DeferSum      bool
	TaperFrac     float64
	AntialiasType int
	RefRadius     float64
	Sigma1        float64
	Bands         []params.Band
	ShiftLimit    float64 // unbinned pixels
	NumFrames     int     // expected, 0 if unknown
	Stages        gpuplan.Stage
	WantFRC       bool
	Debug         int
}

// Derives engine parameters from alignment parameters and the GPU plan
func NewInitParams(fa *params.FrameAliParams, nx, ny, sumBinning, numFrames int, plan gpuplan.Plan) InitParams {
	return InitParams{
		Nx:            nx,
		Ny:            ny,
		SumBinning:    sumBinning,
		AliBinning:    fa.AliBinning,
		Strategy:      fa.Strategy,
		NumAllVsAll:   fa.NumAllVsAll(numFrames),
		RefineIter:    fa.RefineIter,
		GroupSize:     fa.GroupSize,
		HybridShifts:  fa.HybridShifts,
		DeferSum:      plan.DeferSum,
		TaperFrac:     fa.TaperFrac,
		AntialiasType: fa.AntialiasType,
		RefRadius:     fa.RefRadius,
		Sigma1:        fa.Sigma1,
		Bands:         append([]params.Band(nil), fa.Bands...),
		ShiftLimit:    fa.ShiftLimit,
		NumFrames:     numFrames,
		Stages:        plan.Stages,
		WantFRC:       fa.WantFRC && plan.CanDoFRC,
	}
}

func (p *InitParams) validate() error {
	if p.Nx < 1 || p.Ny < 1 {
		return fmt.Errorf("invalid frame size %dx%d", p.Nx, p.Ny)
	}
	if p.SumBinning < 1 || p.AliBinning < 1 {
		return fmt.Errorf("invalid binning %d/%d", p.SumBinning, p.AliBinning)
	}
	if p.Nx/p.AliBinning < 16 || p.Ny/p.AliBinning < 16 {
		return fmt.Errorf("frame %dx%d too small for alignment binning %d", p.Nx, p.Ny, p.AliBinning)
	}
	if len(p.Bands) < 1 || len(p.Bands) > params.MaxBands {
		return fmt.Errorf("need between 1 and %d filter bands, have %d", params.MaxBands, len(p.Bands))
	}
	if p.GroupSize < 1 {
		p.GroupSize = 1
	}
	return nil
}

// Options for finishing an alignment
type FinishOptions struct {
	RefRadius   float64 // low-pass radius of the refinement reference, 0 for none
	RefSigma    float64
	StopBelow   float64 // refinement stops when no shift changes more than this, in unbinned pixels
	GroupRefine bool    // refine group sums instead of single frames
	DoSmooth    bool    // smooth shifts with a spline
}

// Result of an alignment run
type Result struct {
	Sum         *improc.Image // float sum, at sum binning
	XShifts     []float64     // per frame, unbinned pixels
	YShifts     []float64
	RawXShifts  []float64 // before smoothing
	RawYShifts  []float64
	BestFilter  int
	ResMean     []float64 // per filter, unbinned pixels
	ResSD       []float64
	MaxResMax   []float64
	RawDist     float64 // path length of the raw shifts
	SmoothDist  float64 // path length after smoothing
	FRC         []float64
	FRCDelta    float64    // frequency step between FRC rings, cycles per pixel
	FRCCrossing [3]float64 // frequencies where FRC falls below 0.5, 0.25 and 0.143
	NumAligned  int
}

func (r *Result) String() string {
	if r == nil || len(r.ResMean) == 0 {
		return "no alignment result"
	}
	b := r.BestFilter
	return fmt.Sprintf("%d frames aligned, filter %d residual mean %.2f SD %.2f max %.2f, path %.1f raw %.1f smoothed",
		r.NumAligned, b+1, r.ResMean[b], r.ResSD[b], r.MaxResMax[b], r.RawDist, r.SmoothDist)
}
