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



// Package gpuplan decides which stages of frame summing and alignment run on the GPU,
// and estimates the host memory the remaining stages need.
package gpuplan

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/pbnjay/memory"
)

// A set of processing stages offloaded to the GPU
type Stage uint

const (
	GpuForSumming Stage = 1 << iota
	GpuForAligning
	GpuDoEvenOdd
	GpuDoNoiseTaper
	GpuDoBinPad
	GpuDoPreprocess
)

var stageNames = []string{"summing", "aligning", "evenOdd", "noiseTaper", "binPad", "preprocess"}

func (s Stage) Has(o Stage) bool { return s&o == o }

func (s Stage) String() string {
	if s == 0 {
		return "none"
	}
	names := []string{}
	for i, n := range stageNames {
		if s&(1<<uint(i)) != 0 {
			names = append(names, n)
		}
	}
	return strings.Join(names, "|")
}

// Memory held back from the GPU. Usable memory is
// total*UsableFraction - max(MinReserve, total*ReserveFraction).
// The reserve covers driver overhead and fragmentation with large FFTs;
// the defaults are empirical.
type Slack struct {
	UsableFraction  float64 `json:"usableFraction"  yaml:"usableFraction"`
	MinReserve      float64 `json:"minReserve"      yaml:"minReserve"`
	ReserveFraction float64 `json:"reserveFraction" yaml:"reserveFraction"`
}

var DefaultSlack = Slack{UsableFraction: 0.85, MinReserve: 6e8, ReserveFraction: 0.15}

// Returns the GPU memory usable for processing, never negative
func (s Slack) Usable(gpuMemory float64) float64 {
	if gpuMemory <= 0 {
		return 0
	}
	u := gpuMemory*s.UsableFraction - math.Max(s.MinReserve, gpuMemory*s.ReserveFraction)
	if u < 0 {
		return 0
	}
	return u
}

// Geometry and parameters of one alignment run
type Input struct {
	Nx            int `json:"nx"` // frame size in unbinned pixels
	Ny            int `json:"ny"`
	BytesPerPixel int `json:"bytesPerPixel"` // of raw frames as delivered
	NumFrames     int `json:"numFrames"`

	GainNormalize bool `json:"gainNormalize"` // preprocessing required in process
	DefectCorrect bool `json:"defectCorrect"`
	Truncate      bool `json:"truncate"`

	SumBinning  int  `json:"sumBinning"`
	AliBinning  int  `json:"aliBinning"`
	NumAllVsAll int  `json:"numAllVsAll"`
	GroupSize   int  `json:"groupSize"`
	RefineIter  int  `json:"refineIter"`
	NumFilters  int  `json:"numFilters"`
	Spline      bool `json:"spline"`
	WantFRC     bool `json:"wantFRC"`

	GpuMemory       float64 `json:"gpuMemory"`       // total GPU memory in bytes, 0 if there is no GPU
	HostMemoryLimit float64 `json:"hostMemoryLimit"` // host memory ceiling in bytes, 0 for the physical default
}

// A plan of which stages run on the GPU
type Plan struct {
	Stages      Stage    `json:"stages"`
	StackLimit  int      `json:"stackLimit"` // aligned frames kept on the GPU, 0 if all fit
	DeferSum    bool     `json:"deferSum"`   // sum after alignment instead of while streaming
	CanDoFRC    bool     `json:"canDoFRC"`
	TotalMemory float64  `json:"totalMemory"` // host memory needed, in bytes
	GpuNeeded   float64  `json:"gpuNeeded"`   // GPU memory needed by the selected stages
	GpuUsable   float64  `json:"gpuUsable"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Memory needs of the individual stages, in bytes
type Needs struct {
	Raw        float64 // one raw frame
	Sum        float64 // summing including its raw frame buffer
	AliFixed   float64 // alignment reference and correlation work arrays
	AliPerItem float64 // one binned, padded frame in the alignment stack
	Depth      int     // aligned frames held for pairwise or refine steps
	MinDepth   int
	EvenOdd    float64
	NoiseTaper float64
	BinPad     float64
	Preprocess float64
}

func (n Needs) Aligning(depth int) float64 { return n.AliFixed + float64(depth)*n.AliPerItem }

// Computes the memory needs of each stage for the given input
func MemoryNeeds(in Input) Needs {
	sumBin, aliBin := maxInt(in.SumBinning, 1), maxInt(in.AliBinning, 1)
	bpp := maxInt(in.BytesPerPixel, 1)
	pixels := float64(in.Nx) * float64(in.Ny)
	fullFloat := pixels * 4
	sumFloat := float64(in.Nx/sumBin) * float64(in.Ny/sumBin) * 4
	aliPad := float64(in.Nx/aliBin) * float64(in.Ny/aliBin) * 8 // complex64 spectrum

	n := Needs{
		Raw:        pixels * float64(bpp),
		AliPerItem: aliPad,
		AliFixed:   float64(maxInt(in.NumFilters, 1)+2) * aliPad,
		EvenOdd:    sumFloat,
		NoiseTaper: fullFloat,
		BinPad:     aliPad,
	}
	n.Sum = n.Raw + fullFloat + sumFloat
	n.Depth, n.MinDepth = stackDepth(in)
	if in.GainNormalize {
		n.Preprocess += fullFloat
	}
	if in.DefectCorrect {
		n.Preprocess += pixels
	}
	if in.Truncate && n.Preprocess == 0 {
		n.Preprocess += fullFloat
	}
	return n
}

// Number of binned frames the aligner must hold, and the minimum it can work with
func stackDepth(in Input) (depth, minDepth int) {
	group := maxInt(in.GroupSize, 1)
	minDepth = group + 1
	if in.NumAllVsAll > 1 {
		depth = in.NumAllVsAll + group - 1
	} else {
		depth = group + 1
	}
	if in.RefineIter > 0 || in.Spline {
		depth = maxInt(depth, in.NumFrames)
	}
	if depth < minDepth {
		depth = minDepth
	}
	return depth, minDepth
}

// Evaluates which stages can run on the GPU. Stages are granted in priority order
// summing, aligning, even/odd sums, noise taper, bin and pad, preprocessing. Summing
// and aligning each get the GPU if they fit on their own; when they do not fit
// together the sum is deferred. Lower-priority stages only get the GPU once all
// higher-priority stages fit in full, so offloading grows monotonically with memory.
// Shortfalls are logged, never fatal.
func Evaluate(in Input, slack Slack, log io.Writer) Plan {
	if log == nil {
		log = io.Discard
	}
	n := MemoryNeeds(in)
	p := Plan{GpuUsable: slack.Usable(in.GpuMemory)}
	usable := p.GpuUsable

	if in.GpuMemory > 0 {
		if n.Sum <= usable {
			p.Stages |= GpuForSumming
		} else {
			p.warn(log, "GPU memory %.0f MB is insufficient for summing (%.0f MB), summing on CPU",
				usable/1e6, n.Sum/1e6)
		}

		limit := 0
		if n.Aligning(n.MinDepth) <= usable {
			p.Stages |= GpuForAligning
			limit = int((usable - n.AliFixed) / n.AliPerItem)
			if limit < n.Depth {
				p.StackLimit = limit
			} else {
				limit = n.Depth
			}
		} else {
			p.warn(log, "GPU memory %.0f MB is insufficient for aligning (%.0f MB), aligning on CPU",
				usable/1e6, n.Aligning(n.MinDepth)/1e6)
		}

		if p.Stages.Has(GpuForSumming | GpuForAligning) {
			p.DeferSum = n.Sum+n.Aligning(limit) > usable
			p.GpuNeeded = math.Max(n.Sum, n.Aligning(limit))
			if !p.DeferSum {
				p.GpuNeeded = n.Sum + n.Aligning(limit)
			}
		} else if p.Stages.Has(GpuForSumming) {
			p.GpuNeeded = n.Sum
		} else if p.Stages.Has(GpuForAligning) {
			p.GpuNeeded = n.Aligning(limit)
		}

		// lower priority stages, each gated on the full needs of everything above it
		cum := n.Sum + n.Aligning(n.Depth)
		if in.WantFRC {
			cum += n.EvenOdd
			if p.Stages.Has(GpuForSumming) && cum <= usable {
				p.Stages |= GpuDoEvenOdd
				p.GpuNeeded += n.EvenOdd
			}
		}
		for _, st := range []struct {
			stage Stage
			need  float64
		}{{GpuDoNoiseTaper, n.NoiseTaper}, {GpuDoBinPad, n.BinPad}, {GpuDoPreprocess, n.Preprocess}} {
			if st.need == 0 {
				continue
			}
			cum += st.need
			if p.Stages.Has(GpuForAligning) && cum <= usable {
				p.Stages |= st.stage
				p.GpuNeeded += st.need
			}
		}
	}

	p.TotalMemory = hostMemory(in, n, p)
	if in.WantFRC {
		p.CanDoFRC = p.Stages.Has(GpuDoEvenOdd)
		if !p.CanDoFRC {
			p.CanDoFRC = p.TotalMemory+n.EvenOdd <= hostLimit(in)
			if p.CanDoFRC {
				p.TotalMemory += n.EvenOdd
			}
		}
	}
	if limit := hostLimit(in); p.TotalMemory > limit {
		p.warn(log, "Processing needs %.0f MB of host memory, more than the %.0f MB available",
			p.TotalMemory/1e6, limit/1e6)
	}
	fmt.Fprintf(log, "GPU plan: stages %s, stack limit %d, defer sum %v, GPU %.0f of %.0f MB, host %.0f MB\n",
		p.Stages, p.StackLimit, p.DeferSum, p.GpuNeeded/1e6, usable/1e6, p.TotalMemory/1e6)
	return p
}

// Host memory needed by everything not offloaded
func hostMemory(in Input, n Needs, p Plan) float64 {
	total := n.Raw
	if !p.Stages.Has(GpuForSumming) {
		total += n.Sum - n.Raw
	}
	if !p.Stages.Has(GpuForAligning) {
		total += n.Aligning(n.Depth)
	} else if p.StackLimit > 0 {
		total += float64(n.Depth-p.StackLimit) * n.AliPerItem
	}
	if p.DeferSum {
		total += float64(in.NumFrames) * n.Raw
	}
	if !p.Stages.Has(GpuDoNoiseTaper) {
		total += n.NoiseTaper
	}
	if !p.Stages.Has(GpuDoBinPad) {
		total += n.BinPad
	}
	if !p.Stages.Has(GpuDoPreprocess) {
		total += n.Preprocess
	}
	return total
}

func hostLimit(in Input) float64 {
	if in.HostMemoryLimit > 0 {
		return in.HostMemoryLimit
	}
	return float64(memory.TotalMemory()) * 7 / 10
}

func (p *Plan) warn(log io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	p.Warnings = append(p.Warnings, msg)
	fmt.Fprintf(log, "WARNING: %s\n", msg)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
