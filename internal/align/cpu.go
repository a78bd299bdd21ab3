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


package align

import (
	"fmt"
	"io"
	"math"

	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/ops/pre"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/pool"
)

// Alignment engine running on the host CPU. Keeps the binned spectrum and the
// sum-binned pixels of every frame, and solves for shifts when finishing
type CPUEngine struct {
	Log   io.Writer
	alloc pool.Allocator

	p           InitParams
	initialized bool
	finished    bool

	anx, any int // alignment size after binning
	snx, sny int // sum size after binning
	work     []float32
	abuf     []float32
	fft      *fft2
	corr     *correlator
	radial   []float64
	filters  [][]float64
	spectra  [][]complex128
	frames   [][]float32 // at sum binning, from alloc
}

func NewCPUEngine(log io.Writer, alloc pool.Allocator) *CPUEngine {
	if alloc == nil {
		alloc = pool.Shared{}
	}
	return &CPUEngine{Log: log, alloc: alloc}
}

// The CPU engine never offloads to a GPU
func (e *CPUEngine) GpuAvailable(gpuMemory float64) bool { return false }

func (e *CPUEngine) Initialize(p InitParams) error {
	e.Cleanup()
	if err := p.validate(); err != nil {
		return err
	}
	e.p = p
	e.anx, e.any = p.Nx/p.AliBinning, p.Ny/p.AliBinning
	e.snx, e.sny = p.Nx/p.SumBinning, p.Ny/p.SumBinning
	e.work = e.alloc.Get(p.Nx * p.Ny)
	e.abuf = make([]float32, e.anx*e.any)
	e.fft = newFFT2(e.anx, e.any)
	e.corr = newCorrelator(e.anx, e.any)
	e.radial = radialFrequencies(e.anx, e.any)
	e.filters = make([][]float64, len(p.Bands))
	for i, b := range p.Bands {
		e.filters[i] = filterResponse(e.radial, b.Radius, b.Sigma, p.Sigma1, p.AntialiasType > 1)
	}
	if p.NumFrames > 0 {
		e.spectra = make([][]complex128, 0, p.NumFrames)
		e.frames = make([][]float32, 0, p.NumFrames)
	}
	e.initialized = true
	if e.Log != nil {
		fmt.Fprintf(e.Log, "Aligning %dx%d frames binned by %d, summing binned by %d, %v strategy with %d filters\n",
			p.Nx, p.Ny, p.AliBinning, p.SumBinning, p.Strategy, len(p.Bands))
	}
	return nil
}

func (e *CPUEngine) NextFrame(data []float32, refs *pre.Refs) error {
	if !e.initialized {
		return ErrNotInitialized
	}
	if e.finished {
		return ErrFinished
	}
	if len(data) != e.p.Nx*e.p.Ny {
		return fmt.Errorf("frame of %d pixels, expected %dx%d", len(data), e.p.Nx, e.p.Ny)
	}
	copy(e.work, data)
	if refs.Active() {
		if err := refs.Apply(e.work); err != nil {
			return err
		}
	}

	sum := e.alloc.Get(e.snx * e.sny)
	improc.Bin(sum, e.work, e.p.Nx, e.p.Ny, e.p.SumBinning)
	e.frames = append(e.frames, sum)

	improc.Bin(e.abuf, e.work, e.p.Nx, e.p.Ny, e.p.AliBinning)
	e.spectra = append(e.spectra, e.spectrum(e.abuf))
	return nil
}

// Mean-subtracted, edge-tapered spectrum of a binned frame
func (e *CPUEngine) spectrum(data []float32) []complex128 {
	mean := 0.0
	for _, d := range data {
		mean += float64(d)
	}
	mean /= float64(len(data))

	taper := int(math.Round(e.p.TaperFrac * float64(minInt(e.anx, e.any))))
	if taper < 1 {
		taper = 1
	}
	spec := make([]complex128, len(data))
	for y := 0; y < e.any; y++ {
		wy := edgeWeight(y, e.any, taper)
		for x := 0; x < e.anx; x++ {
			w := wy * edgeWeight(x, e.anx, taper)
			spec[y*e.anx+x] = complex((float64(data[y*e.anx+x])-mean)*w, 0)
		}
	}
	e.fft.forward(spec)
	return spec
}

// Cosine taper weight of position i within n for a taper of width t
func edgeWeight(i, n, t int) float64 {
	d := i
	if n-1-i < d {
		d = n - 1 - i
	}
	if d >= t {
		return 1
	}
	return 0.5 * (1 - math.Cos(math.Pi*(float64(d)+0.5)/float64(t)))
}

func (e *CPUEngine) FinishAlignAndSum(opts FinishOptions) (*Result, error) {
	if !e.initialized {
		return nil, ErrNotInitialized
	}
	if e.finished {
		return nil, ErrFinished
	}
	e.finished = true
	n := len(e.spectra)
	if n == 0 {
		return nil, ErrNoFrames
	}
	bin := float64(e.p.AliBinning)
	limit := e.p.ShiftLimit / bin
	stop := opts.StopBelow / bin

	refRadius, refSigma := opts.RefRadius, opts.RefSigma
	if refRadius <= 0 {
		refRadius = e.p.RefRadius
	}
	if refSigma <= 0 {
		refSigma = 0.05
	}
	var refFilter []float64
	if refRadius > 0 {
		refFilter = filterResponse(e.radial, refRadius, refSigma, 0, false)
	}

	res := &Result{NumAligned: n}
	var best struct {
		xs, ys, loo []float64
	}
	for b, filter := range e.filters {
		var xs, ys, resid []float64
		var err error
		if e.p.Strategy == params.AccumRef || n < 2 {
			xs, ys = e.measureAccum(filter, limit)
		} else {
			xs, ys, resid, err = e.measurePairwise(filter, limit)
			if err != nil {
				return nil, err
			}
		}

		group := 1
		if opts.GroupRefine {
			group = e.p.GroupSize
		}
		for it := 0; it < e.p.RefineIter && n > 2; it++ {
			rx, ry := e.leaveOneOut(xs, ys, filter, refFilter, limit, group)
			maxChange := 0.0
			for i := range xs {
				xs[i] += rx[i]
				ys[i] += ry[i]
				maxChange = math.Max(maxChange, math.Hypot(rx[i], ry[i]))
			}
			if maxChange < stop {
				break
			}
		}
		if resid == nil || e.p.RefineIter > 0 || e.p.HybridShifts {
			rx, ry := e.leaveOneOut(xs, ys, filter, refFilter, limit, 1)
			resid = make([]float64, n)
			for i := range rx {
				resid[i] = math.Hypot(rx[i], ry[i])
			}
		}

		mean, sd, max := residualStats(resid)
		res.ResMean = append(res.ResMean, mean*bin)
		res.ResSD = append(res.ResSD, sd*bin)
		res.MaxResMax = append(res.MaxResMax, max*bin)
		if b == 0 || res.ResMean[b] < res.ResMean[res.BestFilter] {
			res.BestFilter = b
			best.xs, best.ys, best.loo = xs, ys, resid
		}
	}

	res.RawXShifts, res.RawYShifts = scaled(best.xs, bin), scaled(best.ys, bin)
	res.XShifts, res.YShifts = append([]float64(nil), res.RawXShifts...), append([]float64(nil), res.RawYShifts...)
	res.RawDist = pathLength(res.RawXShifts, res.RawYShifts)
	if opts.DoSmooth && n >= 4 {
		sx, sy := smoothTrajectory(res.RawXShifts), smoothTrajectory(res.RawYShifts)
		if e.p.HybridShifts && len(best.loo) == n {
			// smoothed shifts only replace frames that fit the sum poorly
			mean, sd, _ := residualStats(best.loo)
			for i := range sx {
				if best.loo[i] > mean+2*sd {
					res.XShifts[i], res.YShifts[i] = sx[i], sy[i]
				}
			}
		} else {
			res.XShifts, res.YShifts = sx, sy
		}
	}
	res.SmoothDist = pathLength(res.XShifts, res.YShifts)

	res.Sum = improc.NewImage(e.snx, e.sny, nil)
	var even, odd []float32
	if e.p.WantFRC && n >= 2 {
		even, odd = make([]float32, e.snx*e.sny), make([]float32, e.snx*e.sny)
	}
	sb := float64(e.p.SumBinning)
	for i, frame := range e.frames {
		dst := [][]float32{res.Sum.Data}
		if even != nil {
			if i&1 == 0 {
				dst = append(dst, even)
			} else {
				dst = append(dst, odd)
			}
		}
		addBilinear(dst, frame, e.snx, e.sny, res.XShifts[i]/sb, res.YShifts[i]/sb)
	}
	if even != nil {
		res.FRC, res.FRCDelta, res.FRCCrossing = frc(even, odd, e.snx, e.sny)
	}
	if e.Log != nil {
		fmt.Fprintf(e.Log, "%v\n", res)
	}
	return res, nil
}

// Measures shifts against an accumulating reference of all prior frames
func (e *CPUEngine) measureAccum(filter []float64, limit float64) (xs, ys []float64) {
	n := len(e.spectra)
	xs, ys = make([]float64, n), make([]float64, n)
	ref := append([]complex128(nil), e.spectra[0]...)
	for k := 1; k < n; k++ {
		xs[k], ys[k], _ = e.corr.shift(ref, e.spectra[k], filter, limit)
		addShifted(ref, e.spectra[k], e.anx, e.any, -xs[k], -ys[k], 1)
	}
	return xs, ys
}

// Measures shifts between all pairs of frame groups within the comparison window and solves for shifts
func (e *CPUEngine) measurePairwise(filter []float64, limit float64) (xs, ys, resid []float64, err error) {
	n, g := len(e.spectra), e.p.GroupSize
	if g > n-1 {
		g = 1
	}
	groups := make([][]complex128, n-g+1)
	for k := range groups {
		if g == 1 {
			groups[k] = e.spectra[k]
			continue
		}
		s := make([]complex128, len(e.spectra[k]))
		for i := k; i < k+g; i++ {
			for j, v := range e.spectra[i] {
				s[j] += v
			}
		}
		groups[k] = s
	}
	window := e.p.NumAllVsAll
	if window < 2 {
		window = 2
	}
	var pairs []pairShift
	for a := 0; a < len(groups); a++ {
		for b := a + 1; b < len(groups) && b-a < window; b++ {
			dx, dy, _ := e.corr.shift(groups[a], groups[b], filter, limit)
			pairs = append(pairs, pairShift{a: a, b: b, dx: dx, dy: dy})
		}
	}
	return solveShifts(n, g, pairs)
}

// Measures the remaining shift of each frame, or group of frames centred on it,
// against the sum of all other frames after applying the current shifts
func (e *CPUEngine) leaveOneOut(xs, ys []float64, filter, refFilter []float64, limit float64, group int) (rx, ry []float64) {
	n := len(e.spectra)
	size := len(e.spectra[0])
	shifted := make([][]complex128, n)
	total := make([]complex128, size)
	for i, s := range e.spectra {
		shifted[i] = append([]complex128(nil), s...)
		shiftSpectrum(shifted[i], e.anx, e.any, -xs[i], -ys[i])
		for j, v := range shifted[i] {
			total[j] += v
		}
	}

	rx, ry = make([]float64, n), make([]float64, n)
	ref, img := make([]complex128, size), make([]complex128, size)
	for i := range shifted {
		lo, hi := i-group/2, i-group/2+group
		if lo < 0 {
			lo = 0
		}
		if hi > n {
			hi = n
		}
		for j := range img {
			img[j] = 0
		}
		for k := lo; k < hi; k++ {
			for j, v := range shifted[k] {
				img[j] += v
			}
		}
		for j := range ref {
			ref[j] = total[j] - img[j]
			if refFilter != nil {
				ref[j] *= complex(refFilter[j], 0)
			}
		}
		rx[i], ry[i], _ = e.corr.shift(ref, img, filter, limit)
	}
	return rx, ry
}

// Adds src shifted back by (sx, sy) pixels into each of dsts, sampling bilinearly with edge clamping
func addBilinear(dsts [][]float32, src []float32, nx, ny int, sx, sy float64) {
	for y := 0; y < ny; y++ {
		fy := float64(y) + sy
		y0 := int(math.Floor(fy))
		wy := float32(fy - float64(y0))
		y0c, y1c := clampInt(y0, ny), clampInt(y0+1, ny)
		for x := 0; x < nx; x++ {
			fx := float64(x) + sx
			x0 := int(math.Floor(fx))
			wx := float32(fx - float64(x0))
			x0c, x1c := clampInt(x0, nx), clampInt(x0+1, nx)
			v := (1-wy)*((1-wx)*src[y0c*nx+x0c]+wx*src[y0c*nx+x1c]) +
				wy*((1-wx)*src[y1c*nx+x0c]+wx*src[y1c*nx+x1c])
			for _, dst := range dsts {
				dst[y*nx+x] += v
			}
		}
	}
}

func clampInt(v, n int) int {
	if v < 0 {
		return 0
	}
	if v >= n {
		return n - 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func scaled(v []float64, f float64) []float64 {
	res := make([]float64, len(v))
	for i, x := range v {
		res[i] = x * f
	}
	return res
}

// Releases all buffers. Safe to call repeatedly and before Initialize
func (e *CPUEngine) Cleanup() {
	for _, f := range e.frames {
		e.alloc.Put(f)
	}
	if e.work != nil {
		e.alloc.Put(e.work)
	}
	e.frames, e.spectra, e.work, e.abuf = nil, nil, nil, nil
	e.fft, e.corr, e.radial, e.filters = nil, nil, nil, nil
	e.initialized, e.finished = false, false
}
