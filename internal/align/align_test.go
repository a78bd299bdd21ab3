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
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/pool"
	"github.com/valyala/fastrand"
)

type blob struct{ x, y, amp float64 }

func makeBlobs(n int, size int) []blob {
	rng := fastrand.RNG{}
	rng.Seed(42)
	res := make([]blob, n)
	for i := range res {
		res[i] = blob{
			x:   20 + float64(rng.Uint32n(uint32(size-40))),
			y:   20 + float64(rng.Uint32n(uint32(size-40))),
			amp: 50 + float64(rng.Uint32n(100)),
		}
	}
	return res
}

// Frame showing the blobs displaced by (sx, sy), on a constant background
func render(blobs []blob, size int, sx, sy float64) []float32 {
	data := make([]float32, size*size)
	const sigma = 3.0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := 100.0
			for _, b := range blobs {
				dx, dy := float64(x)-b.x-sx, float64(y)-b.y-sy
				v += b.amp * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			}
			data[y*size+x] = float32(v)
		}
	}
	return data
}

func trajectory(k int) (float64, float64) { return 0.8 * float64(k), -0.5 * float64(k) }

func testParams(size, n int, s params.Strategy) InitParams {
	return InitParams{
		Nx: size, Ny: size,
		SumBinning: 1, AliBinning: 2,
		Strategy:    s,
		NumAllVsAll: 4,
		GroupSize:   1,
		TaperFrac:   0.1,
		Bands:       []params.Band{{Radius: 0.2, Sigma: 0.08}},
		ShiftLimit:  20,
		NumFrames:   n,
	}
}

func runEngine(t *testing.T, e *CPUEngine, p InitParams, opts FinishOptions) *Result {
	t.Helper()
	blobs := makeBlobs(25, p.Nx)
	if err := e.Initialize(p); err != nil {
		t.Fatal(err)
	}
	for k := 0; k < p.NumFrames; k++ {
		sx, sy := trajectory(k)
		if err := e.NextFrame(render(blobs, p.Nx, sx, sy), nil); err != nil {
			t.Fatal(err)
		}
	}
	res, err := e.FinishAlignAndSum(opts)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func checkShifts(t *testing.T, res *Result, n int, tol float64) {
	t.Helper()
	if len(res.XShifts) != n {
		t.Fatalf("got %d shifts; want %d", len(res.XShifts), n)
	}
	for k := 0; k < n; k++ {
		wx, wy := trajectory(k)
		if math.Abs(res.XShifts[k]-wx) > tol || math.Abs(res.YShifts[k]-wy) > tol {
			t.Errorf("frame %d shift %.2f,%.2f; want %.2f,%.2f", k, res.XShifts[k], res.YShifts[k], wx, wy)
		}
	}
}

func TestAccumRef(t *testing.T) {
	e := NewCPUEngine(&bytes.Buffer{}, nil)
	defer e.Cleanup()
	res := runEngine(t, e, testParams(128, 8, params.AccumRef), FinishOptions{})
	checkShifts(t, res, 8, 0.6)
}

func TestPairwiseWithRefine(t *testing.T) {
	e := NewCPUEngine(&bytes.Buffer{}, nil)
	defer e.Cleanup()
	p := testParams(128, 8, params.PairwiseNum)
	p.RefineIter = 2
	res := runEngine(t, e, p, FinishOptions{StopBelow: 0.05})
	checkShifts(t, res, 8, 0.6)
	if res.NumAligned != 8 {
		t.Errorf("aligned %d; want 8", res.NumAligned)
	}
}

func TestFiltersAndSmoothing(t *testing.T) {
	e := NewCPUEngine(&bytes.Buffer{}, nil)
	defer e.Cleanup()
	p := testParams(128, 10, params.AllPairwise)
	p.NumAllVsAll = 10
	p.Bands = append(p.Bands, params.Band{Radius: 0.1, Sigma: 0.05})
	p.WantFRC = true
	res := runEngine(t, e, p, FinishOptions{DoSmooth: true})
	if len(res.ResMean) != 2 || res.BestFilter < 0 || res.BestFilter > 1 {
		t.Fatalf("filters %v best %d", res.ResMean, res.BestFilter)
	}
	checkShifts(t, res, 10, 0.6)
	// the drift is linear, so smoothing may only shift the path within noise
	if res.SmoothDist > 1.01*res.RawDist {
		t.Errorf("smoothed path %.3f longer than raw %.3f", res.SmoothDist, res.RawDist)
	}
	if len(res.FRC) == 0 || res.FRC[1] < 0.5 {
		t.Errorf("FRC of identical halves %v", res.FRC)
	}
}

func TestAlignedSum(t *testing.T) {
	e := NewCPUEngine(&bytes.Buffer{}, nil)
	defer e.Cleanup()
	const n = 6
	res := runEngine(t, e, testParams(128, n, params.AccumRef), FinishOptions{})
	blobs := makeBlobs(25, 128)
	ref := render(blobs, 128, 0, 0)
	for _, b := range blobs[:5] {
		i := int(b.y)*128 + int(b.x)
		want := n * ref[i]
		if got := res.Sum.Data[i]; math.Abs(float64(got-want)) > 0.05*float64(want) {
			t.Errorf("sum at blob %v = %g; want about %g", b, got, want)
		}
	}
}

func TestEngineStates(t *testing.T) {
	tracked := pool.NewTracked(nil)
	e := NewCPUEngine(nil, tracked)
	e.Cleanup() // before Initialize
	if err := e.NextFrame(make([]float32, 4), nil); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("NextFrame before Initialize: %v", err)
	}
	p := testParams(64, 3, params.AccumRef)
	if err := e.Initialize(p); err != nil {
		t.Fatal(err)
	}
	if _, err := e.FinishAlignAndSum(FinishOptions{}); !errors.Is(err, ErrNoFrames) {
		t.Errorf("finish without frames: %v", err)
	}
	if _, err := e.FinishAlignAndSum(FinishOptions{}); !errors.Is(err, ErrFinished) {
		t.Errorf("second finish: %v", err)
	}
	e.Cleanup()
	e.Cleanup()
	if tracked.Outstanding() != 0 {
		t.Errorf("outstanding buffers %d after cleanup", tracked.Outstanding())
	}

	if err := e.Initialize(p); err != nil {
		t.Fatal(err)
	}
	if err := e.NextFrame(make([]float32, 10), nil); err == nil {
		t.Errorf("wrong frame size accepted")
	}
	e.NextFrame(make([]float32, 64*64), nil)
	e.Cleanup()
	if tracked.Outstanding() != 0 {
		t.Errorf("outstanding buffers %d after cleanup with frames", tracked.Outstanding())
	}

	p.AliBinning = 8
	if err := e.Initialize(p); err == nil {
		t.Errorf("frame too small for binning accepted")
	}
	if e.GpuAvailable(1e10) {
		t.Errorf("CPU engine claims a GPU")
	}
}

func TestSolveShifts(t *testing.T) {
	truth := []float64{0, 1, 3, 4, 4.5}
	var pairs []pairShift
	for a := 0; a < len(truth); a++ {
		for b := a + 1; b < len(truth) && b-a < 3; b++ {
			pairs = append(pairs, pairShift{a: a, b: b, dx: truth[b] - truth[a], dy: -(truth[b] - truth[a])})
		}
	}
	xs, ys, res, err := solveShifts(len(truth), 1, pairs)
	if err != nil {
		t.Fatal(err)
	}
	for i := range truth {
		if math.Abs(xs[i]-truth[i]) > 1e-9 || math.Abs(ys[i]+truth[i]) > 1e-9 {
			t.Errorf("shift %d = %g,%g; want %g,%g", i, xs[i], ys[i], truth[i], -truth[i])
		}
	}
	for i, r := range res {
		if r > 1e-9 {
			t.Errorf("residual %d = %g", i, r)
		}
	}
	if _, _, _, err := solveShifts(5, 1, pairs[:2]); err == nil {
		t.Errorf("underdetermined system accepted")
	}
}

func TestSmoothTrajectoryKeepsLines(t *testing.T) {
	s := make([]float64, 30)
	for i := range s {
		s[i] = 2 + 0.5*float64(i)
	}
	sm := smoothTrajectory(s)
	for i := range s {
		if math.Abs(sm[i]-s[i]) > 1e-9 {
			t.Errorf("smoothed[%d]=%g; want %g", i, sm[i], s[i])
		}
	}
	if short := smoothTrajectory([]float64{1, 5}); short[1] != 5 {
		t.Errorf("short trajectory changed: %v", short)
	}
}

func TestSmoothTrajectoryRemovesJitter(t *testing.T) {
	const n = 12
	xs, ys := make([]float64, n), make([]float64, n)
	for i := range xs {
		xs[i] = 0.2*float64(i) + float64(1-2*(i%2))
	}
	raw := pathLength(xs, ys)
	sm := smoothTrajectory(xs)
	if d := pathLength(sm, ys); d > raw/2 {
		t.Errorf("smoothed path %.2f; want below half of raw %.2f", d, raw)
	}
	// the jitter moves every raw point by 1
	dev := 0.0
	for i := range sm {
		dev += math.Abs(sm[i] - 0.2*float64(i))
	}
	if dev /= n; dev > 0.6 {
		t.Errorf("smoothed trajectory deviates %.2f from the drift on average", dev)
	}
}
