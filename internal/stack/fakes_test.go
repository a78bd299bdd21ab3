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
	"errors"
	"io"
	"time"

	"github.com/mlnoga/framestack/internal/align"
	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/ops/pre"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/report"
	"github.com/mlnoga/framestack/internal/source"
)

// Frames whose pixels all equal the frame index plus one, with injected read errors
type fakeSource struct {
	nx, ny, n int
	next      int
	reads     int
	closed    int
	failAt    map[int]error
}

func (s *fakeSource) Size() (int, int) { return s.nx, s.ny }
func (s *fakeSource) NumFrames() int   { return s.n }
func (s *fakeSource) Close() error     { s.closed++; return nil }

func (s *fakeSource) NextFrame(dst []float32) ([]float32, error) {
	if s.next >= s.n {
		return nil, source.ErrNoMoreFrames
	}
	idx := s.next
	s.next++
	s.reads++
	if err := s.failAt[idx]; err != nil {
		return nil, err
	}
	if len(dst) < s.nx*s.ny {
		dst = make([]float32, s.nx*s.ny)
	}
	for i := range dst[:s.nx*s.ny] {
		dst[i] = float32(idx + 1)
	}
	return dst[:s.nx*s.ny], nil
}

// Engine which sums frames without shifting them, with injected failures
type fakeEngine struct {
	p         align.InitParams
	initErr   error
	failAt    int // NextFrame call failing, -1 for none
	finishErr error
	frames    int
	sum       []float32
	inits     int
	cleanups  int
	finishes  int
	gpu       bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{failAt: -1} }

func (f *fakeEngine) Initialize(p align.InitParams) error {
	f.inits++
	if f.initErr != nil {
		return f.initErr
	}
	f.p, f.frames, f.sum = p, 0, make([]float32, p.Nx*p.Ny)
	return nil
}

func (f *fakeEngine) NextFrame(data []float32, refs *pre.Refs) error {
	if f.sum == nil {
		return align.ErrNotInitialized
	}
	if f.frames == f.failAt {
		f.frames++
		return errors.New("injected alignment failure")
	}
	f.frames++
	improc.Add(f.sum, data)
	return nil
}

func (f *fakeEngine) FinishAlignAndSum(opts align.FinishOptions) (*align.Result, error) {
	f.finishes++
	if f.finishErr != nil {
		return nil, f.finishErr
	}
	if f.sum == nil {
		return nil, align.ErrNotInitialized
	}
	n := f.frames
	r := &align.Result{
		Sum:        improc.NewImage(f.p.Nx, f.p.Ny, append([]float32(nil), f.sum...)),
		XShifts:    make([]float64, n),
		YShifts:    make([]float64, n),
		ResMean:    []float64{0},
		ResSD:      []float64{0},
		MaxResMax:  []float64{0},
		NumAligned: n,
	}
	return r, nil
}

func (f *fakeEngine) Cleanup() {
	f.cleanups++
	f.sum = nil
}

func (f *fakeEngine) GpuAvailable(gpuMemory float64) bool { return f.gpu && gpuMemory > 0 }

// In-memory storage. Asynchronous saves copy their data only when they
// complete, which exposes buffers reused too early
type memStorage struct {
	nx, ny   int
	frames   [][]float32
	failAt   map[int]error
	delay    int
	calls    int
	pending  bool
	inflight []float32
	polls    int
	closed   int
}

func (s *memStorage) AppendImage(data []float32, nx, ny int) error {
	call := s.calls
	s.calls++
	if err := s.failAt[call]; err != nil {
		return err
	}
	s.nx, s.ny = nx, ny
	s.frames = append(s.frames, append([]float32(nil), data[:nx*ny]...))
	return nil
}

func (s *memStorage) StartAsyncAppend(data []float32, nx, ny int) error {
	if s.pending {
		return mrc.ErrAsyncPending
	}
	s.pending, s.inflight, s.polls = true, data, 0
	s.nx, s.ny = nx, ny
	return nil
}

func (s *memStorage) complete() error {
	s.pending = false
	return s.AppendImage(s.inflight, s.nx, s.ny)
}

func (s *memStorage) CheckAsyncComplete() (bool, error) {
	if !s.pending {
		return true, nil
	}
	s.polls++
	if s.polls <= s.delay {
		return false, nil
	}
	return true, s.complete()
}

func (s *memStorage) WaitAsync(timeout time.Duration) error {
	if s.pending {
		return s.complete()
	}
	return nil
}

func (s *memStorage) Close() error {
	s.closed++
	if s.pending {
		return s.complete()
	}
	return nil
}

// Allocator failing every request
type failingAlloc struct{}

func (failingAlloc) Get(size int) []float32 { return nil }
func (failingAlloc) Put([]float32)          {}

func newTestOrchestrator(e align.Engine) (*Orchestrator, *report.Recorder) {
	rec := &report.Recorder{}
	o := New(ops.NewContext(io.Discard), rec, e)
	o.HostMemoryMax = 1e12
	return o, rec
}

// Alignment for frames of the given size, with the fake engine initialized
func testAlignment(t interface{ Fatal(...interface{}) }, e align.Engine, nx, ny int) *Alignment {
	a := &Alignment{Params: *params.NewFrameAliParamsDefault(), Init: align.InitParams{Nx: nx, Ny: ny, SumBinning: 1, AliBinning: 1}}
	if err := e.Initialize(a.Init); err != nil {
		t.Fatal(err)
	}
	return a
}

func messages(rec *report.Recorder, sev report.Severity) []string {
	var res []string
	for _, e := range rec.Entries {
		if e.Severity == sev {
			res = append(res, e.Message)
		}
	}
	return res
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}
