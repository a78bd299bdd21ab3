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
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/ops/post"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/schedule"
	"github.com/mlnoga/framestack/internal/source"
)

func TestProcessPluginFrames(t *testing.T) {
	dir := t.TempDir()
	const size, n = 32, 4
	e := newFakeEngine()
	o, _ := newTestOrchestrator(e)
	cs := params.NewControlSetDefault()
	cs.SumSchedule = schedule.Schedule{{Count: n, SubframesPerFrame: 1}}
	cam := testCamera(size)
	paths := params.Paths{Directory: dir, RootName: "live"}
	plugin := source.NewSourcePlugin(&fakeSource{nx: size, ny: size, n: n}, 0)

	ep, err := o.ProcessPluginFrames(plugin, RunOptions{Control: cs, Camera: cam, Paths: paths, Alignment: testAlignment(t, e, size, size)})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ep.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.FramesStacked != n || res.FramesAligned != n || res.FramesTotal != n {
		t.Errorf("stacked %d aligned %d of %d; want %d", res.FramesStacked, res.FramesAligned, res.FramesTotal, n)
	}
	if res.Sum == nil || res.Sum.Data[0] != 1+2+3+4 {
		t.Fatalf("sum %v; want 10", res.Sum)
	}

	r, err := mrc.Open(paths.StackFile(false))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Sections() != n {
		t.Errorf("saved %d sections; want %d", r.Sections(), n)
	}
	f, err := r.ReadSection(2, nil)
	if err != nil || f[0] != 3 {
		t.Errorf("section 2 starts with %v: %v; want 3", f[:1], err)
	}
	if o.Busy() || o.State() != Idle {
		t.Errorf("orchestrator busy %v in state %v after the run", o.Busy(), o.State())
	}
}

func TestAlignFramesFromFile(t *testing.T) {
	dir := t.TempDir()
	const nx, ny, n = 40, 30, 3
	input := filepath.Join(dir, "camera.mrc")
	w, err := mrc.Create(input, mrc.WriterOptions{Mode: mrc.ModeFloat})
	if err != nil {
		t.Fatal(err)
	}
	data := make([]float32, nx*ny)
	for k := 0; k < n; k++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				data[y*nx+x] = float32(x + 100*y + 1000*k)
			}
		}
		if err := w.AppendImage(data, nx, ny); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	e := newFakeEngine()
	o, _ := newTestOrchestrator(e)
	cs := params.NewControlSetDefault()
	cs.SaveFrames = false
	area := source.Area{X0: 4, Y0: 2, Nx: 32, Ny: 24}
	ep, err := o.AlignFramesFromFile(input, area, true, RunOptions{Control: cs, Camera: testCamera(nx), Alignment: testAlignment(t, e, 32, 24)})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ep.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// rows counted from the bottom: native row 2 of a 24 row area starts at row 30-2-24
	if want := float32(3*(4+100*4) + 1000*(0+1+2)); res.Sum == nil || res.Sum.Data[0] != want {
		t.Errorf("sum %v; want first pixel %g", res.Sum, want)
	}
	if res.Sum.Nx != 32 || res.Sum.Ny != 24 {
		t.Errorf("sum is %dx%d; want 32x24", res.Sum.Nx, res.Sum.Ny)
	}

	if _, err := o.AlignFramesFromFile(filepath.Join(dir, "missing.mrc"), area, false, RunOptions{Control: cs, Camera: testCamera(nx)}); CodeOf(err) != FileOpen {
		t.Errorf("missing file gave %v; want FileOpen", err)
	}
}

func TestWriteSum(t *testing.T) {
	dir := t.TempDir()
	e := newFakeEngine()
	o, _ := newTestOrchestrator(e)
	src := &fakeSource{nx: 32, ny: 32, n: 2}
	ep, err := o.Start(Request{Source: src, Alignment: testAlignment(t, e, 32, 32), SumMode: mrc.ModeFloat})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ep.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	name := filepath.Join(dir, "sum.mrc")
	if err := o.WriteSum(res, name, 1.5, ops.NewOpSequence(post.NewOpBin(2))); err != nil {
		t.Fatal(err)
	}
	r, err := mrc.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Nx() != 16 || r.Ny() != 16 {
		t.Errorf("binned sum is %dx%d; want 16x16", r.Nx(), r.Ny())
	}
	if ps := r.Header.PixelSize(); math.Abs(float64(ps)-3) > 1e-4 {
		t.Errorf("binned pixel size %g; want 3", ps)
	}
	if res.Sum.Nx != 32 {
		t.Errorf("writing changed the result to width %d", res.Sum.Nx)
	}

	fits := filepath.Join(dir, "sum.fits")
	if err := o.WriteSum(res, fits, 1.5, nil); err != nil {
		t.Fatal(err)
	}
	if st, err := os.Stat(fits); err != nil || st.Size() == 0 {
		t.Errorf("no FITS sum: %v", err)
	}

	if err := o.WriteSum(&Result{}, name, 1, nil); CodeOf(err) != FinishAlign {
		t.Errorf("writing a missing sum gave %v; want FinishAlign", err)
	}
}

func TestWriteSumWithDecodedSteps(t *testing.T) {
	dir := t.TempDir()
	e := newFakeEngine()
	o, _ := newTestOrchestrator(e)
	ep, err := o.Start(Request{Source: &fakeSource{nx: 32, ny: 32, n: 2}, Alignment: testAlignment(t, e, 32, 32), SumMode: mrc.ModeFloat})
	if err != nil {
		t.Fatal(err)
	}
	res, err := ep.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	preview := filepath.Join(dir, "preview.tif")
	js := fmt.Sprintf(`{"type":"seq","steps":[
		{"type":"crop","x0":0,"y0":0,"nx":24,"ny":32},
		{"type":"seq","steps":[{"type":"bin","binSize":2},{"type":"bin","active":false,"binSize":4}]},
		{"type":"save","filePattern":%q}]}`, preview)
	steps := ops.NewOpSequenceDefault()
	if err := json.Unmarshal([]byte(js), steps); err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, "sum.mrc")
	if err := o.WriteSum(res, name, 1.25, steps); err != nil {
		t.Fatal(err)
	}
	r, err := mrc.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Nx() != 12 || r.Ny() != 16 {
		t.Errorf("sum is %dx%d; want 12x16", r.Nx(), r.Ny())
	}
	if ps := r.Header.PixelSize(); math.Abs(float64(ps)-2.5) > 1e-4 {
		t.Errorf("pixel size %g; want 2.5 from the one active bin step", ps)
	}
	if st, err := os.Stat(preview); err != nil || st.Size() == 0 {
		t.Errorf("no preview from the intermediate save step: %v", err)
	}
	if res.Sum.Nx != 32 || res.Sum.Ny != 32 {
		t.Errorf("writing changed the result to %dx%d", res.Sum.Nx, res.Sum.Ny)
	}
}

func writeStack(t *testing.T, name string, nx, ny int, values ...float32) {
	w, err := mrc.Create(name, mrc.WriterOptions{Mode: mrc.ModeFloat})
	if err != nil {
		t.Fatal(err)
	}
	data := make([]float32, nx*ny)
	for _, v := range values {
		for i := range data {
			data[i] = v
		}
		if err := w.AppendImage(data, nx, ny); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAlignStackFileNormalizes(t *testing.T) {
	dir := t.TempDir()
	const size = 64
	input, dark := filepath.Join(dir, "frames.mrc"), filepath.Join(dir, "dark.mrc")
	writeStack(t, input, size, size, 10, 11, 12)
	writeStack(t, dark, size, size, 10)

	e := newFakeEngine()
	o, _ := newTestOrchestrator(e)
	cs := params.NewControlSetDefault()
	cs.SaveFrames, cs.AlignFrames, cs.AlignInProcess, cs.SaveMode = false, true, true, mrc.ModeFloat
	cam := testCamera(4096)
	cam.DarkRef = dark
	ep, err := o.AlignStackFile(input, RunOptions{Control: cs, Camera: cam}, testAliSet())
	if err != nil {
		t.Fatal(err)
	}
	res, err := ep.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Sum == nil || res.Sum.Data[0] != 0+1+2 {
		t.Errorf("sum %v; want dark-subtracted first pixel 3", res.Sum)
	}
	if e.p.Nx != size || e.inits != 1 {
		t.Errorf("engine initialized %d times for width %d", e.inits, e.p.Nx)
	}

	cam.DarkRef = filepath.Join(dir, "missing.mrc")
	if _, err := o.AlignStackFile(input, RunOptions{Control: cs, Camera: cam}, testAliSet()); CodeOf(err) != FileOpen {
		t.Errorf("missing reference gave %v; want FileOpen", err)
	}
}
