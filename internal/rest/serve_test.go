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


package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mlnoga/framestack/internal/align"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/params"
	"github.com/mlnoga/framestack/internal/report"
	"github.com/mlnoga/framestack/internal/source"
	"github.com/mlnoga/framestack/internal/stack"
)

func newTestServer(t *testing.T) *Server {
	gin.SetMode(gin.TestMode)
	o := stack.New(ops.NewContext(io.Discard), &report.Recorder{}, align.NewCPUEngine(nil, nil))
	o.HostMemoryMax = 1e12
	fa := params.NewFrameAliParamsDefault()
	fa.AliBinning = 2
	fa.Strategy = params.AllPairwise
	fa.Bands = []params.Band{{Radius: 0.2, Sigma: 0.08}}
	return NewServer(o, t.TempDir(), *params.NewCameraParametersDefault(), *params.NewControlSetDefault(), params.FrameAliSet{*fa})
}

func do(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	w := do(newTestServer(t), http.MethodGet, "/api/v1/ping", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "pong") {
		t.Errorf("got %d %s", w.Code, w.Body.String())
	}
}

func TestSchedule(t *testing.T) {
	s := newTestServer(t)
	w := do(s, http.MethodPost, "/api/v1/schedule", postScheduleArgs{Exposure: 1.01, ReadoutInterval: 0.04, SkipBefore: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	var res postScheduleResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.NumFrames != 24 || len(res.Subframes) != 24 || len(res.Readouts) != 24 {
		t.Errorf("got %d frames, %d sub-frame counts, %d readouts; want 24", res.NumFrames, len(res.Subframes), len(res.Readouts))
	}
	if res.Exposure < 0.9999 || res.Exposure > 1.0001 {
		t.Errorf("got exposure %g; want 1", res.Exposure)
	}
	if res.Readouts[0].Start != 1 {
		t.Errorf("first readout starts at %d; want 1 after the skipped one", res.Readouts[0].Start)
	}

	if w := do(s, http.MethodPost, "/api/v1/schedule", postScheduleArgs{Exposure: 1}); w.Code != http.StatusBadRequest {
		t.Errorf("missing readout interval: got %d", w.Code)
	}
}

func TestPlan(t *testing.T) {
	s := newTestServer(t)
	in := map[string]interface{}{"nx": 4096, "ny": 4096, "bytesPerPixel": 2, "numFrames": 20, "sumBinning": 1,
		"aliBinning": 4, "numAllVsAll": 7, "groupSize": 1, "numFilters": 1, "hostMemoryLimit": 1e12}
	w := do(s, http.MethodPost, "/api/v1/plan", map[string]interface{}{"input": in})
	if w.Code != http.StatusOK {
		t.Fatalf("got %d %s", w.Code, w.Body.String())
	}
	var res postPlanResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	var fields map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &fields)
	for _, k := range []string{"stages", "stackLimit", "totalMemory", "stageNames"} {
		if _, ok := fields[k]; !ok {
			t.Errorf("plan response lacks %q: %s", k, w.Body.String())
		}
	}
	if res.Stages != 0 || res.TotalMemory <= 0 {
		t.Errorf("without a GPU got stages %v, host memory %g", res.Stages, res.TotalMemory)
	}

	in["gpuMemory"] = 48e9
	w = do(s, http.MethodPost, "/api/v1/plan", map[string]interface{}{"input": in})
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Stages == 0 || res.StageNames == "" {
		t.Errorf("with a large GPU got no offloaded stages")
	}

	if w := do(s, http.MethodPost, "/api/v1/plan", map[string]interface{}{"input": map[string]int{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty input: got %d", w.Code)
	}
}

func writeSimulatedStack(t *testing.T, name string, size, n int) {
	sim := source.NewSimulated(size, size, n, 0.6, 0.4, 2, 7)
	w, err := mrc.Create(name, mrc.WriterOptions{Mode: mrc.ModeFloat})
	if err != nil {
		t.Fatal(err)
	}
	for k := 0; k < n; k++ {
		data, _ := sim.NextFrame(nil)
		if err := w.AppendImage(data, size, size); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAlign(t *testing.T) {
	s := newTestServer(t)
	writeSimulatedStack(t, filepath.Join(s.Root, "frames.mrc"), 128, 5)

	w := do(s, http.MethodPost, "/api/v1/align", postAlignArgs{Stack: "frames.mrc", Sum: "sum.fits"})
	body := w.Body.String()
	if w.Code != http.StatusOK || !strings.Contains(body, "5 of 5 frames were aligned") {
		t.Fatalf("got %d %s", w.Code, body)
	}
	if strings.Contains(body, "error:") {
		t.Errorf("unexpected error in %s", body)
	}
	if st, err := os.Stat(filepath.Join(s.Root, "sum.fits")); err != nil || st.Size() == 0 {
		t.Errorf("sum not written: %v", err)
	}

	w = do(s, http.MethodGet, "/api/v1/status", nil)
	var st stack.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != stack.Idle || st.Aligned != 5 {
		t.Errorf("got status %+v", st)
	}
}

func TestAlignPostSteps(t *testing.T) {
	s := newTestServer(t)
	writeSimulatedStack(t, filepath.Join(s.Root, "frames.mrc"), 128, 5)

	args := map[string]interface{}{
		"stack": "frames.mrc",
		"sum":   "sum.mrc",
		"post":  json.RawMessage(`{"type":"seq","steps":[{"type":"bin","binSize":2},{"type":"save","filePattern":"preview.tif"}]}`),
	}
	w := do(s, http.MethodPost, "/api/v1/align", args)
	if body := w.Body.String(); w.Code != http.StatusOK || strings.Contains(body, "error:") {
		t.Fatalf("got %d %s", w.Code, body)
	}
	r, err := mrc.Open(filepath.Join(s.Root, "sum.mrc"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Nx() != 64 || r.Ny() != 64 {
		t.Errorf("sum is %dx%d; want 64x64 after binning", r.Nx(), r.Ny())
	}
	if st, err := os.Stat(filepath.Join(s.Root, "preview.tif")); err != nil || st.Size() == 0 {
		t.Errorf("preview not written below the root: %v", err)
	}

	args["post"] = json.RawMessage(`{"type":"seq","steps":[{"type":"save","filePattern":"../escape.tif"}]}`)
	if w := do(s, http.MethodPost, "/api/v1/align", args); w.Code != http.StatusBadRequest {
		t.Errorf("save outside the root: got %d", w.Code)
	}
	args["post"] = json.RawMessage(`{"type":"seq","steps":[{"type":"sharpen"}]}`)
	if w := do(s, http.MethodPost, "/api/v1/align", args); w.Code != http.StatusBadRequest {
		t.Errorf("unknown operator: got %d", w.Code)
	}
}

func TestAlignRejects(t *testing.T) {
	s := newTestServer(t)
	if w := do(s, http.MethodPost, "/api/v1/align", postAlignArgs{Stack: "../etc/frames.mrc"}); w.Code != http.StatusBadRequest {
		t.Errorf("parent path: got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/v1/align", postAlignArgs{Stack: "/frames.mrc"}); w.Code != http.StatusBadRequest {
		t.Errorf("absolute path: got %d", w.Code)
	}
	if w := do(s, http.MethodPost, "/api/v1/align", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing stack: got %d", w.Code)
	}
	s.running.Lock()
	if w := do(s, http.MethodPost, "/api/v1/align", postAlignArgs{Stack: "frames.mrc"}); w.Code != http.StatusConflict {
		t.Errorf("concurrent alignment: got %d", w.Code)
	}
	s.running.Unlock()

	w := do(s, http.MethodPost, "/api/v1/align", postAlignArgs{Stack: "missing.mrc"})
	if !strings.Contains(w.Body.String(), "error:") {
		t.Errorf("missing stack: no error in %s", w.Body.String())
	}
}
