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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/params"
)

func TestConfigDefaultsAndOverlay(t *testing.T) {
	dir := t.TempDir()
	c, err := loadConfig(koanf.New("."), filepath.Join(dir, "missing.yml"))
	if err != nil {
		t.Fatal(err)
	}
	def := defaultConfig()
	if c.Addr != def.Addr || c.Camera.SizeX != def.Camera.SizeX || len(c.AliSets) != 1 || c.AsyncTimeout != 30*time.Second {
		t.Errorf("got %+v; want defaults", c)
	}

	// mkconf output loads back, with edits applied
	var buf bytes.Buffer
	c.Camera.SizeX = 2048
	c.AliSets[0].Strategy = params.AccumRef
	c.Control.SaveMode = mrc.ModeFloat
	if err := writeConfig(&buf, c); err != nil {
		t.Fatal(err)
	}
	name := filepath.Join(dir, "framestack.yml")
	if err := os.WriteFile(name, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	c2, err := loadConfig(koanf.New("."), name)
	if err != nil {
		t.Fatal(err)
	}
	if c2.Camera.SizeX != 2048 || c2.Camera.SizeY != def.Camera.SizeY {
		t.Errorf("got camera %dx%d; want 2048x%d", c2.Camera.SizeX, c2.Camera.SizeY, def.Camera.SizeY)
	}
	if len(c2.AliSets) != 1 || c2.AliSets[0].Strategy != params.AccumRef {
		t.Errorf("got parameter sets %+v", c2.AliSets)
	}
	if c2.Control.SaveMode != mrc.ModeFloat {
		t.Errorf("got save mode %v; want float", c2.Control.SaveMode)
	}
}

func TestSimulateAndAlign(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "framestack.yml")
	stackFile := filepath.Join(dir, "sim.mrc")
	run := func(args ...string) string {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{"--config", cfgFile}, args...))
		if err := cmd.Execute(); err != nil {
			t.Fatalf("%v: %v\n%s", args, err, out.String())
		}
		return out.String()
	}
	run("simulate", "--size", "128", "--frames", "4", stackFile)
	run("align", "--sum", filepath.Join(dir, "sum.fits"), "--params", "0", stackFile)
	if st, err := os.Stat(filepath.Join(dir, "sum.fits")); err != nil || st.Size() == 0 {
		t.Errorf("no aligned sum: %v", err)
	}

	opsFile := filepath.Join(dir, "post.json")
	if err := os.WriteFile(opsFile, []byte(`{"type":"seq","steps":[{"type":"bin","binSize":2}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	plain, binned := filepath.Join(dir, "sum.mrc"), filepath.Join(dir, "sum_bin.mrc")
	run("align", "--sum", plain, "--params", "0", stackFile)
	run("align", "--sum", binned, "--sum-ops", opsFile, "--params", "0", stackFile)
	rp, err := mrc.Open(plain)
	if err != nil {
		t.Fatal(err)
	}
	defer rp.Close()
	rb, err := mrc.Open(binned)
	if err != nil {
		t.Fatal(err)
	}
	defer rb.Close()
	if rb.Nx() != rp.Nx()/2 || rb.Ny() != rp.Ny()/2 {
		t.Errorf("sum post-processed from JSON is %dx%d; want half of %dx%d", rb.Nx(), rb.Ny(), rp.Nx(), rp.Ny())
	}

	run("comfile", stackFile)
	b, err := os.ReadFile(filepath.Join(dir, "sim.pcm"))
	if err != nil || !strings.Contains(string(b), "sim.mrc") {
		t.Errorf("command file %q: %v", b, err)
	}
}

func TestCapture(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	sum := filepath.Join(dir, "cap_sum.mrc")
	cmd.SetArgs([]string{"--config", filepath.Join(dir, "framestack.yml"), "capture",
		"--size", "128", "--exposure", "0.4", "--dir", dir, "--root", "cap", "--sum", sum, "--params", "0"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%v\n%s", err, out.String())
	}

	r, err := mrc.Open(filepath.Join(dir, "cap.mrc"))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Sections() != 10 || r.Nx() != 128 {
		t.Errorf("saved %d sections of width %d; want 10 of 128", r.Sections(), r.Nx())
	}
	for _, name := range []string{sum, filepath.Join(dir, "cap.readouts.yaml")} {
		if st, err := os.Stat(name); err != nil || st.Size() == 0 {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}
