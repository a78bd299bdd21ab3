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


package mrc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func ramp(nx, ny int, offset float32) []float32 {
	data := make([]float32, nx*ny)
	for i := range data {
		data[i] = float32(i%13) + offset
	}
	return data
}

func TestWriteReadStack(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "stack.mrc")
	w, err := Create(fn, WriterOptions{Mode: ModeInt16, PixelSize: 2.5, Label: "test stack"})
	if err != nil {
		t.Fatal(err)
	}
	for z := 0; z < 3; z++ {
		if err := w.AppendImage(ramp(7, 5, float32(z)), 7, 5); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if r.Nx() != 7 || r.Ny() != 5 || r.Sections() != 3 || r.Header.Mode != ModeInt16 {
		t.Fatalf("header %+v; want 7x5x3 int16", r.Header)
	}
	if ps := r.Header.PixelSize(); ps < 2.49 || ps > 2.51 {
		t.Errorf("pixel size %g; want 2.5", ps)
	}
	if len(r.Header.Labels) != 1 || r.Header.Labels[0] != "test stack" {
		t.Errorf("labels %q; want [test stack]", r.Header.Labels)
	}
	sec, err := r.ReadSection(2, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := ramp(7, 5, 2)
	for i := range want {
		if sec[i] != want[i] {
			t.Fatalf("sec[%d]=%g; want %g", i, sec[i], want[i])
		}
	}
	sub, err := r.ReadSubarea(1, 2, 1, 3, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	full := ramp(7, 5, 1)
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if sub[y*3+x] != full[(y+1)*7+x+2] {
				t.Errorf("sub[%d,%d]=%g; want %g", x, y, sub[y*3+x], full[(y+1)*7+x+2])
			}
		}
	}
	if _, err := r.ReadSection(3, nil); err == nil {
		t.Errorf("reading section past the end succeeded")
	}
}

func TestFourBitPacking(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "packed.mrc")
	w, err := Create(fn, WriterOptions{Mode: Mode4Bit})
	if err != nil {
		t.Fatal(err)
	}
	data := ramp(5, 3, 0)
	for i := range data {
		data[i] = float32(int(data[i]) % 16)
	}
	if err := w.AppendImage(data, 5, 3); err != nil {
		t.Fatal(err)
	}
	w.Close()
	r, err := Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := r.ReadSection(0, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("got[%d]=%g; want %g", i, got[i], data[i])
		}
	}
}

func TestBackupExisting(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "frames.mrc")
	os.WriteFile(fn, []byte("old"), 0666)
	if err := BackupExisting(fn); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fn + "~"); err != nil {
		t.Errorf("backup missing: %s", err)
	}
	os.WriteFile(fn, []byte("newer"), 0666)
	err := BackupExisting(fn)
	if !errors.Is(err, ErrBackupExists) {
		t.Errorf("err=%v; want ErrBackupExists", err)
	}
	if err := BackupExisting(filepath.Join(dir, "absent.mrc")); err != nil {
		t.Errorf("backup of absent file: %s", err)
	}
}

func TestRolloverAndAsync(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "roll.mrc")
	w, err := Create(fn, WriterOptions{Mode: ModeFloat, MaxSectionsPerFile: 2})
	if err != nil {
		t.Fatal(err)
	}
	for z := 0; z < 5; z++ {
		if err := w.StartAsyncAppend(ramp(4, 4, float32(z)), 4, 4); err != nil {
			t.Fatal(err)
		}
		if err := w.StartAsyncAppend(ramp(4, 4, 0), 4, 4); !errors.Is(err, ErrAsyncPending) {
			t.Errorf("second async start err=%v; want ErrAsyncPending", err)
		}
		if err := w.WaitAsync(5 * time.Second); err != nil {
			t.Fatal(err)
		}
		if done, err := w.CheckAsyncComplete(); !done || err != nil {
			t.Errorf("check after wait done=%v err=%v", done, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	names := w.FileNames()
	if len(names) != 3 {
		t.Fatalf("files %v; want 3", names)
	}
	counts := []int{2, 2, 1}
	for i, n := range names {
		r, err := Open(n)
		if err != nil {
			t.Fatal(err)
		}
		if r.Sections() != counts[i] {
			t.Errorf("%s has %d sections; want %d", n, r.Sections(), counts[i])
		}
		r.Close()
	}
}

func TestRolloverBacksUpAndLocatesSections(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "roll.mrc")
	old := filepath.Join(dir, "roll_002.mrc")
	os.WriteFile(old, []byte("earlier run"), 0666)

	w, err := Create(fn, WriterOptions{Mode: ModeFloat, MaxSectionsPerFile: 2})
	if err != nil {
		t.Fatal(err)
	}
	if _, idx := w.LastSection(); idx != -1 {
		t.Errorf("index %d before the first append; want -1", idx)
	}
	want := []struct {
		name  string
		index int
	}{{fn, 0}, {fn, 1}, {old, 0}}
	for z, tc := range want {
		if err := w.AppendImage(ramp(4, 4, float32(z)), 4, 4); err != nil {
			t.Fatal(err)
		}
		if name, idx := w.LastSection(); name != tc.name || idx != tc.index {
			t.Errorf("section %d in %s at %d; want %s at %d", z, name, idx, tc.name, tc.index)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if b, err := os.ReadFile(old + "~"); err != nil || string(b) != "earlier run" {
		t.Errorf("rolled over file not backed up: %q %v", b, err)
	}
}

func TestCloseReportsHeaderError(t *testing.T) {
	w, err := Create(filepath.Join(t.TempDir(), "labels.mrc"), WriterOptions{Mode: ModeFloat})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AppendImage(ramp(4, 4, 0), 4, 4); err != nil {
		t.Fatal(err)
	}
	w.header.Labels = make([]string, maxLabels+1)
	if err := w.Close(); err == nil {
		t.Errorf("close succeeded with %d labels", maxLabels+1)
	}
}

func TestStackFileName(t *testing.T) {
	if got := StackFileName("/data", "grid1", true); got != filepath.Join("/data", "grid1.eer") {
		t.Errorf("got %s", got)
	}
	if got := StackFileName("/data", "grid1", false); got != filepath.Join("/data", "grid1.mrc") {
		t.Errorf("got %s", got)
	}
}
