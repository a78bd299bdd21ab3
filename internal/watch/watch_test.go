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


package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestIsFrameStack(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"grid1.mrc", true},
		{"/data/grid1.MRC", true},
		{"grid1.mrcs", true},
		{"grid1_ali.mrc", false},
		{"grid1.mrc~", false},
		{".grid1.mrc", false},
		{"grid1.tif", false},
		{"grid1.pcm", false},
	}
	for _, test := range tests {
		if got := IsFrameStack(test.name); got != test.want {
			t.Errorf("%s: got %v; want %v", test.name, got, test.want)
		}
	}
}

func TestSettledOrder(t *testing.T) {
	now := time.Now()
	lw := map[string]time.Time{
		"b": now.Add(-3 * time.Second),
		"a": now.Add(-5 * time.Second),
		"c": now.Add(-100 * time.Millisecond),
	}
	got := settled(lw, now, time.Second)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v; want [a b]", got)
	}
}

func TestWatcherHandlesNewStacks(t *testing.T) {
	dir := t.TempDir()
	handled := make(chan string, 10)
	w := New(dir, 50*time.Millisecond, nil, func(name string) error {
		handled <- filepath.Base(name)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	for _, name := range []string{"ignored.txt", "grid1_ali.mrc", "grid1.mrc"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("frames"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-handled:
		if got != "grid1.mrc" {
			t.Errorf("got %s; want grid1.mrc", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stack was never handled")
	}
	select {
	case got := <-handled:
		t.Errorf("unexpected second file %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcherMissingDirectory(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), time.Millisecond, nil, func(string) error { return nil })
	if err := w.Run(context.Background()); err == nil {
		t.Errorf("got no error for a missing directory")
	}
}
