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


// Package watch runs a handler on each stack file that appears in a directory.
package watch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watches one directory. A file is handed to Handle once no write to it was
// seen for Settle, so stacks still being written are not picked up early
type Watcher struct {
	Dir    string
	Settle time.Duration
	Log    io.Writer
	Match  func(name string) bool
	Handle func(name string) error
}

func New(dir string, settle time.Duration, log io.Writer, handle func(string) error) *Watcher {
	if log == nil {
		log = io.Discard
	}
	return &Watcher{Dir: dir, Settle: settle, Log: log, Match: IsFrameStack, Handle: handle}
}

// True for MRC stacks, excluding aligned outputs and backups
func IsFrameStack(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	if ext != ".mrc" && ext != ".mrcs" {
		return false
	}
	return !strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), "_ali")
}

// Runs until ctx is done. Handler errors are logged, not returned
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.Dir, err)
	}
	fmt.Fprintf(w.Log, "Watching %s for frame stacks\n", w.Dir)

	tick := w.Settle / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	lastWrite := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.Match(ev.Name) {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				lastWrite[ev.Name] = time.Now()
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(lastWrite, ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(w.Log, "Watcher error: %v\n", err)

		case now := <-ticker.C:
			for _, name := range settled(lastWrite, now, w.Settle) {
				delete(lastWrite, name)
				fmt.Fprintf(w.Log, "Processing %s\n", name)
				if err := w.Handle(name); err != nil {
					fmt.Fprintf(w.Log, "%s: %v\n", name, err)
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		}
	}
}

// Files without writes for at least settle, oldest first
func settled(lastWrite map[string]time.Time, now time.Time, settle time.Duration) []string {
	var res []string
	for name, t := range lastWrite {
		if now.Sub(t) >= settle {
			res = append(res, name)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		ti, tj := lastWrite[res[i]], lastWrite[res[j]]
		if ti.Equal(tj) {
			return res[i] < res[j]
		}
		return ti.Before(tj)
	})
	return res
}
