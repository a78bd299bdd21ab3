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



// Package host drives cooperative tasks from an idle loop, one step per tick.
package host

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Outcome of one step of a task
type Status int

const (
	Continue Status = iota // made progress, call again
	Wait                   // waiting on I/O, call again after a pause
	Done
	Failed
)

var statusNames = []string{"continue", "wait", "done", "failed"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) Finished() bool { return s == Done || s == Failed }

// A task stepped by the idle loop. After Cancel the task must reach Done or
// Failed within a bounded number of further polls
type Task interface {
	Poll() Status
	Cancel()
}

// Polls a task once per idle tick until it finishes
type Loop struct {
	Limiter      *rate.Limiter
	WaitInterval time.Duration
}

// Creates a loop ticking at most ticksPerSecond times a second, unlimited if not positive
func NewLoop(ticksPerSecond float64) *Loop {
	limit := rate.Inf
	if ticksPerSecond > 0 {
		limit = rate.Limit(ticksPerSecond)
	}
	return &Loop{Limiter: rate.NewLimiter(limit, 1), WaitInterval: 2 * time.Millisecond}
}

// Runs the task to completion. Cancelling the context cancels the task, which
// is then polled until it has finished cleaning up
func (l *Loop) Run(ctx context.Context, t Task) Status {
	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			t.Cancel()
			cancelled = true
		}
		st := t.Poll()
		if st.Finished() {
			return st
		}
		if st == Wait {
			time.Sleep(l.WaitInterval)
		}
		if !cancelled {
			if err := l.Limiter.Wait(ctx); err != nil {
				t.Cancel()
				cancelled = true
			}
		}
	}
}
