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


package host

import (
	"context"
	"testing"
	"time"
)

type countdown struct {
	left, polls int
	cancelled   bool
}

func (c *countdown) Poll() Status {
	c.polls++
	if c.cancelled {
		return Failed
	}
	if c.left == 0 {
		return Done
	}
	c.left--
	if c.left%2 == 0 {
		return Wait
	}
	return Continue
}

func (c *countdown) Cancel() { c.cancelled = true }

func TestRunToCompletion(t *testing.T) {
	c := &countdown{left: 5}
	if st := NewLoop(0).Run(context.Background(), c); st != Done {
		t.Errorf("got %v; want %v", st, Done)
	}
	if c.polls != 6 {
		t.Errorf("got %d polls; want 6", c.polls)
	}
}

func TestCancel(t *testing.T) {
	c := &countdown{left: 1 << 30}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if st := NewLoop(1000).Run(ctx, c); st != Failed {
		t.Errorf("got %v; want %v", st, Failed)
	}
	if !c.cancelled {
		t.Errorf("task not cancelled")
	}
}

func TestRateLimit(t *testing.T) {
	c := &countdown{left: 10}
	start := time.Now()
	NewLoop(200).Run(context.Background(), c)
	if d := time.Since(start); d < 30*time.Millisecond {
		t.Errorf("10 ticks at 200/s took only %v", d)
	}
}

func TestStatusString(t *testing.T) {
	if Wait.String() != "wait" || Status(9).String() != "unknown" {
		t.Errorf("got %q, %q", Wait.String(), Status(9).String())
	}
}
