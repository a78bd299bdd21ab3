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


package source

import (
	"errors"
	"fmt"
)

var (
	ErrNoMoreFrames = errors.New("no more frames")
	ErrNotReady     = errors.New("frame not ready yet")
)

// A source of raw frames, delivered in strict temporal order
type FrameSource interface {
	// Frame size in pixels
	Size() (nx, ny int)

	// Number of frames the source will deliver, 0 if unknown
	NumFrames() int

	// Reads the next frame into dst, allocating if dst is too small. Returns
	// ErrNoMoreFrames once the source is exhausted
	NextFrame(dst []float32) ([]float32, error)

	Close() error
}

// Sums consecutive raw readouts of a source into output frames, as given by
// the number of sub-frames per output frame. Readouts skipped before and after
// are read and discarded.
type Summed struct {
	Src        FrameSource
	Subframes  []int
	SkipBefore int
	SkipAfter  int

	next    int
	skipped bool
	buf     []float32
}

func NewSummed(src FrameSource, subframes []int, skipBefore, skipAfter int) *Summed {
	return &Summed{Src: src, Subframes: subframes, SkipBefore: skipBefore, SkipAfter: skipAfter}
}

func (s *Summed) Size() (nx, ny int) { return s.Src.Size() }

func (s *Summed) NumFrames() int { return len(s.Subframes) }

func (s *Summed) NextFrame(dst []float32) ([]float32, error) {
	if !s.skipped {
		s.skipped = true
		if err := s.discard(s.SkipBefore); err != nil {
			return nil, err
		}
	}
	if s.next >= len(s.Subframes) {
		return nil, ErrNoMoreFrames
	}
	nx, ny := s.Src.Size()
	if len(dst) < nx*ny {
		dst = make([]float32, nx*ny)
	}
	dst = dst[:nx*ny]
	for i := range dst {
		dst[i] = 0
	}
	// a failed readout fails its frame, the remaining readouts are still
	// consumed so later frames keep their readout ranges
	var failed error
	for r := 0; r < s.Subframes[s.next]; r++ {
		b, err := s.Src.NextFrame(s.buf)
		if errors.Is(err, ErrNoMoreFrames) {
			s.next = len(s.Subframes)
			if failed != nil {
				return nil, failed
			}
			return nil, err
		}
		if err != nil {
			if failed == nil {
				failed = fmt.Errorf("frame %d readout %d: %w", s.next, r, err)
			}
			continue
		}
		s.buf = b
		if failed == nil {
			for i, v := range b {
				dst[i] += v
			}
		}
	}
	s.next++
	if s.next == len(s.Subframes) {
		if err := s.discard(s.SkipAfter); err != nil && !errors.Is(err, ErrNoMoreFrames) && failed == nil {
			failed = err
		}
	}
	if failed != nil {
		return nil, failed
	}
	return dst, nil
}

func (s *Summed) discard(n int) error {
	for i := 0; i < n; i++ {
		b, err := s.Src.NextFrame(s.buf)
		if err != nil {
			return err
		}
		s.buf = b
	}
	return nil
}

func (s *Summed) Close() error { return s.Src.Close() }
