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
	"fmt"

	"github.com/mlnoga/framestack/internal/mrc"
)

// Re-reads the sections of a local stack file in order
type StackFile struct {
	Reader *mrc.Reader
	next   int
}

func OpenStackFile(fileName string) (*StackFile, error) {
	r, err := mrc.Open(fileName)
	if err != nil {
		return nil, err
	}
	return &StackFile{Reader: r}, nil
}

func (s *StackFile) Size() (nx, ny int) { return s.Reader.Nx(), s.Reader.Ny() }

func (s *StackFile) NumFrames() int { return s.Reader.Sections() }

func (s *StackFile) NextFrame(dst []float32) ([]float32, error) {
	if s.next >= s.Reader.Sections() {
		return nil, ErrNoMoreFrames
	}
	dst, err := s.Reader.ReadSection(s.next, dst)
	if err != nil {
		return nil, err
	}
	s.next++
	return dst, nil
}

func (s *StackFile) Close() error { return s.Reader.Close() }

// A rectangular area of a frame, in pixels
type Area struct {
	X0, Y0, Nx, Ny int
}

// Reads frames a camera saved to its own file, trimming each to a sub-area given
// in the camera's native coordinates. Native coordinates count rows from the
// bottom if FlipY is set.
type SavedFile struct {
	Reader *mrc.Reader
	Area   Area
	FlipY  bool
	next   int
}

func OpenSavedFile(fileName string, area Area, flipY bool) (*SavedFile, error) {
	r, err := mrc.Open(fileName)
	if err != nil {
		return nil, err
	}
	if area.Nx == 0 || area.Ny == 0 {
		area = Area{Nx: r.Nx(), Ny: r.Ny()}
	}
	if area.X0 < 0 || area.Y0 < 0 || area.X0+area.Nx > r.Nx() || area.Y0+area.Ny > r.Ny() {
		r.Close()
		return nil, fmt.Errorf("%s: sub-area %+v outside %dx%d frames", fileName, area, r.Nx(), r.Ny())
	}
	return &SavedFile{Reader: r, Area: area, FlipY: flipY}, nil
}

func (s *SavedFile) Size() (nx, ny int) { return s.Area.Nx, s.Area.Ny }

func (s *SavedFile) NumFrames() int { return s.Reader.Sections() }

func (s *SavedFile) NextFrame(dst []float32) ([]float32, error) {
	if s.next >= s.Reader.Sections() {
		return nil, ErrNoMoreFrames
	}
	y0 := s.Area.Y0
	if s.FlipY {
		y0 = s.Reader.Ny() - s.Area.Y0 - s.Area.Ny
	}
	dst, err := s.Reader.ReadSubarea(s.next, s.Area.X0, y0, s.Area.Nx, s.Area.Ny, dst)
	if err != nil {
		return nil, err
	}
	s.next++
	return dst, nil
}

func (s *SavedFile) Close() error { return s.Reader.Close() }
