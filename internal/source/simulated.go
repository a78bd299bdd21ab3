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
	"math"

	"github.com/valyala/fastrand"
)

// Simulates a camera delivering frames of a random field of particles which
// drifts by a constant amount per frame, with Gaussian read noise
type Simulated struct {
	Nx, Ny         int
	Frames         int
	DriftX, DriftY float64 // pixels per frame
	Noise          float64 // standard deviation
	Background     float64

	particles []particle
	rng       fastrand.RNG
	next      int
}

type particle struct {
	x, y, amp, sigma float64
}

func NewSimulated(nx, ny, frames int, driftX, driftY, noise float64, seed uint32) *Simulated {
	s := &Simulated{Nx: nx, Ny: ny, Frames: frames, DriftX: driftX, DriftY: driftY, Noise: noise, Background: 100}
	s.rng.Seed(seed)
	num := nx * ny / 400
	if num < 4 {
		num = 4
	}
	margin := int(math.Abs(driftX)*float64(frames)+math.Abs(driftY)*float64(frames)) + 8
	s.particles = make([]particle, num)
	for i := range s.particles {
		s.particles[i] = particle{
			x:     float64(margin) + float64(s.rng.Uint32n(uint32(maxInt(1, nx-2*margin)))),
			y:     float64(margin) + float64(s.rng.Uint32n(uint32(maxInt(1, ny-2*margin)))),
			amp:   20 + float64(s.rng.Uint32n(80)),
			sigma: 1.5 + float64(s.rng.Uint32n(30))/10,
		}
	}
	return s
}

// True displacement of frame k relative to frame 0
func (s *Simulated) Shift(k int) (dx, dy float64) {
	return s.DriftX * float64(k), s.DriftY * float64(k)
}

func (s *Simulated) Size() (nx, ny int) { return s.Nx, s.Ny }

func (s *Simulated) NumFrames() int { return s.Frames }

func (s *Simulated) NextFrame(dst []float32) ([]float32, error) {
	if s.next >= s.Frames {
		return nil, ErrNoMoreFrames
	}
	if len(dst) < s.Nx*s.Ny {
		dst = make([]float32, s.Nx*s.Ny)
	}
	dst = dst[:s.Nx*s.Ny]
	for i := range dst {
		dst[i] = float32(s.Background + s.Noise*s.gaussian())
	}
	sx, sy := s.Shift(s.next)
	for _, p := range s.particles {
		cx, cy := p.x+sx, p.y+sy
		r := int(4*p.sigma) + 1
		for y := maxInt(0, int(cy)-r); y <= minInt(s.Ny-1, int(cy)+r); y++ {
			for x := maxInt(0, int(cx)-r); x <= minInt(s.Nx-1, int(cx)+r); x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				dst[y*s.Nx+x] += float32(p.amp * math.Exp(-(dx*dx+dy*dy)/(2*p.sigma*p.sigma)))
			}
		}
	}
	s.next++
	return dst, nil
}

// Approximately normal random number from the sum of four uniforms
func (s *Simulated) gaussian() float64 {
	sum := 0.0
	for i := 0; i < 4; i++ {
		sum += float64(s.rng.Uint32n(1<<24)) / (1 << 24)
	}
	return (sum - 2) * math.Sqrt(3)
}

func (s *Simulated) Close() error { return nil }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
