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



// Package improc holds single-channel frame images and the pixel operations
// applied to them while saving and after summing
package improc

import (
	"fmt"
	"math"
	"runtime"

	"github.com/mlnoga/framestack/internal/mrc"
)

// A single-channel image with float32 pixels, row by row
type Image struct {
	ID       int // frame index, or -1 for sums and references
	Nx, Ny   int
	Data     []float32
	Exposure float32 // seconds of exposure contained
}

// Creates an image of given size. Allocates data if none is given
func NewImage(nx, ny int, data []float32) *Image {
	if data == nil {
		data = make([]float32, nx*ny)
	}
	return &Image{ID: -1, Nx: nx, Ny: ny, Data: data[:nx*ny]}
}

func (im *Image) String() string { return fmt.Sprintf("%d: %dx%d", im.ID, im.Nx, im.Ny) }

// A pixel function. Operates in-place. For parallelization across CPUs.
type PixelFunction func(data []float32, params interface{})

// Apply given pixel function to the data. Uses thread parallelism across all available CPUs. Operates in-place.
func ApplyPixelFunction(data []float32, pf PixelFunction, args interface{}) {
	if len(data) == 0 {
		return
	}
	// split into 8*NumCPU() work packages, limit parallelism to NumCPUS()
	numBatches := 8 * runtime.NumCPU()
	batchSize := (len(data) + numBatches - 1) / numBatches
	sem := make(chan bool, runtime.NumCPU())
	for lower := 0; lower < len(data); lower += batchSize {
		upper := lower + batchSize
		if upper > len(data) {
			upper = len(data)
		}

		sem <- true
		go func(data []float32) {
			pf(data, args)
			<-sem
		}(data[lower:upper])
	}

	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
}

// Adds src to dst element-wise
func Add(dst, src []float32) {
	for i, s := range src {
		dst[i] += s
	}
}

// Bins src of width nx by n in both directions into dst, averaging. Returns the binned size.
// Partial bins at the right and top edges are dropped
func Bin(dst, src []float32, nx, ny, n int) (bnx, bny int) {
	if n <= 1 {
		copy(dst, src[:nx*ny])
		return nx, ny
	}
	bnx, bny = nx/n, ny/n
	normalizer := 1 / float32(n*n)
	for y := 0; y < bny; y++ {
		for x := 0; x < bnx; x++ {
			sum := float32(0)
			for yoff := 0; yoff < n; yoff++ {
				row := (y*n + yoff) * nx
				for xoff := 0; xoff < n; xoff++ {
					sum += src[row+x*n+xoff]
				}
			}
			dst[y*bnx+x] = sum * normalizer
		}
	}
	return bnx, bny
}

// Copies the sub-area of size cnx x cny starting at x0, y0 out of src with width nx into dst
func Crop(dst, src []float32, nx, x0, y0, cnx, cny int) {
	for y := 0; y < cny; y++ {
		copy(dst[y*cnx:(y+1)*cnx], src[(y0+y)*nx+x0:(y0+y)*nx+x0+cnx])
	}
}

// Size after rotation/flip operation op
func RotatedSize(op, nx, ny int) (int, int) {
	if op&1 != 0 {
		return ny, nx
	}
	return nx, ny
}

// Applies rotation/flip operation op to src of size nx x ny, writing dst.
// Operations 0-3 rotate counterclockwise by op*90 degrees, 4-7 flip Y before
// rotating by (op-4)*90 degrees. src and dst must not overlap. Returns the new size
func RotateFlip(dst, src []float32, nx, ny, op int) (onx, ony int) {
	onx, ony = RotatedSize(op, nx, ny)
	if op == 0 {
		copy(dst, src[:nx*ny])
		return
	}
	flip, rot := op >= 4, op&3
	for y := 0; y < ny; y++ {
		sy := y
		if flip {
			sy = ny - 1 - y
		}
		row := src[sy*nx : (sy+1)*nx]
		for x, v := range row {
			var ox, oy int
			switch rot {
			case 0:
				ox, oy = x, y
			case 1:
				ox, oy = ny-1-y, x
			case 2:
				ox, oy = nx-1-x, ny-1-y
			case 3:
				ox, oy = y, nx-1-x
			}
			dst[oy*onx+ox] = v
		}
	}
	return onx, ony
}

type pfConvertArgs struct {
	Scale  float32
	Lo, Hi float32
	Round  bool
}

func pfConvert(data []float32, params interface{}) {
	a := params.(pfConvertArgs)
	for i, d := range data {
		d *= a.Scale
		if a.Round {
			d = float32(math.Floor(float64(d) + 0.5))
		}
		if d < a.Lo {
			d = a.Lo
		} else if d > a.Hi {
			d = a.Hi
		}
		data[i] = d
	}
}

// Converts a float sum in place to the value range of the given output mode,
// after dividing by 2^divideByPow2. Integer modes are rounded and clamped
func Convert(data []float32, mode mrc.Mode, divideByPow2 int) error {
	a := pfConvertArgs{Scale: 1, Lo: -math.MaxFloat32, Hi: math.MaxFloat32}
	if divideByPow2 > 0 {
		a.Scale = 1 / float32(int(1)<<uint(divideByPow2))
	}
	switch mode {
	case mrc.ModeFloat:
	case mrc.ModeInt16:
		a.Lo, a.Hi, a.Round = math.MinInt16, math.MaxInt16, true
	case mrc.ModeUint16:
		a.Lo, a.Hi, a.Round = 0, math.MaxUint16, true
	case mrc.ModeByte:
		a.Lo, a.Hi, a.Round = 0, math.MaxUint8, true
	case mrc.Mode4Bit:
		a.Lo, a.Hi, a.Round = 0, 15, true
	default:
		return fmt.Errorf("cannot convert to mode %v", mode)
	}
	if a.Scale == 1 && mode == mrc.ModeFloat {
		return nil
	}
	ApplyPixelFunction(data, pfConvert, a)
	return nil
}
