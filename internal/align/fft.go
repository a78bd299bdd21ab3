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


package align

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Two-dimensional complex FFT over row-major data, built from gonum's 1-D transforms
type fft2 struct {
	nx, ny     int
	rows, cols *fourier.CmplxFFT
	in, out    []complex128
}

func newFFT2(nx, ny int) *fft2 {
	n := nx
	if ny > n {
		n = ny
	}
	return &fft2{
		nx:   nx,
		ny:   ny,
		rows: fourier.NewCmplxFFT(nx),
		cols: fourier.NewCmplxFFT(ny),
		in:   make([]complex128, n),
		out:  make([]complex128, n),
	}
}

// Forward transform in place
func (f *fft2) forward(data []complex128) {
	f.apply(data, false)
}

// Normalized inverse transform in place
func (f *fft2) inverse(data []complex128) {
	f.apply(data, true)
	scale := complex(1/float64(f.nx*f.ny), 0)
	for i := range data {
		data[i] *= scale
	}
}

func (f *fft2) apply(data []complex128, inverse bool) {
	in, out := f.in[:f.nx], f.out[:f.nx]
	for y := 0; y < f.ny; y++ {
		row := data[y*f.nx : (y+1)*f.nx]
		copy(in, row)
		if inverse {
			f.rows.Sequence(out, in)
		} else {
			f.rows.Coefficients(out, in)
		}
		copy(row, out)
	}
	in, out = f.in[:f.ny], f.out[:f.ny]
	for x := 0; x < f.nx; x++ {
		for y := 0; y < f.ny; y++ {
			in[y] = data[y*f.nx+x]
		}
		if inverse {
			f.cols.Sequence(out, in)
		} else {
			f.cols.Coefficients(out, in)
		}
		for y := 0; y < f.ny; y++ {
			data[y*f.nx+x] = out[y]
		}
	}
}

// Signed frequency of FFT index i out of n, in cycles per pixel
func freq(i, n int) float64 {
	if i > n/2 {
		i -= n
	}
	return float64(i) / float64(n)
}

// Radial frequencies of all FFT coefficients, row-major
func radialFrequencies(nx, ny int) []float64 {
	res := make([]float64, nx*ny)
	for y := 0; y < ny; y++ {
		fy := freq(y, ny)
		for x := 0; x < nx; x++ {
			fx := freq(x, nx)
			res[y*nx+x] = math.Sqrt(fx*fx + fy*fy)
		}
	}
	return res
}

// Filter response with a flat pass band up to radius and a gaussian falloff beyond,
// combined with an optional gaussian high-pass of sigma1 and an antialias roll-off
func filterResponse(radial []float64, radius, sigma, sigma1 float64, antialias bool) []float64 {
	res := make([]float64, len(radial))
	for i, f := range radial {
		v := 1.0
		if f > radius {
			d := f - radius
			if sigma > 0 {
				v = math.Exp(-d * d / (2 * sigma * sigma))
			} else {
				v = 0
			}
		}
		if sigma1 > 0 {
			v *= 1 - math.Exp(-f*f/(2*sigma1*sigma1))
		}
		if antialias {
			q := f / 0.45
			v *= math.Exp(-q * q * q * q)
		}
		res[i] = v
	}
	return res
}

// Multiplies spectrum in place by the phase ramp shifting the image by (dx, dy) pixels
func shiftSpectrum(spec []complex128, nx, ny int, dx, dy float64) {
	if dx == 0 && dy == 0 {
		return
	}
	for y := 0; y < ny; y++ {
		py := -2 * math.Pi * freq(y, ny) * dy
		for x := 0; x < nx; x++ {
			px := -2 * math.Pi * freq(x, nx) * dx
			spec[y*nx+x] *= cmplx.Rect(1, px+py)
		}
	}
}

// Adds src shifted by (dx, dy) pixels to dst in the Fourier domain
func addShifted(dst, src []complex128, nx, ny int, dx, dy, weight float64) {
	for y := 0; y < ny; y++ {
		py := -2 * math.Pi * freq(y, ny) * dy
		for x := 0; x < nx; x++ {
			px := -2 * math.Pi * freq(x, nx) * dx
			i := y*nx + x
			dst[i] += src[i] * cmplx.Rect(weight, px+py)
		}
	}
}

// Correlator measures the shift of an image relative to a reference from their spectra
type correlator struct {
	nx, ny int
	fft    *fft2
	work   []complex128
}

func newCorrelator(nx, ny int) *correlator {
	return &correlator{nx: nx, ny: ny, fft: newFFT2(nx, ny), work: make([]complex128, nx*ny)}
}

// Returns the shift (dx, dy) of img relative to ref, i.e. img(x) = ref(x - d),
// searching within limit pixels. Filter is applied to the cross power spectrum, may be nil.
// Peak is the correlation peak height relative to the zero-frequency-free energy
func (c *correlator) shift(ref, img []complex128, filter []float64, limit float64) (dx, dy, peak float64) {
	w := c.work
	for i := range w {
		v := cmplx.Conj(ref[i]) * img[i]
		if filter != nil {
			v *= complex(filter[i], 0)
		}
		w[i] = v
	}
	w[0] = 0
	c.fft.inverse(w)

	lim := int(math.Floor(limit))
	if lim <= 0 || lim > c.nx/2-1 {
		lim = c.nx/2 - 1
	}
	limY := lim
	if limY > c.ny/2-1 {
		limY = c.ny/2 - 1
	}

	bestX, bestY, best := 0, 0, math.Inf(-1)
	for sy := -limY; sy <= limY; sy++ {
		for sx := -lim; sx <= lim; sx++ {
			if v := real(w[c.index(sx, sy)]); v > best {
				bestX, bestY, best = sx, sy, v
			}
		}
	}

	// parabolic sub-pixel interpolation
	fx := parabolic(real(w[c.index(bestX-1, bestY)]), best, real(w[c.index(bestX+1, bestY)]))
	fy := parabolic(real(w[c.index(bestX, bestY-1)]), best, real(w[c.index(bestX, bestY+1)]))
	return float64(bestX) + fx, float64(bestY) + fy, best
}

// Index of a signed shift in the wrapped correlation array
func (c *correlator) index(sx, sy int) int {
	x := ((sx % c.nx) + c.nx) % c.nx
	y := ((sy % c.ny) + c.ny) % c.ny
	return y*c.nx + x
}

// Offset of the vertex of the parabola through three equidistant points from the middle one
func parabolic(left, mid, right float64) float64 {
	denom := left - 2*mid + right
	if denom >= 0 {
		return 0
	}
	off := 0.5 * (left - right) / denom
	if off > 0.5 {
		off = 0.5
	} else if off < -0.5 {
		off = -0.5
	}
	return off
}
