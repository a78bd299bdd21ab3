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
)

// FRC thresholds reported as crossings
var frcThresholds = [3]float64{0.5, 0.25, 0.143}

// Fourier ring correlation between two half sums. Returns the correlation per ring,
// the frequency step between rings in cycles per pixel, and the frequencies where the
// correlation first falls below each threshold, 0.5 cycles per pixel if it never does
func frc(a, b []float32, nx, ny int) (rings []float64, delta float64, crossings [3]float64) {
	f := newFFT2(nx, ny)
	fa, fb := toComplex(a), toComplex(b)
	f.forward(fa)
	f.forward(fb)

	size := minInt(nx, ny)
	nRings := size / 2
	delta = 1 / float64(size)
	cross := make([]float64, nRings)
	pa, pb := make([]float64, nRings), make([]float64, nRings)
	radial := radialFrequencies(nx, ny)
	for i, r := range radial {
		ring := int(math.Round(r / delta))
		if ring < 1 || ring >= nRings {
			continue
		}
		cross[ring] += real(fa[i] * cmplx.Conj(fb[i]))
		pa[ring] += real(fa[i] * cmplx.Conj(fa[i]))
		pb[ring] += real(fb[i] * cmplx.Conj(fb[i]))
	}
	rings = make([]float64, nRings)
	rings[0] = 1
	for r := 1; r < nRings; r++ {
		if d := math.Sqrt(pa[r] * pb[r]); d > 0 {
			rings[r] = cross[r] / d
		}
	}

	for t, thresh := range frcThresholds {
		crossings[t] = 0.5
		for r := 1; r < nRings; r++ {
			if rings[r] < thresh {
				// interpolate between ring r-1 and r
				prev := rings[r-1]
				frac := 0.0
				if prev != rings[r] {
					frac = (prev - thresh) / (prev - rings[r])
				}
				crossings[t] = (float64(r-1) + frac) * delta
				break
			}
		}
	}
	return rings, delta, crossings
}

func toComplex(data []float32) []complex128 {
	res := make([]complex128, len(data))
	for i, d := range data {
		res[i] = complex(float64(d), 0)
	}
	return res
}
