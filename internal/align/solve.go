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
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// A shift measured between the group of frames starting at b and the one starting at a
type pairShift struct {
	a, b   int
	dx, dy float64
}

// Weight of the second-difference rows regularizing grouped solutions
const smoothWeight = 0.1

// Solves in the least squares sense for the shifts of n frames relative to frame 0
// from shifts measured between groups of g consecutive frames. Returns the shifts and
// the residual of each measurement
func solveShifts(n, g int, pairs []pairShift) (xs, ys, residuals []float64, err error) {
	xs, ys = make([]float64, n), make([]float64, n)
	if n < 2 || len(pairs) == 0 {
		return xs, ys, make([]float64, len(pairs)), nil
	}
	if g < 1 {
		g = 1
	}
	rows := len(pairs)
	if g > 1 {
		rows += n - 2
	}
	if rows < n-1 {
		return nil, nil, nil, errors.New("too few measurements to solve for shifts")
	}
	a := mat.NewDense(rows, n-1, nil)
	b := mat.NewDense(rows, 2, nil)
	w := 1 / float64(g)
	for r, p := range pairs {
		for k := p.b; k < p.b+g && k < n; k++ {
			if k > 0 {
				a.Set(r, k-1, a.At(r, k-1)+w)
			}
		}
		for k := p.a; k < p.a+g && k < n; k++ {
			if k > 0 {
				a.Set(r, k-1, a.At(r, k-1)-w)
			}
		}
		b.Set(r, 0, p.dx)
		b.Set(r, 1, p.dy)
	}
	if g > 1 {
		for i := 1; i < n-1; i++ {
			r := len(pairs) + i - 1
			for k, c := range map[int]float64{i - 1: smoothWeight, i: -2 * smoothWeight, i + 1: smoothWeight} {
				if k > 0 {
					a.Set(r, k-1, c)
				}
			}
		}
	}

	var x mat.Dense
	if err = x.Solve(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, nil, nil, err
		}
		err = nil // ill-conditioned, but a solution was found
	}
	for k := 1; k < n; k++ {
		xs[k], ys[k] = x.At(k-1, 0), x.At(k-1, 1)
	}

	var fit mat.Dense
	fit.Mul(a, &x)
	residuals = make([]float64, len(pairs))
	for r := range pairs {
		residuals[r] = math.Hypot(fit.At(r, 0)-b.At(r, 0), fit.At(r, 1)-b.At(r, 1))
	}
	return xs, ys, residuals, nil
}

// Residual statistics: mean, standard deviation and maximum
func residualStats(res []float64) (mean, sd, max float64) {
	if len(res) == 0 {
		return 0, 0, 0
	}
	mean, sd = stat.MeanStdDev(res, nil)
	if len(res) < 2 {
		sd = 0
	}
	return mean, sd, floats.Max(res)
}

// Path length of a shift trajectory
func pathLength(xs, ys []float64) float64 {
	d := 0.0
	for i := 1; i < len(xs); i++ {
		d += math.Hypot(xs[i]-xs[i-1], ys[i]-ys[i-1])
	}
	return d
}

// Smooths a shift trajectory by fitting an Akima spline through averages
// over windows of consecutive frames
func smoothTrajectory(s []float64) []float64 {
	n := len(s)
	res := append([]float64(nil), s...)
	if n < 4 {
		return res
	}
	window := 3
	if n >= 24 {
		window = n / 8
	}
	var knotX, knotY []float64
	for start := 0; start < n; start += window {
		end := start + window
		if end > n || n-end < window/2 {
			end = n
		}
		idx := make([]float64, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, float64(i))
		}
		knotX = append(knotX, stat.Mean(idx, nil))
		knotY = append(knotY, stat.Mean(s[start:end], nil))
		if end == n {
			break
		}
	}
	if len(knotX) < 2 {
		return res
	}

	var spline interp.AkimaSpline
	if err := spline.Fit(knotX, knotY); err != nil {
		return res
	}
	first, last := knotX[0], knotX[len(knotX)-1]
	for i := range res {
		x := float64(i)
		switch {
		case x < first:
			res[i] = knotY[0] + (x-first)*spline.PredictDerivative(first)
		case x > last:
			res[i] = knotY[len(knotY)-1] + (x-last)*spline.PredictDerivative(last)
		default:
			res[i] = spline.Predict(x)
		}
	}
	return res
}
