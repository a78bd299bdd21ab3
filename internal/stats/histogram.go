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



// Package stats estimates location, scale and display ranges of frame pixels
package stats

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Basic statistics of a set of pixels
type Basic struct {
	Min, Max float32
	Mean     float32
	StdDev   float32
	Count    int
}

// Calculates minimum, maximum, mean and standard deviation in one pass
func Calc(data []float32) Basic {
	if len(data) == 0 {
		return Basic{}
	}
	min, max := data[0], data[0]
	sum, sumSq := float64(0), float64(0)
	for _, d := range data {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
		sum += float64(d)
		sumSq += float64(d) * float64(d)
	}
	n := float64(len(data))
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Basic{Min: min, Max: max, Mean: float32(mean), StdDev: float32(math.Sqrt(variance)), Count: len(data)}
}

// Calculate histogram of data between min and max into given bins
func Histogram(data []float32, min, max float32, bins []int32) {
	for i := range bins {
		bins[i] = 0
	}
	if max <= min {
		bins[0] = int32(len(data))
		return
	}
	scale := float32(len(bins)-1) / (max - min)
	for _, d := range data {
		index := int((d - min) * scale)
		if index < 0 {
			index = 0
		} else if index >= len(bins) {
			index = len(bins) - 1
		}
		bins[index]++
	}
}

// Returns the location and the value of the histogram peak
func GetPeak(bins []int32, min, max float32) (x, y float32) {
	maxIndex, maxValue := -1, int32(math.MinInt32)
	for i, v := range bins {
		if v > maxValue {
			maxIndex, maxValue = i, v
		}
	}

	x = min + (float32(maxIndex)+0.5)*(max-min)/float32(len(bins)-1)
	next := maxIndex + 1
	if next >= len(bins) {
		next = maxIndex
	}
	y = 0.5 * float32(bins[maxIndex]+bins[next])
	return x, y
}

// Calculates the mode and the standard deviation of the given histogram
// by fitting a normal distribution
func GetModeStdDevFromHistogram(bins []int32, min, max float32) (mode, stdDev float32, err error) {
	// Take an educated initial guess: the maximum value of the histogram
	peak, _ := GetPeak(bins, min, max)
	binWidth := (max - min) / float32(len(bins)-1)

	// initial scale from the second moment of the histogram
	total, sum, sumSq := float64(0), float64(0), float64(0)
	for i, y := range bins {
		x := float64(min + (float32(i)+0.5)*binWidth)
		total += float64(y)
		sum += float64(y) * x
		sumSq += float64(y) * x * x
	}
	sigma0 := float64(binWidth)
	if total > 0 {
		mean := sum / total
		if v := sumSq/total - mean*mean; v > 0 {
			sigma0 = math.Sqrt(v)
		}
	}
	x0 := []float64{total * float64(binWidth), float64(peak), sigma0}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := float32(x[0]), float32(x[1]), float32(x[2])
			if sigma <= 0 {
				return math.MaxFloat32
			}
			scaler := alpha / (sigma * float32(math.Sqrt(2*math.Pi)))
			sumSqDiff := float32(0)
			for i, y := range bins {
				x := min + (float32(i)+0.5)*binWidth
				xmusig := (x - mu) / sigma
				yPredict := scaler * float32(math.Exp(float64(-0.5*xmusig*xmusig)))
				diff := float32(y) - yPredict
				sumSqDiff += diff * diff
			}
			return math.Sqrt(float64(sumSqDiff / float32(len(bins))))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return -1, -1, err
	}
	return float32(result.X[1]), float32(math.Abs(result.X[2])), nil
}

// Display range for a preview: mode minus lowSigmas to mode plus highSigmas
// standard deviations, clipped to the data range. Falls back to mean and
// standard deviation if the histogram fit fails
func DisplayRange(data []float32, lowSigmas, highSigmas float32) (lo, hi float32) {
	b := Calc(data)
	if b.Max <= b.Min {
		return b.Min, b.Max
	}
	bins := make([]int32, 256)
	Histogram(data, b.Min, b.Max, bins)
	mode, sd, err := GetModeStdDevFromHistogram(bins, b.Min, b.Max)
	if err != nil || sd <= 0 || math.IsNaN(float64(mode)) {
		mode, sd = b.Mean, b.StdDev
	}
	lo, hi = mode-lowSigmas*sd, mode+highSigmas*sd
	if lo < b.Min {
		lo = b.Min
	}
	if hi > b.Max {
		hi = b.Max
	}
	if hi <= lo {
		lo, hi = b.Min, b.Max
	}
	return lo, hi
}
