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



// Package schedule maps the sub-frame readouts of one exposure onto output frames.
//
// A schedule is an ordered list of blocks. Each block holds Count output frames,
// each of which is the sum of SubframesPerFrame consecutive readouts.
package schedule

import (
	"fmt"
	"math"
	"strings"
)

// A block of output frames which all sum the same number of sub-frames
type Block struct {
	Count             int `json:"count"             yaml:"count"`
	SubframesPerFrame int `json:"subframesPerFrame" yaml:"subframesPerFrame"`
}

// An ordered summation schedule
type Schedule []Block

// Options which modify how sub-frames are distributed
type Options struct {
	AligningInServer bool `json:"aligningInServer"` // frames are aligned by the camera server, not in process
	AlignFraction    int  `json:"alignFraction"`    // grouping multiple imposed by the server when aligning there
}

// A contiguous range of readouts summed into one output frame. Indices are inclusive
type Readout struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Returns the number of output frames
func (s Schedule) NumFrames() int {
	n := 0
	for _, b := range s {
		n += b.Count
	}
	return n
}

// Returns the number of sub-frame readouts summed into all output frames
func (s Schedule) NumSubframes() int {
	n := 0
	for _, b := range s {
		n += b.Count * b.SubframesPerFrame
	}
	return n
}

// Returns true if every output frame holds exactly one sub-frame
func (s Schedule) AllOneToOne() bool {
	for _, b := range s {
		if b.SubframesPerFrame != 1 {
			return false
		}
	}
	return true
}

func (s Schedule) Clone() Schedule {
	return append(Schedule(nil), s...)
}

func (s Schedule) Equal(o Schedule) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Expands the schedule into one sub-frame count per output frame
func (s Schedule) Expand() []int {
	res := make([]int, 0, s.NumFrames())
	for _, b := range s {
		for i := 0; i < b.Count; i++ {
			res = append(res, b.SubframesPerFrame)
		}
	}
	return res
}

// Returns the readout range of each output frame, offset by the number of readouts skipped before
func (s Schedule) Readouts(skipBefore int) []Readout {
	res := make([]Readout, 0, s.NumFrames())
	start := skipBefore
	for _, n := range s.Expand() {
		res = append(res, Readout{Start: start, End: start + n - 1})
		start += n
	}
	return res
}

// Checks structural invariants: positive counts and no empty blocks
func (s Schedule) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("empty summation schedule")
	}
	for i, b := range s {
		if b.Count < 1 || b.SubframesPerFrame < 1 {
			return fmt.Errorf("block %d has %d frames of %d sub-frames", i, b.Count, b.SubframesPerFrame)
		}
	}
	return nil
}

func (s Schedule) String() string {
	b := strings.Builder{}
	for i, bl := range s {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%dx%d", bl.Count, bl.SubframesPerFrame)
	}
	return b.String()
}

// Appends a block, merging it into the last one if the sub-frames per frame match
func (s Schedule) appendMerged(b Block) Schedule {
	if b.Count <= 0 {
		return s
	}
	if l := len(s); l > 0 && s[l-1].SubframesPerFrame == b.SubframesPerFrame {
		s[l-1].Count += b.Count
		return s
	}
	return append(s, b)
}

// Returns true if all block counts are multiples of m
func (s Schedule) countsMultipleOf(m int) bool {
	for _, b := range s {
		if b.Count%m != 0 {
			return false
		}
	}
	return true
}

// Returns the effective align fraction for the given options, 1 if none applies
func (o Options) alignFraction() int {
	if o.AligningInServer && o.AlignFraction > 1 {
		return o.AlignFraction
	}
	return 1
}

// Rounds n to the nearest non-zero multiple of m
func roundToMultiple(n, m int) int {
	r := ((n + m/2) / m) * m
	if r < m {
		r = m
	}
	return r
}

// Distributes totalSubframes readouts into totalFrames output frames. The frames and
// sub-frames are apportioned across blocks according to the given fractions, which
// are renormalized if fewer frames than blocks are available. Adjacent blocks with
// equal sub-frames per frame are merged. Never fails; frames are clamped to the
// number of sub-frames.
func DistributeSubframes(sched Schedule, totalSubframes, totalFrames int, frameFrac, subframeFrac []float64, opts Options) Schedule {
	if totalSubframes < 1 {
		totalSubframes = 1
	}
	if totalFrames < 1 {
		totalFrames = 1
	}

	// a server aligning 1:1 frames keeps them 1:1
	if opts.AligningInServer && len(sched) > 0 && sched.AllOneToOne() {
		totalFrames = totalSubframes
	}

	// work in units of the align fraction, scaling back up at the end
	alignFrac := opts.alignFraction()
	if alignFrac > 1 {
		totalSubframes = roundToMultiple(totalSubframes, alignFrac) / alignFrac
		totalFrames = int(math.Floor(float64(totalFrames)/float64(alignFrac) + 0.5))
		if totalFrames < 1 {
			totalFrames = 1
		}
	}
	if totalFrames > totalSubframes {
		totalFrames = totalSubframes
	}

	fFrac, sFrac := normalizeFractions(frameFrac, subframeFrac, totalFrames)
	ones := make([]int, len(fFrac))
	for i := range ones {
		ones[i] = 1
	}
	frames := apportion(totalFrames, fFrac, ones)
	subframes := apportion(totalSubframes, sFrac, frames)

	res := Schedule{}
	for i := range frames {
		perFrame, extra := subframes[i]/frames[i], subframes[i]%frames[i]
		res = res.appendMerged(Block{Count: frames[i] - extra, SubframesPerFrame: perFrame})
		res = res.appendMerged(Block{Count: extra, SubframesPerFrame: perFrame + 1})
	}
	if alignFrac > 1 {
		for i := range res {
			res[i].Count *= alignFrac
		}
	}
	return res
}

// Apportions total across len(fracs) shares by rounding the cumulative fraction.
// Share i is at least mins[i], and never so large that later shares cannot reach
// their minimum. The last share absorbs the remainder.
func apportion(total int, fracs []float64, mins []int) []int {
	n := len(fracs)
	res := make([]int, n)
	minRest := 0
	for _, m := range mins {
		minRest += m
	}
	cum, assigned := 0.0, 0
	for i := 0; i < n; i++ {
		minRest -= mins[i]
		if i == n-1 {
			res[i] = total - assigned
			break
		}
		cum += fracs[i]
		share := int(math.Floor(cum*float64(total)+0.5)) - assigned
		if share < mins[i] {
			share = mins[i]
		}
		if limit := total - assigned - minRest; share > limit {
			share = limit
		}
		res[i] = share
		assigned += share
	}
	return res
}

// Normalizes frame and sub-frame fractions to sum to one over at most maxBlocks blocks.
// Missing or mismatched sub-frame fractions default to the frame fractions.
func normalizeFractions(frameFrac, subframeFrac []float64, maxBlocks int) (fFrac, sFrac []float64) {
	n := len(frameFrac)
	if n == 0 {
		return []float64{1}, []float64{1}
	}
	if n > maxBlocks {
		n = maxBlocks
	}
	fFrac = normalize(frameFrac[:n])
	if len(subframeFrac) < n {
		sFrac = append([]float64(nil), fFrac...)
	} else {
		sFrac = normalize(subframeFrac[:n])
	}
	return fFrac, sFrac
}

// Returns a copy of the weights scaled to sum to one. Negative weights count as zero,
// all-zero weights become equal
func normalize(w []float64) []float64 {
	res := make([]float64, len(w))
	sum := 0.0
	for i, v := range w {
		if v > 0 && !math.IsNaN(v) {
			res[i] = v
			sum += v
		}
	}
	for i := range res {
		if sum > 0 {
			res[i] /= sum
		} else {
			res[i] = 1 / float64(len(res))
		}
	}
	return res
}

// Adjusts the schedule to the number of readouts implied by the exposure time and
// readout interval, after removing the readouts skipped before and after. Keeps the
// ratio of frames to sub-frames when redistributing. Returns the exposure time snapped
// to an exact multiple of the readout interval.
func AdjustForExposure(sched Schedule, skipBefore, skipAfter int, exposureTime, readoutInterval float64,
	frameFrac, subframeFrac []float64, opts Options) (Schedule, float64) {
	if readoutInterval <= 0 {
		return sched, exposureTime
	}
	total := int(math.Floor(exposureTime/readoutInterval+0.5)) - skipBefore - skipAfter
	if total < 1 {
		total = 1
	}
	alignFrac := opts.alignFraction()
	if alignFrac > 1 {
		total = roundToMultiple(total, alignFrac)
	}

	current := sched.NumSubframes()
	if total != current || len(sched) == 0 || (alignFrac > 1 && !sched.countsMultipleOf(alignFrac)) {
		frames := total
		if current > 0 {
			frames = int(math.Floor(float64(sched.NumFrames())*float64(total)/float64(current) + 0.5))
		}
		if frames < 1 {
			frames = 1
		}
		if frames > total {
			frames = total
		}
		sched = DistributeSubframes(sched, total, frames, frameFrac, subframeFrac, opts)
	}
	return sched, float64(total+skipBefore+skipAfter) * readoutInterval
}
