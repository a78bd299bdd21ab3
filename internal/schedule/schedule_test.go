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


package schedule

import (
	"math"
	"testing"

	"github.com/valyala/fastrand"
)

func checkInvariants(t *testing.T, s Schedule, wantFrames, wantSubframes int) {
	t.Helper()
	if err := s.Validate(); err != nil {
		t.Fatalf("schedule %v invalid: %s", s, err)
	}
	if s.NumFrames() != wantFrames {
		t.Errorf("schedule %v has %d frames; want %d", s, s.NumFrames(), wantFrames)
	}
	if s.NumSubframes() != wantSubframes {
		t.Errorf("schedule %v has %d sub-frames; want %d", s, s.NumSubframes(), wantSubframes)
	}
	for i := 1; i < len(s); i++ {
		if s[i].SubframesPerFrame == s[i-1].SubframesPerFrame {
			t.Errorf("schedule %v has unmerged adjacent blocks at %d", s, i)
		}
	}
}

func TestDistributeSubframesRandom(t *testing.T) {
	rng := fastrand.RNG{}
	for i := 0; i < 2000; i++ {
		totalSub := 1 + int(rng.Uint32n(400))
		totalFrames := 1 + int(rng.Uint32n(uint32(totalSub)))
		numBlocks := 1 + int(rng.Uint32n(4))
		ff, sf := make([]float64, numBlocks), make([]float64, numBlocks)
		for j := range ff {
			ff[j] = float64(1 + rng.Uint32n(100))
			sf[j] = float64(1 + rng.Uint32n(100))
		}
		s := DistributeSubframes(nil, totalSub, totalFrames, ff, sf, Options{})
		checkInvariants(t, s, totalFrames, totalSub)
	}
}

func TestDistributeSubframesClampsFrames(t *testing.T) {
	s := DistributeSubframes(nil, 10, 25, []float64{1}, []float64{1}, Options{})
	checkInvariants(t, s, 10, 10)
	if !s.AllOneToOne() {
		t.Errorf("schedule %v; want all 1:1", s)
	}
}

func TestDistributeSubframesShrinksBlocks(t *testing.T) {
	s := DistributeSubframes(nil, 9, 2, []float64{0.25, 0.25, 0.25, 0.25}, []float64{0.25, 0.25, 0.25, 0.25}, Options{})
	checkInvariants(t, s, 2, 9)
}

func TestAdjustForExposureSingleBlock(t *testing.T) {
	s, actual := AdjustForExposure(nil, 0, 0, 1.0, 0.04, []float64{1}, []float64{1}, Options{})
	want := Schedule{{Count: 25, SubframesPerFrame: 1}}
	if !s.Equal(want) {
		t.Errorf("schedule %v; want %v", s, want)
	}
	if math.Abs(actual-1.0) > 1e-9 {
		t.Errorf("actual exposure %g; want 1.0", actual)
	}
}

func TestAdjustForExposureIdempotent(t *testing.T) {
	ff, sf := []float64{0.3, 0.7}, []float64{0.2, 0.8}
	s1, e1 := AdjustForExposure(Schedule{{Count: 8, SubframesPerFrame: 3}}, 1, 2, 2.37, 0.025, ff, sf, Options{})
	s2, e2 := AdjustForExposure(s1, 1, 2, 2.37, 0.025, ff, sf, Options{})
	if !s1.Equal(s2) || e1 != e2 {
		t.Errorf("second adjustment %v %g differs from first %v %g", s2, e2, s1, e1)
	}
	checkInvariants(t, s1, s1.NumFrames(), 95-3)
	if math.Abs(e1-95*0.025) > 1e-9 {
		t.Errorf("actual exposure %g; want %g", e1, 95*0.025)
	}
}

func TestAdjustForExposureKeepsFrameRatio(t *testing.T) {
	s, _ := AdjustForExposure(Schedule{{Count: 10, SubframesPerFrame: 2}}, 0, 0, 4, 0.1, []float64{1}, []float64{1}, Options{})
	checkInvariants(t, s, 20, 40)
}

func TestDistributeSubframesTwoBlocks(t *testing.T) {
	ff, sf := []float64{0.2, 0.8}, []float64{0.1, 0.9}

	// as many frames as readouts collapses to one 1:1 block
	s := DistributeSubframes(nil, 25, 25, ff, sf, Options{})
	checkInvariants(t, s, 25, 25)
	if want := (Schedule{{Count: 25, SubframesPerFrame: 1}}); !s.Equal(want) {
		t.Errorf("schedule %v; want %v", s, want)
	}

	// first block gets 2 frames of 3 sub-frames, second 8 frames of 22 sub-frames
	s = DistributeSubframes(nil, 25, 10, ff, sf, Options{})
	checkInvariants(t, s, 10, 25)
	want := Schedule{{Count: 1, SubframesPerFrame: 1}, {Count: 3, SubframesPerFrame: 2}, {Count: 6, SubframesPerFrame: 3}}
	if !s.Equal(want) {
		t.Errorf("schedule %v; want %v", s, want)
	}
}

func TestDistributeSubframesBlockGetsAtLeastItsFrames(t *testing.T) {
	// sub-frame fraction would give the first block fewer sub-frames than frames
	s := DistributeSubframes(nil, 30, 20, []float64{0.5, 0.5}, []float64{0.05, 0.95}, Options{})
	checkInvariants(t, s, 20, 30)
	if s[0].SubframesPerFrame != 1 || s[0].Count < 10 {
		t.Errorf("schedule %v; want leading block of at least 10 single sub-frames", s)
	}
}

func TestAlignFractionKeepsOneToOne(t *testing.T) {
	opts := Options{AligningInServer: true, AlignFraction: 4}
	in := Schedule{{Count: 50, SubframesPerFrame: 1}}
	s := DistributeSubframes(in, 100, 50, []float64{0.3, 0.7}, []float64{0.3, 0.7}, opts)
	checkInvariants(t, s, 100, 100)
	if !s.AllOneToOne() {
		t.Errorf("schedule %v; want all 1:1", s)
	}
	for _, b := range s {
		if b.Count%4 != 0 {
			t.Errorf("block %v count not a multiple of 4", b)
		}
	}
}

func TestAlignFractionGrouping(t *testing.T) {
	opts := Options{AligningInServer: true, AlignFraction: 4}
	in := Schedule{{Count: 10, SubframesPerFrame: 3}}
	s := DistributeSubframes(in, 98, 40, []float64{1}, []float64{1}, opts)
	checkInvariants(t, s, 40, 100)
	for _, b := range s {
		if b.Count%4 != 0 {
			t.Errorf("block %v count not a multiple of 4", b)
		}
	}
}

func TestAdjustForExposureAlignFractionForcesRedistribution(t *testing.T) {
	opts := Options{AligningInServer: true, AlignFraction: 4}
	in := Schedule{{Count: 3, SubframesPerFrame: 1}, {Count: 5, SubframesPerFrame: 2}}
	s, actual := AdjustForExposure(in, 0, 0, 1.3, 0.1, []float64{1}, []float64{1}, opts)
	if s.NumSubframes() != 12 {
		t.Errorf("schedule %v has %d sub-frames; want 12", s, s.NumSubframes())
	}
	if !s.countsMultipleOf(4) {
		t.Errorf("schedule %v counts not multiples of 4", s)
	}
	if math.Abs(actual-1.2) > 1e-9 {
		t.Errorf("actual exposure %g; want 1.2", actual)
	}
}

func TestReadouts(t *testing.T) {
	s := Schedule{{Count: 2, SubframesPerFrame: 1}, {Count: 1, SubframesPerFrame: 3}}
	r := s.Readouts(2)
	want := []Readout{{2, 2}, {3, 3}, {4, 6}}
	if len(r) != len(want) {
		t.Fatalf("len(readouts)=%d; want %d", len(r), len(want))
	}
	for i := range r {
		if r[i] != want[i] {
			t.Errorf("readout %d=%v; want %v", i, r[i], want[i])
		}
	}
}
