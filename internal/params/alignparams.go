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



// Package params holds the acquisition, camera and frame alignment parameters
// a capture is run with. They are read-only for the duration of one run.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Alignment strategy
type Strategy int

const (
	PairwiseNum  Strategy = iota // each frame against a fixed number of neighbours
	HalfPairwise                 // each frame against half of all frames
	AllPairwise                  // all frames against each other
	AccumRef                     // each frame against the running sum of prior frames
)

var strategyNames = []string{"pairwise", "halfPairwise", "allPairwise", "accumRef"}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// Parses a strategy name, case insensitive
func ParseStrategy(s string) (Strategy, error) {
	for i, n := range strategyNames {
		if strings.EqualFold(n, s) {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown alignment strategy '%s'", s)
}

func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Strategy) UnmarshalText(b []byte) (err error) {
	*s, err = ParseStrategy(string(b))
	return err
}

// Maximum number of band-pass filters tried per alignment
const MaxBands = 4

// One low-pass filter stage, radius and falloff in reciprocal pixels of the binned image
type Band struct {
	Radius float64 `json:"radius" yaml:"radius"`
	Sigma  float64 `json:"sigma"  yaml:"sigma"`
}

// Frame alignment parameters
type FrameAliParams struct {
	Name          string   `json:"name"          yaml:"name"`
	AliBinning    int      `json:"aliBinning"    yaml:"aliBinning"`
	Strategy      Strategy `json:"strategy"      yaml:"strategy"`
	PairwiseNum   int      `json:"pairwiseNum"   yaml:"pairwiseNum"` // neighbours for the pairwise strategy
	Sigma1        float64  `json:"sigma1"        yaml:"sigma1"`      // high-pass sigma, 0 for none
	Bands         []Band   `json:"bands"         yaml:"bands"`
	RefineIter    int      `json:"refineIter"    yaml:"refineIter"`
	StopIterBelow float64  `json:"stopIterBelow" yaml:"stopIterBelow"` // pixels
	GroupSize     int      `json:"groupSize"     yaml:"groupSize"`
	// Shifts are smoothed with a spline if there are at least this many frames. 0 disables
	SmoothThreshold int     `json:"smoothThreshold" yaml:"smoothThreshold"`
	TruncLimit      float64 `json:"truncLimit"      yaml:"truncLimit"` // 0 for no truncation
	AlignSubset     bool    `json:"alignSubset"     yaml:"alignSubset"`
	SubsetStart     int     `json:"subsetStart"     yaml:"subsetStart"` // 1-based, inclusive
	SubsetEnd       int     `json:"subsetEnd"       yaml:"subsetEnd"`
	OutputFloat     bool    `json:"outputFloat"     yaml:"outputFloat"`
	HybridShifts    bool    `json:"hybridShifts"    yaml:"hybridShifts"`
	ShiftLimit      float64 `json:"shiftLimit"      yaml:"shiftLimit"` // in unbinned pixels
	TaperFrac       float64 `json:"taperFrac"       yaml:"taperFrac"`
	AntialiasType   int     `json:"antialiasType"   yaml:"antialiasType"`
	RefRadius       float64 `json:"refRadius"       yaml:"refRadius"`
	WantFRC         bool    `json:"wantFRC"         yaml:"wantFRC"`
}

// Returns alignment parameters with the defaults used for saved stacks
func NewFrameAliParamsDefault() *FrameAliParams {
	return &FrameAliParams{
		Name:            "default",
		AliBinning:      4,
		Strategy:        PairwiseNum,
		PairwiseNum:     7,
		Bands:           []Band{{Radius: 0.06, Sigma: 0.0857}},
		RefineIter:      0,
		StopIterBelow:   0.1,
		GroupSize:       1,
		SmoothThreshold: 10,
		ShiftLimit:      20,
		TaperFrac:       0.02,
		AntialiasType:   4,
	}
}

// Returns the cheaper parameters used when no parameter set is selected,
// e.g. for continuous acquisition
func NewFrameAliParamsContinuous() *FrameAliParams {
	p := NewFrameAliParamsDefault()
	p.Name = "continuous"
	p.AliBinning = 6
	p.Strategy = AccumRef
	p.SmoothThreshold = 0
	return p
}

// Unmarshal the type from JSON with default values for missing entries
func (p *FrameAliParams) UnmarshalJSON(data []byte) error {
	type defaults FrameAliParams
	def := defaults(*NewFrameAliParamsDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*p = FrameAliParams(def)
	return nil
}

func (p *FrameAliParams) Validate() error {
	if p.AliBinning < 1 {
		return fmt.Errorf("alignment binning %d must be at least 1", p.AliBinning)
	}
	if len(p.Bands) < 1 || len(p.Bands) > MaxBands {
		return fmt.Errorf("need between 1 and %d filter bands, have %d", MaxBands, len(p.Bands))
	}
	for i, b := range p.Bands {
		if b.Radius <= 0 || b.Radius > 0.5 {
			return fmt.Errorf("filter band %d radius %g outside (0, 0.5]", i+1, b.Radius)
		}
	}
	if p.Strategy < PairwiseNum || p.Strategy > AccumRef {
		return fmt.Errorf("invalid strategy %d", int(p.Strategy))
	}
	if p.Strategy == PairwiseNum && p.PairwiseNum < 2 {
		return errors.New("pairwise alignment needs at least 2 frames per comparison")
	}
	if p.GroupSize < 1 {
		return fmt.Errorf("group size %d must be at least 1", p.GroupSize)
	}
	if p.AlignSubset && (p.SubsetStart < 1 || p.SubsetEnd < p.SubsetStart) {
		return fmt.Errorf("invalid alignment subset %d-%d", p.SubsetStart, p.SubsetEnd)
	}
	return nil
}

// Number of frames each frame is compared against, 0 for the accumulating reference
func (p *FrameAliParams) NumAllVsAll(numFrames int) int {
	n := 0
	switch p.Strategy {
	case PairwiseNum:
		n = p.PairwiseNum
	case HalfPairwise:
		n = (numFrames + 1) / 2
	case AllPairwise:
		n = numFrames
	case AccumRef:
		return 0
	}
	if n > numFrames {
		n = numFrames
	}
	if n < 2 && numFrames >= 2 {
		n = 2
	}
	return n
}

// True if shifts of a run of numFrames aligned frames are smoothed with a spline
func (p *FrameAliParams) DoSpline(numFrames int) bool {
	return p.SmoothThreshold > 0 && numFrames >= p.SmoothThreshold
}

// True if the 0-based frame index takes part in alignment
func (p *FrameAliParams) InSubset(frame int) bool {
	if !p.AlignSubset {
		return true
	}
	return frame+1 >= p.SubsetStart && frame+1 <= p.SubsetEnd
}

// Number of frames aligned out of numFrames
func (p *FrameAliParams) NumAligned(numFrames int) int {
	if !p.AlignSubset {
		return numFrames
	}
	end := p.SubsetEnd
	if end > numFrames {
		end = numFrames
	}
	if end < p.SubsetStart {
		return 0
	}
	return end - p.SubsetStart + 1
}

// Ordered collection of alignment parameter sets
type FrameAliSet []FrameAliParams

// Returns the parameter set with the given index, or the continuous-mode default
// if the index does not select one
func (s FrameAliSet) Resolve(ind int) FrameAliParams {
	if ind < 0 || ind >= len(s) {
		return *NewFrameAliParamsContinuous()
	}
	return s[ind]
}
