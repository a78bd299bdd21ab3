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



// Package comfile writes command files for aligning saved frames offline with
// IMOD's alignframes.
package comfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mlnoga/framestack/internal/params"
)

var ErrNoRelPath = errors.New("no relative path from command file to frames")

// Inputs of a command file besides the alignment parameters
type Options struct {
	ComDir     string // directory of the command file
	StackFile  string // frames to align
	OutputFile string // aligned sum, next to the frames if empty
	GainRef    string
	DefectFile string
	NumFrames  int
	RotateFlip int
	Mode       int  // output mode, -1 to keep the input mode
	UseGPU     bool
}

// Returns the path of target relative to dir. Fails if only one of them is absolute
func relPath(dir, target string) (string, error) {
	if filepath.IsAbs(dir) != filepath.IsAbs(target) {
		return "", fmt.Errorf("%w: %s from %s", ErrNoRelPath, target, dir)
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoRelPath, err)
	}
	return filepath.ToSlash(rel), nil
}

// Name of the command file for a stack
func Name(comDir, stackFile string) string {
	base := strings.TrimSuffix(filepath.Base(stackFile), filepath.Ext(stackFile))
	return filepath.Join(comDir, base+".pcm")
}

// Writes the command file for the stack into the command directory and returns its name.
// A missing relative path is reported as ErrNoRelPath before anything is written
func Write(fa *params.FrameAliParams, opts Options) (string, error) {
	lines, err := Lines(fa, opts)
	if err != nil {
		return "", err
	}
	name := Name(opts.ComDir, opts.StackFile)
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	w := bufio.NewWriter(f)
	if err := writeLines(w, lines); err != nil {
		f.Close()
		return "", err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return "", err
	}
	return name, f.Close()
}

func writeLines(w io.Writer, lines []string) error {
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}

// Returns the lines of the command file, with paths relative to the command directory
func Lines(fa *params.FrameAliParams, opts Options) ([]string, error) {
	input, err := relPath(opts.ComDir, opts.StackFile)
	if err != nil {
		return nil, err
	}
	output := opts.OutputFile
	if output == "" {
		output = strings.TrimSuffix(opts.StackFile, filepath.Ext(opts.StackFile)) + "_ali.mrc"
	}
	if output, err = relPath(opts.ComDir, output); err != nil {
		return nil, err
	}

	l := []string{
		"$alignframes -StandardInput",
		"InputFile\t" + input,
		"OutputImageFile\t" + output,
	}
	for _, ref := range []struct{ key, file string }{{"GainReferenceFile", opts.GainRef}, {"CameraDefectFile", opts.DefectFile}} {
		if ref.file == "" {
			continue
		}
		rel, err := relPath(opts.ComDir, ref.file)
		if err != nil {
			return nil, err
		}
		l = append(l, ref.key+"\t"+rel)
	}

	pairwise := fa.NumAllVsAll(opts.NumFrames)
	if fa.Strategy == params.AllPairwise {
		pairwise = -1
	}
	if fa.Strategy == params.AccumRef {
		l = append(l, "CumulativeCorrelation\t1")
	} else {
		l = append(l, fmt.Sprintf("PairwiseFrames\t%d", pairwise))
	}
	l = append(l, fmt.Sprintf("AlignAndSumBinning\t%d 1", fa.AliBinning))
	l = append(l, fmt.Sprintf("ShiftLimit\t%g", fa.ShiftLimit))
	if fa.Sigma1 > 0 {
		l = append(l, fmt.Sprintf("FilterSigma1\t%g", fa.Sigma1))
	}
	radii, sigmas := make([]string, len(fa.Bands)), make([]string, len(fa.Bands))
	for i, b := range fa.Bands {
		radii[i], sigmas[i] = fmt.Sprintf("%g", b.Radius), fmt.Sprintf("%g", b.Sigma)
	}
	l = append(l, "FilterRadius2\t"+strings.Join(radii, ","), "FilterSigma2\t"+strings.Join(sigmas, ","))
	if fa.RefineIter > 0 {
		l = append(l, fmt.Sprintf("RefineAlignment\t%d", fa.RefineIter))
		l = append(l, fmt.Sprintf("StopIterationsAtShift\t%g", fa.StopIterBelow))
	}
	if fa.GroupSize > 1 {
		l = append(l, fmt.Sprintf("GroupSize\t%d", fa.GroupSize))
	}
	if fa.DoSpline(opts.NumFrames) {
		l = append(l, "SmoothingFit\t1")
	}
	if fa.HybridShifts {
		l = append(l, "HybridShifts\t1")
	}
	if fa.TruncLimit > 0 {
		l = append(l, fmt.Sprintf("TruncateAbove\t%g", fa.TruncLimit))
	}
	if fa.AlignSubset {
		l = append(l, fmt.Sprintf("StartingEndingFrames\t%d %d", fa.SubsetStart, fa.SubsetEnd))
	}
	if fa.WantFRC {
		l = append(l, "TestFRC\t1")
	}
	if opts.RotateFlip != 0 {
		l = append(l, fmt.Sprintf("RotationAndFlip\t%d", opts.RotateFlip))
	}
	mode := opts.Mode
	if fa.OutputFloat {
		mode = 2
	}
	if mode >= 0 {
		l = append(l, fmt.Sprintf("ModeToOutput\t%d", mode))
	}
	gpu := -1
	if opts.UseGPU {
		gpu = 0
	}
	l = append(l, fmt.Sprintf("UseGPU\t%d", gpu))
	return l, nil
}
