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


package stack

import (
	"errors"
	"fmt"
	"os"

	"github.com/mlnoga/framestack/internal/align"
	"github.com/mlnoga/framestack/internal/improc"
)

// Error codes of stack and align runs
type Code int

const (
	OK Code = iota
	NoFrames
	DirMissing
	DirCreate
	BackupExists
	BackupRename
	AlignSize
	AlignInit
	FileOpen
	ReadFrame
	WriteFrame
	AsyncSave
	OutOfMemory
	FinishAlign
	NoRelPath
	ComFileWrite
	Busy
	BadSchedule
	Cancelled
	Plugin
)

var codeMessages = []string{
	"no error",
	"no frames were stacked",
	"the directory for saving frames does not exist",
	"the directory for saving frames could not be created",
	"a backup of the existing frame file already exists",
	"the existing frame file could not be renamed to a backup",
	"the size of frames to align does not match the acquisition size",
	"the frame alignment routine failed to initialize",
	"a frame file could not be opened",
	"a frame could not be read",
	"a frame could not be written",
	"an asynchronous frame save failed",
	"out of memory for frame buffers",
	"frame alignment failed, no aligned sum was produced",
	"no relative path from the command file to the frames",
	"the alignment command file could not be written",
	"another frame stacking operation is in progress",
	"the summation schedule is invalid",
	"stacking was cancelled",
	"the camera plugin reported an error",
}

func (c Code) String() string {
	if c < 0 || int(c) >= len(codeMessages) {
		return fmt.Sprintf("unknown error %d", int(c))
	}
	return codeMessages[c]
}

func (c Code) Error() string { return c.String() }

// An error with its code and underlying cause
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Matches the code itself, so errors.Is(err, AlignSize) works
func (e *Error) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.Code
}

func newError(c Code, err error) *Error { return &Error{Code: c, Err: err} }

// Returns the code of an error, OK for nil
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Plugin
}

var ErrOutOfMemory = errors.New("buffer allocation failed")

// True for errors which make continuing pointless if nothing succeeded yet
func isResourceError(err error) bool {
	var pathErr *os.PathError
	return errors.Is(err, ErrOutOfMemory) || errors.As(err, &pathErr)
}

// Outcome of a stack and align run
type Result struct {
	Code          Code
	Err           error
	FramesTotal   int
	FramesStacked int
	FramesAligned int
	FrameErrors   int  // frames which failed to read or save
	LastFrameErr  Code // code of the last per-frame error
	Cancelled     bool
	Files         []string
	Sum           *improc.Image // aligned sum in the output format, nil if alignment did not run or failed
	Align         *align.Result
}

// One-line summary for the log
func (r *Result) Summary(saving bool) string {
	if saving {
		return fmt.Sprintf("%d of %d frames were stacked successfully", r.FramesStacked, r.FramesTotal)
	}
	return fmt.Sprintf("%d of %d frames were aligned", r.FramesAligned, r.FramesTotal)
}
