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



// Package post holds operators applied to an aligned sum before it is handed out
package post

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mlnoga/framestack/internal/export"
	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
)

// Rotates and flips the image
type OpRotateFlip struct {
	ops.OpBase
	Operation int `json:"operation"` // 0-3 rotate ccw by 90 degrees, +4 flip Y first
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpRotateFlipDefault() }) } // register the operator for JSON decoding

func NewOpRotateFlipDefault() *OpRotateFlip { return NewOpRotateFlip(0) }

func NewOpRotateFlip(operation int) *OpRotateFlip {
	return &OpRotateFlip{
		OpBase:    ops.OpBase{Type: "rotateFlip", Active: true},
		Operation: operation,
	}
}

func (op *OpRotateFlip) Apply(f *improc.Image, c *ops.Context) (*improc.Image, error) {
	if op.Operation < 0 || op.Operation > 7 {
		return nil, fmt.Errorf("rotation/flip operation %d outside 0-7", op.Operation)
	}
	if op.Operation == 0 {
		return f, nil
	}
	dst := make([]float32, len(f.Data))
	nx, ny := improc.RotateFlip(dst, f.Data, f.Nx, f.Ny, op.Operation)
	fmt.Fprintf(c.Log, "%d: Applied rotation/flip %d, now %dx%d\n", f.ID, op.Operation, nx, ny)
	f.Nx, f.Ny, f.Data = nx, ny, dst
	return f, nil
}

// Crops the image to a sub-area
type OpCrop struct {
	ops.OpBase
	X0 int `json:"x0"`
	Y0 int `json:"y0"`
	Nx int `json:"nx"`
	Ny int `json:"ny"`
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpCropDefault() }) } // register the operator for JSON decoding

func NewOpCropDefault() *OpCrop { return NewOpCrop(0, 0, 0, 0) }

func NewOpCrop(x0, y0, nx, ny int) *OpCrop {
	return &OpCrop{
		OpBase: ops.OpBase{Type: "crop", Active: true},
		X0:     x0, Y0: y0, Nx: nx, Ny: ny,
	}
}

func (op *OpCrop) Apply(f *improc.Image, c *ops.Context) (*improc.Image, error) {
	if op.Nx <= 0 || op.Ny <= 0 || (op.X0 == 0 && op.Y0 == 0 && op.Nx == f.Nx && op.Ny == f.Ny) {
		return f, nil
	}
	if op.X0 < 0 || op.Y0 < 0 || op.X0+op.Nx > f.Nx || op.Y0+op.Ny > f.Ny {
		return nil, fmt.Errorf("crop %dx%d at %d,%d outside %dx%d image", op.Nx, op.Ny, op.X0, op.Y0, f.Nx, f.Ny)
	}
	dst := make([]float32, op.Nx*op.Ny)
	improc.Crop(dst, f.Data, f.Nx, op.X0, op.Y0, op.Nx, op.Ny)
	f.Nx, f.Ny, f.Data = op.Nx, op.Ny, dst
	return f, nil
}

// Bins the image
type OpBin struct {
	ops.OpBase
	BinSize int `json:"binSize"`
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpBinDefault() }) } // register the operator for JSON decoding

func NewOpBinDefault() *OpBin { return NewOpBin(1) }

func NewOpBin(binning int) *OpBin {
	return &OpBin{
		OpBase:  ops.OpBase{Type: "bin", Active: true},
		BinSize: binning,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpBin) UnmarshalJSON(data []byte) error {
	type defaults OpBin
	def := defaults(*NewOpBinDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpBin(def)
	return nil
}

func (op *OpBin) Apply(f *improc.Image, c *ops.Context) (*improc.Image, error) {
	if op.BinSize <= 1 {
		return f, nil
	}
	dst := make([]float32, (f.Nx/op.BinSize)*(f.Ny/op.BinSize))
	nx, ny := improc.Bin(dst, f.Data, f.Nx, f.Ny, op.BinSize)
	fmt.Fprintf(c.Log, "%d: Binned %dx%d to %dx%d\n", f.ID, f.Nx, f.Ny, nx, ny)
	f.Nx, f.Ny, f.Data = nx, ny, dst
	return f, nil
}

// Converts the float sum to the value range of an output mode
type OpConvert struct {
	ops.OpBase
	Mode         mrc.Mode `json:"mode"`
	DivideByPow2 int      `json:"divideByPow2"`
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpConvertDefault() }) } // register the operator for JSON decoding

func NewOpConvertDefault() *OpConvert { return NewOpConvert(mrc.ModeFloat, 0) }

func NewOpConvert(mode mrc.Mode, divideByPow2 int) *OpConvert {
	return &OpConvert{
		OpBase:       ops.OpBase{Type: "convert", Active: true},
		Mode:         mode,
		DivideByPow2: divideByPow2,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpConvert) UnmarshalJSON(data []byte) error {
	type defaults OpConvert
	def := defaults(*NewOpConvertDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpConvert(def)
	return nil
}

func (op *OpConvert) Apply(f *improc.Image, c *ops.Context) (*improc.Image, error) {
	if err := improc.Convert(f.Data, op.Mode, op.DivideByPow2); err != nil {
		return nil, err
	}
	return f, nil
}

// Saves the image under a given filename, with pattern expansion for %d based on the image id.
// Passes the unchanged image on
type OpSave struct {
	ops.OpBase
	FilePattern string  `json:"filePattern"`
	PixelSize   float32 `json:"pixelSize"`
	Frames      int     `json:"frames"` // frames summed, recorded in FITS headers
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

func NewOpSaveDefault() *OpSave { return NewOpSave("") }

func NewOpSave(filePattern string) *OpSave {
	return &OpSave{
		OpBase:      ops.OpBase{Type: "save", Active: true},
		FilePattern: filePattern,
	}
}

func (op *OpSave) Apply(f *improc.Image, c *ops.Context) (result *improc.Image, err error) {
	if op.FilePattern == "" {
		return f, nil
	}
	fileName := op.FilePattern
	if strings.Contains(fileName, "%d") {
		fileName = fmt.Sprintf(op.FilePattern, f.ID)
	}

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".fits", ".fit", ".fts":
		fmt.Fprintf(c.Log, "%d: Writing %dx%d pixel FITS to %s\n", f.ID, f.Nx, f.Ny, fileName)
		err = export.WriteFITSToFile(fileName, f, export.Cards(f, op.PixelSize, op.Frames))
	case ".tif", ".tiff":
		fmt.Fprintf(c.Log, "%d: Writing %dx%d pixel TIFF preview to %s\n", f.ID, f.Nx, f.Ny, fileName)
		err = export.WritePreview(fileName, f)
	case ".mrc":
		fmt.Fprintf(c.Log, "%d: Writing %dx%d pixel MRC to %s\n", f.ID, f.Nx, f.Ny, fileName)
		err = writeMRC(fileName, f, op.PixelSize)
	default:
		err = fmt.Errorf("unknown suffix")
	}
	if err != nil {
		return nil, fmt.Errorf("%d: error writing to file %s: %w", f.ID, fileName, err)
	}
	return f, nil
}

func writeMRC(fileName string, f *improc.Image, pixelSize float32) error {
	w, err := mrc.Create(fileName, mrc.WriterOptions{Mode: mrc.ModeFloat, PixelSize: pixelSize, Label: "framestack sum"})
	if err != nil {
		return err
	}
	if err = w.AppendImage(f.Data, f.Nx, f.Ny); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// Calls fn for op and, for sequences, for each of their steps, depth first.
// Inactive operators and their steps are skipped
func Visit(op ops.Operator, fn func(ops.Operator)) {
	if op == nil || !op.IsActive() {
		return
	}
	fn(op)
	if seq, ok := op.(*ops.OpSequence); ok {
		for _, step := range seq.Steps {
			Visit(step, fn)
		}
	}
}

// Combined binning factor of all active bin steps in op
func BinFactor(op ops.Operator) int {
	factor := 1
	Visit(op, func(o ops.Operator) {
		if b, ok := o.(*OpBin); ok && b.BinSize > 1 {
			factor *= b.BinSize
		}
	})
	return factor
}
