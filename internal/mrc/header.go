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



// Package mrc reads and writes multi-section image stacks in the MRC2014 format.
// Format reference: https://www.ccpem.ac.uk/mrc_format/mrc2014.php
package mrc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

// Pixel storage mode of an MRC file
type Mode int32

const (
	ModeByte   Mode = 0
	ModeInt16  Mode = 1
	ModeFloat  Mode = 2
	ModeUint16 Mode = 6
	Mode4Bit   Mode = 101
)

func (m Mode) String() string {
	switch m {
	case ModeByte:
		return "byte"
	case ModeInt16:
		return "int16"
	case ModeFloat:
		return "float"
	case ModeUint16:
		return "uint16"
	case Mode4Bit:
		return "4bit"
	}
	return fmt.Sprintf("mode%d", int32(m))
}

// Returns the number of bytes for a section of the given size
func (m Mode) SectionBytes(nx, ny int) (int, error) {
	switch m {
	case ModeByte:
		return nx * ny, nil
	case ModeInt16, ModeUint16:
		return 2 * nx * ny, nil
	case ModeFloat:
		return 4 * nx * ny, nil
	case Mode4Bit:
		return (nx + 1) / 2 * ny, nil
	}
	return 0, fmt.Errorf("unsupported MRC mode %d", int32(m))
}

// Parses a mode name as used in configuration files
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "byte", "0":
		return ModeByte, nil
	case "int16", "short", "1":
		return ModeInt16, nil
	case "float", "2":
		return ModeFloat, nil
	case "uint16", "ushort", "6":
		return ModeUint16, nil
	case "4bit", "101":
		return Mode4Bit, nil
	}
	return 0, fmt.Errorf("unknown MRC mode %q", s)
}

const HeaderSize = 1024
const labelSize = 80
const maxLabels = 10

// The fixed 1024 byte MRC header. Extended headers are skipped on read and never written
type Header struct {
	Nx, Ny, Nz int32
	Mode       Mode
	Mx, My, Mz int32
	CellX      float32
	CellY      float32
	CellZ      float32
	Dmin       float32
	Dmax       float32
	Dmean      float32
	Next       int32 // bytes of extended header following the fixed header
	Rms        float32
	Labels     []string
}

// Creates a header for sections of the given size and mode with a pixel size in Angstrom
func NewHeader(nx, ny int, mode Mode, pixelSize float32) Header {
	if pixelSize <= 0 {
		pixelSize = 1
	}
	return Header{
		Nx: int32(nx), Ny: int32(ny), Nz: 0, Mode: mode,
		Mx: int32(nx), My: int32(ny), Mz: 1,
		CellX: float32(nx) * pixelSize, CellY: float32(ny) * pixelSize, CellZ: pixelSize,
	}
}

// Adds a text label, dropping the oldest beyond the first if all ten are used
func (h *Header) AddLabel(label string) {
	if len(label) > labelSize {
		label = label[:labelSize]
	}
	if len(h.Labels) >= maxLabels {
		h.Labels = append(h.Labels[:1], h.Labels[2:]...)
	}
	h.Labels = append(h.Labels, label)
}

// Serializes the header into its 1024 byte little-endian representation
func (h *Header) MarshalBinary() ([]byte, error) {
	if len(h.Labels) > maxLabels {
		return nil, fmt.Errorf("%d labels, at most %d fit the header", len(h.Labels), maxLabels)
	}
	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian
	putI := func(off int, v int32) { le.PutUint32(buf[off:], uint32(v)) }
	putF := func(off int, v float32) { le.PutUint32(buf[off:], math.Float32bits(v)) }

	putI(0, h.Nx)
	putI(4, h.Ny)
	putI(8, h.Nz)
	putI(12, int32(h.Mode))
	putI(28, h.Mx)
	putI(32, h.My)
	putI(36, h.Mz)
	putF(40, h.CellX)
	putF(44, h.CellY)
	putF(48, h.CellZ)
	putF(52, 90)
	putF(56, 90)
	putF(60, 90)
	putI(64, 1)
	putI(68, 2)
	putI(72, 3)
	putF(76, h.Dmin)
	putF(80, h.Dmax)
	putF(84, h.Dmean)
	putI(92, 0)
	copy(buf[104:108], "MRCO")
	putI(108, 20141)
	copy(buf[208:212], "MAP ")
	buf[212], buf[213] = 0x44, 0x44
	putF(216, h.Rms)
	putI(220, int32(len(h.Labels)))
	for i, l := range h.Labels {
		off := 224 + i*labelSize
		copy(buf[off:off+labelSize], bytes.Repeat([]byte{' '}, labelSize))
		copy(buf[off:], l)
	}
	return buf, nil
}

// Parses a header from its binary representation
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("MRC header too short: %d bytes", len(buf))
	}
	if buf[212] != 0x44 && buf[212] != 0x00 && buf[212] != 0x11 {
		return fmt.Errorf("big-endian or unknown MRC machine stamp %#x", buf[212])
	}
	le := binary.LittleEndian
	getI := func(off int) int32 { return int32(le.Uint32(buf[off:])) }
	getF := func(off int) float32 { return math.Float32frombits(le.Uint32(buf[off:])) }

	h.Nx, h.Ny, h.Nz = getI(0), getI(4), getI(8)
	h.Mode = Mode(getI(12))
	h.Mx, h.My, h.Mz = getI(28), getI(32), getI(36)
	h.CellX, h.CellY, h.CellZ = getF(40), getF(44), getF(48)
	h.Dmin, h.Dmax, h.Dmean = getF(76), getF(80), getF(84)
	h.Next = getI(92)
	h.Rms = getF(216)
	if h.Nx <= 0 || h.Ny <= 0 || h.Nz < 0 || h.Next < 0 {
		return fmt.Errorf("invalid MRC dimensions %dx%dx%d", h.Nx, h.Ny, h.Nz)
	}
	if _, err := h.Mode.SectionBytes(1, 1); err != nil {
		return err
	}
	n := int(getI(220))
	if n > maxLabels {
		n = maxLabels
	}
	h.Labels = nil
	for i := 0; i < n; i++ {
		off := 224 + i*labelSize
		h.Labels = append(h.Labels, strings.TrimRight(string(buf[off:off+labelSize]), " \x00"))
	}
	return nil
}

// Returns the pixel size in Angstrom along X
func (h *Header) PixelSize() float32 {
	if h.Mx == 0 {
		return 1
	}
	return h.CellX / float32(h.Mx)
}

func readHeader(r io.Reader) (h Header, err error) {
	buf := make([]byte, HeaderSize)
	if _, err = io.ReadFull(r, buf); err != nil {
		return h, err
	}
	err = h.UnmarshalBinary(buf)
	return h, err
}

// Encodes float data into the given mode, clamping to the representable range
func encode(dst []byte, data []float32, nx int, mode Mode) {
	le := binary.LittleEndian
	switch mode {
	case ModeByte:
		for i, v := range data {
			dst[i] = uint8(clamp(v, 0, 255))
		}
	case ModeInt16:
		for i, v := range data {
			le.PutUint16(dst[2*i:], uint16(int16(clamp(v, -32768, 32767))))
		}
	case ModeUint16:
		for i, v := range data {
			le.PutUint16(dst[2*i:], uint16(clamp(v, 0, 65535)))
		}
	case ModeFloat:
		for i, v := range data {
			le.PutUint32(dst[4*i:], math.Float32bits(v))
		}
	case Mode4Bit:
		rowBytes := (nx + 1) / 2
		for i := range dst {
			dst[i] = 0
		}
		for i, v := range data {
			y, x := i/nx, i%nx
			nib := uint8(clamp(v, 0, 15))
			if x&1 == 0 {
				dst[y*rowBytes+x/2] |= nib
			} else {
				dst[y*rowBytes+x/2] |= nib << 4
			}
		}
	}
}

// Decodes data in the given mode into floats
func decode(dst []float32, src []byte, nx int, mode Mode) {
	le := binary.LittleEndian
	switch mode {
	case ModeByte:
		for i := range dst {
			dst[i] = float32(src[i])
		}
	case ModeInt16:
		for i := range dst {
			dst[i] = float32(int16(le.Uint16(src[2*i:])))
		}
	case ModeUint16:
		for i := range dst {
			dst[i] = float32(le.Uint16(src[2*i:]))
		}
	case ModeFloat:
		for i := range dst {
			dst[i] = math.Float32frombits(le.Uint32(src[4*i:]))
		}
	case Mode4Bit:
		rowBytes := (nx + 1) / 2
		for i := range dst {
			y, x := i/nx, i%nx
			b := src[y*rowBytes+x/2]
			if x&1 == 0 {
				dst[i] = float32(b & 0x0f)
			} else {
				dst[i] = float32(b >> 4)
			}
		}
	}
}

func clamp(v, lo, hi float32) float32 {
	if math.IsNaN(float64(v)) {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return float32(math.Floor(float64(v) + 0.5))
}
