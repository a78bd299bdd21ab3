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


package mrc

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// Reads sections of an MRC stack by index
type Reader struct {
	FileName string
	Header   Header
	file     *os.File
	rawBuf   []byte
}

// Opens an MRC stack and parses its header
func Open(fileName string) (*Reader, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	h, err := readHeader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return &Reader{FileName: fileName, Header: h, file: f}, nil
}

func (r *Reader) Nx() int       { return int(r.Header.Nx) }
func (r *Reader) Ny() int       { return int(r.Header.Ny) }
func (r *Reader) Sections() int { return int(r.Header.Nz) }

func (r *Reader) sectionOffset(z int) (int64, int, error) {
	if z < 0 || z >= r.Sections() {
		return 0, 0, fmt.Errorf("%s: section %d out of range 0..%d", r.FileName, z, r.Sections()-1)
	}
	n, err := r.Header.Mode.SectionBytes(r.Nx(), r.Ny())
	if err != nil {
		return 0, 0, err
	}
	return int64(HeaderSize) + int64(r.Header.Next) + int64(z)*int64(n), n, nil
}

// Reads section z into dst, allocating it if nil or too small
func (r *Reader) ReadSection(z int, dst []float32) ([]float32, error) {
	off, n, err := r.sectionOffset(z)
	if err != nil {
		return nil, err
	}
	if len(r.rawBuf) < n {
		r.rawBuf = make([]byte, n)
	}
	if _, err := r.file.ReadAt(r.rawBuf[:n], off); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%s: section %d: %w", r.FileName, z, err)
	}
	pixels := r.Nx() * r.Ny()
	if len(dst) < pixels {
		dst = make([]float32, pixels)
	}
	decode(dst[:pixels], r.rawBuf[:n], r.Nx(), r.Header.Mode)
	return dst[:pixels], nil
}

// Reads the sub-area starting at x0,y0 of size nx*ny from section z, one row at a time
func (r *Reader) ReadSubarea(z, x0, y0, nx, ny int, dst []float32) ([]float32, error) {
	if x0 < 0 || y0 < 0 || nx <= 0 || ny <= 0 || x0+nx > r.Nx() || y0+ny > r.Ny() {
		return nil, fmt.Errorf("%s: sub-area %d,%d %dx%d outside %dx%d", r.FileName, x0, y0, nx, ny, r.Nx(), r.Ny())
	}
	if x0 == 0 && y0 == 0 && nx == r.Nx() && ny == r.Ny() {
		return r.ReadSection(z, dst)
	}
	off, _, err := r.sectionOffset(z)
	if err != nil {
		return nil, err
	}
	rowBytes, _ := r.Header.Mode.SectionBytes(r.Nx(), 1)
	if len(r.rawBuf) < rowBytes {
		r.rawBuf = make([]byte, rowBytes)
	}
	if len(dst) < nx*ny {
		dst = make([]float32, nx*ny)
	}
	row := make([]float32, r.Nx())
	for y := 0; y < ny; y++ {
		if _, err := r.file.ReadAt(r.rawBuf[:rowBytes], off+int64(y0+y)*int64(rowBytes)); err != nil {
			return nil, fmt.Errorf("%s: section %d row %d: %w", r.FileName, z, y0+y, err)
		}
		decode(row, r.rawBuf[:rowBytes], r.Nx(), r.Header.Mode)
		copy(dst[y*nx:(y+1)*nx], row[x0:x0+nx])
	}
	return dst[:nx*ny], nil
}

func (r *Reader) Close() error { return r.file.Close() }
