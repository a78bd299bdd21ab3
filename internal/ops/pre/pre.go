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



// Package pre normalizes raw frames in process: dark subtraction, gain
// multiplication, defect correction and truncation of outliers
package pre

import (
	"fmt"
	"os"
	"sort"

	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/ops"
	"github.com/mlnoga/framestack/internal/qsort"
	"gopkg.in/yaml.v2"
)

// Known sensor defects, in frame pixel coordinates
type Defects struct {
	Columns []int    `yaml:"columns"`
	Rows    []int    `yaml:"rows"`
	Pixels  [][]int `yaml:"pixels"` // x, y
}

// Reads a defect list from a YAML file
func ReadDefects(fileName string) (*Defects, error) {
	bs, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	d := &Defects{}
	if err = yaml.Unmarshal(bs, d); err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return d, nil
}

// Returns the sorted indices of all defective pixels within an nx*ny frame
func (d *Defects) indices(nx, ny int) []int {
	bad := map[int]bool{}
	for _, x := range d.Columns {
		if x >= 0 && x < nx {
			for y := 0; y < ny; y++ {
				bad[y*nx+x] = true
			}
		}
	}
	for _, y := range d.Rows {
		if y >= 0 && y < ny {
			for x := 0; x < nx; x++ {
				bad[y*nx+x] = true
			}
		}
	}
	for _, p := range d.Pixels {
		if len(p) == 2 && p[0] >= 0 && p[0] < nx && p[1] >= 0 && p[1] < ny {
			bad[p[1]*nx+p[0]] = true
		}
	}
	res := make([]int, 0, len(bad))
	for i := range bad {
		res = append(res, i)
	}
	sort.Ints(res)
	return res
}

// Reference images and settings for normalizing frames of one size
type Refs struct {
	Nx, Ny     int
	Dark       *improc.Image // subtracted first, may be nil
	Gain       *improc.Image // multiplied after dark subtraction, may be nil
	TruncLimit float32       // values above are replaced by the neighbourhood median, 0 for none
	badIdx     []int
	badMask    []bool
}

// Loads the given reference files concurrently. Empty names are skipped
func LoadRefs(c *ops.Context, nx, ny int, darkFile, gainFile, defectFile string, truncLimit float32) (*Refs, error) {
	refs := &Refs{Nx: nx, Ny: ny, TruncLimit: truncLimit}

	var promises []ops.Promise
	var targets []**improc.Image
	for i, pair := range []struct {
		name   string
		target **improc.Image
	}{{darkFile, &refs.Dark}, {gainFile, &refs.Gain}} {
		if pair.name == "" {
			continue
		}
		promises = append(promises, loadPromise(-(i + 1), pair.name))
		targets = append(targets, pair.target)
	}
	images, err := ops.MaterializeAll(promises, c.MaxThreads, false)
	if err != nil {
		return nil, err
	}
	for i, im := range images {
		if im.Nx != nx || im.Ny != ny {
			return nil, fmt.Errorf("reference %dx%d differs from frame size %dx%d", im.Nx, im.Ny, nx, ny)
		}
		*targets[i] = im
	}

	if defectFile != "" {
		d, err := ReadDefects(defectFile)
		if err != nil {
			return nil, err
		}
		refs.SetDefects(d)
	}
	fmt.Fprintf(c.Log, "Loaded references: dark %v gain %v defects %d pixels\n",
		refs.Dark != nil, refs.Gain != nil, len(refs.badIdx))
	return refs, nil
}

// Returns a promise loading the first section of an MRC file
func loadPromise(id int, fileName string) ops.Promise {
	return func() (*improc.Image, error) {
		r, err := mrc.Open(fileName)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		data, err := r.ReadSection(0, nil)
		if err != nil {
			return nil, err
		}
		im := improc.NewImage(r.Nx(), r.Ny(), data)
		im.ID = id
		return im, nil
	}
}

// Sets the defect list
func (r *Refs) SetDefects(d *Defects) {
	r.badIdx = d.indices(r.Nx, r.Ny)
	r.badMask = make([]bool, r.Nx*r.Ny)
	for _, i := range r.badIdx {
		r.badMask[i] = true
	}
}

// True if any normalization step is configured
func (r *Refs) Active() bool {
	return r != nil && (r.Dark != nil || r.Gain != nil || len(r.badIdx) > 0 || r.TruncLimit > 0)
}

// Normalizes one frame in place
func (r *Refs) Apply(data []float32) error {
	if len(data) != r.Nx*r.Ny {
		return fmt.Errorf("frame of %d pixels does not match references of %dx%d", len(data), r.Nx, r.Ny)
	}
	if r.Dark != nil {
		Subtract(data, data, r.Dark.Data)
	}
	if r.Gain != nil {
		Multiply(data, data, r.Gain.Data)
	}
	if len(r.badIdx) > 0 {
		r.correctDefects(data)
	}
	if r.TruncLimit > 0 {
		r.truncate(data)
	}
	return nil
}

// Subtract two arrays element-wise
func Subtract(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] - b[i]
	}
}

// Multiply two arrays element-wise
func Multiply(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] * b[i]
	}
}

// Replaces defective pixels with the median of their good neighbours
func (r *Refs) correctDefects(data []float32) {
	buffer := make([]float32, 0, 24)
	for _, i := range r.badIdx {
		x, y := i%r.Nx, i/r.Nx
		for radius := 1; radius <= 2; radius++ {
			buffer = r.gather(data, x, y, radius, buffer[:0], r.badMask)
			if len(buffer) > 0 {
				break
			}
		}
		if len(buffer) > 0 {
			data[i] = qsort.QSelectMedianFloat32(buffer)
		}
	}
}

// Replaces pixels above the truncation limit with the median of their neighbours
func (r *Refs) truncate(data []float32) {
	var hot []int
	for i, d := range data {
		if d > r.TruncLimit {
			hot = append(hot, i)
		}
	}
	if len(hot) == 0 {
		return
	}
	mask := make([]bool, len(data))
	for _, i := range hot {
		mask[i] = true
	}
	buffer := make([]float32, 0, 8)
	for _, i := range hot {
		buffer = r.gather(data, i%r.Nx, i/r.Nx, 1, buffer[:0], mask)
		if len(buffer) > 0 {
			data[i] = qsort.QSelectMedianFloat32(buffer)
		} else {
			data[i] = r.TruncLimit
		}
	}
}

// Gathers values around x,y within the given radius which are not masked
func (r *Refs) gather(data []float32, x, y, radius int, buffer []float32, mask []bool) []float32 {
	for yy := y - radius; yy <= y+radius; yy++ {
		if yy < 0 || yy >= r.Ny {
			continue
		}
		for xx := x - radius; xx <= x+radius; xx++ {
			if xx < 0 || xx >= r.Nx || (xx == x && yy == y) {
				continue
			}
			if j := yy*r.Nx + xx; !mask[j] {
				buffer = append(buffer, data[j])
			}
		}
	}
	return buffer
}
