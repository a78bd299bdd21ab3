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


package export

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/mlnoga/framestack/internal/improc"
	"golang.org/x/image/tiff"
)

func gradient(nx, ny int) *improc.Image {
	f := improc.NewImage(nx, ny, nil)
	for i := range f.Data {
		f.Data[i] = float32(i)
	}
	return f
}

func TestWriteMonoTIFF16(t *testing.T) {
	f := gradient(8, 4)
	buf := bytes.Buffer{}
	if err := WriteMonoTIFF16(&buf, f, 0, 31, 1); err != nil {
		t.Fatal(err)
	}
	img, err := tiff.Decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 8 || b.Dy() != 4 {
		t.Errorf("bounds %v; want 8x4", b)
	}
	// bottom row of the image is the first row of data
	r, _, _, _ := img.At(0, 3).RGBA()
	if r != 0 {
		t.Errorf("pixel (0,3)=%d; want 0", r)
	}
	r, _, _, _ = img.At(7, 0).RGBA()
	if r != 65535 {
		t.Errorf("pixel (7,0)=%d; want 65535", r)
	}
}

func TestWriteFITS(t *testing.T) {
	f := gradient(6, 5)
	f.Exposure = 2
	buf := bytes.Buffer{}
	if err := WriteFITS(&buf, f, Cards(f, 1.1, 10)); err != nil {
		t.Fatal(err)
	}
	r, err := fitsio.Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	img, ok := r.HDU(0).(fitsio.Image)
	if !ok {
		t.Fatalf("primary HDU is not an image")
	}
	axes := img.Header().Axes()
	if len(axes) != 2 || axes[0] != 6 || axes[1] != 5 {
		t.Errorf("axes %v; want [6 5]", axes)
	}
	data := make([]float32, 6*5)
	if err := img.Read(&data); err != nil {
		t.Fatal(err)
	}
	for i, v := range data {
		if v != float32(i) {
			t.Errorf("pixel %d = %g; want %d", i, v, i)
		}
	}
	if card := img.Header().Get("NFRAMES"); card == nil || fmt.Sprint(card.Value) != "10" {
		t.Errorf("NFRAMES card %+v; want 10", card)
	}
	for _, tc := range []struct {
		key  string
		want float64
	}{{"EXPTIME", 2}, {"PIXSIZE", 1.1}} {
		card := img.Header().Get(tc.key)
		if card == nil {
			t.Errorf("%s card missing", tc.key)
			continue
		}
		if v, ok := card.Value.(float64); !ok || math.Abs(v-tc.want) > 1e-6 {
			t.Errorf("%s = %v; want %g", tc.key, card.Value, tc.want)
		}
	}
}
