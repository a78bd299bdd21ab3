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



// Package export writes aligned sums for viewing outside the stack format:
// 16-bit TIFF previews and FITS images
package export

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/mlnoga/framestack/internal/improc"
	"github.com/mlnoga/framestack/internal/stats"
	"golang.org/x/image/tiff"
)

// Write a grayscale image to 16-bit TIFF, using the given min, max and gamma.
func WriteMonoTIFF16ToFile(fileName string, f *improc.Image, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err = WriteMonoTIFF16(writer, f, min, max, gamma); err != nil {
		return err
	}
	return writer.Flush()
}

// Write a grayscale image to 16-bit TIFF, using the given min, max and gamma.
// Rows are flipped, as images are stored bottom row first
func WriteMonoTIFF16(writer io.Writer, f *improc.Image, min, max, gamma float32) error {
	width, height := f.Nx, f.Ny
	img := image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := float32(1)
	if max > min {
		scale = 1 / (max - min)
	}
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := f.Data[yoffset+x]
			gray = (gray - min) * scale
			// replace NaNs with zeros for export, else TIFF output breaks
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			if gammaInv != 1.0 {
				gray = float32(math.Pow(float64(gray), gammaInv))
			}
			c := color.Gray16{uint16(gray * 65535)}
			img.SetGray16(x, height-1-y, c)
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

// Writes a preview TIFF with a display range estimated from the pixel histogram
func WritePreview(fileName string, f *improc.Image) error {
	lo, hi := stats.DisplayRange(f.Data, 3, 5)
	return WriteMonoTIFF16ToFile(fileName, f, lo, hi, 1)
}

// Standard header cards for an aligned sum
func Cards(f *improc.Image, pixelSize float32, framesStacked int) []fitsio.Card {
	return []fitsio.Card{
		{Name: "DATE", Value: time.Now().UTC().Format("2006-01-02T15:04:05"), Comment: "file creation date"},
		{Name: "EXPTIME", Value: float64(f.Exposure), Comment: "exposure time in seconds"},
		{Name: "PIXSIZE", Value: float64(pixelSize), Comment: "pixel size in angstrom"},
		{Name: "NFRAMES", Value: framesStacked, Comment: "frames in the sum"},
	}
}

// Streams the image as a 32-bit float FITS file with the given header cards
func WriteFITS(w io.Writer, f *improc.Image, metadata []fitsio.Card) error {
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-32, []int{f.Nx, f.Ny})
	defer im.Close()
	if err = im.Header().Append(metadata...); err != nil {
		return err
	}
	if err = im.Write(f.Data); err != nil {
		return err
	}
	return fits.Write(im)
}

// Writes the image as a FITS file
func WriteFITSToFile(fileName string, f *improc.Image, metadata []fitsio.Card) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err = WriteFITS(writer, f, metadata); err != nil {
		return err
	}
	return writer.Flush()
}
