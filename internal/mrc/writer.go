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
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrBackupExists = errors.New("backup file already exists")
	ErrAsyncPending = errors.New("asynchronous save still pending")
)

// Options for opening a stack for writing
type WriterOptions struct {
	Mode               Mode    `json:"mode"`
	MaxSectionsPerFile int     `json:"maxSectionsPerFile"` // 0 for unlimited
	PixelSize          float32 `json:"pixelSize"`          // Angstrom
	Label              string  `json:"label"`
}

// Returns the stack file name for a capture. EER captures are written by the camera as .eer
func StackFileName(dir, root string, eer bool) string {
	ext := ".mrc"
	if eer {
		ext = ".eer"
	}
	return filepath.Join(dir, root+ext)
}

// Moves an existing file of the given name to its backup name with a ~ suffix.
// Fails if a backup already exists, so nothing is ever overwritten twice.
func BackupExisting(fileName string) error {
	if _, err := os.Stat(fileName); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return err
	}
	backup := fileName + "~"
	if _, err := os.Stat(backup); err == nil {
		return fmt.Errorf("%s: %w", backup, ErrBackupExists)
	}
	return os.Rename(fileName, backup)
}

// Writes sections to an MRC stack, rolling over to numbered files once the maximum
// number of sections per file is reached. Appends happen either synchronously or as
// a single pending asynchronous save.
type Writer struct {
	opts      WriterOptions
	base      string // file name without extension
	fileIndex int
	fileNames []string

	mutex  sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	header Header
	encBuf []byte
	sumSq  float64
	sum    float64

	pending chan error
	closed  bool
}

// Creates a stack at fileName, backing up an existing file of that name first
func Create(fileName string, opts WriterOptions) (*Writer, error) {
	if _, err := opts.Mode.SectionBytes(1, 1); err != nil {
		return nil, err
	}
	if err := BackupExisting(fileName); err != nil {
		return nil, err
	}
	w := &Writer{opts: opts, base: strings.TrimSuffix(fileName, filepath.Ext(fileName))}
	if err := w.open(fileName); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open(fileName string) error {
	f, err := os.Create(fileName)
	if err != nil {
		return err
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, 1<<20)
	w.header = Header{}
	w.sum, w.sumSq = 0, 0
	w.fileNames = append(w.fileNames, fileName)
	// header is rewritten on close, reserve its space
	_, err = w.buf.Write(make([]byte, HeaderSize))
	return err
}

// Names of all files written so far
func (w *Writer) FileNames() []string { return append([]string(nil), w.fileNames...) }

// Number of sections in the current file
func (w *Writer) Sections() int { return int(w.header.Nz) }

// File and zero-based index within that file of the section appended last.
// Index is -1 before the first append
func (w *Writer) LastSection() (fileName string, index int) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.fileNames[len(w.fileNames)-1], int(w.header.Nz) - 1
}

// Appends one section of nx*ny pixels synchronously. Fails while an asynchronous save is pending
func (w *Writer) AppendImage(data []float32, nx, ny int) error {
	if w.pending != nil {
		return ErrAsyncPending
	}
	return w.append(data, nx, ny)
}

// Starts an asynchronous append. The caller must not modify data until
// CheckAsyncComplete reports completion
func (w *Writer) StartAsyncAppend(data []float32, nx, ny int) error {
	if w.pending != nil {
		return ErrAsyncPending
	}
	ch := make(chan error, 1)
	w.pending = ch
	go func() { ch <- w.append(data, nx, ny) }()
	return nil
}

// Polls the pending asynchronous save. Returns done=true and the save's error once it finished
func (w *Writer) CheckAsyncComplete() (done bool, err error) {
	if w.pending == nil {
		return true, nil
	}
	select {
	case err = <-w.pending:
		w.pending = nil
		return true, err
	default:
		return false, nil
	}
}

// Waits for a pending asynchronous save up to the given timeout
func (w *Writer) WaitAsync(timeout time.Duration) error {
	if w.pending == nil {
		return nil
	}
	select {
	case err := <-w.pending:
		w.pending = nil
		return err
	case <-time.After(timeout):
		return fmt.Errorf("%w after %s", ErrAsyncPending, timeout)
	}
}

// Returns true if an asynchronous save has not been collected yet
func (w *Writer) AsyncPending() bool { return w.pending != nil }

func (w *Writer) append(data []float32, nx, ny int) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return errors.New("append to closed MRC writer")
	}
	if len(data) < nx*ny {
		return fmt.Errorf("section has %d pixels, want %dx%d", len(data), nx, ny)
	}
	if w.header.Nz > 0 && (int(w.header.Nx) != nx || int(w.header.Ny) != ny) {
		return fmt.Errorf("section size %dx%d differs from stack size %dx%d", nx, ny, w.header.Nx, w.header.Ny)
	}
	if w.opts.MaxSectionsPerFile > 0 && int(w.header.Nz) >= w.opts.MaxSectionsPerFile {
		if err := w.finishFile(); err != nil {
			return err
		}
		w.fileIndex++
		name := fmt.Sprintf("%s_%03d.mrc", w.base, w.fileIndex+1)
		if err := BackupExisting(name); err != nil {
			return err
		}
		if err := w.open(name); err != nil {
			return err
		}
	}
	if w.header.Nz == 0 {
		w.header = NewHeader(nx, ny, w.opts.Mode, w.opts.PixelSize)
		w.header.Dmin, w.header.Dmax = math.MaxFloat32, -math.MaxFloat32
		if w.opts.Label != "" {
			w.header.AddLabel(w.opts.Label)
		}
	}

	n, err := w.opts.Mode.SectionBytes(nx, ny)
	if err != nil {
		return err
	}
	if len(w.encBuf) < n {
		w.encBuf = make([]byte, n)
	}
	section := data[:nx*ny]
	encode(w.encBuf[:n], section, nx, w.opts.Mode)
	if _, err := w.buf.Write(w.encBuf[:n]); err != nil {
		return err
	}
	for _, v := range section {
		if v < w.header.Dmin {
			w.header.Dmin = v
		}
		if v > w.header.Dmax {
			w.header.Dmax = v
		}
		w.sum += float64(v)
		w.sumSq += float64(v) * float64(v)
	}
	w.header.Nz++
	w.header.Mz = w.header.Nz
	return nil
}

// Flushes data and rewrites the header of the current file
func (w *Writer) finishFile() error {
	if w.file == nil {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if w.header.Nz > 0 {
		cnt := float64(w.header.Nz) * float64(w.header.Nx) * float64(w.header.Ny)
		mean := w.sum / cnt
		w.header.Dmean = float32(mean)
		w.header.Rms = float32(math.Sqrt(math.Max(w.sumSq/cnt-mean*mean, 0)))
		w.header.CellZ = w.header.CellX / float32(w.header.Mx) * float32(w.header.Nz)
	}
	hdr, err := w.header.MarshalBinary()
	if err != nil {
		w.file.Close()
		return err
	}
	if _, err := w.file.WriteAt(hdr, 0); err != nil {
		w.file.Close()
		return err
	}
	err = w.file.Close()
	w.file = nil
	return err
}

// Waits for any pending save, then finalizes headers and closes the stack
func (w *Writer) Close() error {
	var asyncErr error
	if w.pending != nil {
		asyncErr = <-w.pending
		w.pending = nil
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.closed {
		return asyncErr
	}
	w.closed = true
	if err := w.finishFile(); err != nil {
		return err
	}
	return asyncErr
}
