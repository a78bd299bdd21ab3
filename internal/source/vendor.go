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


package source

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
)

// The frame delivery part of a camera vendor's plugin
type Plugin interface {
	FrameSize() (nx, ny int)

	// Copies the next frame into buf. Returns ErrNotReady while the frame is still
	// being acquired and ErrNoMoreFrames once the exposure is complete
	GetNextFrame(buf []float32) error
}

// Pulls frames from a vendor plugin, retrying with exponential backoff while a
// frame is not ready yet
type VendorPull struct {
	Plugin    Plugin
	Frames    int
	Timeout   time.Duration // for a single frame
	MaxPoll   time.Duration // longest wait between polls
	delivered int
}

func NewVendorPull(p Plugin, frames int) *VendorPull {
	return &VendorPull{Plugin: p, Frames: frames, Timeout: 10 * time.Second, MaxPoll: 250 * time.Millisecond}
}

func (v *VendorPull) Size() (nx, ny int) { return v.Plugin.FrameSize() }

func (v *VendorPull) NumFrames() int { return v.Frames }

func (v *VendorPull) NextFrame(dst []float32) ([]float32, error) {
	if v.Frames > 0 && v.delivered >= v.Frames {
		return nil, ErrNoMoreFrames
	}
	nx, ny := v.Size()
	if len(dst) < nx*ny {
		dst = make([]float32, nx*ny)
	}
	dst = dst[:nx*ny]

	// backoff retries on any error, so a final error is carried outside
	var final error
	notReady := false
	op := func() error {
		err := v.Plugin.GetNextFrame(dst)
		if errors.Is(err, ErrNotReady) {
			notReady = true
			return err
		}
		notReady, final = false, err
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         v.MaxPoll,
		MaxElapsedTime:      v.Timeout,
		Clock:               backoff.SystemClock})
	if notReady {
		return nil, fmt.Errorf("frame %d: %w after %s", v.delivered, ErrNotReady, v.Timeout)
	}
	if err == nil {
		err = final
	}
	if err != nil {
		return nil, err
	}
	v.delivered++
	return dst, nil
}

// Closes the plugin if it holds resources
func (v *VendorPull) Close() error {
	if c, ok := v.Plugin.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Presents a frame source as a camera plugin, e.g. for simulated acquisitions.
// Each frame becomes ready one interval after the previous one
type SourcePlugin struct {
	Src      FrameSource
	Interval time.Duration
	ready    time.Time
	now      func() time.Time
}

func NewSourcePlugin(src FrameSource, interval time.Duration) *SourcePlugin {
	return &SourcePlugin{Src: src, Interval: interval, now: time.Now}
}

func (p *SourcePlugin) FrameSize() (nx, ny int) { return p.Src.Size() }

func (p *SourcePlugin) GetNextFrame(buf []float32) error {
	now := p.now()
	if p.ready.IsZero() {
		p.ready = now.Add(p.Interval)
	}
	if now.Before(p.ready) {
		return ErrNotReady
	}
	p.ready = p.ready.Add(p.Interval)
	data, err := p.Src.NextFrame(buf)
	if err != nil {
		return err
	}
	if len(data) != len(buf) {
		return fmt.Errorf("source frame of %d pixels for a buffer of %d", len(data), len(buf))
	}
	if &data[0] != &buf[0] {
		copy(buf, data)
	}
	return nil
}

func (p *SourcePlugin) Close() error { return p.Src.Close() }
