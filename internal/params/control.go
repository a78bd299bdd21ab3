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


package params

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/mlnoga/framestack/internal/mrc"
	"github.com/mlnoga/framestack/internal/schedule"
)

// Camera geometry and capabilities
type CameraParameters struct {
	Name            string  `json:"name"            yaml:"name"`
	SizeX           int     `json:"sizeX"           yaml:"sizeX"` // physical sensor size in pixels
	SizeY           int     `json:"sizeY"           yaml:"sizeY"`
	PixelSize       float32 `json:"pixelSize"       yaml:"pixelSize"` // angstrom per physical pixel
	ReadoutInterval float64 `json:"readoutInterval" yaml:"readoutInterval"` // seconds per sub-frame
	SuperResFactor  int     `json:"superResFactor"  yaml:"superResFactor"`  // linear expansion in super-resolution mode
	EER             bool    `json:"eer"             yaml:"eer"`
	EERFactor       int     `json:"eerFactor"       yaml:"eerFactor"` // linear EER oversampling: 1, 2 or 4
	// Vendor software applies gain and dark references before frames arrive
	VendorNormalizes   bool    `json:"vendorNormalizes"   yaml:"vendorNormalizes"`
	AligningInServer   bool    `json:"aligningInServer"   yaml:"aligningInServer"`
	AlignFraction      int     `json:"alignFraction"      yaml:"alignFraction"`
	GainRef            string  `json:"gainRef"            yaml:"gainRef"`
	DarkRef            string  `json:"darkRef"            yaml:"darkRef"`
	DefectFile         string  `json:"defectFile"         yaml:"defectFile"`
	MaxSectionsPerFile int     `json:"maxSectionsPerFile" yaml:"maxSectionsPerFile"`
	GpuMemory          float64 `json:"gpuMemory"          yaml:"gpuMemory"` // bytes, 0 without GPU
	BytesPerPixel      int     `json:"bytesPerPixel"      yaml:"bytesPerPixel"`
}

// Returns parameters for a 4k sensor at 40 frames per second
func NewCameraParametersDefault() *CameraParameters {
	return &CameraParameters{
		Name:            "default",
		SizeX:           4096,
		SizeY:           4096,
		PixelSize:       1,
		ReadoutInterval: 0.04,
		SuperResFactor:  1,
		EERFactor:       1,
		BytesPerPixel:   2,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (c *CameraParameters) UnmarshalJSON(data []byte) error {
	type defaults CameraParameters
	def := defaults(*NewCameraParametersDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*c = CameraParameters(def)
	return nil
}

// Linear expansion of delivered frames over the physical sensor
func (c *CameraParameters) Expansion() int {
	if c.EER {
		if c.EERFactor > 1 {
			return c.EERFactor
		}
		return 1
	}
	if c.SuperResFactor > 1 {
		return c.SuperResFactor
	}
	return 1
}

// Scheduling options implied by the camera
func (c *CameraParameters) ScheduleOptions() schedule.Options {
	return schedule.Options{AligningInServer: c.AligningInServer, AlignFraction: c.AlignFraction}
}

// Acquisition settings of one capture
type ControlSet struct {
	Binning  int     `json:"binning"  yaml:"binning"` // in physical pixels
	Left     int     `json:"left"     yaml:"left"`    // crop rectangle in physical pixels, all 0 for full frame
	Top      int     `json:"top"      yaml:"top"`
	Right    int     `json:"right"    yaml:"right"`
	Bottom   int     `json:"bottom"   yaml:"bottom"`
	Exposure float64 `json:"exposure" yaml:"exposure"` // seconds

	SaveFrames     bool `json:"saveFrames"     yaml:"saveFrames"`
	AlignFrames    bool `json:"alignFrames"    yaml:"alignFrames"`
	AlignInProcess bool `json:"alignInProcess" yaml:"alignInProcess"` // otherwise a command file is written for offline alignment
	FaParamSetInd  int  `json:"faParamSetInd"  yaml:"faParamSetInd"`  // -1 for the continuous-mode default

	SumSchedule  schedule.Schedule `json:"sumSchedule"  yaml:"sumSchedule"`
	FrameFrac    []float64         `json:"frameFrac"    yaml:"frameFrac"`
	SubframeFrac []float64         `json:"subframeFrac" yaml:"subframeFrac"`
	SkipBefore   int               `json:"skipBefore"   yaml:"skipBefore"`
	SkipAfter    int               `json:"skipAfter"    yaml:"skipAfter"`

	SaveMode     mrc.Mode `json:"saveMode"     yaml:"saveMode"`
	RotateFlip   int      `json:"rotateFlip"   yaml:"rotateFlip"`   // 0-3 rotate by 90 degrees ccw, +4 flip Y first
	DivideByPow2 int      `json:"divideByPow2" yaml:"divideByPow2"` // legacy unnormalized sums are divided by 2^n
	Async        bool     `json:"async"        yaml:"async"`
}

// Returns a control set saving one frame per readout for one second
func NewControlSetDefault() *ControlSet {
	return &ControlSet{
		Binning:       1,
		Exposure:      1,
		SaveFrames:    true,
		FaParamSetInd: 0,
		FrameFrac:     []float64{1},
		SubframeFrac:  []float64{1},
		SaveMode:      mrc.ModeInt16,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (cs *ControlSet) UnmarshalJSON(data []byte) error {
	type defaults ControlSet
	def := defaults(*NewControlSetDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*cs = ControlSet(def)
	return nil
}

// Size of the crop rectangle in physical pixels
func (cs *ControlSet) CropSize(cam *CameraParameters) (w, h int) {
	if cs.Right <= cs.Left || cs.Bottom <= cs.Top {
		return cam.SizeX, cam.SizeY
	}
	return cs.Right - cs.Left, cs.Bottom - cs.Top
}

// Size of the frames delivered by the camera, after expansion, crop and binning
func (cs *ControlSet) FrameSize(cam *CameraParameters) (nx, ny int) {
	w, h := cs.CropSize(cam)
	bin := cs.Binning
	if bin < 1 {
		bin = 1
	}
	f := cam.Expansion()
	return w * f / bin, h * f / bin
}

// Validates the settings against the camera
func (cs *ControlSet) Validate(cam *CameraParameters) error {
	if cs.Binning < 1 {
		return fmt.Errorf("binning %d must be at least 1", cs.Binning)
	}
	if cs.Exposure <= 0 {
		return fmt.Errorf("exposure %g must be positive", cs.Exposure)
	}
	if cam.ReadoutInterval <= 0 {
		return fmt.Errorf("readout interval %g must be positive", cam.ReadoutInterval)
	}
	if cs.Right > cs.Left && (cs.Left < 0 || cs.Top < 0 || cs.Right > cam.SizeX || cs.Bottom > cam.SizeY) {
		return fmt.Errorf("crop rectangle %d,%d-%d,%d outside %dx%d sensor",
			cs.Left, cs.Top, cs.Right, cs.Bottom, cam.SizeX, cam.SizeY)
	}
	if cs.RotateFlip < 0 || cs.RotateFlip > 7 {
		return fmt.Errorf("rotation/flip operation %d outside 0-7", cs.RotateFlip)
	}
	if cs.SkipBefore < 0 || cs.SkipAfter < 0 {
		return fmt.Errorf("negative skip counts %d, %d", cs.SkipBefore, cs.SkipAfter)
	}
	return nil
}

// Recomputes the summation schedule for the exposure and snaps the exposure
// to a whole number of readouts
func (cs *ControlSet) AdjustSchedule(cam *CameraParameters) {
	cs.SumSchedule, cs.Exposure = schedule.AdjustForExposure(cs.SumSchedule, cs.SkipBefore, cs.SkipAfter,
		cs.Exposure, cam.ReadoutInterval, cs.FrameFrac, cs.SubframeFrac, cam.ScheduleOptions())
}

// Number of readouts of the whole exposure, including skipped ones
func (cs *ControlSet) NumReadouts(cam *CameraParameters) int {
	n := int(math.Round(cs.Exposure / cam.ReadoutInterval))
	if n < 1 {
		n = 1
	}
	return n
}

// Where frames and command files go
type Paths struct {
	Directory string `json:"directory" yaml:"directory"`
	RootName  string `json:"rootName"  yaml:"rootName"`
	ComDir    string `json:"comDir"    yaml:"comDir"` // defaults to Directory
}

func (p Paths) CommandDir() string {
	if p.ComDir == "" {
		return p.Directory
	}
	return p.ComDir
}

func (p Paths) StackFile(eer bool) string { return mrc.StackFileName(p.Directory, p.RootName, eer) }
