package calib

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/hdf5"
)

// LoadConstants reads the calibration constants for a Jungfrau 1M detector.
// One dark file and one gain file are expected per panel. Dark files are
// HDF5 with one float32 dataset per gain stage (gain0, gain1, gain2), each
// of shape (512, 1024). Gain files are raw little-endian float64 streams
// holding the three stages back to back.
//
// Any unreadable or short file fails the whole load; the caller never sees
// partially initialized constants.
func LoadConstants(darkFilenames, gainFilenames []string) (*Constants, error) {
	if len(darkFilenames) == 0 || len(darkFilenames) != len(gainFilenames) {
		return nil, fmt.Errorf("%w: need one dark and one gain file per panel (got %d dark, %d gain)",
			ErrCalibration, len(darkFilenames), len(gainFilenames))
	}
	c := NewConstants(len(darkFilenames))
	for panel := range darkFilenames {
		if err := loadPanelDark(c, panel, darkFilenames[panel]); err != nil {
			return nil, err
		}
		if err := loadPanelGain(c, panel, gainFilenames[panel]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func loadPanelDark(c *Constants, panel int, path string) error {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return fmt.Errorf("%w: cannot open dark file %s: %v", ErrCalibration, path, err)
	}
	defer f.Close()

	for g := 0; g < 3; g++ {
		dset, err := f.OpenDataset(fmt.Sprintf("gain%d", g))
		if err != nil {
			return fmt.Errorf("%w: dark file %s has no gain%d dataset: %v", ErrCalibration, path, g, err)
		}
		block := make([]float32, PanelRows*PanelCols)
		err = dset.Read(&block)
		dset.Close()
		if err != nil {
			return fmt.Errorf("%w: cannot read gain%d from dark file %s: %v", ErrCalibration, g, path, err)
		}
		copy(c.Dark[g][panel*PanelRows*PanelCols:], block)
	}
	return nil
}

func loadPanelGain(c *Constants, panel int, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: cannot read gain file %s: %v", ErrCalibration, path, err)
	}
	want := 3 * PanelRows * PanelCols * 8
	if len(raw) < want {
		return fmt.Errorf("%w: gain file %s has %d bytes, want %d", ErrCalibration, path, len(raw), want)
	}
	off := 0
	for g := 0; g < 3; g++ {
		dst := c.Gain[g][panel*PanelRows*PanelCols:]
		for i := 0; i < PanelRows*PanelCols; i++ {
			dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[off:]))
			off += 8
		}
	}
	return nil
}

// DarkAverage accumulates raw dark-run frames and produces per-stage dark
// offsets. Frames are attributed to the gain stage encoded in each pixel, so
// a run that cycles the detector through its stages yields all three
// offsets.
type DarkAverage struct {
	rows, cols int
	sum        [3][]float64
	count      [3][]uint32
}

// NewDarkAverage creates an accumulator for frames of the given shape.
func NewDarkAverage(rows, cols int) *DarkAverage {
	d := &DarkAverage{rows: rows, cols: cols}
	for g := 0; g < 3; g++ {
		d.sum[g] = make([]float64, rows*cols)
		d.count[g] = make([]uint32, rows*cols)
	}
	return d
}

// Add accumulates one raw dark frame.
func (d *DarkAverage) Add(raw []uint16) error {
	if len(raw) != d.rows*d.cols {
		return fmt.Errorf("%w: dark frame has %d pixels, want %d", ErrCalibration, len(raw), d.rows*d.cols)
	}
	for i, v := range raw {
		g := GainStage(v)
		d.sum[g][i] += float64(v & adcMask)
		d.count[g][i]++
	}
	return nil
}

// Offsets returns the per-stage mean dark values. Pixels never observed in a
// stage read as zero.
func (d *DarkAverage) Offsets() [3][]float32 {
	var out [3][]float32
	for g := 0; g < 3; g++ {
		out[g] = make([]float32, d.rows*d.cols)
		for i := range out[g] {
			if n := d.count[g][i]; n > 0 {
				out[g][i] = float32(d.sum[g][i] / float64(n))
			}
		}
	}
	return out
}
