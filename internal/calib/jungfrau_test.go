package calib

import (
	"errors"
	"testing"

	"github.com/cfel-sfx/om/internal/geom"
)

// tinyConstants builds single-panel constants with uniform values per stage.
func tinyConstants(dark [3]float32, gain [3]float64) *Constants {
	c := NewConstants(1)
	for g := 0; g < 3; g++ {
		for i := range c.Dark[g] {
			c.Dark[g][i] = dark[g]
			c.Gain[g][i] = gain[g]
		}
	}
	return c
}

func TestGainStagePartition(t *testing.T) {
	// every possible raw value belongs to exactly one stage
	counts := [3]int{}
	for v := 0; v <= 0xffff; v++ {
		counts[GainStage(uint16(v))]++
	}
	if counts[0]+counts[1]+counts[2] != 0x10000 {
		t.Fatalf("stages do not partition the value space: %v", counts)
	}
	if counts[0] != 0x4000 || counts[1] != 0x4000 || counts[2] != 0x8000 {
		t.Errorf("unexpected partition sizes: %v", counts)
	}

	if GainStage(0x0123) != 0 {
		t.Error("both bits clear should be stage 0")
	}
	if GainStage(0x4000|100) != 1 {
		t.Error("bit 14 set, bit 15 clear should be stage 1")
	}
	if GainStage(0x8000|100) != 2 || GainStage(0xc000|100) != 2 {
		t.Error("bit 15 set should be stage 2")
	}
}

func TestApplyGain0Pixel(t *testing.T) {
	// raw=1500, dark0=500, gain0=2.0, E=10 keV -> (1500-500)/(2*10) = 50
	cal, err := New(tinyConstants([3]float32{500, 0, 0}, [3]float64{2, 1, 1}), 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw := make([]uint16, PanelRows*PanelCols)
	raw[0] = 1500
	out := geom.NewFrame(PanelRows, PanelCols)
	if err := cal.Apply(raw, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Data[0] != 50 {
		t.Errorf("calibrated = %v, want 50", out.Data[0])
	}
}

func TestApplyGain2Pixel(t *testing.T) {
	// raw = 0x8000|4000, dark2=200, gain2=1.0, E=8 keV -> (4000-200)/8 = 475
	cal, err := New(tinyConstants([3]float32{0, 0, 200}, [3]float64{1, 1, 1}), 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw := make([]uint16, PanelRows*PanelCols)
	raw[7] = 0x8000 | 4000
	out := geom.NewFrame(PanelRows, PanelCols)
	if err := cal.Apply(raw, out); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.Data[7] != 475 {
		t.Errorf("calibrated = %v, want 475", out.Data[7])
	}
}

func TestApplyShapeChecks(t *testing.T) {
	cal, err := New(tinyConstants([3]float32{}, [3]float64{1, 1, 1}), 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := geom.NewFrame(PanelRows, PanelCols)
	if err := cal.Apply(make([]uint16, 10), out); !errors.Is(err, ErrCalibration) {
		t.Errorf("short raw frame should fail, got %v", err)
	}
	small := geom.NewFrame(2, 2)
	if err := cal.Apply(make([]uint16, PanelRows*PanelCols), small); !errors.Is(err, ErrCalibration) {
		t.Errorf("wrong output shape should fail, got %v", err)
	}
}

func TestNewRejectsBadInputs(t *testing.T) {
	if _, err := New(nil, 10); !errors.Is(err, ErrCalibration) {
		t.Errorf("nil constants should fail, got %v", err)
	}
	if _, err := New(tinyConstants([3]float32{}, [3]float64{1, 1, 1}), 0); !errors.Is(err, ErrCalibration) {
		t.Errorf("zero photon energy should fail, got %v", err)
	}
	broken := NewConstants(1)
	broken.Dark[1] = broken.Dark[1][:10]
	if _, err := New(broken, 10); !errors.Is(err, ErrCalibration) {
		t.Errorf("malformed constants should fail, got %v", err)
	}
}

func TestDarkAverage(t *testing.T) {
	d := NewDarkAverage(1, 4)
	// two frames in stage 0 for pixel 0, two stage-2 frames for pixel 1
	if err := d.Add([]uint16{100, 0x8000 | 300, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := d.Add([]uint16{200, 0x8000 | 500, 0, 0}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	offsets := d.Offsets()
	if offsets[0][0] != 150 {
		t.Errorf("stage-0 offset = %v, want 150", offsets[0][0])
	}
	if offsets[2][1] != 400 {
		t.Errorf("stage-2 offset = %v, want 400", offsets[2][1])
	}
	if offsets[1][0] != 0 {
		t.Errorf("unobserved stage should stay 0, got %v", offsets[1][0])
	}
}
