package peakfinder

import (
	"errors"
	"testing"

	"github.com/cfel-sfx/om/internal/geom"
)

func singlePanel(n int) Layout {
	return Layout{AsicNX: n, AsicNY: n, NAsicsX: 1, NAsicsY: 1}
}

func defaultParams() Params {
	return Params{
		ADCThresh:     100,
		MinSNR:        5,
		MinPixCount:   1,
		MaxPixCount:   10,
		LocalBGRadius: 3,
		MaxNumPeaks:   2048,
	}
}

func centeredSetup(t *testing.T, layout Layout) (*geom.Frame, *geom.BadPixelMap, *geom.RadiusMap) {
	t.Helper()
	rows, cols := layout.Rows(), layout.Cols()
	frame := geom.NewFrame(rows, cols)
	mask := geom.NewBadPixelMap(rows, cols)
	rmap := geom.CenteredRadiusMap(rows, cols, float64(rows)/2, float64(cols)/2)
	return frame, mask, rmap
}

// Scenario: a single synthetic hot pixel must be reported as exactly one
// peak at its own coordinates.
func TestSingleHotPixel(t *testing.T) {
	layout := singlePanel(1024)
	frame, mask, rmap := centeredSetup(t, layout)
	frame.Set(512, 512, 10000)

	params := defaultParams()
	params.ADCThresh = 1000
	finder, err := NewFinder(layout, params)
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	if peaks.NumPeaks != 1 {
		t.Fatalf("NumPeaks = %d, want 1", peaks.NumPeaks)
	}
	if peaks.FS[0] != 512 || peaks.SS[0] != 512 {
		t.Errorf("peak at (fs=%v, ss=%v), want (512, 512)", peaks.FS[0], peaks.SS[0])
	}
	if peaks.NumPixels[0] != 1 {
		t.Errorf("NumPixels = %d, want 1", peaks.NumPixels[0])
	}
	if peaks.MaxPixelIntensity[0] != 10000 {
		t.Errorf("MaxPixelIntensity = %v, want 10000", peaks.MaxPixelIntensity[0])
	}
}

func TestDeterminism(t *testing.T) {
	layout := singlePanel(128)
	frame, mask, rmap := centeredSetup(t, layout)
	// a scattering of hot pixels plus a faint slope
	for i := range frame.Data {
		frame.Data[i] = float32(i%7) * 0.5
	}
	for _, p := range [][2]int{{10, 20}, {40, 41}, {90, 15}, {100, 100}} {
		frame.Set(p[0], p[1], 5000)
	}

	finder, err := NewFinder(layout, defaultParams())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	first, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	// copy before the finder reuses its buffers
	fs := append([]float32(nil), first.FS...)
	ss := append([]float32(nil), first.SS...)
	intensity := append([]float32(nil), first.Intensity...)
	n := first.NumPeaks

	second, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks (second): %v", err)
	}
	if second.NumPeaks != n {
		t.Fatalf("NumPeaks differs between runs: %d vs %d", n, second.NumPeaks)
	}
	for i := 0; i < n; i++ {
		if second.FS[i] != fs[i] || second.SS[i] != ss[i] || second.Intensity[i] != intensity[i] {
			t.Fatalf("peak %d differs between runs", i)
		}
	}
}

func TestMaxNumPeaksBound(t *testing.T) {
	layout := singlePanel(128)
	frame, mask, rmap := centeredSetup(t, layout)
	for ss := 8; ss < 120; ss += 16 {
		for fs := 8; fs < 120; fs += 16 {
			frame.Set(ss, fs, 9000)
		}
	}

	params := defaultParams()
	params.MaxNumPeaks = 3
	finder, err := NewFinder(layout, params)
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	if peaks.NumPeaks != 3 {
		t.Fatalf("NumPeaks = %d, want 3", peaks.NumPeaks)
	}
	if len(peaks.FS) != 3 || len(peaks.SNR) != 3 {
		t.Fatalf("peak slices not truncated to the bound")
	}
	// insertion order is row-major: the first kept peaks are the top row
	if peaks.SS[0] != 8 || peaks.SS[1] != 8 || peaks.SS[2] != 8 {
		t.Errorf("truncation did not keep insertion order: ss = %v", peaks.SS[:3])
	}
}

func TestMaskedPixelIgnored(t *testing.T) {
	layout := singlePanel(128)
	frame, mask, rmap := centeredSetup(t, layout)
	frame.Set(30, 30, 9000)
	frame.Set(80, 80, 9000)
	mask.Data[30*128+30] = 0

	finder, err := NewFinder(layout, defaultParams())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	if peaks.NumPeaks != 1 {
		t.Fatalf("NumPeaks = %d, want 1 (masked peak must be dropped)", peaks.NumPeaks)
	}
	if peaks.FS[0] != 80 || peaks.SS[0] != 80 {
		t.Errorf("surviving peak at (%v, %v), want (80, 80)", peaks.FS[0], peaks.SS[0])
	}
}

func TestBlockCentroid(t *testing.T) {
	layout := singlePanel(64)
	frame, mask, rmap := centeredSetup(t, layout)
	for _, p := range [][2]int{{10, 10}, {10, 11}, {11, 10}, {11, 11}} {
		frame.Set(p[0], p[1], 1000)
	}

	finder, err := NewFinder(layout, defaultParams())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	if peaks.NumPeaks != 1 {
		t.Fatalf("NumPeaks = %d, want 1", peaks.NumPeaks)
	}
	if peaks.NumPixels[0] != 4 {
		t.Errorf("NumPixels = %d, want 4", peaks.NumPixels[0])
	}
	if peaks.FS[0] != 10.5 || peaks.SS[0] != 10.5 {
		t.Errorf("centroid (%v, %v), want (10.5, 10.5)", peaks.FS[0], peaks.SS[0])
	}
	if peaks.Intensity[0] != 4000 {
		t.Errorf("Intensity = %v, want 4000", peaks.Intensity[0])
	}
}

func TestPixelCountWindow(t *testing.T) {
	layout := singlePanel(64)
	frame, mask, rmap := centeredSetup(t, layout)
	// a 3-pixel run, rejected when max_pix_count is 2
	frame.Set(20, 20, 2000)
	frame.Set(20, 21, 2000)
	frame.Set(20, 22, 2000)

	params := defaultParams()
	params.MaxPixCount = 2
	finder, err := NewFinder(layout, params)
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	if peaks.NumPeaks != 0 {
		t.Fatalf("NumPeaks = %d, want 0 (component larger than max_pix_count)", peaks.NumPeaks)
	}
}

// Components never straddle a panel boundary: two touching hot pixels in
// adjacent panels are two separate peaks.
func TestPanelsAreIndependent(t *testing.T) {
	layout := Layout{AsicNX: 64, AsicNY: 64, NAsicsX: 2, NAsicsY: 1}
	rows, cols := layout.Rows(), layout.Cols()
	frame := geom.NewFrame(rows, cols)
	mask := geom.NewBadPixelMap(rows, cols)
	rmap := geom.CenteredRadiusMap(rows, cols, float64(rows)/2, float64(cols)/2)
	frame.Set(32, 63, 5000) // last column of panel 0
	frame.Set(32, 64, 5000) // first column of panel 1

	finder, err := NewFinder(layout, defaultParams())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	if peaks.NumPeaks != 2 {
		t.Fatalf("NumPeaks = %d, want 2 (one per panel)", peaks.NumPeaks)
	}
	if peaks.FS[0] != 63 || peaks.FS[1] != 64 {
		t.Errorf("peaks at fs %v and %v, want 63 and 64", peaks.FS[0], peaks.FS[1])
	}
}

func TestPeaksStayInsideFrame(t *testing.T) {
	layout := singlePanel(64)
	frame, mask, rmap := centeredSetup(t, layout)
	frame.Set(0, 0, 8000)
	frame.Set(63, 63, 8000)

	finder, err := NewFinder(layout, defaultParams())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	peaks, err := finder.FindPeaks(frame, mask, rmap)
	if err != nil {
		t.Fatalf("FindPeaks: %v", err)
	}
	for i := 0; i < peaks.NumPeaks; i++ {
		if peaks.FS[i] < 0 || peaks.FS[i] >= 64 || peaks.SS[i] < 0 || peaks.SS[i] >= 64 {
			t.Errorf("peak %d at (%v, %v) outside frame", i, peaks.FS[i], peaks.SS[i])
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	finder, err := NewFinder(singlePanel(64), defaultParams())
	if err != nil {
		t.Fatalf("NewFinder: %v", err)
	}
	frame := geom.NewFrame(32, 32)
	mask := geom.NewBadPixelMap(64, 64)
	rmap := geom.CenteredRadiusMap(64, 64, 32, 32)
	if _, err := finder.FindPeaks(frame, mask, rmap); !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestFinderValidation(t *testing.T) {
	if _, err := NewFinder(Layout{}, defaultParams()); err == nil {
		t.Error("zero layout should be rejected")
	}
	p := defaultParams()
	p.MaxNumPeaks = 0
	if _, err := NewFinder(singlePanel(8), p); err == nil {
		t.Error("zero max_num_peaks should be rejected")
	}
	p = defaultParams()
	p.MinPixCount = 5
	p.MaxPixCount = 2
	if _, err := NewFinder(singlePanel(8), p); err == nil {
		t.Error("inverted pixel-count window should be rejected")
	}
}
