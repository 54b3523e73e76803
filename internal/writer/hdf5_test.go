package writer

import (
	"errors"
	"path/filepath"
	"testing"

	"gonum.org/v1/hdf5"

	"github.com/cfel-sfx/om/internal/geom"
	"github.com/cfel-sfx/om/internal/peakfinder"
)

func testPeaks() *peakfinder.PeakList {
	return &peakfinder.PeakList{
		NumPeaks:          2,
		FS:                []float32{10.5, 20},
		SS:                []float32{11.5, 21},
		Intensity:         []float32{5000, 300},
		NumPixels:         []uint32{3, 1},
		MaxPixelIntensity: []float32{2500, 300},
		SNR:               []float32{40, 8},
	}
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Config{
		Directory:   dir,
		Rank:        2,
		Rows:        8,
		Cols:        8,
		MaxNumPeaks: 16,
	})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if w.Path() != filepath.Join(dir, "processed_2.h5") {
		t.Errorf("output path %q", w.Path())
	}

	frame := geom.NewFrame(8, 8)
	frame.Set(3, 3, 123)
	for i := 0; i < 2; i++ {
		err := w.WriteFrame(&FrameRecord{
			Frame:            frame,
			Peaks:            testPeaks(),
			Timestamp:        1000.5 + float64(i),
			BeamEnergy:       9300,
			DetectorDistance: 120,
			PixelSize:        75e-6,
			EventID:          "run1.h5 // 0001",
		})
		if err != nil {
			t.Fatalf("WriteFrame %d: %v", i, err)
		}
	}
	if w.NumFrames() != 2 {
		t.Errorf("NumFrames = %d, want 2", w.NumFrames())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// reopen and check the frame stack grew along the first axis
	f, err := hdf5.OpenFile(w.Path(), hdf5.F_ACC_RDONLY)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f.Close()
	dset, err := f.OpenDataset("entry/data/data")
	if err != nil {
		t.Fatalf("open frame dataset: %v", err)
	}
	defer dset.Close()
	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil {
		t.Fatalf("dims: %v", err)
	}
	if len(dims) != 3 || dims[0] != 2 || dims[1] != 8 || dims[2] != 8 {
		t.Errorf("frame dataset dims = %v, want [2 8 8]", dims)
	}

	npeaks, err := f.OpenDataset("entry/result_1/nPeaks")
	if err != nil {
		t.Fatalf("open nPeaks: %v", err)
	}
	defer npeaks.Close()
	counts := make([]int64, 2)
	if err := npeaks.Read(&counts); err != nil {
		t.Fatalf("read nPeaks: %v", err)
	}
	if counts[0] != 2 || counts[1] != 2 {
		t.Errorf("nPeaks = %v, want [2 2]", counts)
	}
}

func TestWriterRejectsWrongShape(t *testing.T) {
	w, err := NewWriter(Config{Directory: t.TempDir(), Rank: 1, Rows: 4, Cols: 4, MaxNumPeaks: 4})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()
	err = w.WriteFrame(&FrameRecord{Frame: geom.NewFrame(2, 2), Peaks: &peakfinder.PeakList{}})
	if !errors.Is(err, ErrWriter) {
		t.Fatalf("expected ErrWriter, got %v", err)
	}
}

func TestWriterConfigValidation(t *testing.T) {
	if _, err := NewWriter(Config{Directory: t.TempDir(), Rows: 0, Cols: 4}); !errors.Is(err, ErrWriter) {
		t.Fatalf("zero rows should fail, got %v", err)
	}
}
