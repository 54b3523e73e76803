// Package writer appends per-event records to per-worker HDF5 files:
// detector frames, peak lists and the per-frame scalar metadata downstream
// crystallography tools expect.
package writer

import (
	"errors"
	"fmt"
	"path/filepath"

	"gonum.org/v1/hdf5"

	"github.com/cfel-sfx/om/internal/geom"
	"github.com/cfel-sfx/om/internal/peakfinder"
)

// ErrWriter reports an output-file failure.
var ErrWriter = errors.New("frame writer error")

// Internal file layout. Peak arrays are zero-padded to the configured
// maximum number of peaks on every frame, so the seven peak datasets stay
// aligned with the frame stack.
const (
	frameDatasetPath = "entry/data/data"
	peakGroupPath    = "entry/result_1"
)

// Config configures one per-worker output file.
type Config struct {
	Directory        string
	Prefix           string // defaults to "processed"
	Extension        string // defaults to "h5"
	Rank             int
	Rows             int
	Cols             int
	MaxNumPeaks      int
	Compression      bool
	CompressionLevel int // gzip level, defaults to 4
}

// FrameRecord is everything written for one event.
type FrameRecord struct {
	Frame            *geom.Frame
	Peaks            *peakfinder.PeakList
	Timestamp        float64
	BeamEnergy       float64
	DetectorDistance float64
	PixelSize        float64
	EventID          string
}

// Writer owns one open output file. All datasets are chunked one frame at a
// time and resizable along the first axis.
type Writer struct {
	path        string
	rows, cols  int
	maxNumPeaks int

	file       *hdf5.File
	frames     *extendible
	nPeaks     *extendible
	peakFS     *extendible
	peakSS     *extendible
	peakTotal  *extendible
	peakNPix   *extendible
	peakMax    *extendible
	peakSNR    *extendible
	timestamp  *extendible
	beamEnergy *extendible
	detDist    *extendible
	pixelSize  *extendible
	eventID    *extendible

	numFrames uint
	padF32    []float32
	padI64    []int64
}

// extendible wraps one resizable dataset.
type extendible struct {
	dset *hdf5.Dataset
	tail []uint // per-record extent after the first axis
}

// NewWriter creates the output file for one processing node. The file name
// is <prefix>_<rank>.<extension> inside the configured directory; an
// existing file is overwritten.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, fmt.Errorf("%w: invalid frame shape (%d, %d)", ErrWriter, cfg.Rows, cfg.Cols)
	}
	if cfg.MaxNumPeaks <= 0 {
		cfg.MaxNumPeaks = 1024
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "processed"
	}
	if cfg.Extension == "" {
		cfg.Extension = "h5"
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = 4
	}

	path := filepath.Join(cfg.Directory, fmt.Sprintf("%s_%d.%s", cfg.Prefix, cfg.Rank, cfg.Extension))
	file, err := hdf5.CreateFile(path, hdf5.F_ACC_TRUNC)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create %s: %v", ErrWriter, path, err)
	}

	w := &Writer{
		path:        path,
		rows:        cfg.Rows,
		cols:        cfg.Cols,
		maxNumPeaks: cfg.MaxNumPeaks,
		file:        file,
		padF32:      make([]float32, cfg.MaxNumPeaks),
		padI64:      make([]int64, 1),
	}

	gzip := -1
	if cfg.Compression {
		gzip = cfg.CompressionLevel
	}

	if w.frames, err = w.createDataset(frameDatasetPath, hdf5.T_NATIVE_FLOAT,
		[]uint{uint(cfg.Rows), uint(cfg.Cols)}, gzip); err != nil {
		return nil, w.fail(err)
	}
	peakTail := []uint{uint(cfg.MaxNumPeaks)}
	if w.nPeaks, err = w.createDataset(peakGroupPath+"/nPeaks", hdf5.T_NATIVE_INT64, nil, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.peakFS, err = w.createDataset(peakGroupPath+"/peakXPosRaw", hdf5.T_NATIVE_FLOAT, peakTail, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.peakSS, err = w.createDataset(peakGroupPath+"/peakYPosRaw", hdf5.T_NATIVE_FLOAT, peakTail, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.peakTotal, err = w.createDataset(peakGroupPath+"/peakTotalIntensity", hdf5.T_NATIVE_FLOAT, peakTail, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.peakNPix, err = w.createDataset(peakGroupPath+"/peakNPixels", hdf5.T_NATIVE_FLOAT, peakTail, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.peakMax, err = w.createDataset(peakGroupPath+"/peakMaximumValue", hdf5.T_NATIVE_FLOAT, peakTail, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.peakSNR, err = w.createDataset(peakGroupPath+"/peakSNR", hdf5.T_NATIVE_FLOAT, peakTail, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.timestamp, err = w.createDataset("entry/timestamp", hdf5.T_NATIVE_DOUBLE, nil, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.beamEnergy, err = w.createDataset("entry/beam_energy", hdf5.T_NATIVE_DOUBLE, nil, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.detDist, err = w.createDataset("entry/detector_distance", hdf5.T_NATIVE_DOUBLE, nil, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.pixelSize, err = w.createDataset("entry/pixel_size", hdf5.T_NATIVE_DOUBLE, nil, gzip); err != nil {
		return nil, w.fail(err)
	}
	if w.eventID, err = w.createDataset("entry/event_id", hdf5.T_GO_STRING, nil, -1); err != nil {
		return nil, w.fail(err)
	}
	return w, nil
}

func (w *Writer) fail(err error) error {
	w.file.Close()
	return fmt.Errorf("%w: cannot lay out %s: %v", ErrWriter, w.path, err)
}

// createDataset builds one resizable chunked dataset with a zero-length
// first axis. Intermediate groups are created on demand.
func (w *Writer) createDataset(path string, dtype *hdf5.Datatype, tail []uint, gzip int) (*extendible, error) {
	dims := append([]uint{0}, tail...)
	maxdims := append([]uint{hdf5.UnlimitedDimension}, tail...)
	space, err := hdf5.CreateSimpleDataspace(dims, maxdims)
	if err != nil {
		return nil, err
	}
	defer space.Close()

	dcpl, err := hdf5.NewPropList(hdf5.P_DATASET_CREATE)
	if err != nil {
		return nil, err
	}
	defer dcpl.Close()
	chunk := append([]uint{1}, tail...)
	if err := dcpl.SetChunk(chunk); err != nil {
		return nil, err
	}
	if gzip >= 0 {
		if err := dcpl.SetDeflate(gzip); err != nil {
			return nil, err
		}
	}

	if err := w.ensureGroups(path); err != nil {
		return nil, err
	}
	dset, err := w.file.CreateDatasetWith(path, dtype, space, dcpl)
	if err != nil {
		return nil, err
	}
	return &extendible{dset: dset, tail: tail}, nil
}

// ensureGroups creates the intermediate groups of a dataset path.
func (w *Writer) ensureGroups(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	partial := ""
	for _, component := range splitPath(dir) {
		if partial == "" {
			partial = component
		} else {
			partial = partial + "/" + component
		}
		if w.file.LinkExists(partial) {
			continue
		}
		g, err := w.file.CreateGroup(partial)
		if err != nil {
			return err
		}
		g.Close()
	}
	return nil
}

func splitPath(path string) []string {
	var parts []string
	current := ""
	for _, r := range path {
		if r == '/' {
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
			continue
		}
		current += string(r)
	}
	if current != "" {
		parts = append(parts, current)
	}
	return parts
}

// appendRecord grows a dataset by one record and writes data into the new
// slot.
func (e *extendible) appendRecord(index uint, data interface{}) error {
	newDims := append([]uint{index + 1}, e.tail...)
	if err := e.dset.Resize(newDims); err != nil {
		return err
	}
	filespace := e.dset.Space()
	defer filespace.Close()
	offset := make([]uint, len(newDims))
	offset[0] = index
	count := append([]uint{1}, e.tail...)
	if err := filespace.SelectHyperslab(offset, nil, count, nil); err != nil {
		return err
	}
	memspace, err := hdf5.CreateSimpleDataspace(count, nil)
	if err != nil {
		return err
	}
	defer memspace.Close()
	return e.dset.WriteSubset(data, memspace, filespace)
}

// WriteFrame appends one event record to the file.
func (w *Writer) WriteFrame(rec *FrameRecord) error {
	if rec.Frame == nil || !rec.Frame.SameShape(w.rows, w.cols) {
		return fmt.Errorf("%w: frame does not match the configured shape (%d, %d)", ErrWriter, w.rows, w.cols)
	}
	i := w.numFrames

	if err := w.frames.appendRecord(i, &rec.Frame.Data); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}

	numPeaks := 0
	if rec.Peaks != nil {
		numPeaks = rec.Peaks.NumPeaks
		if numPeaks > w.maxNumPeaks {
			numPeaks = w.maxNumPeaks
		}
	}
	w.padI64[0] = int64(numPeaks)
	if err := w.nPeaks.appendRecord(i, &w.padI64); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}

	// every peak array is zero-padded to the full peak capacity
	writePadded := func(e *extendible, values func(j int) float32) error {
		for j := 0; j < w.maxNumPeaks; j++ {
			if j < numPeaks {
				w.padF32[j] = values(j)
			} else {
				w.padF32[j] = 0
			}
		}
		return e.appendRecord(i, &w.padF32)
	}
	p := rec.Peaks
	if err := writePadded(w.peakFS, func(j int) float32 { return p.FS[j] }); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := writePadded(w.peakSS, func(j int) float32 { return p.SS[j] }); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := writePadded(w.peakTotal, func(j int) float32 { return p.Intensity[j] }); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := writePadded(w.peakNPix, func(j int) float32 { return float32(p.NumPixels[j]) }); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := writePadded(w.peakMax, func(j int) float32 { return p.MaxPixelIntensity[j] }); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := writePadded(w.peakSNR, func(j int) float32 { return p.SNR[j] }); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}

	scalar := func(e *extendible, v float64) error {
		buf := []float64{v}
		return e.appendRecord(i, &buf)
	}
	if err := scalar(w.timestamp, rec.Timestamp); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := scalar(w.beamEnergy, rec.BeamEnergy); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := scalar(w.detDist, rec.DetectorDistance); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	if err := scalar(w.pixelSize, rec.PixelSize); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}
	ids := []string{rec.EventID}
	if err := w.eventID.appendRecord(i, &ids); err != nil {
		return fmt.Errorf("%w: %v", ErrWriter, err)
	}

	w.numFrames++
	return nil
}

// NumFrames returns how many records have been written.
func (w *Writer) NumFrames() uint { return w.numFrames }

// Path returns the output file path.
func (w *Writer) Path() string { return w.path }

// Close flushes and closes the file.
func (w *Writer) Close() error {
	for _, e := range []*extendible{
		w.frames, w.nPeaks, w.peakFS, w.peakSS, w.peakTotal, w.peakNPix,
		w.peakMax, w.peakSNR, w.timestamp, w.beamEnergy, w.detDist,
		w.pixelSize, w.eventID,
	} {
		if e != nil && e.dset != nil {
			e.dset.Close()
		}
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("%w: cannot close %s: %v", ErrWriter, w.path, err)
	}
	return nil
}
