package source

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"gonum.org/v1/hdf5"
)

func init() {
	Register("filelist", newFileListSource)
}

// fileListSource reads events from a text file listing HDF5 data files, one
// path per line. The list is split across the processing nodes; every frame
// of every assigned file becomes one event.
type fileListSource struct {
	cfg      Config
	dataPath string
	files    []string
}

func newFileListSource(cfg Config) (EventHandler, error) {
	dataPath, err := cfg.Parameters.StringOr("hdf5_data_path", "/data")
	if err != nil {
		return nil, err
	}
	f, err := os.Open(cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read file list %s: %v", ErrSource, cfg.Source, err)
	}
	defer f.Close()

	var files []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		files = append(files, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: cannot read file list %s: %v", ErrSource, cfg.Source, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: file list %s names no data files", ErrSource, cfg.Source)
	}
	return &fileListSource{cfg: cfg, dataPath: strings.TrimPrefix(dataPath, "/"), files: files}, nil
}

func (s *fileListSource) InitializeOnCollector(rank, poolSize int) error { return nil }

func (s *fileListSource) InitializeOnWorker(rank, poolSize int) error { return nil }

// fileFrame identifies one frame of one listed file, and carries the opened
// handles between Open and Close.
type fileFrame struct {
	path  string
	index int

	file    *hdf5.File
	dataset *hdf5.Dataset
	rows    int
	cols    int
	raw     []uint16
	mtime   float64
}

type fileListStream struct {
	source *fileListSource
	files  []string

	fileIdx   int
	frameIdx  int
	numFrames int // frames in the current file, -1 before the first peek
}

func (s *fileListSource) Events(rank, poolSize int) (EventStream, error) {
	assigned := SliceForWorker(s.files, rank, poolSize)
	return &fileListStream{source: s, files: assigned, numFrames: -1}, nil
}

// frameCount opens a file just long enough to read the extent of its data
// dataset.
func (s *fileListSource) frameCount(path string) (int, error) {
	f, err := hdf5.OpenFile(path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot open %s: %v", ErrSource, path, err)
	}
	defer f.Close()
	dset, err := f.OpenDataset(s.dataPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %s has no dataset %s: %v", ErrSource, path, s.dataPath, err)
	}
	defer dset.Close()
	space := dset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil || len(dims) != 3 {
		return 0, fmt.Errorf("%w: dataset %s in %s is not a frame stack", ErrSource, s.dataPath, path)
	}
	return int(dims[0]), nil
}

func (st *fileListStream) Next() (*Event, error) {
	for {
		if st.fileIdx >= len(st.files) {
			return nil, io.EOF
		}
		if st.numFrames < 0 {
			n, err := st.source.frameCount(st.files[st.fileIdx])
			if err != nil {
				return nil, err
			}
			st.numFrames = n
			st.frameIdx = 0
		}
		if st.frameIdx >= st.numFrames {
			st.fileIdx++
			st.numFrames = -1
			continue
		}
		frame := &fileFrame{path: st.files[st.fileIdx], index: st.frameIdx}
		st.frameIdx++
		return &Event{Payload: frame}, nil
	}
}

func (s *fileListSource) Open(ev *Event) error {
	frame, ok := ev.Payload.(*fileFrame)
	if !ok {
		return fmt.Errorf("%w: event does not belong to the filelist source", ErrSource)
	}
	if frame.file != nil {
		return nil // already open
	}
	info, err := os.Stat(frame.path)
	if err != nil {
		return fmt.Errorf("%w: cannot stat %s: %v", ErrSource, frame.path, err)
	}
	frame.mtime = float64(info.ModTime().UnixNano()) / 1e9

	f, err := hdf5.OpenFile(frame.path, hdf5.F_ACC_RDONLY)
	if err != nil {
		return fmt.Errorf("%w: cannot open %s: %v", ErrSource, frame.path, err)
	}
	dset, err := f.OpenDataset(s.dataPath)
	if err != nil {
		f.Close()
		return fmt.Errorf("%w: %s has no dataset %s: %v", ErrSource, frame.path, s.dataPath, err)
	}
	frame.file = f
	frame.dataset = dset
	ev.Timestamp = frame.mtime
	return nil
}

func (s *fileListSource) Close(ev *Event) error {
	frame, ok := ev.Payload.(*fileFrame)
	if !ok {
		return nil
	}
	if frame.dataset != nil {
		frame.dataset.Close()
		frame.dataset = nil
	}
	if frame.file != nil {
		frame.file.Close()
		frame.file = nil
	}
	return nil
}

// readFrame pulls one raw detector frame out of the opened dataset.
func (frame *fileFrame) readFrame() error {
	space := frame.dataset.Space()
	defer space.Close()
	dims, _, err := space.SimpleExtentDims()
	if err != nil || len(dims) != 3 {
		return fmt.Errorf("%w: dataset in %s is not a frame stack", ErrDataExtraction, frame.path)
	}
	if frame.index >= int(dims[0]) {
		return fmt.Errorf("%w: frame %d out of range in %s", ErrDataExtraction, frame.index, frame.path)
	}
	frame.rows = int(dims[1])
	frame.cols = int(dims[2])

	offset := []uint{uint(frame.index), 0, 0}
	count := []uint{1, dims[1], dims[2]}
	if err := space.SelectHyperslab(offset, nil, count, nil); err != nil {
		return fmt.Errorf("%w: cannot select frame %d in %s: %v", ErrDataExtraction, frame.index, frame.path, err)
	}
	memspace, err := hdf5.CreateSimpleDataspace([]uint{dims[1], dims[2]}, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataExtraction, err)
	}
	defer memspace.Close()

	frame.raw = make([]uint16, frame.rows*frame.cols)
	if err := frame.dataset.ReadSubset(&frame.raw, memspace, space); err != nil {
		return fmt.Errorf("%w: cannot read frame %d from %s: %v", ErrDataExtraction, frame.index, frame.path, err)
	}
	return nil
}

func (s *fileListSource) Extract(ev *Event) (*ExtractedData, error) {
	frame, ok := ev.Payload.(*fileFrame)
	if !ok || frame.file == nil {
		return nil, fmt.Errorf("%w: event is not open", ErrDataExtraction)
	}

	data := &ExtractedData{Timestamp: frame.mtime}
	rd := s.cfg.RequiredData
	if rd[DataDetectorData] {
		if err := frame.readFrame(); err != nil {
			return nil, err
		}
		data.RawDetectorData = frame.raw
	}
	if rd[DataEventID] {
		data.EventID = fmt.Sprintf("%s // %04d", frame.path, frame.index)
	}
	if rd[DataFrameID] {
		data.FrameID = "0"
	}
	if rd[DataBeamEnergy] {
		energy, err := s.cfg.Parameters.FloatOr("fallback_beam_energy_in_eV", 0)
		if err != nil {
			return nil, err
		}
		data.BeamEnergy = energy
	}
	if rd[DataDetectorDistance] {
		distance, err := s.cfg.Parameters.FloatOr("fallback_detector_distance_in_mm", 0)
		if err != nil {
			return nil, err
		}
		data.DetectorDistance = distance
	}
	return data, nil
}

// RetrieveByID resolves event identifiers of the form "<path> // <index>".
func (s *fileListSource) RetrieveByID(eventID string) (*ExtractedData, error) {
	parts := strings.Split(eventID, " // ")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: malformed event id %q", ErrSource, eventID)
	}
	var index int
	if _, err := fmt.Sscanf(parts[1], "%d", &index); err != nil {
		return nil, fmt.Errorf("%w: malformed event id %q", ErrSource, eventID)
	}
	frame := &fileFrame{path: parts[0], index: index}
	ev := &Event{Payload: frame}
	if err := s.Open(ev); err != nil {
		return nil, err
	}
	defer s.Close(ev)
	return s.Extract(ev)
}
