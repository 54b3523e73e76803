// Package source defines the contract between the monitor and its event
// sources, and provides the built-in source adapters.
//
// A source adapter produces a lazy stream of data events for one processing
// node and knows how to open, close and extract data from each event. The
// pipeline works unchanged over files, live ZeroMQ streams and HTTP
// pollers; everything facility-specific stays behind this interface.
package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cfel-sfx/om/internal/geom"
)

// Error kinds of the source layer.
var (
	// ErrSource reports that an event source cannot be reached or read.
	ErrSource = errors.New("source error")
	// ErrDataExtraction reports that a single event is unintelligible. The
	// pipeline logs and skips the event.
	ErrDataExtraction = errors.New("data extraction error")
	// ErrNotImplemented reports an optional capability the adapter does not
	// provide.
	ErrNotImplemented = errors.New("not implemented")
	// ErrDependency reports that a backend needed by the adapter is not
	// available on this host.
	ErrDependency = errors.New("dependency error")
)

// Event is one data event as produced by a source adapter. The payload is
// owned by the adapter; the pipeline only carries the event through one
// process cycle and closes it afterwards.
type Event struct {
	Payload   interface{}
	Timestamp float64 // seconds since the Unix epoch
	Extra     map[string]interface{}
}

// Data names that can appear in the required_data configuration list. Each
// name maps to one field of ExtractedData.
const (
	DataTimestamp          = "timestamp"
	DataEventID            = "event_id"
	DataFrameID            = "frame_id"
	DataDetectorData       = "detector_data"
	DataBeamEnergy         = "beam_energy"
	DataDetectorDistance   = "detector_distance"
	DataOpticalLaserActive = "optical_laser_active"
)

var knownDataNames = map[string]bool{
	DataTimestamp:          true,
	DataEventID:            true,
	DataFrameID:            true,
	DataDetectorData:       true,
	DataBeamEnergy:         true,
	DataDetectorDistance:   true,
	DataOpticalLaserActive: true,
}

// ValidateRequiredData checks a required_data list against the known data
// names. Unknown names fail at startup rather than at extraction time.
func ValidateRequiredData(names []string) error {
	for _, n := range names {
		if !knownDataNames[n] {
			return fmt.Errorf("%w: unknown entry %q in required_data", ErrSource, n)
		}
	}
	return nil
}

// RequiredData is the set of fields a source must populate on extraction.
type RequiredData map[string]bool

// NewRequiredData builds the set from the configuration list. The timestamp
// is always required.
func NewRequiredData(names []string) (RequiredData, error) {
	if err := ValidateRequiredData(names); err != nil {
		return nil, err
	}
	rd := RequiredData{DataTimestamp: true}
	for _, n := range names {
		rd[n] = true
	}
	return rd, nil
}

// Names returns the required data names in stable order.
func (rd RequiredData) Names() []string {
	out := make([]string, 0, len(rd))
	for n := range rd {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ExtractedData is the typed record produced by extracting one event. Only
// the fields named by the required_data list are populated; Timestamp is
// always present.
type ExtractedData struct {
	Timestamp          float64
	EventID            string
	FrameID            string
	DetectorData       *geom.Frame // calibrated detector frame
	RawDetectorData    []uint16    // raw frame, when the source defers calibration
	BeamEnergy         float64
	DetectorDistance   float64
	OpticalLaserActive bool
}

// EventStream is a lazy, possibly infinite sequence of events. A stream is
// consumed by exactly one processing node and is restartable only by
// building a fresh adapter.
type EventStream interface {
	// Next returns the next event, or io.EOF when the stream is exhausted.
	Next() (*Event, error)
}

// EventHandler is the capability set a source adapter exposes to the
// pipeline.
type EventHandler interface {
	// InitializeOnCollector runs once on the collecting node and may
	// configure the external source.
	InitializeOnCollector(rank, poolSize int) error
	// InitializeOnWorker runs once on each processing node.
	InitializeOnWorker(rank, poolSize int) error
	// Events returns the event stream for one processing node.
	Events(rank, poolSize int) (EventStream, error)
	// Open resolves handles and decodes headers. Idempotent.
	Open(ev *Event) error
	// Close releases resources acquired by Open. It must be called even on
	// the error path.
	Close(ev *Event) error
	// Extract produces the typed data record for one event. Per-source
	// failures surface as ErrDataExtraction.
	Extract(ev *Event) (*ExtractedData, error)
	// RetrieveByID provides random access for viewers and tools. Optional;
	// adapters without random access return ErrNotImplemented.
	RetrieveByID(eventID string) (*ExtractedData, error)
}

// Factory builds a source adapter. The interpretation of the source string
// is adapter-specific (a file path, a URL, a stream endpoint).
type Factory func(cfg Config) (EventHandler, error)

// Config carries everything a source factory needs.
type Config struct {
	Source       string
	RequiredData RequiredData
	// Parameters gives typed access to the data_retrieval_layer group.
	Parameters ParamGroup
}

// ParamGroup is the subset of the parameter-store group interface the
// source layer consumes.
type ParamGroup interface {
	RequiredString(name string) (string, error)
	StringOr(name, def string) (string, error)
	RequiredInt(name string) (int, error)
	IntOr(name string, def int) (int, error)
	FloatOr(name string, def float64) (float64, error)
	BoolOr(name string, def bool) (bool, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a source adapter to the registry. Built-in adapters
// register themselves at package initialization; third-party adapters
// register at program startup.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New instantiates the named source adapter.
func New(name string, cfg Config) (EventHandler, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no data retrieval layer named %q is registered", ErrSource, name)
	}
	return f(cfg)
}

// Names lists the registered source adapters in stable order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SliceForWorker splits a finite work list across the processing nodes of
// the pool: worker rank k (1-based) takes items k-1, k-1+(poolSize-1), ...
func SliceForWorker(items []string, rank, poolSize int) []string {
	numWorkers := poolSize - 1
	if numWorkers <= 0 || rank < 1 || rank > numWorkers {
		return nil
	}
	var out []string
	for i := rank - 1; i < len(items); i += numWorkers {
		out = append(out, items[i])
	}
	return out
}
