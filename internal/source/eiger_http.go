package source

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cfel-sfx/om/internal/monitoring"
)

func init() {
	Register("eiger-http", newEigerHTTPSource)
}

// Retry schedule for transient failures of the detector's HTTP interface
// after a successful initial connect.
const (
	httpRetryCount    = 12
	httpRetryInterval = 5 * time.Second
)

// eigerHTTPSource polls the monitor interface of an Eiger-class detector
// over HTTP. The source string is the base URL of the detector; frames are
// fetched from its monitor endpoint as raw little-endian uint16 buffers.
type eigerHTTPSource struct {
	cfg    Config
	rows   int
	cols   int
	client *http.Client

	// sleep is replaced in tests to avoid real retry delays
	sleep func(time.Duration)
}

func newEigerHTTPSource(cfg Config) (EventHandler, error) {
	rows, err := cfg.Parameters.RequiredInt("detector_data_rows")
	if err != nil {
		return nil, err
	}
	cols, err := cfg.Parameters.RequiredInt("detector_data_cols")
	if err != nil {
		return nil, err
	}
	return &eigerHTTPSource{
		cfg:    cfg,
		rows:   rows,
		cols:   cols,
		client: &http.Client{Timeout: 30 * time.Second},
		sleep:  time.Sleep,
	}, nil
}

// InitializeOnCollector arms the detector's monitor mode. A failure here is
// fatal: the monitor never starts against an unreachable detector.
func (s *eigerHTTPSource) InitializeOnCollector(rank, poolSize int) error {
	url := strings.TrimSuffix(s.cfg.Source, "/") + "/monitor/api/1.8.0/config/mode"
	req, err := http.NewRequest(http.MethodPut, url, strings.NewReader(`{"value": "enabled"}`))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSource, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: cannot enable the detector monitor mode at %s: %v", ErrSource, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: enabling the detector monitor mode at %s returned %s", ErrSource, url, resp.Status)
	}
	return nil
}

func (s *eigerHTTPSource) InitializeOnWorker(rank, poolSize int) error { return nil }

type eigerStream struct {
	source *eigerHTTPSource
	url    string
}

func (s *eigerHTTPSource) Events(rank, poolSize int) (EventStream, error) {
	return &eigerStream{
		source: s,
		url:    strings.TrimSuffix(s.cfg.Source, "/") + "/monitor/api/1.8.0/images/next",
	}, nil
}

// Next polls the detector for the next monitor image. Transient failures
// are retried a bounded number of times before the stream gives up.
func (st *eigerStream) Next() (*Event, error) {
	var lastErr error
	for attempt := 0; attempt < httpRetryCount; attempt++ {
		if attempt > 0 {
			st.source.sleep(httpRetryInterval)
		}
		body, err := st.source.fetch(st.url)
		if err == nil {
			return &Event{
				Payload:   body,
				Timestamp: float64(time.Now().UnixNano()) / 1e9,
			}, nil
		}
		lastErr = err
		monitoring.Warnf("Cannot fetch the next detector image (attempt %d/%d): %v",
			attempt+1, httpRetryCount, err)
	}
	return nil, fmt.Errorf("%w: the detector stopped answering: %v", ErrSource, lastErr)
}

func (s *eigerHTTPSource) fetch(url string) ([]byte, error) {
	resp, err := s.client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func (s *eigerHTTPSource) Open(ev *Event) error {
	if _, ok := ev.Payload.([]byte); !ok {
		return fmt.Errorf("%w: event does not belong to the eiger-http source", ErrSource)
	}
	return nil
}

func (s *eigerHTTPSource) Close(ev *Event) error {
	ev.Payload = nil
	return nil
}

func (s *eigerHTTPSource) Extract(ev *Event) (*ExtractedData, error) {
	body, ok := ev.Payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: event is not open", ErrDataExtraction)
	}
	data := &ExtractedData{Timestamp: ev.Timestamp}
	rd := s.cfg.RequiredData
	if rd[DataDetectorData] {
		want := s.rows * s.cols * 2
		if len(body) != want {
			return nil, fmt.Errorf("%w: detector image has %d bytes, want %d", ErrDataExtraction, len(body), want)
		}
		raw := make([]uint16, s.rows*s.cols)
		for i := range raw {
			raw[i] = binary.LittleEndian.Uint16(body[i*2:])
		}
		data.RawDetectorData = raw
	}
	if rd[DataEventID] {
		data.EventID = fmt.Sprintf("%.6f", ev.Timestamp)
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

// RetrieveByID is not available for the live detector interface.
func (s *eigerHTTPSource) RetrieveByID(eventID string) (*ExtractedData, error) {
	return nil, fmt.Errorf("%w: the eiger-http source has no random access", ErrNotImplemented)
}
