package source

import (
	"encoding/binary"
	"fmt"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

func init() {
	Register("jungfrau1M-zmq", newJungfrauZMQSource)
}

// jungfrauZMQSource receives Jungfrau 1M detector frames from a facility
// relay over a ZeroMQ PULL socket. The upstream PUSH socket distributes
// frames across the connected processing nodes, so every worker sees a
// disjoint share of the stream.
type jungfrauZMQSource struct {
	cfg  Config
	rows int
	cols int

	sock *zmq.Socket
}

func newJungfrauZMQSource(cfg Config) (EventHandler, error) {
	rows, err := cfg.Parameters.IntOr("detector_data_rows", 1024)
	if err != nil {
		return nil, err
	}
	cols, err := cfg.Parameters.IntOr("detector_data_cols", 1024)
	if err != nil {
		return nil, err
	}
	return &jungfrauZMQSource{cfg: cfg, rows: rows, cols: cols}, nil
}

func (s *jungfrauZMQSource) InitializeOnCollector(rank, poolSize int) error { return nil }

func (s *jungfrauZMQSource) InitializeOnWorker(rank, poolSize int) error {
	sock, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return fmt.Errorf("%w: cannot create frame-receiving socket: %v", ErrSource, err)
	}
	if err := sock.SetRcvhwm(1); err != nil {
		sock.Close()
		return fmt.Errorf("%w: cannot configure frame-receiving socket: %v", ErrSource, err)
	}
	if err := sock.Connect(s.cfg.Source); err != nil {
		sock.Close()
		return fmt.Errorf("%w: cannot connect to frame relay at %s: %v", ErrSource, s.cfg.Source, err)
	}
	s.sock = sock
	return nil
}

// jungfrauFrame is one decoded relay message.
type jungfrauFrame struct {
	raw         []uint16
	timestamp   float64
	frameNumber int64
}

// decodeJungfrauMessage unpacks one relay message: a msgpack map with the
// raw little-endian uint16 pixel buffer under "data", the epoch timestamp
// under "timestamp" and a monotonic counter under "frame_number".
func decodeJungfrauMessage(b []byte, rows, cols int) (*jungfrauFrame, error) {
	var msg struct {
		Data        []byte  `msgpack:"data"`
		Timestamp   float64 `msgpack:"timestamp"`
		FrameNumber int64   `msgpack:"frame_number"`
	}
	if err := msgpack.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("%w: cannot decode relay message: %v", ErrDataExtraction, err)
	}
	want := rows * cols * 2
	if len(msg.Data) != want {
		return nil, fmt.Errorf("%w: relay frame has %d bytes, want %d", ErrDataExtraction, len(msg.Data), want)
	}
	raw := make([]uint16, rows*cols)
	for i := range raw {
		raw[i] = binary.LittleEndian.Uint16(msg.Data[i*2:])
	}
	return &jungfrauFrame{raw: raw, timestamp: msg.Timestamp, frameNumber: msg.FrameNumber}, nil
}

type jungfrauStream struct {
	source *jungfrauZMQSource
}

func (s *jungfrauZMQSource) Events(rank, poolSize int) (EventStream, error) {
	if s.sock == nil {
		return nil, fmt.Errorf("%w: frame-receiving socket is not initialized", ErrSource)
	}
	return &jungfrauStream{source: s}, nil
}

// Next blocks until the relay delivers the next frame. The stream never
// ends on its own; shutdown arrives through the control channel of the
// parallelization engine.
func (st *jungfrauStream) Next() (*Event, error) {
	b, err := st.source.sock.RecvBytes(0)
	if err != nil {
		return nil, fmt.Errorf("%w: receiving from the frame relay: %v", ErrSource, err)
	}
	return &Event{Payload: b}, nil
}

func (s *jungfrauZMQSource) Open(ev *Event) error {
	raw, ok := ev.Payload.([]byte)
	if !ok {
		if _, decoded := ev.Payload.(*jungfrauFrame); decoded {
			return nil // already open
		}
		return fmt.Errorf("%w: event does not belong to the jungfrau1M-zmq source", ErrSource)
	}
	frame, err := decodeJungfrauMessage(raw, s.rows, s.cols)
	if err != nil {
		return err
	}
	ev.Payload = frame
	ev.Timestamp = frame.timestamp
	return nil
}

func (s *jungfrauZMQSource) Close(ev *Event) error {
	ev.Payload = nil
	return nil
}

func (s *jungfrauZMQSource) Extract(ev *Event) (*ExtractedData, error) {
	frame, ok := ev.Payload.(*jungfrauFrame)
	if !ok {
		return nil, fmt.Errorf("%w: event is not open", ErrDataExtraction)
	}
	data := &ExtractedData{Timestamp: frame.timestamp}
	rd := s.cfg.RequiredData
	if rd[DataDetectorData] {
		data.RawDetectorData = frame.raw
	}
	if rd[DataEventID] {
		data.EventID = fmt.Sprintf("%d", frame.frameNumber)
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

// RetrieveByID is not available for live streams.
func (s *jungfrauZMQSource) RetrieveByID(eventID string) (*ExtractedData, error) {
	return nil, fmt.Errorf("%w: the jungfrau1M-zmq source has no random access", ErrNotImplemented)
}
