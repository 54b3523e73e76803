package source

import (
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func eigerConfig(url string) Config {
	return Config{
		Source: url,
		RequiredData: RequiredData{
			DataTimestamp: true, DataDetectorData: true,
		},
		Parameters: drlGroup(map[string]interface{}{
			"detector_data_rows": 2,
			"detector_data_cols": 2,
		}),
	}
}

func rawImageBody(values []uint16) []byte {
	buf := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

func TestEigerInitializeOnCollector(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h, err := New("eiger-http", eigerConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.InitializeOnCollector(0, 3); err != nil {
		t.Fatalf("InitializeOnCollector: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/monitor/api/1.8.0/config/mode" {
		t.Errorf("detector armed with %s %s", gotMethod, gotPath)
	}
}

func TestEigerInitializeFailsOnUnreachableDetector(t *testing.T) {
	h, err := New("eiger-http", eigerConfig("http://127.0.0.1:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.InitializeOnCollector(0, 3); !errors.Is(err, ErrSource) {
		t.Fatalf("unreachable detector should fail with ErrSource, got %v", err)
	}
}

func TestEigerNextAndExtract(t *testing.T) {
	body := rawImageBody([]uint16{10, 20, 30, 40})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer server.Close()

	h, err := New("eiger-http", eigerConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stream, err := h.Events(1, 2)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	ev, err := stream.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := h.Open(ev); err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := h.Extract(ev)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(data.RawDetectorData) != 4 || data.RawDetectorData[0] != 10 {
		t.Errorf("raw data = %v", data.RawDetectorData)
	}
	if err := h.Close(ev); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestEigerRetriesThenRecovers(t *testing.T) {
	var calls atomic.Int64
	body := rawImageBody([]uint16{1, 2, 3, 4})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(body)
	}))
	defer server.Close()

	h, err := New("eiger-http", eigerConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.(*eigerHTTPSource).sleep = func(time.Duration) {}

	stream, err := h.Events(1, 2)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if _, err := stream.Next(); err != nil {
		t.Fatalf("Next should recover after transient failures: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("detector polled %d times, want 3", calls.Load())
	}
}

func TestEigerGivesUpAfterRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	h, err := New("eiger-http", eigerConfig(server.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	src := h.(*eigerHTTPSource)
	src.sleep = func(time.Duration) {}

	stream, err := h.Events(1, 2)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if _, err := stream.Next(); !errors.Is(err, ErrSource) {
		t.Fatalf("exhausted retries should fail with ErrSource, got %v", err)
	}
}

func TestEigerExtractSizeMismatch(t *testing.T) {
	h, err := New("eiger-http", eigerConfig("http://example.invalid"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ev := &Event{Payload: []byte{1, 2, 3}}
	if _, err := h.Extract(ev); !errors.Is(err, ErrDataExtraction) {
		t.Fatalf("short image should fail with ErrDataExtraction, got %v", err)
	}
}
