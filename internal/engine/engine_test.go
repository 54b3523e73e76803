package engine

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cfel-sfx/om/internal/processor"
	"github.com/cfel-sfx/om/internal/source"
)

func TestRankTopics(t *testing.T) {
	if RankTopic(1) != "1#" || RankTopic(12) != "12#" {
		t.Errorf("unexpected topics %q %q", RankTopic(1), RankTopic(12))
	}
	// the separator keeps rank 1 from matching rank 10 by prefix
	if strings.HasPrefix(RankTopic(10), RankTopic(1)) {
		t.Error("rank topics must not be prefixes of each other")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	encoded, err := encodeEnvelope(3, map[string]interface{}{
		"timestamp": 12.5,
		"end":       true,
	})
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	rank, data, err := decodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if rank != 3 {
		t.Errorf("rank = %d, want 3", rank)
	}
	if data["timestamp"] != 12.5 {
		t.Errorf("timestamp = %v", data["timestamp"])
	}
	if !flagSet(data, "end") {
		t.Error("end flag lost")
	}
	if flagSet(data, "stop") {
		t.Error("absent flag reported as set")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Options{Rank: 0, PoolSize: 1}, nil, nil); err == nil {
		t.Error("pool of one should be rejected")
	}
	if _, err := New(Options{Rank: 5, PoolSize: 3}, nil, nil); err == nil {
		t.Error("out-of-pool rank should be rejected")
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions(1, 3)
	if opts.EventsConnectURL == "" || opts.FeedbackBindURL == "" {
		t.Errorf("incomplete default options: %+v", opts)
	}
	if !strings.HasPrefix(opts.EventsBindURL, "tcp://") {
		t.Errorf("events bind URL %q", opts.EventsBindURL)
	}
}

// fakeSource yields a fixed number of synthetic events per worker, with an
// optional number of events that fail extraction.
type fakeSource struct {
	eventsPerWorker int
	failEvery       int // every n-th event fails extraction; 0 disables
}

type fakeStream struct {
	src  *fakeSource
	rank int
	next int
}

type fakeEvent struct {
	index int
	rank  int
}

func (s *fakeSource) InitializeOnCollector(rank, poolSize int) error { return nil }
func (s *fakeSource) InitializeOnWorker(rank, poolSize int) error    { return nil }

func (s *fakeSource) Events(rank, poolSize int) (source.EventStream, error) {
	return &fakeStream{src: s, rank: rank}, nil
}

func (st *fakeStream) Next() (*source.Event, error) {
	if st.next >= st.src.eventsPerWorker {
		return nil, io.EOF
	}
	ev := &source.Event{Payload: &fakeEvent{index: st.next, rank: st.rank}}
	st.next++
	return ev, nil
}

func (s *fakeSource) Open(ev *source.Event) error  { return nil }
func (s *fakeSource) Close(ev *source.Event) error { return nil }

func (s *fakeSource) Extract(ev *source.Event) (*source.ExtractedData, error) {
	fe := ev.Payload.(*fakeEvent)
	if s.failEvery > 0 && (fe.index+1)%s.failEvery == 0 {
		return nil, fmt.Errorf("%w: synthetic corruption", source.ErrDataExtraction)
	}
	return &source.ExtractedData{
		Timestamp: float64(fe.index),
		EventID:   fmt.Sprintf("%d/%d", fe.rank, fe.index),
	}, nil
}

func (s *fakeSource) RetrieveByID(string) (*source.ExtractedData, error) {
	return nil, source.ErrNotImplemented
}

// countingProcessor aggregates results on the collector and routes one
// feedback message back to every sender.
type countingProcessor struct {
	mu             sync.Mutex
	collected      []processor.Result
	senders        []int
	finalized      bool
	feedbackToSelf bool

	feedbackSeen map[int][]string // worker rank -> markers observed
}

func newCountingProcessor(feedbackToSelf bool) *countingProcessor {
	return &countingProcessor{
		feedbackToSelf: feedbackToSelf,
		feedbackSeen:   map[int][]string{},
	}
}

func (p *countingProcessor) InitWorker(rank, poolSize int) error    { return nil }
func (p *countingProcessor) InitCollector(rank, poolSize int) error { return nil }

func (p *countingProcessor) ProcessData(rank, poolSize int, data *source.ExtractedData, feedback map[string]interface{}) (processor.Result, error) {
	if marker, ok := feedback["marker"].(string); ok {
		p.mu.Lock()
		p.feedbackSeen[rank] = append(p.feedbackSeen[rank], marker)
		p.mu.Unlock()
	}
	return processor.Result{
		"timestamp": data.Timestamp,
		"event_id":  data.EventID,
	}, nil
}

func (p *countingProcessor) CollectData(rank, poolSize int, result processor.Result, sender int) (processor.Feedback, error) {
	p.mu.Lock()
	p.collected = append(p.collected, result)
	p.senders = append(p.senders, sender)
	p.mu.Unlock()
	if p.feedbackToSelf {
		return processor.Feedback{
			sender: {"marker": fmt.Sprintf("for-%d", sender)},
		}, nil
	}
	return nil, nil
}

func (p *countingProcessor) WaitForData(rank, poolSize int) error {
	time.Sleep(time.Millisecond)
	return nil
}

func (p *countingProcessor) FinalizeWorker(rank, poolSize int) (processor.Result, error) {
	return nil, nil
}

func (p *countingProcessor) FinalizeCollector(rank, poolSize int) error {
	p.mu.Lock()
	p.finalized = true
	p.mu.Unlock()
	return nil
}

// freeTCPPort asks the kernel for an unused port.
func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot pick a port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testOptions(t *testing.T, rank, poolSize, eventsPort, feedbackPort int) Options {
	t.Helper()
	return Options{
		Rank:               rank,
		PoolSize:           poolSize,
		EventsBindURL:      fmt.Sprintf("tcp://127.0.0.1:%d", eventsPort),
		EventsConnectURL:   fmt.Sprintf("tcp://127.0.0.1:%d", eventsPort),
		FeedbackBindURL:    fmt.Sprintf("tcp://127.0.0.1:%d", feedbackPort),
		FeedbackConnectURL: fmt.Sprintf("tcp://127.0.0.1:%d", feedbackPort),
	}
}

// runPool runs one collector and poolSize-1 workers to completion.
func runPool(t *testing.T, poolSize int, src *fakeSource, proc *countingProcessor) {
	t.Helper()
	eventsPort := freeTCPPort(t)
	feedbackPort := freeTCPPort(t)

	var wg sync.WaitGroup
	errs := make(chan error, poolSize)
	for rank := 1; rank < poolSize; rank++ {
		e, err := New(testOptions(t, rank, poolSize, eventsPort, feedbackPort), src, proc)
		if err != nil {
			t.Fatalf("New(worker %d): %v", rank, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Start()
		}()
	}

	collector, err := New(testOptions(t, 0, poolSize, eventsPort, feedbackPort), src, proc)
	if err != nil {
		t.Fatalf("New(collector): %v", err)
	}
	if err := collector.Start(); err != nil {
		t.Fatalf("collector: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("worker: %v", err)
		}
	}
}

// End-of-stream handling: every worker sends its results and an end signal;
// the collector sees all results, then finalizes.
func TestEndOfStream(t *testing.T) {
	src := &fakeSource{eventsPerWorker: 5}
	proc := newCountingProcessor(false)
	runPool(t, 3, src, proc)

	if len(proc.collected) != 10 {
		t.Fatalf("collector saw %d results, want 10", len(proc.collected))
	}
	if !proc.finalized {
		t.Fatal("collector did not finalize")
	}
	perSender := map[int]int{}
	for _, s := range proc.senders {
		perSender[s]++
	}
	if perSender[1] != 5 || perSender[2] != 5 {
		t.Errorf("results per sender = %v, want 5 each", perSender)
	}
}

// Event conservation: results plus skipped extractions account for every
// produced event.
func TestEventConservation(t *testing.T) {
	src := &fakeSource{eventsPerWorker: 6, failEvery: 3}
	proc := newCountingProcessor(false)
	runPool(t, 2, src, proc)

	// 6 events, every third fails: 4 results, 2 skips
	if len(proc.collected) != 4 {
		t.Fatalf("collector saw %d results, want 4", len(proc.collected))
	}
}

// Feedback routing: feedback addressed to one worker never reaches another.
func TestFeedbackRouting(t *testing.T) {
	src := &fakeSource{eventsPerWorker: 20}
	proc := newCountingProcessor(true)
	runPool(t, 3, src, proc)

	for rank, markers := range proc.feedbackSeen {
		for _, m := range markers {
			if m != fmt.Sprintf("for-%d", rank) {
				t.Errorf("worker %d received foreign feedback %q", rank, m)
			}
		}
	}
}
