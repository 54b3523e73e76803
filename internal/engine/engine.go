// Package engine is the ZeroMQ-based parallelization layer of the monitor.
//
// The pool has one collecting node (rank 0) and poolSize-1 processing
// nodes. Results flow from the processing nodes to the collector over a
// PUSH/PULL pair; feedback flows back over a PUB/SUB pair with per-rank
// topics. Both data sockets run with a high-water mark of one message, so a
// slow collector throttles the processing nodes instead of silently
// dropping results; feedback, by contrast, is best-effort and undelivered
// messages are dropped.
package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	zmq "github.com/pebbe/zmq4"

	"github.com/cfel-sfx/om/internal/broadcast"
	"github.com/cfel-sfx/om/internal/monitoring"
	"github.com/cfel-sfx/om/internal/processor"
	"github.com/cfel-sfx/om/internal/source"
)

// Default ports of the internal pool sockets.
const (
	DefaultEventsPort   = 5555
	DefaultFeedbackPort = 5556
)

// TopicAll is the feedback topic every processing node subscribes to, next
// to its own rank topic. Topics carry a trailing separator so that rank 1
// does not match rank 10.
const TopicAll = "all#"

// RankTopic returns the feedback topic of one processing node.
func RankTopic(rank int) string { return fmt.Sprintf("%d#", rank) }

// Options configures one node of the pool.
type Options struct {
	Rank     int
	PoolSize int

	// EventsBindURL is where the collector binds its PULL socket;
	// EventsConnectURL is where processing nodes connect their PUSH
	// sockets. The same split applies to the feedback PUB/SUB pair.
	EventsBindURL      string
	EventsConnectURL   string
	FeedbackBindURL    string
	FeedbackConnectURL string
}

// DefaultOptions builds the single-machine endpoint set on the default
// events and feedback ports.
func DefaultOptions(rank, poolSize int) Options {
	host := broadcast.MachineIP()
	return Options{
		Rank:               rank,
		PoolSize:           poolSize,
		EventsBindURL:      fmt.Sprintf("tcp://*:%d", DefaultEventsPort),
		EventsConnectURL:   fmt.Sprintf("tcp://%s:%d", host, DefaultEventsPort),
		FeedbackBindURL:    fmt.Sprintf("tcp://*:%d", DefaultFeedbackPort),
		FeedbackConnectURL: fmt.Sprintf("tcp://%s:%d", host, DefaultFeedbackPort),
	}
}

// Engine runs one node of the pool: the collector loop on rank 0, the
// worker loop on every other rank.
type Engine struct {
	opts    Options
	handler source.EventHandler
	proc    processor.Processor

	// worker-side statistics
	numProcessed uint64
	numSkipped   uint64
}

// New creates an engine for one node.
func New(opts Options, handler source.EventHandler, proc processor.Processor) (*Engine, error) {
	if opts.PoolSize < 2 {
		return nil, fmt.Errorf("%w: the node pool needs a collector and at least one worker (size %d)",
			broadcast.ErrTransport, opts.PoolSize)
	}
	if opts.Rank < 0 || opts.Rank >= opts.PoolSize {
		return nil, fmt.Errorf("%w: rank %d outside pool of %d", broadcast.ErrTransport, opts.Rank, opts.PoolSize)
	}
	return &Engine{opts: opts, handler: handler, proc: proc}, nil
}

// NumProcessed returns how many events this worker pushed to the collector.
func (e *Engine) NumProcessed() uint64 { return e.numProcessed }

// NumSkipped returns how many events this worker dropped on extraction
// failures.
func (e *Engine) NumSkipped() uint64 { return e.numSkipped }

// Start runs the node until its loop completes.
func (e *Engine) Start() error {
	if e.opts.Rank == 0 {
		return e.runCollector()
	}
	return e.runWorker()
}

// encodeEnvelope builds the wire form of one pool message: the sender rank
// and the result dictionary.
func encodeEnvelope(rank int, data map[string]interface{}) ([]byte, error) {
	return broadcast.EncodePayload(map[string]interface{}{
		"rank": rank,
		"data": data,
	})
}

func decodeEnvelope(b []byte) (rank int, data map[string]interface{}, err error) {
	decoded, err := broadcast.DecodePayload(b)
	if err != nil {
		return 0, nil, err
	}
	rawRank, ok := decoded["rank"]
	if !ok {
		return 0, nil, fmt.Errorf("%w: pool message without sender rank", broadcast.ErrCodec)
	}
	rank, err = intValue(rawRank)
	if err != nil {
		return 0, nil, err
	}
	data, ok = decoded["data"].(map[string]interface{})
	if !ok {
		return 0, nil, fmt.Errorf("%w: pool message without data dictionary", broadcast.ErrCodec)
	}
	return rank, data, nil
}

func intValue(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		return int(n), nil
	}
	return 0, fmt.Errorf("%w: %v (%T) is not an integer", broadcast.ErrCodec, v, v)
}

func flagSet(data map[string]interface{}, key string) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	b, isBool := v.(bool)
	return isBool && b
}

// runWorker is the processing-node loop: poll feedback, pull the next
// event, extract, process, push the result.
func (e *Engine) runWorker() error {
	rank, poolSize := e.opts.Rank, e.opts.PoolSize

	push, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		return fmt.Errorf("%w: cannot create the result socket: %v", broadcast.ErrTransport, err)
	}
	defer push.Close()
	if err := push.SetSndhwm(1); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	if err := push.Connect(e.opts.EventsConnectURL); err != nil {
		return fmt.Errorf("%w: cannot connect the result socket to %s: %v",
			broadcast.ErrTransport, e.opts.EventsConnectURL, err)
	}

	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("%w: cannot create the feedback socket: %v", broadcast.ErrTransport, err)
	}
	defer sub.Close()
	if err := sub.Connect(e.opts.FeedbackConnectURL); err != nil {
		return fmt.Errorf("%w: cannot connect the feedback socket to %s: %v",
			broadcast.ErrTransport, e.opts.FeedbackConnectURL, err)
	}
	if err := sub.SetSubscribe(RankTopic(rank)); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	if err := sub.SetSubscribe(TopicAll); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	subPoller := zmq.NewPoller()
	subPoller.Add(sub, zmq.POLLIN)

	if err := e.handler.InitializeOnWorker(rank, poolSize); err != nil {
		return err
	}
	if err := e.proc.InitWorker(rank, poolSize); err != nil {
		return err
	}
	events, err := e.handler.Events(rank, poolSize)
	if err != nil {
		return err
	}

	sendResult := func(data map[string]interface{}) error {
		encoded, err := encodeEnvelope(rank, data)
		if err != nil {
			return err
		}
		if _, err := push.SendBytes(encoded, 0); err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		return nil
	}

	for {
		event, err := events.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		// zero-wait feedback poll before touching the event
		var feedback map[string]interface{}
		polled, err := subPoller.Poll(0)
		if err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		if len(polled) > 0 {
			frames, err := sub.RecvMessageBytes(0)
			if err != nil {
				return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
			}
			if len(frames) == 2 {
				message, err := broadcast.DecodePayload(frames[1])
				if err != nil {
					monitoring.Warnf("Cannot decode a feedback message: %v", err)
				} else if flagSet(message, "stop") {
					monitoring.Logf("Shutting down RANK: %d.", rank)
					return sendResult(map[string]interface{}{"stopped": true})
				} else {
					feedback = message
				}
			}
		}

		if err := e.handler.Open(event); err != nil {
			if errors.Is(err, source.ErrDataExtraction) {
				monitoring.Warnf("Cannot interpret event data: %v", err)
				monitoring.Warnf("Skipping event...")
				e.numSkipped++
				e.handler.Close(event)
				continue
			}
			return err
		}
		data, err := e.handler.Extract(event)
		if err != nil {
			if errors.Is(err, source.ErrDataExtraction) {
				monitoring.Warnf("Cannot interpret event data: %v", err)
				monitoring.Warnf("Skipping event...")
				e.numSkipped++
				e.handler.Close(event)
				continue
			}
			e.handler.Close(event)
			return err
		}

		result, err := e.proc.ProcessData(rank, poolSize, data, feedback)
		if err != nil {
			if errors.Is(err, source.ErrDataExtraction) {
				monitoring.Warnf("Cannot interpret event data: %v", err)
				monitoring.Warnf("Skipping event...")
				e.numSkipped++
				e.handler.Close(event)
				continue
			}
			e.handler.Close(event)
			return err
		}
		if err := sendResult(result); err != nil {
			e.handler.Close(event)
			return err
		}
		e.numProcessed++
		if err := e.handler.Close(event); err != nil {
			monitoring.Warnf("Cannot close event: %v", err)
		}
	}

	final, err := e.proc.FinalizeWorker(rank, poolSize)
	if err != nil {
		return err
	}
	if final != nil {
		if err := sendResult(final); err != nil {
			return err
		}
	}
	monitoring.Logf("Shutting down RANK: %d.", rank)
	return sendResult(map[string]interface{}{"end": true})
}

// runCollector is the collecting-node loop: receive results, aggregate,
// route feedback, and shut the pool down when every worker has announced
// end-of-stream.
func (e *Engine) runCollector() error {
	rank, poolSize := e.opts.Rank, e.opts.PoolSize

	pull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		return fmt.Errorf("%w: cannot create the result socket: %v", broadcast.ErrTransport, err)
	}
	defer pull.Close()
	if err := pull.SetRcvhwm(1); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	if err := pull.Bind(e.opts.EventsBindURL); err != nil {
		return fmt.Errorf("%w: cannot bind the result socket at %s: %v",
			broadcast.ErrTransport, e.opts.EventsBindURL, err)
	}

	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return fmt.Errorf("%w: cannot create the feedback socket: %v", broadcast.ErrTransport, err)
	}
	defer pub.Close()
	if err := pub.SetSndhwm(1); err != nil {
		return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	if err := pub.Bind(e.opts.FeedbackBindURL); err != nil {
		return fmt.Errorf("%w: cannot bind the feedback socket at %s: %v",
			broadcast.ErrTransport, e.opts.FeedbackBindURL, err)
	}

	if err := e.handler.InitializeOnCollector(rank, poolSize); err != nil {
		return err
	}
	if err := e.proc.InitCollector(rank, poolSize); err != nil {
		return err
	}

	publishFeedback := func(targetRank int, payload map[string]interface{}) error {
		topic := TopicAll
		if targetRank != 0 {
			topic = RankTopic(targetRank)
		}
		encoded, err := broadcast.EncodePayload(payload)
		if err != nil {
			return err
		}
		if _, err := pub.Send(topic, zmq.SNDMORE); err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		if _, err := pub.SendBytes(encoded, 0); err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		return nil
	}

	interrupted := make(chan os.Signal, 1)
	signal.Notify(interrupted, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupted)

	poller := zmq.NewPoller()
	poller.Add(pull, zmq.POLLIN)

	numEnded := 0
	for {
		select {
		case <-interrupted:
			monitoring.Logf("Received shutdown signal...")
			return e.shutdown(pull, publishFeedback, numEnded)
		default:
		}

		polled, err := poller.Poll(0)
		if err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		if len(polled) == 0 {
			if err := e.proc.WaitForData(rank, poolSize); err != nil {
				return err
			}
			continue
		}

		raw, err := pull.RecvBytes(0)
		if err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		sender, data, err := decodeEnvelope(raw)
		if err != nil {
			monitoring.Warnf("Cannot decode a pool message: %v", err)
			continue
		}

		if flagSet(data, "end") {
			monitoring.Logf("Finalizing %d", sender)
			numEnded++
			if numEnded == poolSize-1 {
				monitoring.Logf("All processing nodes have run out of events.")
				monitoring.Logf("Shutting down.")
				return e.proc.FinalizeCollector(rank, poolSize)
			}
			continue
		}
		if flagSet(data, "stopped") {
			// a late acknowledgement from an earlier shutdown attempt
			continue
		}

		feedback, err := e.proc.CollectData(rank, poolSize, processor.Result(data), sender)
		if err != nil {
			return err
		}
		for targetRank, payload := range feedback {
			if err := publishFeedback(targetRank, payload); err != nil {
				monitoring.Warnf("Cannot publish feedback for rank %d: %v", targetRank, err)
			}
		}
	}
}

// shutdown tells every live worker to stop and waits for the
// acknowledgements. Workers that already announced end-of-stream are not
// waited for.
func (e *Engine) shutdown(pull *zmq.Socket, publishFeedback func(int, map[string]interface{}) error, numEnded int) error {
	remaining := e.opts.PoolSize - 1 - numEnded
	if err := publishFeedback(0, map[string]interface{}{"stop": true}); err != nil {
		return err
	}
	for remaining > 0 {
		raw, err := pull.RecvBytes(0)
		if err != nil {
			return fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
		}
		_, data, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		if flagSet(data, "stopped") || flagSet(data, "end") {
			remaining--
		}
	}
	monitoring.Logf("Shutting down.")
	return nil
}
