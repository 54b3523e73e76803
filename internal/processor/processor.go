// Package processor defines the strategy interface that turns the monitor
// into a specific scientific instrument. One Processor is instantiated
// identically on every node of the pool; its methods are dispatched
// differently on processing and collecting nodes.
package processor

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cfel-sfx/om/internal/params"
	"github.com/cfel-sfx/om/internal/source"
)

// ErrProcessing reports a processing-layer failure that must abort the
// node.
var ErrProcessing = errors.New("processing error")

// Result is the per-event product of a processing node, on its way to the
// collecting node. It always carries a "timestamp" entry; array-valued
// entries use the broadcast codec's array type so they survive the wire.
type Result map[string]interface{}

// Feedback routes collector-produced data back to processing nodes: the map
// key is the destination rank, with rank 0 meaning every node.
type Feedback map[int]map[string]interface{}

// Processor is the seven-method strategy contract of the monitor.
type Processor interface {
	// InitWorker runs once on each processing node before the first event.
	InitWorker(rank, poolSize int) error
	// InitCollector runs once on the collecting node before the first
	// result.
	InitCollector(rank, poolSize int) error
	// ProcessData turns one extracted event into a result. It must be a
	// pure function of its inputs and never reach across nodes. The
	// feedback dictionary holds whatever the collector last routed to this
	// node, and may be nil.
	ProcessData(rank, poolSize int, data *source.ExtractedData, feedback map[string]interface{}) (Result, error)
	// CollectData aggregates one result on the collecting node. It runs
	// sequentially, so collector state needs no locking. The returned
	// feedback, if any, is delivered to the named nodes before their next
	// ProcessData call; delivery is best-effort.
	CollectData(rank, poolSize int, result Result, senderRank int) (Feedback, error)
	// WaitForData runs on the collecting node whenever no result is
	// pending; idle-time work (request sockets, statistics refresh) goes
	// here.
	WaitForData(rank, poolSize int) error
	// FinalizeWorker runs exactly once at worker shutdown and may emit one
	// final result.
	FinalizeWorker(rank, poolSize int) (Result, error)
	// FinalizeCollector runs exactly once at collector shutdown.
	FinalizeCollector(rank, poolSize int) error
}

// Config carries everything a processor factory needs.
type Config struct {
	Params *params.MonitorParams
	Source string
}

// Factory builds a processor from the monitor configuration.
type Factory func(cfg Config) (Processor, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a processing layer to the registry.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// New instantiates the named processing layer.
func New(name string, cfg Config) (Processor, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no processing layer named %q is registered", params.ErrConfiguration, name)
	}
	return f(cfg)
}

// Names lists the registered processing layers in stable order.
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
