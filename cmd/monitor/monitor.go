// Command monitor launches an OM real-time monitor pool.
//
// The collector (rank 0) spawns the processing nodes as child processes of
// the same binary and then runs the collecting loop. The positional source
// argument is interpreted by the configured data retrieval layer.
//
// Usage:
//
//	monitor --config monitor.yaml --node_pool_size 4 <source>
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"

	"github.com/cfel-sfx/om/internal/engine"
	"github.com/cfel-sfx/om/internal/monitoring"
	"github.com/cfel-sfx/om/internal/params"
	"github.com/cfel-sfx/om/internal/processor"
	"github.com/cfel-sfx/om/internal/source"
	"github.com/cfel-sfx/om/internal/version"

	_ "github.com/cfel-sfx/om/internal/crystallography"
)

var (
	configFile   = flag.String("config", "./monitor.yaml", "Path to the YAML configuration file")
	nodePoolSize = flag.Int("node_pool_size", 0, "Total number of nodes (collector plus workers)")
	rankFlag     = flag.Int("om-rank", 0, "Internal: rank of this node in the pool")
	versionFlag  = flag.Bool("version", false, "Print version information and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <source>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.Info())
		return
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	sourceString := flag.Arg(0)

	if err := run(sourceString); err != nil {
		log.Fatalf("OM Error: %v", err)
	}
}

func run(sourceString string) error {
	mp, err := params.Load(*configFile)
	if err != nil {
		return err
	}
	om, err := mp.Group("om")
	if err != nil {
		return err
	}

	poolSize := *nodePoolSize
	if poolSize == 0 {
		if poolSize, err = om.RequiredInt("node_pool_size"); err != nil {
			return err
		}
	}
	if poolSize < 2 {
		return fmt.Errorf("%w: node_pool_size must be at least 2, got %d", params.ErrConfiguration, poolSize)
	}

	parallelizationLayer, err := om.RequiredString("parallelization_layer")
	if err != nil {
		return err
	}
	if parallelizationLayer != "zmq" {
		return fmt.Errorf("%w: unknown parallelization layer %q", params.ErrConfiguration, parallelizationLayer)
	}
	retrievalLayer, err := om.RequiredString("data_retrieval_layer")
	if err != nil {
		return err
	}
	processingLayer, err := om.RequiredString("processing_layer")
	if err != nil {
		return err
	}

	drl := mp.GroupOrEmpty("data_retrieval_layer")
	requiredNames, _, err := drl.StringList("required_data")
	if err != nil {
		return err
	}
	requiredData, err := source.NewRequiredData(requiredNames)
	if err != nil {
		return err
	}
	handler, err := source.New(retrievalLayer, source.Config{
		Source:       sourceString,
		RequiredData: requiredData,
		Parameters:   drl,
	})
	if err != nil {
		return err
	}
	proc, err := processor.New(processingLayer, processor.Config{
		Params: mp,
		Source: sourceString,
	})
	if err != nil {
		return err
	}

	rank := *rankFlag
	e, err := engine.New(engine.DefaultOptions(rank, poolSize), handler, proc)
	if err != nil {
		return err
	}

	if rank == 0 {
		monitoring.Logf("You are using an OM real-time monitor. Please cite: " +
			"Mariani et al., J Appl Crystallogr. 2016 May 23;49(Pt 3):1073-1080")
		children, err := spawnWorkers(poolSize)
		if err != nil {
			return err
		}
		runErr := e.Start()
		for _, child := range children {
			if err := child.Wait(); err != nil && runErr == nil {
				runErr = fmt.Errorf("processing node exited: %w", err)
			}
		}
		return runErr
	}
	return e.Start()
}

// spawnWorkers re-executes this binary once per processing node, passing
// the rank through an internal flag.
func spawnWorkers(poolSize int) ([]*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("cannot locate the monitor executable: %w", err)
	}
	var children []*exec.Cmd
	for rank := 1; rank < poolSize; rank++ {
		args := []string{
			"--config", *configFile,
			"--node_pool_size", fmt.Sprint(poolSize),
			"--om-rank", fmt.Sprint(rank),
			flag.Arg(0),
		}
		child := exec.Command(self, args...)
		child.Stdout = os.Stdout
		child.Stderr = os.Stderr
		if err := child.Start(); err != nil {
			for _, started := range children {
				started.Process.Kill()
			}
			return nil, fmt.Errorf("cannot start processing node %d: %w", rank, err)
		}
		children = append(children, child)
	}
	return children, nil
}
