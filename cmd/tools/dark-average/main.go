// Command dark-average computes per-gain-stage dark offsets for a
// Jungfrau-class detector from raw dark-run files, and writes them as an
// HDF5 constants file (datasets gain0, gain1, gain2) ready for the
// monitor's calibration engine.
//
// Each input file is a sequence of raw little-endian uint16 frames of the
// configured shape.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"gonum.org/v1/hdf5"

	"github.com/cfel-sfx/om/internal/calib"
)

var (
	rows   = flag.Int("rows", 512, "Slow-scan extent of one raw frame")
	cols   = flag.Int("cols", 1024, "Fast-scan extent of one raw frame")
	output = flag.String("output", "dark.h5", "Output constants file")
)

func main() {
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <dark-run-file>...\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	if err := run(flag.Args()); err != nil {
		log.Fatalf("dark-average: %v", err)
	}
}

func run(files []string) error {
	avg := calib.NewDarkAverage(*rows, *cols)
	frameBytes := *rows * *cols * 2

	numFrames := 0
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		if len(raw)%frameBytes != 0 {
			return fmt.Errorf("%s is not a whole number of %dx%d frames", path, *rows, *cols)
		}
		frame := make([]uint16, *rows**cols)
		for off := 0; off+frameBytes <= len(raw); off += frameBytes {
			for i := range frame {
				frame[i] = binary.LittleEndian.Uint16(raw[off+i*2:])
			}
			if err := avg.Add(frame); err != nil {
				return err
			}
			numFrames++
		}
	}
	log.Printf("Averaged %d dark frames from %d files", numFrames, len(files))

	return writeConstants(avg.Offsets())
}

func writeConstants(offsets [3][]float32) error {
	f, err := hdf5.CreateFile(*output, hdf5.F_ACC_TRUNC)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", *output, err)
	}
	defer f.Close()

	for g := 0; g < 3; g++ {
		space, err := hdf5.CreateSimpleDataspace([]uint{uint(*rows), uint(*cols)}, nil)
		if err != nil {
			return err
		}
		dset, err := f.CreateDataset(fmt.Sprintf("gain%d", g), hdf5.T_NATIVE_FLOAT, space)
		if err != nil {
			space.Close()
			return err
		}
		err = dset.Write(&offsets[g])
		dset.Close()
		space.Close()
		if err != nil {
			return fmt.Errorf("cannot write gain%d: %w", g, err)
		}
	}
	log.Printf("Wrote dark constants to %s", *output)
	return nil
}
