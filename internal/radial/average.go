package radial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// FilterMode selects the acceptance predicate applied to incoming profiles
// before they are committed to the running average.
type FilterMode int

const (
	// FilterByIntensitySum accepts a profile when its total intensity lies
	// within sigmaThreshold standard deviations of the recent mean.
	FilterByIntensitySum FilterMode = iota
	// FilterByBinIntensity accepts a profile when every bin of the scale
	// region lies within sigmaThreshold standard deviations of that bin's
	// recent mean.
	FilterByBinIntensity
	// FilterNone accepts every profile.
	FilterNone
)

// FilterModeFromInt maps the configuration-file encoding (0, 1, 2) to a
// FilterMode.
func FilterModeFromInt(v int) (FilterMode, error) {
	switch v {
	case 0:
		return FilterByIntensitySum, nil
	case 1:
		return FilterByBinIntensity, nil
	case 2:
		return FilterNone, nil
	}
	return 0, fmt.Errorf("radial: unknown filter mode %d", v)
}

// ring is a fixed-length circular buffer of radial profiles with an explicit
// warm-up phase: until size profiles have been pushed, statistics run over
// the valid prefix only, never over zero padding. The single state
// transition happens when count reaches size.
type ring struct {
	size    int
	numBins int
	rows    [][]float64
	count   uint64
}

func newRing(size, numBins int) *ring {
	rows := make([][]float64, size)
	for i := range rows {
		rows[i] = make([]float64, numBins)
	}
	return &ring{size: size, numBins: numBins, rows: rows}
}

// warm reports whether the buffer has wrapped at least once.
func (r *ring) warm() bool { return r.count >= uint64(r.size) }

// validLen returns the number of slots holding real profiles.
func (r *ring) validLen() int {
	if r.warm() {
		return r.size
	}
	return int(r.count)
}

// push stores a profile at the write position count mod size.
func (r *ring) push(profile []float64) {
	copy(r.rows[r.count%uint64(r.size)], profile)
	r.count++
}

// FilteredAverage maintains a running average of radial profiles with
// outlier rejection, so that hit-rate and scattering statistics stay stable
// through beam dropouts and other anomalous events.
//
// Every incoming unscaled profile is recorded in a statistics ring; only
// profiles accepted by the filter are committed to the averaging ring. The
// split keeps rejected profiles out of the published average while still
// letting the acceptance window track slow drifts of the beam.
type FilteredAverage struct {
	mode           FilterMode
	sigmaThreshold float64
	minBin, maxBin int
	numBins        int

	ringStd  *ring
	ringAvg  *ring
	usedRing []bool // acceptance flag per statistics slot
	average  []float64

	numEvents   uint64
	numAccepted uint64
}

// NewFilteredAverage creates a filtered running average over rings of
// numProfiles slots, for profiles of numBins bins. minBin and maxBin bound
// the scale region used by FilterByBinIntensity.
func NewFilteredAverage(mode FilterMode, numProfiles, numBins int, sigmaThreshold float64, minBin, maxBin int) (*FilteredAverage, error) {
	if numProfiles <= 0 {
		return nil, fmt.Errorf("radial: number of profiles must be positive, got %d", numProfiles)
	}
	if numBins <= 0 {
		return nil, fmt.Errorf("radial: number of bins must be positive, got %d", numBins)
	}
	if minBin < 0 || maxBin > numBins || minBin >= maxBin {
		return nil, fmt.Errorf("radial: invalid scale region [%d, %d) for %d bins", minBin, maxBin, numBins)
	}
	return &FilteredAverage{
		mode:           mode,
		sigmaThreshold: sigmaThreshold,
		minBin:         minBin,
		maxBin:         maxBin,
		numBins:        numBins,
		ringStd:        newRing(numProfiles, numBins),
		ringAvg:        newRing(numProfiles, numBins),
		usedRing:       make([]bool, numProfiles),
		average:        make([]float64, numBins),
	}, nil
}

// Add offers one profile to the running average: unscaled is used for the
// acceptance decision, scaled is what gets committed when accepted. It
// returns whether the profile was accepted and the cumulative acceptance
// percentage.
func (f *FilteredAverage) Add(unscaled, scaled []float64) (accepted bool, percent float64, err error) {
	if len(unscaled) != f.numBins || len(scaled) != f.numBins {
		return false, 0, fmt.Errorf("%w: profile has %d/%d bins, average wants %d",
			ErrProfile, len(unscaled), len(scaled), f.numBins)
	}

	switch f.mode {
	case FilterByIntensitySum:
		accepted = f.acceptByIntensitySum(unscaled)
	case FilterByBinIntensity:
		accepted = f.acceptByBinIntensity(unscaled)
	case FilterNone:
		accepted = true
	}

	f.usedRing[f.ringStd.count%uint64(f.ringStd.size)] = accepted
	f.ringStd.push(unscaled)
	f.numEvents++
	if accepted {
		f.ringAvg.push(scaled)
		f.numAccepted++
		f.recomputeAverage()
	}
	return accepted, f.Percent(), nil
}

// acceptByIntensitySum compares the profile's total intensity against the
// statistics of the recent intensity sums. An empty statistics ring accepts
// unconditionally.
func (f *FilteredAverage) acceptByIntensitySum(unscaled []float64) bool {
	n := f.ringStd.validLen()
	if n == 0 {
		return true
	}
	sums := make([]float64, n)
	for i := 0; i < n; i++ {
		sums[i] = sum(f.ringStd.rows[i])
	}
	mean := stat.Mean(sums, nil)
	sigma := stat.PopStdDev(sums, nil)
	return math.Abs(sum(unscaled)-mean) <= f.sigmaThreshold*sigma
}

// acceptByBinIntensity requires every bin of the scale region to sit within
// the threshold of that bin's recent statistics.
func (f *FilteredAverage) acceptByBinIntensity(unscaled []float64) bool {
	n := f.ringStd.validLen()
	if n == 0 {
		return true
	}
	column := make([]float64, n)
	for b := f.minBin; b < f.maxBin; b++ {
		for i := 0; i < n; i++ {
			column[i] = f.ringStd.rows[i][b]
		}
		mean := stat.Mean(column, nil)
		sigma := stat.PopStdDev(column, nil)
		if math.Abs(unscaled[b]-mean) > f.sigmaThreshold*sigma {
			return false
		}
	}
	return true
}

func (f *FilteredAverage) recomputeAverage() {
	n := f.ringAvg.validLen()
	for b := 0; b < f.numBins; b++ {
		total := 0.0
		for i := 0; i < n; i++ {
			total += f.ringAvg.rows[i][b]
		}
		f.average[b] = total / float64(n)
	}
}

// Average returns the current running average. The slice is owned by the
// FilteredAverage and updated in place on every accepted profile.
func (f *FilteredAverage) Average() []float64 { return f.average }

// NumAccepted returns how many profiles have been committed to the average.
func (f *FilteredAverage) NumAccepted() uint64 { return f.numAccepted }

// NumEvents returns how many profiles have been offered.
func (f *FilteredAverage) NumEvents() uint64 { return f.numEvents }

// Percent returns the cumulative acceptance percentage.
func (f *FilteredAverage) Percent() float64 {
	if f.numEvents == 0 {
		return 0
	}
	return 100 * float64(f.numAccepted) / float64(f.numEvents)
}

func sum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}
