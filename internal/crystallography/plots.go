package crystallography

import (
	"github.com/cfel-sfx/om/internal/broadcast"
	"github.com/cfel-sfx/om/internal/peakfinder"
)

// historyLength bounds the hit-rate history shipped to viewers.
const historyLength = 5000

// hitRateTracker keeps a running-window hit rate plus a bounded history of
// the rate and its timestamps for the viewers.
type hitRateTracker struct {
	window []float64 // 1.0 per hit, 0.0 per non-hit
	pos    int
	filled bool
	rate   []float64 // percentage history
	stamps []float64
}

func newHitRateTracker(windowSize int) *hitRateTracker {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &hitRateTracker{window: make([]float64, windowSize)}
}

// add records one event and returns the current windowed hit rate in
// percent.
func (h *hitRateTracker) add(timestamp float64, hit bool) float64 {
	v := 0.0
	if hit {
		v = 1.0
	}
	h.window[h.pos] = v
	h.pos++
	if h.pos == len(h.window) {
		h.pos = 0
		h.filled = true
	}
	total := 0.0
	for _, w := range h.window {
		total += w
	}
	rate := 100 * total / float64(len(h.window))

	h.rate = append(h.rate, rate)
	h.stamps = append(h.stamps, timestamp)
	if len(h.rate) > historyLength {
		h.rate = h.rate[len(h.rate)-historyLength:]
		h.stamps = h.stamps[len(h.stamps)-historyLength:]
	}
	return rate
}

func (h *hitRateTracker) history() ([]float64, []float64) {
	return h.stamps, h.rate
}

// rateNow returns the most recently computed windowed rate.
func (h *hitRateTracker) rateNow() float64 {
	if len(h.rate) == 0 {
		return 0
	}
	return h.rate[len(h.rate)-1]
}

// peakogram is a 2D histogram of peak radius versus peak maximum intensity,
// the collector-side figure that reveals resolution-dependent signal.
type peakogram struct {
	numBins       int
	radiusBinSize float64
	intensityBin  float64
	counts        []float64 // numBins x numBins, radius-major
}

func newPeakogram(numBins int, maxRadius, intensityBinSize float64) *peakogram {
	if numBins <= 0 {
		numBins = 300
	}
	radiusBin := maxRadius / float64(numBins)
	if radiusBin <= 0 {
		radiusBin = 1
	}
	if intensityBinSize <= 0 {
		intensityBinSize = 100
	}
	return &peakogram{
		numBins:       numBins,
		radiusBinSize: radiusBin,
		intensityBin:  intensityBinSize,
		counts:        make([]float64, numBins*numBins),
	}
}

// add accumulates the peaks of one hit. Peak radii come from the centered
// detector distance of each peak's coordinates.
func (p *peakogram) add(peaks *peakfinder.PeakList, radiusOf func(fs, ss float32) float64) {
	for i := 0; i < peaks.NumPeaks; i++ {
		r := int(radiusOf(peaks.FS[i], peaks.SS[i]) / p.radiusBinSize)
		v := int(float64(peaks.MaxPixelIntensity[i]) / p.intensityBin)
		if r < 0 || r >= p.numBins || v < 0 {
			continue
		}
		if v >= p.numBins {
			v = p.numBins - 1
		}
		p.counts[r*p.numBins+v]++
	}
}

func (p *peakogram) toArray() *broadcast.Array {
	return broadcast.Float64Array([]int{p.numBins, p.numBins}, p.counts)
}

// powderPlot accumulates peak intensities at their detector coordinates: a
// virtual powder pattern built only from detected peaks.
type powderPlot struct {
	rows, cols int
	image      []float64
}

func newPowderPlot(rows, cols int) *powderPlot {
	return &powderPlot{rows: rows, cols: cols, image: make([]float64, rows*cols)}
}

func (p *powderPlot) add(peaks *peakfinder.PeakList) {
	for i := 0; i < peaks.NumPeaks; i++ {
		fs := int(peaks.FS[i] + 0.5)
		ss := int(peaks.SS[i] + 0.5)
		if fs < 0 || fs >= p.cols || ss < 0 || ss >= p.rows {
			continue
		}
		p.image[ss*p.cols+fs] += float64(peaks.Intensity[i])
	}
}

func (p *powderPlot) toArray() *broadcast.Array {
	return broadcast.Float64Array([]int{p.rows, p.cols}, p.image)
}
