// Package peakfinder implements the peakfinder8 Bragg-peak detection
// strategy from the Cheetah software package (Barty et al., J Appl
// Crystallogr 47, 1118-1131, 2014).
//
// A detector data frame is treated as a grid of independent ASIC-sized
// panels. In every panel the algorithm estimates the background per radial
// bin with iterative outlier rejection, thresholds seed pixels against the
// local radial statistics, groups adjacent seeds into connected components
// and characterizes each accepted component as one peak.
package peakfinder

import (
	"errors"
	"fmt"
	"math"

	"github.com/cfel-sfx/om/internal/geom"
)

// ErrBadFrame reports input arrays whose shape does not match the panel
// layout the finder was built for.
var ErrBadFrame = errors.New("peakfinder: frame shape mismatch")

// Layout describes how a data frame decomposes into detector panels: the
// frame is NAsicsY x NAsicsX panels, each AsicNY rows by AsicNX columns.
type Layout struct {
	AsicNX  int
	AsicNY  int
	NAsicsX int
	NAsicsY int
}

// Rows returns the slow-scan extent of a full frame with this layout.
func (l Layout) Rows() int { return l.AsicNY * l.NAsicsY }

// Cols returns the fast-scan extent of a full frame with this layout.
func (l Layout) Cols() int { return l.AsicNX * l.NAsicsX }

// Params holds the peak-search parameters.
type Params struct {
	ADCThresh     float32 // minimum ADC value for a seed pixel
	MinSNR        float32 // minimum signal-to-noise ratio over the radial background
	MinPixCount   int     // smallest accepted connected component
	MaxPixCount   int     // largest accepted connected component
	LocalBGRadius int     // radius of the local-background annulus, in pixels
	MaxNumPeaks   int     // peak-list capacity; later peaks are dropped

	// BGStatsIterations caps the outlier-rejection loop of the radial
	// statistics. Zero selects the conventional value of 5.
	BGStatsIterations int
}

// PeakList is the outcome of one peak search: parallel slices, one entry per
// peak, in detection order. FS and SS are fractional coordinates in the full
// frame.
type PeakList struct {
	NumPeaks          int
	FS                []float32
	SS                []float32
	Intensity         []float32
	NumPixels         []uint32
	MaxPixelIntensity []float32
	SNR               []float32
}

func (p *PeakList) reset() {
	p.NumPeaks = 0
	p.FS = p.FS[:0]
	p.SS = p.SS[:0]
	p.Intensity = p.Intensity[:0]
	p.NumPixels = p.NumPixels[:0]
	p.MaxPixelIntensity = p.MaxPixelIntensity[:0]
	p.SNR = p.SNR[:0]
}

func (p *PeakList) append(fs, ss, intensity float32, numPixels uint32, maxPix, snr float32) {
	p.FS = append(p.FS, fs)
	p.SS = append(p.SS, ss)
	p.Intensity = append(p.Intensity, intensity)
	p.NumPixels = append(p.NumPixels, numPixels)
	p.MaxPixelIntensity = append(p.MaxPixelIntensity, maxPix)
	p.SNR = append(p.SNR, snr)
	p.NumPeaks++
}

// Finder runs peakfinder8 searches over frames of one fixed layout. It owns
// the scratch buffers of the search, so one Finder must not be shared across
// goroutines; reusing it across events avoids per-event allocation.
type Finder struct {
	layout Layout
	params Params

	// per-panel scratch, sized AsicNY*AsicNX
	binIndex []int32 // radial bin of each panel pixel, -1 when masked
	excluded []bool  // pixel currently excluded from the radial statistics
	seed     []bool  // pixel passed the seed thresholds
	visited  []bool  // pixel already claimed by a connected component
	stack    []int32   // flood-fill worklist
	group    []int32   // members of the component under construction
	groupBG  []float64 // per-member local-background estimate

	// per-bin scratch
	binSum   []float64
	binSumSq []float64
	binCount []int64
	binMean  []float64
	binSigma []float64

	peaks PeakList
}

// NewFinder creates a Finder for the given panel layout and parameters.
func NewFinder(layout Layout, params Params) (*Finder, error) {
	if layout.AsicNX <= 0 || layout.AsicNY <= 0 || layout.NAsicsX <= 0 || layout.NAsicsY <= 0 {
		return nil, fmt.Errorf("peakfinder: invalid layout %+v", layout)
	}
	if params.MaxNumPeaks <= 0 {
		return nil, fmt.Errorf("peakfinder: max_num_peaks must be positive")
	}
	if params.MinPixCount <= 0 || params.MaxPixCount < params.MinPixCount {
		return nil, fmt.Errorf("peakfinder: invalid pixel-count window [%d, %d]",
			params.MinPixCount, params.MaxPixCount)
	}
	if params.BGStatsIterations == 0 {
		params.BGStatsIterations = 5
	}
	n := layout.AsicNX * layout.AsicNY
	return &Finder{
		layout:   layout,
		params:   params,
		binIndex: make([]int32, n),
		excluded: make([]bool, n),
		seed:     make([]bool, n),
		visited:  make([]bool, n),
		stack:    make([]int32, 0, n),
		group:    make([]int32, 0, params.MaxPixCount),
	}, nil
}

// FindPeaks searches one frame and returns the resulting peak list. The
// returned list is owned by the Finder and overwritten by the next call.
//
// Panels are processed in row-major panel-index order and, within a panel,
// pixels in row-major order; the ordering of the returned peaks is part of
// the contract.
func (f *Finder) FindPeaks(frame *geom.Frame, mask *geom.BadPixelMap, rmap *geom.RadiusMap) (*PeakList, error) {
	rows, cols := f.layout.Rows(), f.layout.Cols()
	if !frame.SameShape(rows, cols) {
		return nil, fmt.Errorf("%w: frame is (%d, %d), layout wants (%d, %d)",
			ErrBadFrame, frame.Rows, frame.Cols, rows, cols)
	}
	if mask.Rows != rows || mask.Cols != cols || rmap.Rows != rows || rmap.Cols != cols {
		return nil, fmt.Errorf("%w: mask or radius map does not match layout (%d, %d)",
			ErrBadFrame, rows, cols)
	}

	f.peaks.reset()
	for panelY := 0; panelY < f.layout.NAsicsY; panelY++ {
		for panelX := 0; panelX < f.layout.NAsicsX; panelX++ {
			f.searchPanel(frame, mask, rmap, panelX, panelY)
			if f.peaks.NumPeaks >= f.params.MaxNumPeaks {
				f.peaks.NumPeaks = f.params.MaxNumPeaks
				f.truncate()
				return &f.peaks, nil
			}
		}
	}
	return &f.peaks, nil
}

func (f *Finder) truncate() {
	n := f.peaks.NumPeaks
	f.peaks.FS = f.peaks.FS[:n]
	f.peaks.SS = f.peaks.SS[:n]
	f.peaks.Intensity = f.peaks.Intensity[:n]
	f.peaks.NumPixels = f.peaks.NumPixels[:n]
	f.peaks.MaxPixelIntensity = f.peaks.MaxPixelIntensity[:n]
	f.peaks.SNR = f.peaks.SNR[:n]
}

// panelOrigin returns the global frame coordinates of a panel's first
// pixel.
func (f *Finder) panelOrigin(panelX, panelY int) (ss0, fs0 int) {
	return panelY * f.layout.AsicNY, panelX * f.layout.AsicNX
}

func (f *Finder) searchPanel(frame *geom.Frame, mask *geom.BadPixelMap, rmap *geom.RadiusMap, panelX, panelY int) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	ss0, fs0 := f.panelOrigin(panelX, panelY)

	// map panel pixels to radial bins and find the bin count
	numBins := 0
	for ls := 0; ls < ny; ls++ {
		globalRow := (ss0 + ls) * frame.Cols
		for lf := 0; lf < nx; lf++ {
			li := ls*nx + lf
			gi := globalRow + fs0 + lf
			f.excluded[li] = false
			f.seed[li] = false
			f.visited[li] = false
			if mask.Data[gi] == 0 {
				f.binIndex[li] = -1
				continue
			}
			bin := int(rmap.Data[gi])
			f.binIndex[li] = int32(bin)
			if bin+1 > numBins {
				numBins = bin + 1
			}
		}
	}
	f.growBins(numBins)

	f.radialStatistics(frame, ss0, fs0, numBins)
	f.markSeeds(frame, ss0, fs0)
	f.collectPeaks(frame, mask, panelX, panelY)
}

func (f *Finder) growBins(numBins int) {
	if cap(f.binSum) < numBins {
		f.binSum = make([]float64, numBins)
		f.binSumSq = make([]float64, numBins)
		f.binCount = make([]int64, numBins)
		f.binMean = make([]float64, numBins)
		f.binSigma = make([]float64, numBins)
	}
	f.binSum = f.binSum[:numBins]
	f.binSumSq = f.binSumSq[:numBins]
	f.binCount = f.binCount[:numBins]
	f.binMean = f.binMean[:numBins]
	f.binSigma = f.binSigma[:numBins]
}

// accumulateBinStats recomputes the per-bin accumulators and the derived
// mean/sigma over the currently included panel pixels.
func (f *Finder) accumulateBinStats(frame *geom.Frame, ss0, fs0, numBins int) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	for b := 0; b < numBins; b++ {
		f.binSum[b] = 0
		f.binSumSq[b] = 0
		f.binCount[b] = 0
	}
	for ls := 0; ls < ny; ls++ {
		globalRow := (ss0 + ls) * frame.Cols
		for lf := 0; lf < nx; lf++ {
			li := ls*nx + lf
			bin := f.binIndex[li]
			if bin < 0 || f.excluded[li] {
				continue
			}
			v := float64(frame.Data[globalRow+fs0+lf])
			f.binSum[bin] += v
			f.binSumSq[bin] += v * v
			f.binCount[bin]++
		}
	}
	for b := 0; b < numBins; b++ {
		if f.binCount[b] == 0 {
			f.binMean[b] = 0
			f.binSigma[b] = 0
			continue
		}
		n := float64(f.binCount[b])
		mean := f.binSum[b] / n
		variance := f.binSumSq[b]/n - mean*mean
		if variance < 0 {
			variance = 0
		}
		f.binMean[b] = mean
		f.binSigma[b] = math.Sqrt(variance)
	}
}

// radialStatistics estimates per-bin mean and sigma over the unmasked panel
// pixels, iteratively excluding pixels that rise above the current threshold
// so that bright peaks do not inflate their own background estimate.
func (f *Finder) radialStatistics(frame *geom.Frame, ss0, fs0, numBins int) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	minSNR := float64(f.params.MinSNR)

	stale := false
	for iter := 0; iter < f.params.BGStatsIterations; iter++ {
		f.accumulateBinStats(frame, ss0, fs0, numBins)
		stale = false

		// exclude newly over-threshold pixels; converged when none appear
		changed := false
		for ls := 0; ls < ny; ls++ {
			globalRow := (ss0 + ls) * frame.Cols
			for lf := 0; lf < nx; lf++ {
				li := ls*nx + lf
				bin := f.binIndex[li]
				if bin < 0 || f.excluded[li] {
					continue
				}
				v := float64(frame.Data[globalRow+fs0+lf])
				if v > f.binMean[bin]+minSNR*f.binSigma[bin] {
					f.excluded[li] = true
					changed = true
				}
			}
		}
		if !changed {
			break
		}
		stale = true
	}
	if stale {
		// the iteration cap cut the loop short of convergence; refresh the
		// statistics for the final excluded set
		f.accumulateBinStats(frame, ss0, fs0, numBins)
	}
}

// markSeeds flags the panel pixels that qualify as peak seed candidates. A
// pixel that still contributes to its bin's statistics is tested against the
// leave-one-out mean and sigma of the bin, so that an isolated bright pixel
// cannot raise its own threshold past itself.
func (f *Finder) markSeeds(frame *geom.Frame, ss0, fs0 int) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	adcThresh := float64(f.params.ADCThresh)
	minSNR := float64(f.params.MinSNR)
	for ls := 0; ls < ny; ls++ {
		globalRow := (ss0 + ls) * frame.Cols
		for lf := 0; lf < nx; lf++ {
			li := ls*nx + lf
			bin := f.binIndex[li]
			if bin < 0 {
				continue
			}
			v := float64(frame.Data[globalRow+fs0+lf])
			if v <= adcThresh {
				f.seed[li] = false
				continue
			}
			var mean, sigma float64
			if f.excluded[li] {
				mean, sigma = f.binMean[bin], f.binSigma[bin]
			} else {
				mean, sigma = f.leaveOneOut(bin, v)
			}
			f.seed[li] = v > mean+minSNR*sigma
		}
	}
}

// leaveOneOut returns the mean and sigma of a bin with one contribution of
// value v removed.
func (f *Finder) leaveOneOut(bin int32, v float64) (mean, sigma float64) {
	n := f.binCount[bin] - 1
	if n <= 0 {
		return 0, 0
	}
	mean = (f.binSum[bin] - v) / float64(n)
	variance := (f.binSumSq[bin]-v*v)/float64(n) - mean*mean
	if variance > 0 {
		sigma = math.Sqrt(variance)
	}
	return mean, sigma
}

// collectPeaks groups adjacent seed pixels with 4-connectivity and turns
// each accepted group into one peak.
func (f *Finder) collectPeaks(frame *geom.Frame, mask *geom.BadPixelMap, panelX, panelY int) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	ss0, fs0 := f.panelOrigin(panelX, panelY)

	for ls := 0; ls < ny; ls++ {
		for lf := 0; lf < nx; lf++ {
			li := ls*nx + lf
			if !f.seed[li] || f.visited[li] {
				continue
			}
			f.floodFill(int32(li))
			if len(f.group) < f.params.MinPixCount || len(f.group) > f.params.MaxPixCount {
				continue
			}
			f.characterize(frame, mask, ss0, fs0)
			if f.peaks.NumPeaks >= f.params.MaxNumPeaks {
				return
			}
		}
	}
}

// floodFill gathers the 4-connected component of seed pixels containing
// start into f.group.
func (f *Finder) floodFill(start int32) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	f.group = f.group[:0]
	f.stack = append(f.stack[:0], start)
	f.visited[start] = true
	for len(f.stack) > 0 {
		li := f.stack[len(f.stack)-1]
		f.stack = f.stack[:len(f.stack)-1]
		f.group = append(f.group, li)

		ls, lf := int(li)/nx, int(li)%nx
		if lf > 0 {
			f.pushIfSeed(li - 1)
		}
		if lf < nx-1 {
			f.pushIfSeed(li + 1)
		}
		if ls > 0 {
			f.pushIfSeed(li - int32(nx))
		}
		if ls < ny-1 {
			f.pushIfSeed(li + int32(nx))
		}
	}
}

func (f *Finder) pushIfSeed(li int32) {
	if f.seed[li] && !f.visited[li] {
		f.visited[li] = true
		f.stack = append(f.stack, li)
	}
}

// characterize measures one connected component and appends it to the peak
// list. The local background is sampled on the square annulus at Chebyshev
// distance LocalBGRadius around each member pixel, excluding masked pixels
// and the component itself.
func (f *Finder) characterize(frame *geom.Frame, mask *geom.BadPixelMap, ss0, fs0 int) {
	nx := f.layout.AsicNX
	bgR := f.params.LocalBGRadius

	inGroup := func(li int32) bool {
		for _, m := range f.group {
			if m == li {
				return true
			}
		}
		return false
	}

	// aggregate background statistics over the union of the members' annuli
	var bgSum, bgSumSq float64
	var bgN int64
	if cap(f.groupBG) < len(f.group) {
		f.groupBG = make([]float64, len(f.group))
	}
	perPixelBG := f.groupBG[:len(f.group)]
	for i := range perPixelBG {
		perPixelBG[i] = 0
	}
	for gi, li := range f.group {
		localSum := 0.0
		localN := int64(0)
		f.annulus(int(li), bgR, func(ai int) {
			gssA := ss0 + ai/nx
			gfsA := fs0 + ai%nx
			gidx := gssA*frame.Cols + gfsA
			if mask.Data[gidx] == 0 || inGroup(int32(ai)) {
				return
			}
			v := float64(frame.Data[gidx])
			localSum += v
			localN++
			bgSum += v
			bgSumSq += v * v
			bgN++
		})
		if localN > 0 {
			perPixelBG[gi] = localSum / float64(localN)
		}
	}
	var bgSigma float64
	if bgN > 0 {
		mean := bgSum / float64(bgN)
		variance := bgSumSq/float64(bgN) - mean*mean
		if variance > 0 {
			bgSigma = math.Sqrt(variance)
		}
	}

	var totalIntensity, weightedFS, weightedSS, maxPix float64
	maxPix = math.Inf(-1)
	for gi, li := range f.group {
		ls, lf := int(li)/nx, int(li)%nx
		gss := ss0 + ls
		gfs := fs0 + lf
		v := float64(frame.Data[gss*frame.Cols+gfs])
		if v > maxPix {
			maxPix = v
		}
		w := v - perPixelBG[gi]
		totalIntensity += w
		weightedFS += w * float64(gfs)
		weightedSS += w * float64(gss)
	}

	var fs, ss float64
	if totalIntensity != 0 {
		fs = weightedFS / totalIntensity
		ss = weightedSS / totalIntensity
	} else {
		// degenerate component: fall back to the unweighted center
		for _, li := range f.group {
			fs += float64(fs0 + int(li)%nx)
			ss += float64(ss0 + int(li)/nx)
		}
		fs /= float64(len(f.group))
		ss /= float64(len(f.group))
	}

	snr := 0.0
	if bgSigma > 0 {
		snr = totalIntensity / (bgSigma * math.Sqrt(float64(len(f.group))))
	}

	f.peaks.append(float32(fs), float32(ss), float32(totalIntensity),
		uint32(len(f.group)), float32(maxPix), float32(snr))
}

// annulus visits the local panel indices on the square ring at Chebyshev
// distance r around the local index center, clipped to the panel bounds.
func (f *Finder) annulus(center, r int, visit func(li int)) {
	nx, ny := f.layout.AsicNX, f.layout.AsicNY
	cs, cf := center/nx, center%nx
	for ds := -r; ds <= r; ds++ {
		ls := cs + ds
		if ls < 0 || ls >= ny {
			continue
		}
		for df := -r; df <= r; df++ {
			if ds > -r && ds < r && df > -r && df < r {
				continue // interior of the box, not on the ring
			}
			lf := cf + df
			if lf < 0 || lf >= nx {
				continue
			}
			visit(ls*nx + lf)
		}
	}
}
