// Package radial computes azimuthally integrated radial profiles of
// detector frames and maintains filtered running statistics over streams of
// profiles.
package radial

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/cfel-sfx/om/internal/geom"
)

// ErrProfile reports profile inputs whose shape does not match the profiler.
var ErrProfile = errors.New("radial: shape mismatch")

// Profiler bins frame pixels by integer radius and averages them into a
// one-dimensional profile. The bin layout is fixed at construction from the
// radius map; scratch buffers are reused across events.
type Profiler struct {
	rows, cols int
	numBins    int
	binOf      []int32 // per-pixel bin index, -1 for masked pixels
	sum        []float64
	count      []int64
}

// NewProfiler builds a profiler for frames matching the given radius map and
// bad-pixel mask. Bins are one pixel wide; the number of bins covers the
// largest radius in the map.
func NewProfiler(rmap *geom.RadiusMap, mask *geom.BadPixelMap) (*Profiler, error) {
	if mask.Rows != rmap.Rows || mask.Cols != rmap.Cols {
		return nil, fmt.Errorf("%w: mask is (%d, %d), radius map is (%d, %d)",
			ErrProfile, mask.Rows, mask.Cols, rmap.Rows, rmap.Cols)
	}
	numBins := int(rmap.MaxRadius()) + 1
	p := &Profiler{
		rows:    rmap.Rows,
		cols:    rmap.Cols,
		numBins: numBins,
		binOf:   make([]int32, len(rmap.Data)),
		sum:     make([]float64, numBins),
		count:   make([]int64, numBins),
	}
	for i, r := range rmap.Data {
		if mask.Data[i] == 0 {
			p.binOf[i] = -1
			continue
		}
		p.binOf[i] = int32(r)
	}
	return p, nil
}

// NumBins returns the length of the profiles this profiler produces.
func (p *Profiler) NumBins() int { return p.numBins }

// Compute integrates one frame into a radial profile: for every bin, the
// mean over the unmasked pixels at that radius. The out slice must have
// NumBins elements.
func (p *Profiler) Compute(frame *geom.Frame, out []float64) error {
	if !frame.SameShape(p.rows, p.cols) {
		return fmt.Errorf("%w: frame is (%d, %d), profiler wants (%d, %d)",
			ErrProfile, frame.Rows, frame.Cols, p.rows, p.cols)
	}
	if len(out) != p.numBins {
		return fmt.Errorf("%w: output has %d bins, profiler produces %d", ErrProfile, len(out), p.numBins)
	}
	for b := 0; b < p.numBins; b++ {
		p.sum[b] = 0
		p.count[b] = 0
	}
	for i, bin := range p.binOf {
		if bin < 0 {
			continue
		}
		p.sum[bin] += float64(frame.Data[i])
		p.count[bin]++
	}
	for b := 0; b < p.numBins; b++ {
		if p.count[b] > 0 {
			out[b] = p.sum[b] / float64(p.count[b])
		} else {
			out[b] = 0
		}
	}
	return nil
}

// Scale normalizes a profile by its mean intensity over the scale region
// [minBin, maxBin), writing the result to out. A zero or negative region
// mean leaves the profile unscaled.
func Scale(profile, out []float64, minBin, maxBin int) {
	if minBin < 0 {
		minBin = 0
	}
	if maxBin > len(profile) {
		maxBin = len(profile)
	}
	norm := 0.0
	if maxBin > minBin {
		norm = stat.Mean(profile[minBin:maxBin], nil)
	}
	if norm <= 0 {
		copy(out, profile)
		return
	}
	for i, v := range profile {
		out[i] = v / norm
	}
}
