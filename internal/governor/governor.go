// Package governor decides when the collecting node broadcasts aggregated
// data, requests sample frames from the processing nodes, and reports its
// processing speed. The predicates are pure functions of the event counters;
// all side effects stay with the caller.
package governor

import (
	"fmt"
	"time"
)

// Config holds the cadence parameters. A zero interval disables the
// corresponding activity.
type Config struct {
	SpeedReportInterval   int
	DataBroadcastInterval int
	HitFrameInterval      int
	NonHitFrameInterval   int
}

// Governor counts processed events and exposes the cadence predicates. It is
// owned by the collecting node and is not safe for concurrent use.
type Governor struct {
	cfg Config

	numEvents uint64
	numHits   uint64

	poolSize   int
	nextSample int // next worker rank to ask for a sample frame

	start    time.Time
	lastTime time.Time
	now      func() time.Time
}

// New creates a governor for a pool of poolSize nodes (one collector plus
// poolSize-1 workers).
func New(cfg Config, poolSize int) *Governor {
	g := &Governor{cfg: cfg, poolSize: poolSize, nextSample: 1, now: time.Now}
	g.start = g.now()
	g.lastTime = g.start
	return g
}

// AddHit counts one event classified as a hit.
func (g *Governor) AddHit() {
	g.numEvents++
	g.numHits++
}

// AddNonHit counts one event classified as a non-hit.
func (g *Governor) AddNonHit() {
	g.numEvents++
}

// NumEvents returns the number of events counted so far.
func (g *Governor) NumEvents() uint64 { return g.numEvents }

// NumHits returns the number of hits counted so far.
func (g *Governor) NumHits() uint64 { return g.numHits }

// HitRate returns the cumulative fraction of events that were hits.
func (g *Governor) HitRate() float64 {
	if g.numEvents == 0 {
		return 0
	}
	return float64(g.numHits) / float64(g.numEvents)
}

// StartTime returns when the governor started counting.
func (g *Governor) StartTime() time.Time { return g.start }

// ShouldBroadcast reports whether aggregated data is due for broadcast:
// true exactly when the event count is a positive multiple of the broadcast
// interval.
func (g *Governor) ShouldBroadcast() bool {
	return g.cfg.DataBroadcastInterval > 0 && g.numEvents > 0 &&
		g.numEvents%uint64(g.cfg.DataBroadcastInterval) == 0
}

// ShouldSendHitFrame reports whether the next hit's detector frame should be
// requested for broadcast.
func (g *Governor) ShouldSendHitFrame() bool {
	return g.cfg.HitFrameInterval > 0 && g.numHits > 0 &&
		g.numHits%uint64(g.cfg.HitFrameInterval) == 0
}

// ShouldSendNonHitFrame reports whether the next non-hit's detector frame
// should be requested for broadcast.
func (g *Governor) ShouldSendNonHitFrame() bool {
	numNonHits := g.numEvents - g.numHits
	return g.cfg.NonHitFrameInterval > 0 && numNonHits > 0 &&
		numNonHits%uint64(g.cfg.NonHitFrameInterval) == 0
}

// ShouldReportSpeed reports whether a speed report is due.
func (g *Governor) ShouldReportSpeed() bool {
	return g.cfg.SpeedReportInterval > 0 && g.numEvents > 0 &&
		g.numEvents%uint64(g.cfg.SpeedReportInterval) == 0
}

// NextSampleSource returns the rank of the worker that should supply the
// next sample frame, cycling round-robin over ranks 1..poolSize-1.
func (g *Governor) NextSampleSource() int {
	rank := g.nextSample
	g.nextSample++
	if g.nextSample >= g.poolSize {
		g.nextSample = 1
	}
	return rank
}

// SpeedReport formats the periodic throughput line and resets the report
// window. The rate covers the events processed since the previous report.
func (g *Governor) SpeedReport() string {
	now := g.now()
	elapsed := now.Sub(g.lastTime).Seconds()
	g.lastTime = now
	rate := 0.0
	if elapsed > 0 {
		rate = float64(g.cfg.SpeedReportInterval) / elapsed
	}
	return fmt.Sprintf("Processed: %d in %.2f seconds (%.2f Hz)", g.numEvents, elapsed, rate)
}
