package crystallography

import (
	"time"

	"github.com/cfel-sfx/om/internal/broadcast"
	"github.com/cfel-sfx/om/internal/governor"
	"github.com/cfel-sfx/om/internal/monitoring"
	"github.com/cfel-sfx/om/internal/processor"
	"github.com/cfel-sfx/om/internal/radial"
	"github.com/cfel-sfx/om/internal/runlog"
)

// Broadcast tags consumed by the external viewers.
const (
	tagData      = "omdata"
	tagFrameData = "omframedata"
)

// InitCollector builds the aggregation state and opens the external
// sockets of the collecting node.
func (m *Monitor) InitCollector(rank, poolSize int) error {
	if err := m.loadPixelMaps(); err != nil {
		return err
	}
	rows, cols := m.cfg.layout.Rows(), m.cfg.layout.Cols()

	m.gov = governor.New(m.cfg.governorCfg, poolSize)
	m.hitRate = newHitRateTracker(m.cfg.hitRateWindow)
	m.peakogram = newPeakogram(300, float64(m.rmap.MaxRadius()), m.cfg.peakogramIntBin)
	m.powder = newPowderPlot(rows, cols)

	if m.cfg.radialOn {
		numBins := int(m.rmap.MaxRadius()) + 1
		maxBin := m.cfg.radialMaxBin
		if maxBin <= 0 || maxBin > numBins {
			maxBin = numBins
		}
		avg, err := radial.NewFilteredAverage(
			m.cfg.radialMode, m.cfg.radialProfiles, numBins,
			m.cfg.radialSigma, m.cfg.radialMinBin, maxBin,
		)
		if err != nil {
			return err
		}
		m.average = avg
	}

	b, err := broadcast.NewBroadcaster(m.cfg.broadcastURL)
	if err != nil {
		return err
	}
	m.broadcaster = b
	monitoring.Logf("Broadcasting data...")

	r, err := broadcast.NewResponder(m.cfg.respondingURL, false)
	if err != nil {
		b.Close()
		return err
	}
	m.responder = r

	if m.cfg.runlogPath != "" {
		catalog, err := runlog.Open(m.cfg.runlogPath)
		if err != nil {
			return err
		}
		m.catalog = catalog
		if m.runID, err = catalog.StartRun(m.cfg.sourceString, poolSize); err != nil {
			return err
		}
	}
	return nil
}

// CollectData aggregates one result, broadcasts on cadence and requests
// sample frames from the processing nodes.
func (m *Monitor) CollectData(rank, poolSize int, result processor.Result, sender int) (processor.Feedback, error) {
	timestamp, _ := result[keyTimestamp].(float64)
	hit, _ := result[keyFrameIsHit].(bool)
	m.lastStamp = timestamp

	if hit {
		m.gov.AddHit()
	} else {
		m.gov.AddNonHit()
	}
	rate := m.hitRate.add(timestamp, hit)

	if hit {
		if peaks, err := payloadToPeaks(result[keyPeaks]); err == nil {
			m.peakogram.add(peaks, m.radiusOf)
			m.powder.add(peaks)
		} else {
			monitoring.Warnf("Cannot decode a peak list from rank %d: %v", sender, err)
		}
	}

	if m.average != nil {
		unscaled, okU := result[keyRadialUnscaled].(*broadcast.Array)
		scaled, okS := result[keyRadialScaled].(*broadcast.Array)
		if okU && okS {
			u, errU := unscaled.Float64Values()
			s, errS := scaled.Float64Values()
			if errU == nil && errS == nil {
				if _, _, err := m.average.Add(u, s); err != nil {
					monitoring.Warnf("Cannot aggregate a radial profile: %v", err)
				}
			}
		}
	}

	if m.gov.ShouldReportSpeed() {
		report := m.gov.SpeedReport()
		monitoring.Logf("%s", report)
		if m.catalog != nil {
			if err := m.catalog.RecordSpeedReport(m.runID, m.gov.NumEvents(), m.gov.NumHits(), 0); err != nil {
				monitoring.Warnf("Cannot record a speed report: %v", err)
			}
		}
	}

	if m.gov.ShouldBroadcast() {
		m.lastSummary = m.summaryPayload(rate)
		if err := m.broadcaster.SendData(tagData, m.lastSummary); err != nil {
			monitoring.Warnf("Cannot broadcast aggregated data: %v", err)
		}
	}

	// forward a full detector frame when a processing node supplied one
	if frame, ok := result[keyDetectorData].(*broadcast.Array); ok {
		framePayload := map[string]interface{}{
			"timestamp":     timestamp,
			"detector_data": frame,
			"frame_is_hit":  hit,
			"peak_list":     result[keyPeaks],
		}
		if err := m.broadcaster.SendData(tagFrameData, framePayload); err != nil {
			monitoring.Warnf("Cannot broadcast frame data: %v", err)
		}
	}

	// ask the next node round-robin for a sample frame
	if hit && m.gov.ShouldSendHitFrame() {
		return processor.Feedback{
			m.gov.NextSampleSource(): {keySendFrame: true},
		}, nil
	}
	if !hit && m.gov.ShouldSendNonHitFrame() {
		return processor.Feedback{
			m.gov.NextSampleSource(): {keySendFrame: true},
		}, nil
	}
	return nil, nil
}

// summaryPayload assembles the aggregate dictionary shipped to viewers.
func (m *Monitor) summaryPayload(currentRate float64) map[string]interface{} {
	stamps, rates := m.hitRate.history()
	payload := map[string]interface{}{}
	payload["timestamp"] = m.lastStamp
	payload["num_events"] = int64(m.gov.NumEvents())
	payload["num_hits"] = int64(m.gov.NumHits())
	payload["hit_rate"] = currentRate
	payload["hit_rate_history"] = broadcast.Float64Array([]int{len(rates)}, rates)
	payload["hit_rate_timestamp_history"] = broadcast.Float64Array([]int{len(stamps)}, stamps)
	payload["peakogram"] = m.peakogram.toArray()
	payload["virtual_powder_plot"] = m.powder.toArray()
	payload["start_timestamp"] = float64(m.gov.StartTime().UnixNano()) / 1e9
	if m.average != nil {
		avg := m.average.Average()
		payload["radial_profile_average"] = broadcast.Float64Array([]int{len(avg)}, avg)
		payload["radial_profile_percent"] = m.average.Percent()
	}
	return payload
}

// WaitForData runs while no result is pending: it answers external
// requests with the most recent aggregate summary.
func (m *Monitor) WaitForData(rank, poolSize int) error {
	req, err := m.responder.GetRequest()
	if err != nil {
		monitoring.Warnf("Cannot read an external request: %v", err)
		return nil
	}
	if req == nil {
		// nothing pending: back off briefly instead of spinning
		time.Sleep(time.Millisecond)
		return nil
	}
	summary := m.lastSummary
	if summary == nil {
		summary = map[string]interface{}{"timestamp": m.lastStamp}
	}
	if err := m.responder.SendPayload(req.Identity, summary); err != nil {
		monitoring.Warnf("Cannot answer an external request: %v", err)
	}
	return nil
}

// FinalizeCollector emits one final aggregate message and releases the
// collector's resources.
func (m *Monitor) FinalizeCollector(rank, poolSize int) error {
	if m.broadcaster != nil {
		final := m.summaryPayload(m.hitRate.rateNow())
		final["finished"] = true
		if err := m.broadcaster.SendData(tagData, final); err != nil {
			monitoring.Warnf("Cannot broadcast the final summary: %v", err)
		}
		m.broadcaster.Close()
	}
	if m.responder != nil {
		m.responder.Close()
	}
	if m.catalog != nil {
		if err := m.catalog.FinishRun(m.runID, m.gov.NumEvents(), m.gov.NumHits()); err != nil {
			monitoring.Warnf("Cannot record the run completion: %v", err)
		}
		m.catalog.Close()
	}
	monitoring.Logf("Processed %d events (%d hits).", m.gov.NumEvents(), m.gov.NumHits())
	return nil
}
