// Package crystallography implements the serial-crystallography processing
// layer: per-event Bragg-peak finding and hit tagging on the processing
// nodes, and hit-rate statistics, virtual powder accumulation and data
// broadcasting on the collecting node.
package crystallography

import (
	"fmt"
	"math"

	"github.com/cfel-sfx/om/internal/broadcast"
	"github.com/cfel-sfx/om/internal/calib"
	"github.com/cfel-sfx/om/internal/geom"
	"github.com/cfel-sfx/om/internal/governor"
	"github.com/cfel-sfx/om/internal/monitoring"
	"github.com/cfel-sfx/om/internal/params"
	"github.com/cfel-sfx/om/internal/peakfinder"
	"github.com/cfel-sfx/om/internal/processor"
	"github.com/cfel-sfx/om/internal/radial"
	"github.com/cfel-sfx/om/internal/runlog"
	"github.com/cfel-sfx/om/internal/source"
	"github.com/cfel-sfx/om/internal/writer"
)

func init() {
	processor.Register("crystallography", NewMonitor)
}

// monitorConfig is everything pulled from the configuration file at
// construction time, before any node-specific initialization.
type monitorConfig struct {
	sourceString string

	layout           peakfinder.Layout
	peakParams       peakfinder.Params
	minPeaksForHit   int
	maxPeaksForHit   int
	hitRateWindow    int
	radiusMapFile    string
	badPixelMapFile  string
	centerSS         float64
	centerFS         float64
	peakogramIntBin  float64
	runlogPath       string
	broadcastURL     string
	respondingURL    string
	governorCfg      governor.Config

	calibrationOn   bool
	darkFilenames   []string
	gainFilenames   []string
	photonEnergyKeV float64

	radialOn       bool
	radialProfiles int
	radialSigma    float64
	radialMode     radial.FilterMode
	radialMinBin   int
	radialMaxBin   int

	writingOn        bool
	writeNonHits     bool
	writeDirectory   string
	writePrefix      string
	writeExtension   string
	writeCompression bool
}

// Monitor is the crystallography Processor. One instance is built on every
// node; InitWorker and InitCollector populate only the state their side
// needs.
type Monitor struct {
	cfg monitorConfig

	// processing-node state
	calibration *calib.JungfrauCalibration
	finder      *peakfinder.Finder
	profiler    *radial.Profiler
	rmap        *geom.RadiusMap
	mask        *geom.BadPixelMap
	frame       *geom.Frame
	rawProfile  []float64
	scaled      []float64
	frameWriter *writer.Writer
	sendFrame   bool

	// collecting-node state
	gov         *governor.Governor
	broadcaster *broadcast.Broadcaster
	responder   *broadcast.Responder
	hitRate     *hitRateTracker
	peakogram   *peakogram
	powder      *powderPlot
	average     *radial.FilteredAverage
	catalog     *runlog.Store
	runID       string
	lastSummary map[string]interface{}
	lastStamp   float64
}

// NewMonitor builds the crystallography processing layer from the monitor
// configuration. Every parameter problem surfaces here, before any node
// starts.
func NewMonitor(pcfg processor.Config) (processor.Processor, error) {
	mp := pcfg.Params
	cfg := monitorConfig{sourceString: pcfg.Source}

	pf, err := mp.Group("peakfinder8_peak_detection")
	if err != nil {
		return nil, err
	}
	if cfg.layout.AsicNX, err = pf.RequiredInt("asic_nx"); err != nil {
		return nil, err
	}
	if cfg.layout.AsicNY, err = pf.RequiredInt("asic_ny"); err != nil {
		return nil, err
	}
	if cfg.layout.NAsicsX, err = pf.RequiredInt("nasics_x"); err != nil {
		return nil, err
	}
	if cfg.layout.NAsicsY, err = pf.RequiredInt("nasics_y"); err != nil {
		return nil, err
	}
	adc, err := pf.RequiredFloat("adc_threshold")
	if err != nil {
		return nil, err
	}
	snr, err := pf.RequiredFloat("minimum_snr")
	if err != nil {
		return nil, err
	}
	cfg.peakParams.ADCThresh = float32(adc)
	cfg.peakParams.MinSNR = float32(snr)
	if cfg.peakParams.MinPixCount, err = pf.RequiredInt("min_pixel_count"); err != nil {
		return nil, err
	}
	if cfg.peakParams.MaxPixCount, err = pf.RequiredInt("max_pixel_count"); err != nil {
		return nil, err
	}
	if cfg.peakParams.LocalBGRadius, err = pf.RequiredInt("local_bg_radius"); err != nil {
		return nil, err
	}
	if cfg.peakParams.MaxNumPeaks, err = pf.IntOr("max_num_peaks", 2048); err != nil {
		return nil, err
	}
	if cfg.peakParams.BGStatsIterations, err = pf.IntOr("bg_stats_iterations", 5); err != nil {
		return nil, err
	}
	if cfg.radiusMapFile, err = pf.StringOr("radius_map_filename", ""); err != nil {
		return nil, err
	}
	if cfg.badPixelMapFile, err = pf.StringOr("bad_pixel_map_filename", ""); err != nil {
		return nil, err
	}

	cr, err := mp.Group("crystallography")
	if err != nil {
		return nil, err
	}
	if cfg.minPeaksForHit, err = cr.RequiredInt("min_num_peaks_for_hit"); err != nil {
		return nil, err
	}
	if cfg.maxPeaksForHit, err = cr.RequiredInt("max_num_peaks_for_hit"); err != nil {
		return nil, err
	}
	if cfg.hitRateWindow, err = cr.IntOr("running_average_window_size", 200); err != nil {
		return nil, err
	}
	rows, cols := cfg.layout.Rows(), cfg.layout.Cols()
	if cfg.centerSS, err = cr.FloatOr("detector_center_ss", float64(rows)/2); err != nil {
		return nil, err
	}
	if cfg.centerFS, err = cr.FloatOr("detector_center_fs", float64(cols)/2); err != nil {
		return nil, err
	}
	if cfg.peakogramIntBin, err = cr.FloatOr("peakogram_intensity_bin_size", 100); err != nil {
		return nil, err
	}
	if cfg.runlogPath, err = cr.StringOr("runlog_db_path", ""); err != nil {
		return nil, err
	}

	om, err := mp.Group("om")
	if err != nil {
		return nil, err
	}
	if cfg.governorCfg.SpeedReportInterval, err = om.IntOr("speed_report_interval", 0); err != nil {
		return nil, err
	}
	if cfg.governorCfg.DataBroadcastInterval, err = om.IntOr("data_broadcast_interval", 0); err != nil {
		return nil, err
	}
	if cfg.governorCfg.HitFrameInterval, err = om.IntOr("hit_frame_sending_interval", 0); err != nil {
		return nil, err
	}
	if cfg.governorCfg.NonHitFrameInterval, err = om.IntOr("non_hit_frame_sending_interval", 0); err != nil {
		return nil, err
	}
	if cfg.broadcastURL, err = om.StringOr("data_broadcast_url", ""); err != nil {
		return nil, err
	}
	if cfg.respondingURL, err = om.StringOr("responding_url", ""); err != nil {
		return nil, err
	}

	cal := mp.GroupOrEmpty("calibration")
	if cfg.calibrationOn, err = cal.BoolOr("enabled", false); err != nil {
		return nil, err
	}
	if cfg.calibrationOn {
		if cfg.darkFilenames, err = cal.RequiredStringList("dark_filenames"); err != nil {
			return nil, err
		}
		if cfg.gainFilenames, err = cal.RequiredStringList("gain_filenames"); err != nil {
			return nil, err
		}
		if cfg.photonEnergyKeV, err = cal.RequiredFloat("photon_energy_kev"); err != nil {
			return nil, err
		}
	}

	rp := mp.GroupOrEmpty("radial_profile")
	if cfg.radialOn, err = rp.BoolOr("enabled", false); err != nil {
		return nil, err
	}
	if cfg.radialOn {
		if cfg.radialProfiles, err = rp.IntOr("num_profiles", 100); err != nil {
			return nil, err
		}
		if cfg.radialSigma, err = rp.FloatOr("sigma_threshold", 3); err != nil {
			return nil, err
		}
		mode, err := rp.IntOr("filter_mode", 2)
		if err != nil {
			return nil, err
		}
		if cfg.radialMode, err = radial.FilterModeFromInt(mode); err != nil {
			return nil, fmt.Errorf("%w: %v", params.ErrConfiguration, err)
		}
		if cfg.radialMinBin, err = rp.IntOr("min_radial_bin", 0); err != nil {
			return nil, err
		}
		if cfg.radialMaxBin, err = rp.IntOr("max_radial_bin", 0); err != nil {
			return nil, err
		}
	}

	fw := mp.GroupOrEmpty("frame_writing")
	if cfg.writingOn, err = fw.BoolOr("enabled", false); err != nil {
		return nil, err
	}
	if cfg.writingOn {
		if cfg.writeDirectory, err = fw.RequiredString("directory"); err != nil {
			return nil, err
		}
		if cfg.writePrefix, err = fw.StringOr("prefix", "processed"); err != nil {
			return nil, err
		}
		if cfg.writeExtension, err = fw.StringOr("extension", "h5"); err != nil {
			return nil, err
		}
		if cfg.writeCompression, err = fw.BoolOr("compression", false); err != nil {
			return nil, err
		}
		if cfg.writeNonHits, err = fw.BoolOr("write_non_hits", false); err != nil {
			return nil, err
		}
	}

	return &Monitor{cfg: cfg}, nil
}

// loadPixelMaps builds the radius map and bad-pixel mask, from files when
// configured and from the detector layout otherwise.
func (m *Monitor) loadPixelMaps() error {
	rows, cols := m.cfg.layout.Rows(), m.cfg.layout.Cols()
	if m.cfg.radiusMapFile != "" {
		rmap, err := geom.LoadRadiusMap(m.cfg.radiusMapFile, rows, cols)
		if err != nil {
			return err
		}
		m.rmap = rmap
	} else {
		m.rmap = geom.CenteredRadiusMap(rows, cols, m.cfg.centerSS, m.cfg.centerFS)
	}
	if m.cfg.badPixelMapFile != "" {
		mask, err := geom.LoadBadPixelMap(m.cfg.badPixelMapFile, rows, cols)
		if err != nil {
			return err
		}
		m.mask = mask
	} else {
		m.mask = geom.NewBadPixelMap(rows, cols)
	}
	return nil
}

// InitWorker builds the per-event algorithm chain of one processing node.
func (m *Monitor) InitWorker(rank, poolSize int) error {
	if err := m.loadPixelMaps(); err != nil {
		return err
	}
	rows, cols := m.cfg.layout.Rows(), m.cfg.layout.Cols()

	finder, err := peakfinder.NewFinder(m.cfg.layout, m.cfg.peakParams)
	if err != nil {
		return err
	}
	m.finder = finder
	m.frame = geom.NewFrame(rows, cols)

	if m.cfg.calibrationOn {
		constants, err := calib.LoadConstants(m.cfg.darkFilenames, m.cfg.gainFilenames)
		if err != nil {
			return err
		}
		if m.calibration, err = calib.New(constants, m.cfg.photonEnergyKeV); err != nil {
			return err
		}
	}

	if m.cfg.radialOn {
		profiler, err := radial.NewProfiler(m.rmap, m.mask)
		if err != nil {
			return err
		}
		m.profiler = profiler
		m.rawProfile = make([]float64, profiler.NumBins())
		m.scaled = make([]float64, profiler.NumBins())
	}

	if m.cfg.writingOn {
		w, err := writer.NewWriter(writer.Config{
			Directory:   m.cfg.writeDirectory,
			Prefix:      m.cfg.writePrefix,
			Extension:   m.cfg.writeExtension,
			Rank:        rank,
			Rows:        rows,
			Cols:        cols,
			MaxNumPeaks: m.cfg.peakParams.MaxNumPeaks,
			Compression: m.cfg.writeCompression,
		})
		if err != nil {
			return err
		}
		m.frameWriter = w
	}
	return nil
}

// ProcessData runs the per-event analysis on a processing node.
func (m *Monitor) ProcessData(rank, poolSize int, data *source.ExtractedData, feedback map[string]interface{}) (processor.Result, error) {
	if feedback != nil {
		if v, ok := feedback[keySendFrame].(bool); ok && v {
			m.sendFrame = true
		}
	}

	if err := m.prepareFrame(data); err != nil {
		return nil, err
	}

	peaks, err := m.finder.FindPeaks(m.frame, m.mask, m.rmap)
	if err != nil {
		return nil, err
	}
	frameIsHit := m.cfg.minPeaksForHit < peaks.NumPeaks && peaks.NumPeaks < m.cfg.maxPeaksForHit

	result := processor.Result{
		keyTimestamp:  data.Timestamp,
		keyEventID:    data.EventID,
		keyFrameIsHit: frameIsHit,
	}
	if frameIsHit {
		result[keyPeaks] = peaksToPayload(peaks)
	} else {
		result[keyPeaks] = peaksToPayload(&peakfinder.PeakList{})
	}

	if m.profiler != nil {
		if err := m.profiler.Compute(m.frame, m.rawProfile); err != nil {
			return nil, err
		}
		maxBin := m.cfg.radialMaxBin
		if maxBin <= 0 {
			maxBin = len(m.rawProfile)
		}
		radial.Scale(m.rawProfile, m.scaled, m.cfg.radialMinBin, maxBin)
		result[keyRadialUnscaled] = broadcast.Float64Array([]int{len(m.rawProfile)}, m.rawProfile)
		result[keyRadialScaled] = broadcast.Float64Array([]int{len(m.scaled)}, m.scaled)
	}

	if m.sendFrame {
		result[keyDetectorData] = broadcast.Float32Array([]int{m.frame.Rows, m.frame.Cols}, m.frame.Data)
		result[keyDetectorShape] = []interface{}{m.frame.Rows, m.frame.Cols}
		m.sendFrame = false
	}

	if m.frameWriter != nil && (frameIsHit || m.cfg.writeNonHits) {
		rec := &writer.FrameRecord{
			Frame:            m.frame,
			Peaks:            peaks,
			Timestamp:        data.Timestamp,
			BeamEnergy:       data.BeamEnergy,
			DetectorDistance: data.DetectorDistance,
			EventID:          data.EventID,
		}
		if err := m.frameWriter.WriteFrame(rec); err != nil {
			monitoring.Warnf("Cannot write frame to %s: %v", m.frameWriter.Path(), err)
		}
	}
	return result, nil
}

// prepareFrame fills the reusable frame buffer from the extracted data,
// applying the gain-switched calibration when configured.
func (m *Monitor) prepareFrame(data *source.ExtractedData) error {
	switch {
	case m.calibration != nil && data.RawDetectorData != nil:
		return m.calibration.Apply(data.RawDetectorData, m.frame)
	case data.RawDetectorData != nil:
		if len(data.RawDetectorData) != len(m.frame.Data) {
			return fmt.Errorf("%w: raw frame has %d pixels, detector has %d",
				source.ErrDataExtraction, len(data.RawDetectorData), len(m.frame.Data))
		}
		for i, v := range data.RawDetectorData {
			m.frame.Data[i] = float32(v)
		}
		return nil
	case data.DetectorData != nil:
		if !data.DetectorData.SameShape(m.frame.Rows, m.frame.Cols) {
			return fmt.Errorf("%w: frame shape (%d, %d) does not match detector (%d, %d)",
				source.ErrDataExtraction, data.DetectorData.Rows, data.DetectorData.Cols,
				m.frame.Rows, m.frame.Cols)
		}
		copy(m.frame.Data, data.DetectorData.Data)
		return nil
	}
	return fmt.Errorf("%w: event carries no detector data", source.ErrDataExtraction)
}

// FinalizeWorker closes the per-worker output file.
func (m *Monitor) FinalizeWorker(rank, poolSize int) (processor.Result, error) {
	if m.frameWriter != nil {
		if err := m.frameWriter.Close(); err != nil {
			monitoring.Warnf("Cannot close the output file: %v", err)
		}
		monitoring.Logf("Wrote %d frames to %s", m.frameWriter.NumFrames(), m.frameWriter.Path())
	}
	return nil, nil
}

// radiusOf converts detector coordinates to a radius around the configured
// center.
func (m *Monitor) radiusOf(fs, ss float32) float64 {
	return math.Hypot(float64(ss)-m.cfg.centerSS, float64(fs)-m.cfg.centerFS)
}
