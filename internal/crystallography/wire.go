package crystallography

import (
	"fmt"

	"github.com/cfel-sfx/om/internal/broadcast"
	"github.com/cfel-sfx/om/internal/peakfinder"
)

// Result dictionary keys shared between the processing and collecting
// sides.
const (
	keyTimestamp      = "timestamp"
	keyEventID        = "event_id"
	keyFrameIsHit     = "frame_is_hit"
	keyPeaks          = "peak_list"
	keyDetectorData   = "detector_data"
	keyDetectorShape  = "detector_shape"
	keyRadialUnscaled = "radial_profile"
	keyRadialScaled   = "scaled_radial_profile"
	keySendFrame      = "send_frame"
)

// peaksToPayload encodes a peak list for the pool wire and the broadcast
// socket.
func peaksToPayload(p *peakfinder.PeakList) map[string]interface{} {
	n := p.NumPeaks
	return map[string]interface{}{
		"num_peaks":           n,
		"fs":                  broadcast.Float32Array([]int{n}, p.FS[:n]),
		"ss":                  broadcast.Float32Array([]int{n}, p.SS[:n]),
		"intensity":           broadcast.Float32Array([]int{n}, p.Intensity[:n]),
		"num_pixels":          broadcast.Uint32Array([]int{n}, p.NumPixels[:n]),
		"max_pixel_intensity": broadcast.Float32Array([]int{n}, p.MaxPixelIntensity[:n]),
		"snr":                 broadcast.Float32Array([]int{n}, p.SNR[:n]),
	}
}

// payloadToPeaks decodes a peak list received from a processing node.
func payloadToPeaks(v interface{}) (*peakfinder.PeakList, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: peak list is %T, not a dictionary", broadcast.ErrCodec, v)
	}
	f32 := func(key string) ([]float32, error) {
		arr, ok := m[key].(*broadcast.Array)
		if !ok {
			return nil, fmt.Errorf("%w: peak list entry %q is %T", broadcast.ErrCodec, key, m[key])
		}
		return arr.Float32Values()
	}
	fs, err := f32("fs")
	if err != nil {
		return nil, err
	}
	ss, err := f32("ss")
	if err != nil {
		return nil, err
	}
	intensity, err := f32("intensity")
	if err != nil {
		return nil, err
	}
	maxPix, err := f32("max_pixel_intensity")
	if err != nil {
		return nil, err
	}
	snr, err := f32("snr")
	if err != nil {
		return nil, err
	}
	numPixels := make([]uint32, len(fs))
	if arr, ok := m["num_pixels"].(*broadcast.Array); ok {
		if decoded, err := arr.Uint32Values(); err == nil {
			numPixels = decoded
		}
	}
	return &peakfinder.PeakList{
		NumPeaks:          len(fs),
		FS:                fs,
		SS:                ss,
		Intensity:         intensity,
		NumPixels:         numPixels,
		MaxPixelIntensity: maxPix,
		SNR:               snr,
	}, nil
}
