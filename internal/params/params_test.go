package params

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sampleConfig = `
om:
  parallelization_layer: zmq
  data_retrieval_layer: filelist
  processing_layer: crystallography
  node_pool_size: 3
crystallography:
  min_num_peaks_for_hit: 10
  max_num_peaks_for_hit: 5000
  threshold: 2.5
  enabled: true
  tag: omdata
peakfinder8_peak_detection:
  bad_pixel_map_filename: null
data_retrieval_layer:
  required_data:
    - timestamp
    - detector_data
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	om, err := m.Group("om")
	if err != nil {
		t.Fatalf("Group(om): %v", err)
	}
	n, err := om.RequiredInt("node_pool_size")
	if err != nil || n != 3 {
		t.Fatalf("node_pool_size = %d, %v; want 3", n, err)
	}

	// the loader injects the configuration file path
	cf, err := om.RequiredString("configuration_file")
	if err != nil {
		t.Fatalf("configuration_file: %v", err)
	}
	if !filepath.IsAbs(cf) {
		t.Errorf("configuration_file %q is not absolute", cf)
	}
}

func TestLoadMissingRequiredOmParameter(t *testing.T) {
	path := writeConfig(t, "om:\n  node_pool_size: 3\n")
	if _, err := Load(path); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/does/not/exist.yaml"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestTypedAccessors(t *testing.T) {
	m, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, err := m.Group("crystallography")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}

	if f, err := g.RequiredFloat("threshold"); err != nil || f != 2.5 {
		t.Errorf("threshold = %v, %v; want 2.5", f, err)
	}
	// int widens to float
	if f, err := g.RequiredFloat("min_num_peaks_for_hit"); err != nil || f != 10 {
		t.Errorf("min_num_peaks_for_hit as float = %v, %v; want 10", f, err)
	}
	if b, err := g.BoolOr("enabled", false); err != nil || !b {
		t.Errorf("enabled = %v, %v; want true", b, err)
	}
	if s, err := g.StringOr("tag", "fallback"); err != nil || s != "omdata" {
		t.Errorf("tag = %q, %v; want omdata", s, err)
	}
	if s, err := g.StringOr("absent", "fallback"); err != nil || s != "fallback" {
		t.Errorf("absent = %q, %v; want fallback", s, err)
	}
}

func TestWrongTypeIsConfigurationError(t *testing.T) {
	m, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, _ := m.Group("crystallography")
	if _, err := g.RequiredInt("tag"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for wrong type, got %v", err)
	}
	if _, err := g.RequiredString("threshold"); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for wrong type, got %v", err)
	}
}

func TestNullValueTreatedAsAbsent(t *testing.T) {
	m, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, _ := m.Group("peakfinder8_peak_detection")
	if _, ok, err := g.String("bad_pixel_map_filename"); ok || err != nil {
		t.Fatalf("null value should read as absent, got ok=%v err=%v", ok, err)
	}
}

func TestStringList(t *testing.T) {
	m, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g, _ := m.Group("data_retrieval_layer")
	l, err := g.RequiredStringList("required_data")
	if err != nil {
		t.Fatalf("required_data: %v", err)
	}
	if len(l) != 2 || l[0] != "timestamp" || l[1] != "detector_data" {
		t.Errorf("required_data = %v", l)
	}
}

func TestGroupOrEmpty(t *testing.T) {
	m := FromMap(nil)
	g := m.GroupOrEmpty("anything")
	if g.Has("x") {
		t.Error("empty group should hold no parameters")
	}
	if v, err := g.IntOr("x", 7); err != nil || v != 7 {
		t.Errorf("IntOr on empty group = %d, %v", v, err)
	}
}
