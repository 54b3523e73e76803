// Package params holds the monitor's configuration parameters.
//
// The configuration file is YAML with a two-level structure: top-level keys
// name parameter groups, second-level keys name individual parameters. The
// file is parsed once at startup; types are validated lazily, when a
// parameter is retrieved by one of the typed accessors.
package params

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration reports a missing or malformed configuration parameter,
// a wrong parameter type, or an unknown parameter group.
var ErrConfiguration = errors.New("configuration error")

// Parameters that must be present in the "om" group of every configuration
// file.
var requiredOmParameters = []string{
	"parallelization_layer",
	"data_retrieval_layer",
	"processing_layer",
	"node_pool_size",
}

// MonitorParams stores the full set of configuration parameters for one
// monitor run, organized in groups.
type MonitorParams struct {
	groups map[string]map[string]interface{}
}

// Group is a read-only view over a single parameter group.
type Group struct {
	name   string
	values map[string]interface{}
}

// Load reads and parses the configuration file at path. The "om" group must
// be present and must define the layer selectors and the node pool size. The
// absolute path of the configuration file itself is inserted into the parsed
// structure as om.configuration_file.
func Load(path string) (*MonitorParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read configuration file %s: %v", ErrConfiguration, path, err)
	}
	var parsed map[string]map[string]interface{}
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: syntax error in configuration file %s: %v", ErrConfiguration, path, err)
	}
	if parsed == nil {
		parsed = map[string]map[string]interface{}{}
	}
	m := &MonitorParams{groups: parsed}

	om, err := m.Group("om")
	if err != nil {
		return nil, err
	}
	for _, p := range requiredOmParameters {
		if _, ok := om.values[p]; !ok {
			return nil, fmt.Errorf("%w: parameter om/%s is required", ErrConfiguration, p)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	parsed["om"]["configuration_file"] = abs
	return m, nil
}

// FromMap builds a parameter store from an already-parsed group map. Used by
// tests and by tools that synthesize configurations.
func FromMap(groups map[string]map[string]interface{}) *MonitorParams {
	if groups == nil {
		groups = map[string]map[string]interface{}{}
	}
	return &MonitorParams{groups: groups}
}

// Group returns the named parameter group. Unknown groups are a
// configuration error.
func (m *MonitorParams) Group(name string) (Group, error) {
	values, ok := m.groups[name]
	if !ok {
		return Group{}, fmt.Errorf("%w: parameter group %q is not in the configuration file", ErrConfiguration, name)
	}
	return Group{name: name, values: values}, nil
}

// GroupOrEmpty returns the named group, or an empty group when the
// configuration file does not define it. Used for groups whose every
// parameter is optional.
func (m *MonitorParams) GroupOrEmpty(name string) Group {
	if values, ok := m.groups[name]; ok {
		return Group{name: name, values: values}
	}
	return Group{name: name, values: map[string]interface{}{}}
}

// Name returns the name of the group.
func (g Group) Name() string { return g.name }

// Has reports whether the group defines the named parameter.
func (g Group) Has(name string) bool {
	_, ok := g.values[name]
	return ok
}

func (g Group) typeError(name, want string, got interface{}) error {
	return fmt.Errorf("%w: parameter %s/%s must be of type %s (found %T)",
		ErrConfiguration, g.name, name, want, got)
}

func (g Group) missingError(name string) error {
	return fmt.Errorf("%w: parameter %s/%s is required", ErrConfiguration, g.name, name)
}

// Int retrieves an integer parameter. The second return value reports
// whether the parameter was present.
func (g Group) Int(name string) (int, bool, error) {
	v, ok := g.values[name]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case uint64:
		return int(n), true, nil
	case float64:
		if n == math.Trunc(n) {
			return int(n), true, nil
		}
	}
	return 0, false, g.typeError(name, "int", v)
}

// RequiredInt retrieves an integer parameter that must be present.
func (g Group) RequiredInt(name string) (int, error) {
	n, ok, err := g.Int(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, g.missingError(name)
	}
	return n, nil
}

// IntOr retrieves an integer parameter, substituting def when absent.
func (g Group) IntOr(name string, def int) (int, error) {
	n, ok, err := g.Int(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return n, nil
}

// Float retrieves a floating-point parameter. Integer values are accepted
// and widened.
func (g Group) Float(name string) (float64, bool, error) {
	v, ok := g.values[name]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	}
	return 0, false, g.typeError(name, "float", v)
}

// RequiredFloat retrieves a floating-point parameter that must be present.
func (g Group) RequiredFloat(name string) (float64, error) {
	f, ok, err := g.Float(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, g.missingError(name)
	}
	return f, nil
}

// FloatOr retrieves a floating-point parameter, substituting def when
// absent.
func (g Group) FloatOr(name string, def float64) (float64, error) {
	f, ok, err := g.Float(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return f, nil
}

// Bool retrieves a boolean parameter.
func (g Group) Bool(name string) (bool, bool, error) {
	v, ok := g.values[name]
	if !ok || v == nil {
		return false, false, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, false, g.typeError(name, "bool", v)
	}
	return b, true, nil
}

// BoolOr retrieves a boolean parameter, substituting def when absent.
func (g Group) BoolOr(name string, def bool) (bool, error) {
	b, ok, err := g.Bool(name)
	if err != nil {
		return false, err
	}
	if !ok {
		return def, nil
	}
	return b, nil
}

// String retrieves a string parameter.
func (g Group) String(name string) (string, bool, error) {
	v, ok := g.values[name]
	if !ok || v == nil {
		return "", false, nil
	}
	s, isString := v.(string)
	if !isString {
		return "", false, g.typeError(name, "string", v)
	}
	return s, true, nil
}

// RequiredString retrieves a string parameter that must be present.
func (g Group) RequiredString(name string) (string, error) {
	s, ok, err := g.String(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", g.missingError(name)
	}
	return s, nil
}

// StringOr retrieves a string parameter, substituting def when absent.
func (g Group) StringOr(name, def string) (string, error) {
	s, ok, err := g.String(name)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return s, nil
}

// StringList retrieves a parameter holding a list of strings.
func (g Group) StringList(name string) ([]string, bool, error) {
	v, ok := g.values[name]
	if !ok || v == nil {
		return nil, false, nil
	}
	items, isList := v.([]interface{})
	if !isList {
		return nil, false, g.typeError(name, "list of strings", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, isString := item.(string)
		if !isString {
			return nil, false, g.typeError(name, "list of strings", item)
		}
		out = append(out, s)
	}
	return out, true, nil
}

// RequiredStringList retrieves a list-of-strings parameter that must be
// present.
func (g Group) RequiredStringList(name string) ([]string, error) {
	l, ok, err := g.StringList(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, g.missingError(name)
	}
	return l, nil
}
