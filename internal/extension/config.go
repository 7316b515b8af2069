package extension

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every per-extension environment override:
// LABPLATFORM_EXT_<NAME>_<KEY>.
const EnvPrefix = "LABPLATFORM_EXT_"

// Config is the merged configuration handed to an extension constructor.
type Config map[string]any

// String returns the string at key, or def when absent or not a string.
func (c Config) String(key, def string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return def
}

// Bool returns the boolean at key, or def.
func (c Config) Bool(key string, def bool) bool {
	if b, ok := c[key].(bool); ok {
		return b
	}
	return def
}

// Int returns the integer at key, or def. YAML, JSON and env sources
// produce different numeric types; all are accepted.
func (c Config) Int(key string, def int) int {
	switch n := c[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case uint64:
		return int(n) //nolint:gosec // config values are small
	case float64:
		return int(n)
	default:
		return def
	}
}

// Duration returns the duration at key. Strings are parsed with
// time.ParseDuration and plain numbers are seconds.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v * float64(time.Second))
	case int, int64, uint64:
		return time.Duration(c.Int(key, 0)) * time.Second
	}
	return def
}

// OverrideSource supplies deployment overrides for one extension.
// Sources are consulted in order; later sources win.
type OverrideSource interface {
	Overrides(name string) (map[string]any, error)
}

// StaticOverrides serves overrides from a map keyed by extension name,
// typically the agent.modules or orchestrator.plugins config section.
type StaticOverrides map[string]map[string]any

// Overrides implements OverrideSource.
func (s StaticOverrides) Overrides(name string) (map[string]any, error) {
	return s[name], nil
}

// EnvOverrides reads LABPLATFORM_EXT_<NAME>_<KEY> variables. Values are
// parsed as YAML scalars so "true" and "9600" arrive typed. Keys are
// lowercased; dashes in the extension name become underscores.
type EnvOverrides struct {
	// Environ defaults to os.Environ.
	Environ func() []string
}

// Overrides implements OverrideSource.
func (e EnvOverrides) Overrides(name string) (map[string]any, error) {
	environ := e.Environ
	if environ == nil {
		environ = os.Environ
	}

	prefix := EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
	out := map[string]any{}
	for _, kv := range environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(k, prefix))
		if key == "" {
			continue
		}
		out[key] = ParseScalar(v)
	}
	return out, nil
}

// ParseScalar decodes s as a YAML scalar, falling back to the raw string.
// Mappings and sequences stay strings.
func ParseScalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil || v == nil {
		return s
	}
	switch v.(type) {
	case map[string]any, []any:
		return s
	}
	return v
}

// MergeConfig deep-merges layers into a new map. Later layers win; nested
// maps are merged key by key rather than replaced.
func MergeConfig(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, layer := range layers {
		mergeInto(out, layer)
	}
	return out
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := asStringMap(v)
		dstMap, dstIsMap := asStringMap(dst[k])
		if srcIsMap && dstIsMap {
			merged := MergeConfig(dstMap)
			mergeInto(merged, srcMap)
			dst[k] = merged
			continue
		}
		if srcIsMap {
			dst[k] = MergeConfig(srcMap)
			continue
		}
		dst[k] = v
	}
}

// asStringMap accepts the map shapes produced by yaml.v3 and encoding/json.
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Config:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[fmt.Sprint(k)] = e
		}
		return out, true
	default:
		return nil, false
	}
}

// resolveConfig merges schema defaults, manifest defaults and every
// source's overrides for def.
func resolveConfig(def *Definition, sources []OverrideSource) (Config, error) {
	layers := []map[string]any{def.ConfigSchema.Defaults(), def.DefaultConfig}
	for _, src := range sources {
		if src == nil {
			continue
		}
		o, err := src.Overrides(def.Name)
		if err != nil {
			return nil, fmt.Errorf("reading overrides: %w", err)
		}
		layers = append(layers, o)
	}
	return Config(MergeConfig(layers...)), nil
}

// Keys returns the config keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
