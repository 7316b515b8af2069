package extension

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestNames are the file names searched for in an extension directory,
// in order. JSON is a YAML subset, so one parser reads all three.
var ManifestNames = []string{"manifest.yaml", "manifest.yml", "manifest.json"}

// Kind distinguishes device-side modules from orchestrator-side plugins.
type Kind string

// Extension kinds.
const (
	KindModule Kind = "module"
	KindPlugin Kind = "plugin"
)

// Action declares one command an extension accepts.
type Action struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Params      Schema `yaml:"params,omitempty" json:"params,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a bare action name.
func (a *Action) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*a = Action{Name: node.Value}
		return nil
	}
	type plain Action
	return node.Decode((*plain)(a))
}

// Endpoint is an HTTP route a plugin declares.
type Endpoint struct {
	Method      string `yaml:"method" json:"method"`
	Path        string `yaml:"path" json:"path"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a "METHOD /path" string.
func (e *Endpoint) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		method, path, ok := strings.Cut(strings.TrimSpace(node.Value), " ")
		if !ok {
			*e = Endpoint{Method: "GET", Path: method}
			return nil
		}
		*e = Endpoint{Method: strings.ToUpper(method), Path: strings.TrimSpace(path)}
		return nil
	}
	type plain Endpoint
	return node.Decode((*plain)(e))
}

// Definition is a parsed, checked manifest. It is immutable after load.
type Definition struct {
	Name          string
	Version       string
	Description   string
	Kind          Kind
	EntryPoint    string
	ConfigSchema  Schema
	DefaultConfig map[string]any
	Actions       []Action

	// Plugin-only metadata.
	APIEndpoints []Endpoint
	UI           map[string]any
	MQTTTopics   any
	Settings     map[string]any

	// Path is the manifest file the definition was read from, if any.
	Path string

	semver *semver.Version
	config *validator
	params map[string]*validator
}

// manifestDoc is the on-disk layout.
type manifestDoc struct {
	Name          string         `yaml:"name" json:"name"`
	Version       string         `yaml:"version" json:"version"`
	Description   string         `yaml:"description,omitempty" json:"description,omitempty"`
	Kind          Kind           `yaml:"kind,omitempty" json:"kind,omitempty"`
	EntryPoint    string         `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`
	ModuleFile    string         `yaml:"module_file,omitempty" json:"module_file,omitempty"`
	ClassName     string         `yaml:"class_name,omitempty" json:"class_name,omitempty"`
	PluginClass   string         `yaml:"plugin_class,omitempty" json:"plugin_class,omitempty"`
	ConfigSchema  Schema         `yaml:"config_schema,omitempty" json:"config_schema,omitempty"`
	DefaultConfig map[string]any `yaml:"default_config,omitempty" json:"default_config,omitempty"`
	Actions       []Action       `yaml:"actions,omitempty" json:"actions,omitempty"`
	APIEndpoints  []Endpoint     `yaml:"api_endpoints,omitempty" json:"api_endpoints,omitempty"`
	UI            map[string]any `yaml:"ui,omitempty" json:"ui,omitempty"`
	MQTTTopics    any            `yaml:"mqtt_topics,omitempty" json:"mqtt_topics,omitempty"`
	Settings      map[string]any `yaml:"settings,omitempty" json:"settings,omitempty"`
}

// FindManifest returns the manifest file inside dir.
func FindManifest(dir string) (string, error) {
	for _, name := range ManifestNames {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err == nil && !info.IsDir() {
			return path, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	return "", &ManifestError{Path: dir, Reason: "no manifest found", Err: os.ErrNotExist}
}

// LoadManifest reads the manifest at path. If path is a directory, the
// manifest inside it is located with FindManifest. Kind defaults to
// module unless the manifest declares a plugin class.
func LoadManifest(path string) (*Definition, error) {
	return loadManifest(path, "")
}

// loadManifest is LoadManifest with a fallback kind for manifests that do
// not declare one.
func loadManifest(path string, kind Kind) (*Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ManifestError{Path: path, Reason: "cannot read", Err: err}
	}
	if info.IsDir() {
		if path, err = FindManifest(path); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path) //nolint:gosec // manifest paths come from operator-controlled directories
	if err != nil {
		return nil, &ManifestError{Path: path, Reason: "cannot read", Err: err}
	}

	def, err := ParseManifest(data, kind)
	if err != nil {
		var me *ManifestError
		if errors.As(err, &me) {
			me.Path = path
		}
		return nil, err
	}
	def.Path = path
	return def, nil
}

// ParseManifest parses and checks manifest bytes. kind is used when the
// manifest does not declare one; pass "" to infer it.
func ParseManifest(data []byte, kind Kind) (*Definition, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ManifestError{Reason: "parse error", Err: err}
	}

	if strings.TrimSpace(doc.Name) == "" {
		return nil, &ManifestError{Reason: "name is required"}
	}
	if strings.ContainsAny(doc.Name, "/+# ") {
		return nil, &ManifestError{Reason: fmt.Sprintf("name %q contains topic or space characters", doc.Name)}
	}

	entry := resolveEntryPoint(doc)
	if entry == "" {
		return nil, &ManifestError{Reason: "entry_point is required"}
	}

	v, err := semver.StrictNewVersion(doc.Version)
	if err != nil {
		return nil, &ManifestError{Reason: fmt.Sprintf("version %q is not semantic", doc.Version), Err: err}
	}

	def := &Definition{
		Name:          doc.Name,
		Version:       doc.Version,
		Description:   doc.Description,
		Kind:          resolveKind(doc, kind),
		EntryPoint:    entry,
		ConfigSchema:  doc.ConfigSchema,
		DefaultConfig: doc.DefaultConfig,
		Actions:       doc.Actions,
		APIEndpoints:  doc.APIEndpoints,
		UI:            doc.UI,
		MQTTTopics:    doc.MQTTTopics,
		Settings:      doc.Settings,
		semver:        v,
		params:        make(map[string]*validator, len(doc.Actions)),
	}
	if def.DefaultConfig == nil {
		def.DefaultConfig = map[string]any{}
	}

	if err := def.ConfigSchema.check("config_schema."); err != nil {
		return nil, &ManifestError{Reason: err.Error()}
	}
	if def.config, err = def.ConfigSchema.compile(def.Name + "-config"); err != nil {
		return nil, &ManifestError{Reason: "config_schema", Err: err}
	}

	seen := make(map[string]bool, len(def.Actions))
	for _, a := range def.Actions {
		if a.Name == "" {
			return nil, &ManifestError{Reason: "action without a name"}
		}
		if seen[a.Name] {
			return nil, &ManifestError{Reason: fmt.Sprintf("action %q declared twice", a.Name)}
		}
		seen[a.Name] = true

		if err := a.Params.check("actions." + a.Name + ".params."); err != nil {
			return nil, &ManifestError{Reason: err.Error()}
		}
		pv, err := a.Params.compile(def.Name + "-" + a.Name)
		if err != nil {
			return nil, &ManifestError{Reason: "actions." + a.Name + ".params", Err: err}
		}
		def.params[a.Name] = pv
	}

	return def, nil
}

// resolveEntryPoint accepts entry_point directly, or builds
// "<file stem>:<Class>" from module_file with class_name / plugin_class.
func resolveEntryPoint(doc manifestDoc) string {
	if ep := strings.TrimSpace(doc.EntryPoint); ep != "" {
		return ep
	}
	class := doc.ClassName
	if class == "" {
		class = doc.PluginClass
	}
	if class == "" {
		return ""
	}
	if doc.ModuleFile == "" {
		return class
	}
	stem := strings.TrimSuffix(filepath.Base(doc.ModuleFile), filepath.Ext(doc.ModuleFile))
	return stem + ":" + class
}

func resolveKind(doc manifestDoc, fallback Kind) Kind {
	switch {
	case doc.Kind != "":
		return doc.Kind
	case doc.PluginClass != "":
		return KindPlugin
	case fallback != "":
		return fallback
	default:
		return KindModule
	}
}

// SemVer returns the parsed version.
func (d *Definition) SemVer() *semver.Version {
	return d.semver
}

// Action returns the declared action called name.
func (d *Definition) Action(name string) (Action, bool) {
	for _, a := range d.Actions {
		if a.Name == name {
			return a, true
		}
	}
	return Action{}, false
}

// ActionNames returns the declared action names in manifest order.
func (d *Definition) ActionNames() []string {
	names := make([]string, len(d.Actions))
	for i, a := range d.Actions {
		names[i] = a.Name
	}
	return names
}

// ValidateConfig checks cfg against the config schema.
func (d *Definition) ValidateConfig(cfg map[string]any) error {
	if d.config == nil {
		return nil
	}
	if err := d.config.validate(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ValidateParams checks params against the schema of action. Undeclared
// actions are not checked here.
func (d *Definition) ValidateParams(action string, params map[string]any) error {
	v, ok := d.params[action]
	if !ok || v == nil {
		return nil
	}
	if err := v.validate(params); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

// Manifest serializes the declared fields back to YAML. Parsing the
// result yields the same action list and config schema.
func (d *Definition) Manifest() ([]byte, error) {
	doc := manifestDoc{
		Name:          d.Name,
		Version:       d.Version,
		Description:   d.Description,
		Kind:          d.Kind,
		EntryPoint:    d.EntryPoint,
		ConfigSchema:  d.ConfigSchema,
		DefaultConfig: d.DefaultConfig,
		Actions:       d.Actions,
		APIEndpoints:  d.APIEndpoints,
		UI:            d.UI,
		MQTTTopics:    d.MQTTTopics,
		Settings:      d.Settings,
	}
	if len(doc.DefaultConfig) == 0 {
		doc.DefaultConfig = nil
	}
	return yaml.Marshal(doc)
}
