package extension

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Schema field types accepted in manifests.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
	TypeAny     = "any"
)

var knownTypes = map[string]bool{
	TypeString:  true,
	TypeInteger: true,
	TypeNumber:  true,
	TypeBoolean: true,
	TypeObject:  true,
	TypeArray:   true,
	TypeAny:     true,
}

// Field declares one config key or action parameter.
//
// In a manifest a field may be written in full or as a bare type name:
//
//	source: string
//	lease_s: {type: integer, minimum: 1, default: 60}
type Field struct {
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any      `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Enum        []any    `yaml:"enum,omitempty" json:"enum,omitempty"`
	Minimum     *float64 `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64 `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	Items       *Field   `yaml:"items,omitempty" json:"items,omitempty"`
	Properties  Schema   `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a bare type name.
func (f *Field) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*f = Field{Type: node.Value}
		return nil
	}
	type plain Field
	return node.Decode((*plain)(f))
}

// Schema maps field names to their declarations.
type Schema map[string]Field

// check reports the first field using an unknown type. Fields without a
// type are treated as "any".
func (s Schema) check(path string) error {
	for _, name := range s.names() {
		if err := s[name].check(path + name); err != nil {
			return err
		}
	}
	return nil
}

func (f Field) check(path string) error {
	if f.Type != "" && !knownTypes[f.Type] {
		return fmt.Errorf("%s: unknown type %q", path, f.Type)
	}
	if f.Items != nil {
		if err := f.Items.check(path + "[]"); err != nil {
			return err
		}
	}
	return f.Properties.check(path + ".")
}

func (s Schema) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defaults returns the declared default of every field that has one.
func (s Schema) Defaults() map[string]any {
	out := map[string]any{}
	for name, f := range s {
		if f.Default != nil {
			out[name] = f.Default
		}
	}
	return out
}

// JSONSchema renders s as a JSON Schema object document. Unknown keys are
// allowed: commands always carry device_id alongside declared params.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	var required []string
	for _, name := range s.names() {
		f := s[name]
		props[name] = f.jsonSchema()
		if f.Required {
			required = append(required, name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func (f Field) jsonSchema() map[string]any {
	out := map[string]any{}
	if f.Type != "" && f.Type != TypeAny {
		out["type"] = f.Type
	}
	if len(f.Enum) > 0 {
		out["enum"] = f.Enum
	}
	if f.Minimum != nil {
		out["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		out["maximum"] = *f.Maximum
	}
	if f.Items != nil {
		out["items"] = f.Items.jsonSchema()
	}
	if len(f.Properties) > 0 {
		nested := f.Properties.JSONSchema()
		out["properties"] = nested["properties"]
		if req, ok := nested["required"]; ok {
			out["required"] = req
		}
	}
	return out
}

// validator is a compiled Schema.
type validator struct {
	schema *jsonschema.Schema
}

// compile turns s into a validator. id only needs to be unique within
// one compiler, but naming it after the extension keeps errors readable.
func (s Schema) compile(id string) (*validator, error) {
	raw, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}

	url := "mem://extension/" + id + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("adding schema: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return &validator{schema: sch}, nil
}

// validate checks a decoded object against the compiled schema. The
// instance is normalised through JSON so YAML ints and Go structs are
// seen the way the wire would carry them.
func (v *validator) validate(instance map[string]any) error {
	if instance == nil {
		instance = map[string]any{}
	}
	raw, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("%s", summarize(err))
	}
	return nil
}

// summarize flattens a jsonschema validation error into one line.
func summarize(err error) string {
	lines := strings.Split(strings.TrimSpace(err.Error()), "\n")
	if len(lines) == 1 {
		return lines[0]
	}
	details := make([]string, 0, len(lines)-1)
	for _, l := range lines[1:] {
		l = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(l), "-"))
		if l != "" {
			details = append(details, l)
		}
	}
	return strings.Join(details, "; ")
}
