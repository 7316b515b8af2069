package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
)

// Output formats accepted by --output.
const (
	OutputTable = "table"
	OutputJSON  = "json"
)

// ExtensionSummary is one row of a plugins or modules listing.
type ExtensionSummary struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Kind        string   `json:"kind"`
	EntryPoint  string   `json:"entry_point"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions"`
	Endpoints   []string `json:"api_endpoints,omitempty"`
	Manifest    string   `json:"manifest"`
	Registered  bool     `json:"registered"`
}

// Summarise converts definitions into listing rows. Registered reports
// whether a built-in factory serves the entry point.
func Summarise(defs []*extension.Definition, factories *extension.Factories) []ExtensionSummary {
	out := make([]ExtensionSummary, 0, len(defs))
	for _, def := range defs {
		s := ExtensionSummary{
			Name:        def.Name,
			Version:     def.Version,
			Kind:        string(def.Kind),
			EntryPoint:  def.EntryPoint,
			Description: def.Description,
			Actions:     def.ActionNames(),
			Manifest:    def.Path,
		}
		for _, ep := range def.APIEndpoints {
			s.Endpoints = append(s.Endpoints, ep.Method+" "+ep.Path)
		}
		if factories != nil {
			_, s.Registered = factories.Lookup(def.EntryPoint)
		}
		out = append(out, s)
	}
	return out
}

// DiscoverExtensions reads the manifests under dir without instantiating
// anything. Invalid manifests are skipped, as at startup.
func DiscoverExtensions(dir string, kind extension.Kind, factories *extension.Factories) ([]ExtensionSummary, error) {
	if factories == nil {
		factories = extension.NewFactories()
	}
	reg := extension.NewRegistry(factories,
		extension.WithKind(kind),
		extension.WithLogger(logging.Discard()),
	)
	defs, err := reg.Discover(dir)
	if err != nil {
		return nil, err
	}
	return Summarise(defs, factories), nil
}

// RegisterOutputFlag adds -o/--output to cmd.
func RegisterOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", OutputTable, "output format: table or json")
}

// OutputFormat returns the validated --output value.
func OutputFormat(cmd *cobra.Command) (string, error) {
	format := OutputTable
	if f := cmd.Flag("output"); f != nil {
		format = strings.ToLower(f.Value.String())
	}
	switch format {
	case OutputTable, OutputJSON:
		return format, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want %s or %s)", format, OutputTable, OutputJSON)
	}
}

// NewTable returns a borderless table writer mirroring to w.
func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	style := table.StyleLight
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = false
	style.Options.SeparateHeader = false
	t.SetStyle(style)
	return t
}

// PrintExtensions writes the listing in the given format.
func PrintExtensions(w io.Writer, rows []ExtensionSummary, format string) error {
	if format == OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	t := NewTable(w)
	t.AppendHeader(table.Row{"Name", "Version", "Entry point", "Built-in", "Actions"})
	for _, r := range rows {
		builtin := "no"
		if r.Registered {
			builtin = "yes"
		}
		actions := strings.Join(r.Actions, ",")
		if actions == "" {
			actions = "-"
		}
		t.AppendRow(table.Row{r.Name, r.Version, r.EntryPoint, builtin, actions})
	}
	t.Render()
	return nil
}
