// Package output renders drive listings for the command line in table,
// YAML or JSON form.
package output

import (
	"fmt"

	"github.com/balena-io/leviathan-worker/internal/drive"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// Formatter formats drive listings.
type Formatter interface {
	FormatDrives(drives []drive.Drive) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable, "":
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}

// driveView is the serialised shape of a drive.
type driveView struct {
	Name        string   `json:"name" yaml:"name"`
	Path        string   `json:"path" yaml:"path"`
	Size        uint64   `json:"size" yaml:"size"`
	Model       string   `json:"model,omitempty" yaml:"model,omitempty"`
	Removable   bool     `json:"removable" yaml:"removable"`
	ReadOnly    bool     `json:"readOnly" yaml:"readOnly"`
	System      bool     `json:"system" yaml:"system"`
	Mountpoints []string `json:"mountpoints,omitempty" yaml:"mountpoints,omitempty"`
}

func views(drives []drive.Drive) []driveView {
	out := make([]driveView, 0, len(drives))
	for _, d := range drives {
		out = append(out, driveView{
			Name:        d.Name,
			Path:        d.Path,
			Size:        d.Size,
			Model:       d.Model,
			Removable:   d.Removable,
			ReadOnly:    d.ReadOnly,
			System:      d.IsSystem,
			Mountpoints: d.Mountpoints,
		})
	}
	return out
}
