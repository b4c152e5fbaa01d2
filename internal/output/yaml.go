package output

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/balena-io/leviathan-worker/internal/drive"
)

// YAMLFormatter formats drives as a YAML sequence.
type YAMLFormatter struct{}

// FormatDrives formats drives as YAML.
func (f *YAMLFormatter) FormatDrives(drives []drive.Drive) (string, error) {
	if len(drives) == 0 {
		return "[]\n", nil
	}
	data, err := yaml.Marshal(views(drives))
	if err != nil {
		return "", fmt.Errorf("failed to marshal drives to YAML: %w", err)
	}
	return string(data), nil
}
