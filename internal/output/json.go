package output

import (
	"encoding/json"
	"fmt"

	"github.com/balena-io/leviathan-worker/internal/drive"
)

// JSONFormatter formats drives as a JSON array.
type JSONFormatter struct{}

// FormatDrives formats drives as JSON.
func (f *JSONFormatter) FormatDrives(drives []drive.Drive) (string, error) {
	data, err := json.MarshalIndent(views(drives), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal drives to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
