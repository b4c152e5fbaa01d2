package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/balena-io/leviathan-worker/internal/drive"
)

// TableFormatter formats drives as a human-readable table.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatDrives formats drives as a table.
func (f *TableFormatter) FormatDrives(drives []drive.Drive) (string, error) {
	if len(drives) == 0 {
		return "No drives found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "PATH\tSIZE\tMODEL\tREMOVABLE\tSYSTEM")
	}

	for _, d := range drives {
		model := d.Model
		if model == "" {
			model = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Path, formatSize(d.Size), model, yesNo(d.Removable), yesNo(d.IsSystem))
	}

	_ = w.Flush()
	return buf.String(), nil
}

// formatSize renders a byte count with a binary unit, e.g. "512B", "1.5G".
func formatSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit && exp < 5; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(n)/float64(div), "KMGTPE"[exp])
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
