package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// systemMountpoints are mountpoints that mark a disk as the host's own.
var systemMountpoints = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
	"/usr":      true,
	"/var":      true,
	"[SWAP]":    true,
}

// LsblkLister lists drives with util-linux lsblk.
type LsblkLister struct {
	// run is replaced in tests.
	run func(ctx context.Context) ([]byte, error)
}

// List runs lsblk once and returns every disk it reports.
func (l *LsblkLister) List(ctx context.Context) ([]Drive, error) {
	run := l.run
	if run == nil {
		run = runLsblk
	}
	out, err := run(ctx)
	if err != nil {
		return nil, err
	}
	return parseLsblk(out)
}

func runLsblk(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "lsblk", "-J", "-b",
		"-o", "NAME,PATH,SIZE,TYPE,RM,RO,MODEL,MOUNTPOINT")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to run lsblk: %w\nOutput: %s", err, stderr.String())
	}
	return out, nil
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Path       string        `json:"path"`
	Size       flexUint      `json:"size"`
	Type       string        `json:"type"`
	RM         flexBool      `json:"rm"`
	RO         flexBool      `json:"ro"`
	Model      *string       `json:"model"`
	Mountpoint *string       `json:"mountpoint"`
	Children   []lsblkDevice `json:"children,omitempty"`
}

func parseLsblk(data []byte) ([]Drive, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lsblk output: %w", err)
	}

	var drives []Drive
	for _, dev := range out.BlockDevices {
		if dev.Type != "disk" {
			continue
		}
		path := dev.Path
		if path == "" {
			path = "/dev/" + dev.Name
		}
		d := Drive{
			Name:      dev.Name,
			Path:      path,
			Size:      uint64(dev.Size),
			Removable: bool(dev.RM),
			ReadOnly:  bool(dev.RO),
		}
		if dev.Model != nil {
			d.Model = *dev.Model
		}
		collectMountpoints(dev, &d)
		drives = append(drives, d)
	}
	return drives, nil
}

func collectMountpoints(dev lsblkDevice, d *Drive) {
	if dev.Mountpoint != nil && *dev.Mountpoint != "" {
		d.Mountpoints = append(d.Mountpoints, *dev.Mountpoint)
		if systemMountpoints[*dev.Mountpoint] {
			d.IsSystem = true
		}
	}
	for _, c := range dev.Children {
		collectMountpoints(c, d)
	}
}

// flexUint accepts both numbers and numeric strings; older lsblk
// releases quote every value.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	*f = flexUint(v)
	return nil
}

// flexBool accepts true/false as well as "0"/"1".
type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	switch string(bytes.Trim(b, `"`)) {
	case "true", "1":
		*f = true
	case "false", "0", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}
