// Package drive finds the block device behind a resolved device path,
// refusing drives that hold the running system.
package drive

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

// Drive is a whole-disk block device.
type Drive struct {
	Name      string
	Path      string
	Size      uint64
	Model     string
	Removable bool
	ReadOnly  bool
	// IsSystem is set when the disk, or one of its partitions, is mounted
	// somewhere the host needs to keep running.
	IsSystem    bool
	Mountpoints []string
}

// String describes the drive for logs.
func (d Drive) String() string {
	if d.Model != "" {
		return fmt.Sprintf("%s (%s, %d bytes)", d.Path, d.Model, d.Size)
	}
	return fmt.Sprintf("%s (%d bytes)", d.Path, d.Size)
}

// Lister performs a single scan of the attached block devices.
type Lister interface {
	List(ctx context.Context) ([]Drive, error)
}

// Locator picks one drive out of a scan.
type Locator struct {
	Lister Lister
	// IncludeSystem decides whether a system drive may be returned.
	// Nil means system drives are always excluded.
	IncludeSystem func(Drive) bool
	Logger        logrus.FieldLogger
}

// NewLocator creates a Locator backed by lsblk.
func NewLocator(log logrus.FieldLogger) *Locator {
	return &Locator{Lister: &LsblkLister{}, Logger: log}
}

// Locate scans once and returns the drive whose device path is path.
func (l *Locator) Locate(ctx context.Context, path string) (*Drive, error) {
	log := l.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	drives, err := l.Lister.List(ctx)
	if err != nil {
		return nil, worker.DriveNotFound("failed to scan drives", err)
	}

	for i := range drives {
		d := drives[i]
		if d.Path != path {
			continue
		}
		if d.IsSystem && (l.IncludeSystem == nil || !l.IncludeSystem(d)) {
			log.WithField("drive", d.Path).Warn("refusing to use system drive")
			continue
		}
		log.WithField("drive", d.String()).Info("located drive")
		return &d, nil
	}

	return nil, worker.DriveNotFound(fmt.Sprintf("no drive found at %s", path), nil)
}
