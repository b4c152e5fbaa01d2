// Package devpath resolves the stable by-id link of the SD mux's card
// reader to the kernel block device it currently points at.
package devpath

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

const (
	// DefaultLink is the by-id path of the SD mux card reader.
	DefaultLink = "/dev/disk/by-id/usb-PTX_sdmux_HS-SD_MMC_1234-0:0"

	DefaultAttempts = 5
	DefaultInterval = 5 * time.Second
)

// Resolver turns a device link into a canonical device path, retrying
// while the link does not exist yet (the reader re-enumerates after the
// mux switches).
type Resolver struct {
	// Path is the link to resolve. Empty means DefaultLink.
	Path     string
	Attempts int
	Interval time.Duration
	Logger   logrus.FieldLogger

	// evalSymlinks is replaced in tests.
	evalSymlinks func(string) (string, error)
}

// Resolve returns the canonical path behind r.Path. It gives up after
// Attempts tries spaced Interval apart and returns a ResolutionTimeout
// wrapping the last failure.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	path := r.Path
	if path == "" {
		path = DefaultLink
	}
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	eval := r.evalSymlinks
	if eval == nil {
		eval = filepath.EvalSymlinks
	}
	log := r.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	var (
		resolved string
		lastErr  error
		tries    int
	)
	op := func() error {
		tries++
		p, err := eval(path)
		if err != nil {
			lastErr = err
			log.WithFields(logrus.Fields{"path": path, "attempt": tries}).Debug("device path not available yet")
			return err
		}
		resolved = p
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil && lastErr == nil {
			lastErr = ctx.Err()
		}
		return "", worker.ResolutionTimeout(
			fmt.Sprintf("failed to resolve %s after %d attempts", path, tries), lastErr)
	}

	log.WithFields(logrus.Fields{"path": path, "device": resolved}).Info("resolved device path")
	return resolved, nil
}
