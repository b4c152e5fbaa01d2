package imaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

// DefaultChunkSize bounds the memory used per write.
const DefaultChunkSize = 1 << 20

// Options tunes a Write call.
type Options struct {
	OnProgress worker.ProgressFunc
	// OnFail is called once for every destination that drops out.
	OnFail    func(dst Destination, err error)
	Verify    bool
	ChunkSize int
	Logger    logrus.FieldLogger
}

// Result summarises a Write call.
type Result struct {
	Bytes    uint64
	Checksum uint64
	// Failed maps destination names to the reason they dropped out.
	Failed map[string]error
}

type target struct {
	dst Destination
	w   io.WriteCloser
}

type run struct {
	opts   Options
	log    logrus.FieldLogger
	result *Result
	total  int
}

func (r *run) fail(dst Destination, err error) {
	r.result.Failed[dst.Name()] = err
	r.log.WithFields(logrus.Fields{"destination": dst.Name()}).WithError(err).Error("destination failed")
	if r.opts.OnFail != nil {
		r.opts.OnFail(dst, err)
	}
}

// Write streams src to every destination in dsts.
func Write(ctx context.Context, src Source, dsts []Destination, opts Options) (*Result, error) {
	if len(dsts) == 0 {
		return nil, worker.PipelineError("no destinations", nil)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := &run{
		opts:   opts,
		log:    log.WithField("component", "imaging"),
		result: &Result{Failed: make(map[string]error)},
		total:  len(dsts),
	}

	var targets []target
	for _, d := range dsts {
		w, err := d.OpenWrite()
		if err != nil {
			r.fail(d, err)
			continue
		}
		targets = append(targets, target{dst: d, w: w})
	}
	if len(targets) == 0 {
		return r.result, worker.PipelineError("all destinations failed", nil)
	}

	targets, err := r.flash(ctx, src, targets)
	if err != nil {
		return r.result, err
	}

	if opts.Verify {
		if err := r.verify(ctx, targets); err != nil {
			return r.result, err
		}
	}

	return r.result, nil
}

func (r *run) flash(ctx context.Context, src Source, targets []target) ([]target, error) {
	size, known := src.Size()
	r.log.WithFields(logrus.Fields{
		"format":       src.Format().String(),
		"destinations": len(targets),
	}).Info("flashing image")
	tracker := newTracker(worker.PhaseFlashing, size, known)
	digest := xxhash.New()
	buf := make([]byte, r.opts.ChunkSize)

	closeAll := func() {
		for _, t := range targets {
			_ = t.w.Close()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			closeAll()
			return nil, worker.PipelineError("flashing cancelled", err)
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			_, _ = digest.Write(chunk)
			targets = r.writeChunk(targets, chunk)
			if len(targets) == 0 {
				return nil, worker.PipelineError("all destinations failed", nil)
			}
			r.result.Bytes += uint64(n)
			r.opts.OnProgress.Emit(tracker.update(r.result.Bytes, len(targets), len(r.result.Failed)))
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				break
			}
			closeAll()
			return nil, worker.PipelineError("failed to read source", readErr)
		}
	}

	r.result.Checksum = digest.Sum64()

	var alive []target
	for _, t := range targets {
		if err := t.w.Close(); err != nil {
			r.fail(t.dst, err)
			continue
		}
		alive = append(alive, t)
	}
	if len(alive) == 0 {
		return nil, worker.PipelineError("all destinations failed", nil)
	}

	r.log.WithFields(logrus.Fields{
		"bytes":        r.result.Bytes,
		"destinations": len(alive),
	}).Info("flashing complete")
	return alive, nil
}

// writeChunk writes chunk to every target concurrently and returns the
// targets that are still healthy.
func (r *run) writeChunk(targets []target, chunk []byte) []target {
	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			if _, err := t.w.Write(chunk); err != nil {
				errs[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	alive := targets[:0]
	for i, t := range targets {
		if errs[i] != nil {
			_ = t.w.Close()
			r.fail(t.dst, fmt.Errorf("write failed at offset %d: %w", r.result.Bytes, errs[i]))
			continue
		}
		alive = append(alive, t)
	}
	return alive
}

func (r *run) verify(ctx context.Context, targets []target) error {
	tracker := newTracker(worker.PhaseVerifying, r.result.Bytes, true)

	var (
		mu       sync.Mutex
		verified uint64
	)
	report := func(n int) {
		mu.Lock()
		defer mu.Unlock()
		verified += uint64(n)
		pos := verified / uint64(len(targets))
		r.opts.OnProgress.Emit(tracker.update(pos, len(targets), len(r.result.Failed)))
	}

	errs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range targets {
		g.Go(func() error {
			errs[i] = r.verifyOne(gctx, t.dst, report)
			return nil
		})
	}
	_ = g.Wait()

	passed := 0
	for i, t := range targets {
		if errs[i] != nil {
			r.fail(t.dst, errs[i])
			continue
		}
		passed++
	}
	if passed == 0 {
		return worker.PipelineError("all destinations failed verification", nil)
	}
	return nil
}

func (r *run) verifyOne(ctx context.Context, dst Destination, report func(int)) error {
	rc, err := dst.OpenRead()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	digest := xxhash.New()
	buf := make([]byte, r.opts.ChunkSize)
	remaining := r.result.Bytes
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := uint64(len(buf))
		if remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(rc, buf[:want])
		if n > 0 {
			_, _ = digest.Write(buf[:n])
			remaining -= uint64(n)
			report(n)
		}
		if err != nil {
			return fmt.Errorf("failed to read back %s: %w", dst.Name(), err)
		}
	}

	if got := digest.Sum64(); got != r.result.Checksum {
		return worker.PipelineError(
			fmt.Sprintf("checksum mismatch on %s: got %016x, want %016x", dst.Name(), got, r.result.Checksum), nil)
	}
	return nil
}

// tracker turns positions into progress events.
type tracker struct {
	phase   worker.Phase
	size    uint64
	known   bool
	started time.Time
	last    uint64
}

func newTracker(phase worker.Phase, size uint64, known bool) *tracker {
	return &tracker{phase: phase, size: size, known: known, started: time.Now()}
}

func (t *tracker) update(pos uint64, active, failed int) worker.Progress {
	if pos < t.last {
		pos = t.last
	}
	t.last = pos

	p := worker.Progress{
		Type:               t.phase,
		Position:           pos,
		Bytes:              pos,
		ActiveDestinations: active,
		FailedDestinations: failed,
	}
	if elapsed := time.Since(t.started).Seconds(); elapsed > 0 {
		p.Speed = float64(pos) / elapsed
	}
	if t.known && t.size > 0 {
		p.Size = t.size
		p.Percentage = float64(pos) / float64(t.size) * 100
		if p.Percentage > 100 {
			p.Percentage = 100
		}
		if p.Speed > 0 && pos < t.size {
			p.ETA = time.Duration(float64(t.size-pos) / p.Speed * float64(time.Second))
		}
	}
	return p
}
