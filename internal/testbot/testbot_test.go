package testbot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io/leviathan-worker/internal/drive"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

type harness struct {
	tb      *TestBot
	board   *fakeBoard
	locator *fakeLocator
	signals *fakeSignals
	network *fakeNetwork
	raised  []os.Signal
	tmp     string
	device  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		board:   newFakeBoard(),
		signals: &fakeSignals{},
		network: &fakeNetwork{},
		tmp:     t.TempDir(),
	}
	h.device = filepath.Join(t.TempDir(), "sdb")
	require.NoError(t, os.WriteFile(h.device, nil, 0o600))
	h.locator = &fakeLocator{drives: map[string]drive.Drive{
		"/dev/sdb": {Name: "sdb", Path: h.device, Removable: true},
	}}

	tb, err := New(h.board, Options{
		TempDir:  h.tmp,
		Timings:  &Timings{},
		Resolver: &fakeResolver{path: "/dev/sdb"},
		Locator:  h.locator,
		Network:  h.network,
		Signals:  h.signals,
		Reraise:  func(sig os.Signal) error {
			h.raised = append(h.raised, sig)
			return nil
		},
	})
	require.NoError(t, err)
	h.tb = tb
	return h
}

func readyHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.tb.Setup(context.Background()))
	h.board.takeEvents()
	return h
}

func TestNew_ConfiguresSerialPort(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 9600, h.board.serial[5])
}

func TestSetup_Sequence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.tb.Setup(context.Background()))

	assert.Equal(t, []string{
		"cmd 10 0 0",
		"mode 13=1",
		"cmd 00 5 0",
		"cmd 07 0 0",
		"mode 28=1",
		"pin 28=0",
		"mode 29=1",
		"pin 29=0",
	}, h.board.takeEvents())

	pins := h.board.snapshot()
	assert.Equal(t, pinState{Mode: 1, Value: 0}, pins[13])
	assert.Equal(t, pinState{Mode: 1, Value: 0}, pins[28])
	assert.Equal(t, pinState{Mode: 1, Value: 0}, pins[29])
	assert.Equal(t, worker.StateReady, h.tb.lifecycle.State())
}

func TestSetup_BoardError(t *testing.T) {
	h := newHarness(t)
	h.board.readyErr = errors.New("board connection lost")

	err := h.tb.Setup(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrHardwareFault))
}

func TestPowerOn_PinStateMatchesReady(t *testing.T) {
	h := readyHarness(t)
	ready := h.board.snapshot()

	require.NoError(t, h.tb.PowerOn(context.Background()))

	assert.Equal(t, ready, h.board.snapshot())
	assert.Equal(t, []string{
		"cmd 12 0 0",
		"cmd 13 0 0",
		"pin 13=0",
		"pin 28=0",
		"cmd 03 0 0",
	}, h.board.takeEvents())
	assert.True(t, h.signals.isRegistered())
}

func TestPowerOff_SwitchesToHost(t *testing.T) {
	h := readyHarness(t)
	ready := h.board.snapshot()

	require.NoError(t, h.tb.PowerOn(context.Background()))
	require.NoError(t, h.tb.PowerOff(context.Background()))

	got := h.board.snapshot()
	want := ready
	want[13].Value = 1
	want[28].Value = 1
	assert.Equal(t, want, got)
	assert.False(t, h.signals.isRegistered())
}

func TestPowerOn_BeforeSetup(t *testing.T) {
	h := newHarness(t)
	err := h.tb.PowerOn(context.Background())
	assert.True(t, errors.Is(err, worker.ErrInvalidState))
}

func TestSequencesNeverInterleave(t *testing.T) {
	h := readyHarness(t)
	h.tb.timings.MuxSettle = time.Millisecond
	h.locator.onLocate = func(string) { h.board.record("locate") }

	on := []string{"cmd 12 0 0", "cmd 13 0 0", "pin 13=0", "pin 28=0", "cmd 03 0 0"}
	off := []string{"cmd 04 0 0", "cmd 12 0 0", "cmd 13 0 0", "pin 13=1", "pin 28=1"}

	// Operations after the teardown fail with InvalidState; nothing else
	// may go wrong.
	allowed := func(err error) bool {
		return err == nil || errors.Is(err, worker.ErrInvalidState)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			err := h.tb.PowerOn(ctx)
			assert.True(t, allowed(err), "PowerOn: %v", err)
		}()
		go func() {
			defer wg.Done()
			err := h.tb.PowerOff(ctx)
			assert.True(t, allowed(err), "PowerOff: %v", err)
		}()
		go func() {
			defer wg.Done()
			err := h.tb.Flash(ctx, bytes.NewReader([]byte("balenaOS")), nil)
			assert.True(t, allowed(err), "Flash: %v", err)
		}()
		if i == 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.tb.Teardown(ctx, nil))
			}()
		}
	}
	wg.Wait()

	// Every operation leaves one contiguous block: on, off, off+locate for
	// a flash, and [off]+serial close+close for the teardown, which is last.
	events := h.board.takeEvents()
	closed := false
	for i := 0; i < len(events); {
		require.False(t, closed, "events after teardown: %v", events[i:])
		switch {
		case i+5 <= len(events) && equal(events[i:i+5], on):
			i += 5
		case i+5 <= len(events) && equal(events[i:i+5], off):
			i += 5
			if i < len(events) && events[i] == "locate" {
				i++
			}
		case i+2 <= len(events) && equal(events[i:i+2], []string{"serial close 5", "close"}):
			i += 2
			closed = true
		default:
			t.Fatalf("interleaved sequence at %d: %v", i, events[i:])
		}
	}

	assert.True(t, closed, "teardown never released the board")
	assert.True(t, h.board.isClosed())
	assert.False(t, h.signals.isRegistered())
	assert.Equal(t, worker.StateTornDown, h.tb.lifecycle.State())
	assert.Equal(t, 1, pinValue(h.board, 28), "card should end on the host side")

	staged, err := os.ReadDir(h.tmp)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func pinValue(b *fakeBoard, pin int) int {
	pins := b.snapshot()
	return pins[pin].Value
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFlash(t *testing.T) {
	h := readyHarness(t)
	require.NoError(t, h.tb.PowerOn(context.Background()))

	image := bytes.Repeat([]byte("balenaOS"), 4096)
	var events []worker.Progress
	err := h.tb.Flash(context.Background(), bytes.NewReader(image), func(p worker.Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	written, err := os.ReadFile(h.device)
	require.NoError(t, err)
	assert.Equal(t, image, written)

	require.NotEmpty(t, events)
	assert.Equal(t, worker.PhaseVerifying, events[len(events)-1].Type)

	// Card stays on the host side after flashing.
	pins := h.board.snapshot()
	assert.Equal(t, 1, pins[13].Value)
	assert.Equal(t, 1, pins[28].Value)

	staged, err := os.ReadDir(h.tmp)
	require.NoError(t, err)
	assert.Empty(t, staged, "staging file should be removed")
}

func TestFlash_Failures(t *testing.T) {
	tests := []struct {
		name     string
		resolver *fakeResolver
		wantErr  error
	}{
		{
			name:     "device path never appears",
			resolver: &fakeResolver{err: worker.ResolutionTimeout("failed to resolve", os.ErrNotExist)},
			wantErr:  worker.ErrResolutionTimeout,
		},
		{
			name:     "drive not found",
			resolver: &fakeResolver{path: "/dev/sdz"},
			wantErr:  worker.ErrDriveNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := readyHarness(t)
			h.tb.resolver = tt.resolver

			err := h.tb.Flash(context.Background(), bytes.NewReader([]byte("image")), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr))

			staged, err := os.ReadDir(h.tmp)
			require.NoError(t, err)
			assert.Empty(t, staged)
		})
	}
}

func TestNetwork(t *testing.T) {
	h := readyHarness(t)
	cfg := worker.NetworkConfig{Wireless: &worker.WirelessConfig{SSID: "leviathan", PSK: "secret123"}}

	require.NoError(t, h.tb.Network(context.Background(), cfg))
	assert.Equal(t, []worker.NetworkConfig{cfg}, h.network.applied)

	h.tb.network = nil
	err := h.tb.Network(context.Background(), cfg)
	assert.True(t, errors.Is(err, worker.ErrInvalidState))
}

func TestTeardown(t *testing.T) {
	h := readyHarness(t)
	require.NoError(t, h.tb.PowerOn(context.Background()))

	require.NoError(t, h.tb.Teardown(context.Background(), nil))
	require.NoError(t, h.tb.Teardown(context.Background(), nil))

	assert.True(t, h.board.closed)
	assert.NotContains(t, h.board.serial, byte(5))
	assert.Equal(t, 1, h.network.tornDown)
	assert.Empty(t, h.raised)
	assert.Equal(t, worker.StateTornDown, h.tb.lifecycle.State())

	pins := h.board.snapshot()
	assert.Equal(t, 1, pins[28].Value, "card should be returned to host")
}

func TestFlash_AfterTeardown(t *testing.T) {
	h := readyHarness(t)
	require.NoError(t, h.tb.Teardown(context.Background(), nil))
	h.board.takeEvents()

	located := false
	h.locator.onLocate = func(string) { located = true }

	err := h.tb.Flash(context.Background(), bytes.NewReader([]byte("image")), nil)
	assert.True(t, errors.Is(err, worker.ErrInvalidState))
	assert.False(t, located)
	assert.Empty(t, h.board.takeEvents())

	written, err := os.ReadFile(h.device)
	require.NoError(t, err)
	assert.Empty(t, written)
}

// blockingReader signals when the first read starts and blocks it until
// release is closed.
type blockingReader struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	r       io.Reader
}

func (b *blockingReader) Read(p []byte) (int, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.r.Read(p)
}

func TestTeardown_WaitsForFlash(t *testing.T) {
	h := readyHarness(t)
	ctx := context.Background()

	image := bytes.Repeat([]byte("balenaOS"), 512)
	src := &blockingReader{
		started: make(chan struct{}),
		release: make(chan struct{}),
		r:       bytes.NewReader(image),
	}

	flashDone := make(chan error, 1)
	go func() { flashDone <- h.tb.Flash(ctx, src, nil) }()
	<-src.started

	teardownDone := make(chan error, 1)
	go func() { teardownDone <- h.tb.Teardown(ctx, nil) }()

	select {
	case <-teardownDone:
		t.Fatal("teardown finished while a flash was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, h.board.isClosed())

	close(src.release)
	require.NoError(t, <-flashDone)
	require.NoError(t, <-teardownDone)

	written, err := os.ReadFile(h.device)
	require.NoError(t, err)
	assert.Equal(t, image, written)
	assert.True(t, h.board.isClosed())
}

// endlessReader produces zeros forever and calls onRead before each read.
type endlessReader struct {
	onRead func()
}

func (e *endlessReader) Read(p []byte) (int, error) {
	e.onRead()
	clear(p)
	return len(p), nil
}

func TestFlash_StopsReceivingWhenCancelled(t *testing.T) {
	h := readyHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reads := 0
	src := &endlessReader{onRead: func() {
		reads++
		if reads == 3 {
			cancel()
		}
	}}

	err := h.tb.Flash(ctx, src, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	staged, err := os.ReadDir(h.tmp)
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestSignalWhilePoweredOn(t *testing.T) {
	h := readyHarness(t)
	require.NoError(t, h.tb.PowerOn(context.Background()))

	h.signals.fire(syscall.SIGTERM)

	assert.Equal(t, []os.Signal{syscall.SIGTERM}, h.raised)
	assert.True(t, h.board.closed)
	assert.False(t, h.signals.isRegistered())
}
