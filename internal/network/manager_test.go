package network

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

// recorder is a Runner that records every command line.
type recorder struct {
	calls []string
	// fail makes commands starting with this prefix fail
	fail string
}

func (r *recorder) run(ctx context.Context, args ...string) ([]byte, error) {
	line := strings.Join(args, " ")
	r.calls = append(r.calls, line)
	if r.fail != "" && strings.HasPrefix(line, r.fail) {
		return nil, errors.New("Error: device not found")
	}
	return nil, nil
}

func newTestManager(wifi, wired string) (*Manager, *recorder) {
	rec := &recorder{}
	m := NewManager(wifi, wired, nil)
	m.run = rec.run
	return m, rec
}

func TestApply_Wireless(t *testing.T) {
	m, rec := newTestManager("wlan0", "eth1")

	err := m.Apply(context.Background(), worker.NetworkConfig{
		Wireless: &worker.WirelessConfig{SSID: "leviathan", PSK: "supersecret", NAT: true},
	})
	require.NoError(t, err)

	require.Len(t, rec.calls, 2)
	add := rec.calls[0]
	for _, want := range []string{
		"connection add type wifi ifname wlan0 con-name leviathan-ap",
		"ssid leviathan",
		"802-11-wireless.mode ap",
		"wifi-sec.psk supersecret",
		"ipv4.method shared",
	} {
		assert.Contains(t, add, want)
	}
	assert.Equal(t, "connection up leviathan-ap", rec.calls[1])
}

func TestApply_Wired(t *testing.T) {
	tests := []struct {
		name   string
		nat    bool
		method string
	}{
		{name: "nat", nat: true, method: "ipv4.method shared"},
		{name: "isolated", nat: false, method: "ipv4.method link-local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := newTestManager("", "eth1")
			err := m.Apply(context.Background(), worker.NetworkConfig{Wired: &worker.WiredConfig{NAT: tt.nat}})
			require.NoError(t, err)

			require.Len(t, rec.calls, 2)
			assert.Contains(t, rec.calls[0], "type ethernet ifname eth1 con-name leviathan-wired")
			assert.Contains(t, rec.calls[0], tt.method)
			assert.Equal(t, "connection up leviathan-wired", rec.calls[1])
		})
	}
}

func TestApply_ReplacesPreviousConnections(t *testing.T) {
	m, rec := newTestManager("wlan0", "eth1")
	ctx := context.Background()

	require.NoError(t, m.Apply(ctx, worker.NetworkConfig{
		Wired:    &worker.WiredConfig{},
		Wireless: &worker.WirelessConfig{SSID: "a", PSK: "12345678"},
	}))
	rec.calls = nil

	require.NoError(t, m.Apply(ctx, worker.NetworkConfig{Wired: &worker.WiredConfig{NAT: true}}))
	require.Len(t, rec.calls, 4)
	assert.Equal(t, "connection delete leviathan-ap", rec.calls[0])
	assert.Equal(t, "connection delete leviathan-wired", rec.calls[1])
	assert.Equal(t, []string{wiredConnection}, m.active)
}

func TestApply_Validation(t *testing.T) {
	tests := []struct {
		name  string
		wifi  string
		wired string
		cfg   worker.NetworkConfig
	}{
		{
			name: "missing ssid",
			wifi: "wlan0",
			cfg:  worker.NetworkConfig{Wireless: &worker.WirelessConfig{PSK: "12345678"}},
		},
		{
			name: "missing psk",
			wifi: "wlan0",
			cfg:  worker.NetworkConfig{Wireless: &worker.WirelessConfig{SSID: "lab"}},
		},
		{
			name: "short psk",
			wifi: "wlan0",
			cfg:  worker.NetworkConfig{Wireless: &worker.WirelessConfig{SSID: "lab", PSK: "1234"}},
		},
		{
			name: "no wireless interface",
			cfg:  worker.NetworkConfig{Wireless: &worker.WirelessConfig{SSID: "lab", PSK: "12345678"}},
		},
		{
			name: "no wired interface",
			wifi: "wlan0",
			cfg:  worker.NetworkConfig{Wired: &worker.WiredConfig{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, rec := newTestManager(tt.wifi, tt.wired)
			err := m.Apply(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, worker.ErrConfigurationError), "got %v", err)
			assert.Empty(t, rec.calls)
		})
	}
}

func TestApply_CommandFailure(t *testing.T) {
	m, rec := newTestManager("wlan0", "eth1")
	rec.fail = "connection up"

	err := m.Apply(context.Background(), worker.NetworkConfig{Wired: &worker.WiredConfig{}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, worker.ErrHardwareFault), "got %v", err)

	// The half-created connection is still removed on teardown.
	rec.fail = ""
	rec.calls = nil
	require.NoError(t, m.Teardown(context.Background()))
	assert.Equal(t, []string{"connection delete leviathan-wired"}, rec.calls)
}

func TestTeardown(t *testing.T) {
	m, rec := newTestManager("wlan0", "eth1")
	ctx := context.Background()

	require.NoError(t, m.Teardown(ctx))
	assert.Empty(t, rec.calls)

	require.NoError(t, m.Apply(ctx, worker.NetworkConfig{Wired: &worker.WiredConfig{}}))
	rec.fail = "connection delete"
	err := m.Teardown(ctx)
	require.Error(t, err)
	assert.Equal(t, []string{wiredConnection}, m.active, "failed deletions are retried later")

	rec.fail = ""
	require.NoError(t, m.Teardown(ctx))
	assert.Empty(t, m.active)
}
