// Package network configures the host side of the DUT network with
// NetworkManager: a Wi-Fi access point and a shared wired connection.
package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/worker"
)

const (
	wirelessConnection = "leviathan-ap"
	wiredConnection    = "leviathan-wired"

	// minPSKLength is the WPA2 passphrase minimum.
	minPSKLength = 8
)

// Runner executes nmcli with args.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// Manager creates and removes the worker's NetworkManager connections.
type Manager struct {
	WifiIface  string
	WiredIface string

	log logrus.FieldLogger
	run Runner

	mu     sync.Mutex
	active []string
}

// NewManager returns a Manager for the given interfaces. Either may be
// empty if the host lacks that leg.
func NewManager(wifiIface, wiredIface string, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		WifiIface:  wifiIface,
		WiredIface: wiredIface,
		log:        log.WithField("component", "network"),
		run:        runNmcli,
	}
}

func runNmcli(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "nmcli", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nmcli %s failed: %w\nOutput: %s", args[0], err, stderr.String())
	}
	return out, nil
}

func ipv4Method(nat bool) string {
	if nat {
		return "shared"
	}
	return "link-local"
}

func (m *Manager) validate(cfg worker.NetworkConfig) error {
	if w := cfg.Wireless; w != nil {
		if m.WifiIface == "" {
			return worker.ConfigurationError("no wireless interface configured", nil)
		}
		if w.SSID == "" {
			return worker.ConfigurationError("wireless network requires an SSID", nil)
		}
		if len(w.PSK) < minPSKLength {
			return worker.ConfigurationError(fmt.Sprintf("wireless network requires a PSK of at least %d characters", minPSKLength), nil)
		}
	}
	if cfg.Wired != nil && m.WiredIface == "" {
		return worker.ConfigurationError("no wired interface configured", nil)
	}
	return nil
}

// Apply replaces any connections from an earlier call with the ones cfg asks for.
func (m *Manager) Apply(ctx context.Context, cfg worker.NetworkConfig) error {
	if err := m.validate(cfg); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.teardown(ctx); err != nil {
		return err
	}

	if w := cfg.Wireless; w != nil {
		err := m.up(ctx, wirelessConnection,
			"connection", "add",
			"type", "wifi",
			"ifname", m.WifiIface,
			"con-name", wirelessConnection,
			"autoconnect", "no",
			"ssid", w.SSID,
			"802-11-wireless.mode", "ap",
			"802-11-wireless.band", "bg",
			"wifi-sec.key-mgmt", "wpa-psk",
			"wifi-sec.psk", w.PSK,
			"ipv4.method", ipv4Method(w.NAT),
			"ipv6.method", "ignore",
		)
		if err != nil {
			return err
		}
		m.log.WithFields(logrus.Fields{"ssid": w.SSID, "nat": w.NAT}).Info("access point up")
	}

	if cfg.Wired != nil {
		err := m.up(ctx, wiredConnection,
			"connection", "add",
			"type", "ethernet",
			"ifname", m.WiredIface,
			"con-name", wiredConnection,
			"autoconnect", "no",
			"ipv4.method", ipv4Method(cfg.Wired.NAT),
			"ipv6.method", "ignore",
		)
		if err != nil {
			return err
		}
		m.log.WithField("nat", cfg.Wired.NAT).Info("wired network up")
	}
	return nil
}

// up adds a connection with args and activates it.
func (m *Manager) up(ctx context.Context, name string, args ...string) error {
	if _, err := m.run(ctx, args...); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to create connection %s", name), err)
	}
	m.active = append(m.active, name)
	if _, err := m.run(ctx, "connection", "up", name); err != nil {
		return worker.HardwareFault(fmt.Sprintf("failed to activate connection %s", name), err)
	}
	return nil
}

// Teardown deletes every connection the manager created.
func (m *Manager) Teardown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardown(ctx)
}

func (m *Manager) teardown(ctx context.Context) error {
	var errs []error
	var kept []string
	for _, name := range m.active {
		if _, err := m.run(ctx, "connection", "delete", name); err != nil {
			errs = append(errs, err)
			kept = append(kept, name)
			continue
		}
		m.log.WithField("connection", name).Debug("connection removed")
	}
	m.active = kept
	if len(errs) > 0 {
		return worker.HardwareFault("failed to remove network connections", errors.Join(errs...))
	}
	return nil
}
