// Package config holds the worker service configuration.
//
// Values come from three layers, later ones winning: an optional YAML file
// (see package loader), environment variables, then command-line flags
// that were set explicitly.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/balena-io/leviathan-worker/internal/naming"
)

const (
	DefaultPort       = 80
	DefaultBridgePort = 8080
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// Config is the complete service configuration.
type Config struct {
	// DevicePath is the testbot's serial device.
	DevicePath string `yaml:"device_path"`
	// Port serves the HTTP API.
	Port int `yaml:"port"`
	// BridgePort serves WebSocket relays.
	BridgePort int `yaml:"bridge_port"`
	// WorkerDisk overrides the SD card reader link.
	WorkerDisk string `yaml:"worker_disk,omitempty"`
	// ImageDir holds the virtual DUT's disk image (default: system temp dir).
	ImageDir string `yaml:"image_dir,omitempty"`

	AccessPoint AccessPointConfig `yaml:"access_point,omitempty"`
	Log         LogConfig         `yaml:"log"`
}

// AccessPointConfig names the host interfaces facing the DUT. Both are optional.
type AccessPointConfig struct {
	WifiIface  string `yaml:"wifi_iface,omitempty"`
	WiredIface string `yaml:"wired_iface,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// envVars maps environment variables to setters.
var envVars = map[string]func(c *Config, v string) error{
	"DEVICE_PATH":    func(c *Config, v string) error { c.DevicePath = v; return nil },
	"PORT":           func(c *Config, v string) error { return parsePort(v, &c.Port) },
	"BRIDGE_PORT":    func(c *Config, v string) error { return parsePort(v, &c.BridgePort) },
	"WORKER_DISK":    func(c *Config, v string) error { c.WorkerDisk = v; return nil },
	"IMAGE_DIR":      func(c *Config, v string) error { c.ImageDir = v; return nil },
	"AP_WIFI_IFACE":  func(c *Config, v string) error { c.AccessPoint.WifiIface = v; return nil },
	"AP_WIRED_IFACE": func(c *Config, v string) error { c.AccessPoint.WiredIface = v; return nil },
	"LOG_LEVEL":      func(c *Config, v string) error { c.Log.Level = v; return nil },
	"LOG_FORMAT":     func(c *Config, v string) error { c.Log.Format = v; return nil },
}

func parsePort(v string, dst *int) error {
	p, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", v, err)
	}
	*dst = p
	return nil
}

// ApplyEnv overlays the environment variables that lookup finds.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for name, set := range envVars {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := set(c, v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// RegisterFlags defines the configuration flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("device-path", "", "testbot serial device (env DEVICE_PATH)")
	fs.Int("port", DefaultPort, "HTTP API port (env PORT)")
	fs.Int("bridge-port", DefaultBridgePort, "WebSocket bridge port (env BRIDGE_PORT)")
	fs.String("worker-disk", "", "SD card reader device link (env WORKER_DISK)")
	fs.String("image-dir", "", "directory for the virtual DUT image (env IMAGE_DIR)")
	fs.String("ap-wifi-iface", "", "access point Wi-Fi interface (env AP_WIFI_IFACE)")
	fs.String("ap-wired-iface", "", "access point wired interface (env AP_WIRED_IFACE)")
	fs.String("log-level", DefaultLogLevel, "log level (env LOG_LEVEL)")
	fs.String("log-format", DefaultLogFormat, "log format: text or json (env LOG_FORMAT)")
}

// ApplyFlags overlays the flags on fs that were set explicitly.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	strs := map[string]*string{
		"device-path":    &c.DevicePath,
		"worker-disk":    &c.WorkerDisk,
		"image-dir":      &c.ImageDir,
		"ap-wifi-iface":  &c.AccessPoint.WifiIface,
		"ap-wired-iface": &c.AccessPoint.WiredIface,
		"log-level":      &c.Log.Level,
		"log-format":     &c.Log.Format,
	}
	for name, dst := range strs {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}

	ints := map[string]*int{
		"port":        &c.Port,
		"bridge-port": &c.BridgePort,
	}
	for name, dst := range ints {
		if !fs.Changed(name) {
			continue
		}
		v, err := fs.GetInt(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

// Normalize fills in defaults for unset fields.
func (c *Config) Normalize() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BridgePort == 0 {
		c.BridgePort = DefaultBridgePort
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	c.Log.Format = strings.ToLower(c.Log.Format)
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate checks the configuration for errors.
// Does not check that devices or interfaces exist - only config structure.
func (c *Config) Validate() error {
	if c.DevicePath == "" {
		return fmt.Errorf("device_path is required")
	}
	if err := validatePort("port", c.Port); err != nil {
		return err
	}
	if err := validatePort("bridge_port", c.BridgePort); err != nil {
		return err
	}
	if c.Port == c.BridgePort {
		return fmt.Errorf("port and bridge_port must differ, both are %d", c.Port)
	}

	if iface := c.AccessPoint.WifiIface; iface != "" {
		if err := naming.ValidateInterfaceName(iface); err != nil {
			return fmt.Errorf("access_point.wifi_iface: %w", err)
		}
	}
	if iface := c.AccessPoint.WiredIface; iface != "" {
		if err := naming.ValidateInterfaceName(iface); err != nil {
			return fmt.Errorf("access_point.wired_iface: %w", err)
		}
	}
	if c.AccessPoint.WifiIface != "" && c.AccessPoint.WifiIface == c.AccessPoint.WiredIface {
		return fmt.Errorf("access_point interfaces must differ, both are %q", c.AccessPoint.WifiIface)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", field, port)
	}
	return nil
}

// Addr is the HTTP API listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// BridgeAddr is the WebSocket bridge listen address.
func (c *Config) BridgeAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.BridgePort))
}

// HasAccessPoint reports whether any access point interface is configured.
func (c *Config) HasAccessPoint() bool {
	return c.AccessPoint.WifiIface != "" || c.AccessPoint.WiredIface != ""
}
