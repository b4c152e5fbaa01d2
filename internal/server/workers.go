package server

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/balena-io/leviathan-worker/internal/config"
	"github.com/balena-io/leviathan-worker/internal/firmata"
	"github.com/balena-io/leviathan-worker/internal/network"
	"github.com/balena-io/leviathan-worker/internal/qemu"
	"github.com/balena-io/leviathan-worker/internal/testbot"
	"github.com/balena-io/leviathan-worker/internal/worker"
)

// Worker types accepted by /select.
const (
	TypeTestBot = "testbot"
	TypeQemu    = "qemu"
)

// DefaultFactories returns the factories for the physical and virtual workers.
func DefaultFactories(cfg *config.Config, log logrus.FieldLogger) map[string]Factory {
	return map[string]Factory{
		TypeTestBot: TestBotFactory(cfg, log),
		TypeQemu:    QemuFactory(cfg, log),
	}
}

// TestBotFactory opens the board on cfg.DevicePath for every selection.
func TestBotFactory(cfg *config.Config, log logrus.FieldLogger) Factory {
	return func(json.RawMessage) (worker.Worker, error) {
		board, err := firmata.Open(cfg.DevicePath, log)
		if err != nil {
			return nil, worker.ConnectFailure("failed to open testbot board", err)
		}

		opts := testbot.Options{DiskDev: cfg.WorkerDisk, Logger: log}
		if cfg.HasAccessPoint() {
			opts.Network = network.NewManager(cfg.AccessPoint.WifiIface, cfg.AccessPoint.WiredIface, log)
		}
		tb, err := testbot.New(board, opts)
		if err != nil {
			_ = board.Close()
			return nil, err
		}
		return tb, nil
	}
}

// QemuFactory creates a virtual worker with its image in cfg.ImageDir.
func QemuFactory(cfg *config.Config, log logrus.FieldLogger) Factory {
	return func(json.RawMessage) (worker.Worker, error) {
		return qemu.New(qemu.Options{ImageDir: cfg.ImageDir, Logger: log}), nil
	}
}
