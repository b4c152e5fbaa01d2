package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/balena-io/leviathan-worker/internal/bridge"
	"github.com/balena-io/leviathan-worker/internal/config"
	"github.com/balena-io/leviathan-worker/internal/loader"
	"github.com/balena-io/leviathan-worker/internal/metrics"
	"github.com/balena-io/leviathan-worker/internal/server"
)

const shutdownTimeout = 30 * time.Second

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker API and WebSocket bridge",
	Long: `Run the HTTP API and the WebSocket bridge until interrupted.

Configuration is read from the optional --config file, then the environment
(DEVICE_PATH, PORT, BRIDGE_PORT, WORKER_DISK, IMAGE_DIR, AP_WIFI_IFACE,
AP_WIRED_IFACE, LOG_LEVEL, LOG_FORMAT), then explicitly set flags.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	config.RegisterFlags(serveCmd.Flags())
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loader.Load(configPath, os.LookupEnv, cmd.Flags())
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	m := metrics.New()
	b := bridge.New(bridge.Options{Logger: log, ActiveRelays: m.ActiveRelays})
	facade := server.NewFacade(server.DefaultFactories(cfg, log), m, log)
	api := server.New(facade, server.Options{Bridge: b, Metrics: m, Logger: log})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeLn, err := net.Listen("tcp", cfg.BridgeAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.BridgeAddr(), err)
	}
	apiLn, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		_ = bridgeLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	httpSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	go func() { errCh <- b.Serve(bridgeLn) }()
	go func() {
		log.WithField("addr", apiLn.Addr().String()).Info("worker listening")
		if err := httpSrv.Serve(apiLn); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The worker goes first: tearing it down cancels a running flash, which
	// lets its request finish before the HTTP server drains.
	var errs []error
	if terr := facade.Teardown(shutdownCtx); terr != nil {
		errs = append(errs, fmt.Errorf("worker teardown: %w", terr))
	}
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		errs = append(errs, fmt.Errorf("api shutdown: %w", serr))
	}
	if berr := b.Close(); berr != nil {
		errs = append(errs, fmt.Errorf("bridge shutdown: %w", berr))
	}
	if err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
