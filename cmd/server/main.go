package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/thereceipt/thermal-dispatch/internal/api"
	"github.com/thereceipt/thermal-dispatch/internal/config"
	"github.com/thereceipt/thermal-dispatch/internal/logging"
	"github.com/thereceipt/thermal-dispatch/internal/printer"
	"github.com/thereceipt/thermal-dispatch/internal/registry"
)

// Version is set during build via ldflags
var Version = "dev"

const usbPollInterval = 2 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $THERMAL_CONFIG)")
	addr := flag.String("addr", "", "listen address, overrides server.addr")
	flag.Parse()

	if err := run(*configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "thermal-dispatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, addrOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addrOverride != "" {
		cfg.Server.Addr = addrOverride
	}

	logging.Init(cfg.Log)

	reg, err := registry.New(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	transports := printer.NewTransportSet(printer.TransportConfig{
		TCPTimeout:       cfg.Printer.TCPTimeout(),
		BluetoothChannel: cfg.Printer.BluetoothChannel,
		SerialBaud:       cfg.Printer.SerialBaud,
	})

	hub := api.NewHub()
	dispatcher := printer.NewDispatcher(
		printer.WithTransports(transports),
		printer.WithQueueSize(cfg.Printer.QueueSize),
		printer.WithHistoryLimit(cfg.Printer.HistoryLimit),
		printer.WithCashboxCut(cfg.Printer.CashboxCut),
		printer.WithRenderMarkup(cfg.Printer.RenderMarkup),
		printer.WithJobListener(hub.BroadcastJob),
	)
	defer dispatcher.Stop()

	// USB hot-plug events for WebSocket clients
	if usb, ok := transports.USB(); ok {
		monitor := printer.NewMonitor(usb, usbPollInterval)
		monitor.OnAdded(hub.BroadcastDeviceAdded)
		monitor.OnRemoved(hub.BroadcastDeviceRemoved)
		monitor.Start()
		defer monitor.Stop()
	}

	server := api.NewServer(dispatcher, reg, hub)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Info("starting api server", "addr", cfg.Server.Addr, "version", Version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case sig := <-sigChan:
		logging.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Warn("api server shutdown", "error", err)
	}
	return nil
}
