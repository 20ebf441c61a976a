// kestrel-dhcpd is a single-subnet DHCPv4 server with a durable lease store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	nethttp "net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/config"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/conflict"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/dhcp"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/lease"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/logging"
	"github.com/kestrel-dhcpd/kestrel-dhcpd/internal/metrics"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/kestrel-dhcpd/config.toml", "path to configuration file")
	debugPort := flag.String("debug-port", "", "enable pprof debug server on this port (e.g. 6060)")
	flag.Parse()

	// Start pprof debug server if requested
	if *debugPort != "" {
		runtime.SetMutexProfileFraction(5)
		runtime.SetBlockProfileRate(1)
		go func() {
			addr := "127.0.0.1:" + *debugPort
			fmt.Fprintf(os.Stderr, "pprof debug server on http://%s/debug/pprof/\n", addr)
			if err := nethttp.ListenAndServe(addr, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server failed: %v\n", err)
			}
		}()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("kestrel-dhcpd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	subnet, err := cfg.Subnet()
	if err != nil {
		return err
	}

	logger.Info("kestrel-dhcpd starting",
		"version", version,
		"interface", cfg.Server.Interface,
		"network", subnet.Network.String(),
		"server_id", subnet.ServerIP.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := lease.Open(cfg.Server.LeaseDB)
	if err != nil {
		return err
	}
	defer store.Close()

	active, err := store.ActiveCount()
	if err != nil {
		return fmt.Errorf("counting leases: %w", err)
	}
	logger.Info("lease database opened", "path", cfg.Server.LeaseDB, "active_leases", active)

	p, err := dhcp.SeedPool(subnet, store, logger)
	if err != nil {
		return err
	}

	detector := conflict.NewFromMethod(
		cfg.ProbeMethod(),
		cfg.ConflictDetection.Privileged,
		cfg.ProbeTimeoutDuration(),
		logger,
	)

	handler := dhcp.NewHandler(subnet, p, store, detector, cfg.OfferTimeoutDuration(), logger)
	srv := dhcp.NewServer(handler, dhcp.ServerOptions{
		BindAddress: cfg.Server.BindAddress,
		Interface:   cfg.Server.Interface,
		MaxInFlight: cfg.Server.MaxInFlight,
	}, logger)

	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	metrics.ServerInfo.WithLabelValues(version).Set(1)
	metrics.ServerStartTime.SetToCurrentTime()

	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("metrics server listening", "listen", cfg.Metrics.Listen)
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if cfg.Server.PIDFile != "" {
		if err := writePIDFile(cfg.Server.PIDFile); err != nil {
			logger.Warn("failed to write PID file", "path", cfg.Server.PIDFile, "error", err)
		} else {
			defer removePIDFile(cfg.Server.PIDFile)
		}
	}

	// SIGUSR1 dumps all goroutine stacks
	go dumpGoroutinesOnSignal(ctx, logger)

	<-ctx.Done()
	logger.Info("received shutdown signal, draining workers")
	return nil
}

func dumpGoroutinesOnSignal(ctx context.Context, logger *slog.Logger) {
	sigUsr1 := make(chan os.Signal, 1)
	signal.Notify(sigUsr1, syscall.SIGUSR1)
	defer signal.Stop(sigUsr1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sigUsr1:
			buf := make([]byte, 16*1024*1024)
			n := runtime.Stack(buf, true)
			path := filepath.Join(os.TempDir(), "kestrel-goroutines.txt")
			if err := os.WriteFile(path, buf[:n], 0644); err != nil {
				logger.Error("failed to write goroutine dump", "error", err)
				continue
			}
			logger.Info("goroutine dump written", "path", path, "bytes", n)
		}
	}
}

// writePIDFile writes the current process ID to the given path.
func writePIDFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating PID directory %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// removePIDFile removes the PID file.
func removePIDFile(path string) {
	os.Remove(path)
}
