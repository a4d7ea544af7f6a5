// Command bpfmand is the privileged eBPF program management daemon. It
// loads a YAML configuration file, opens the persistent store, reconciles
// kernel state against it, applies any static program manifest, and serves
// the command surface over a local Unix-socket gRPC listener until
// SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"google.golang.org/grpc"

	"github.com/bpfmand/bpfmand/internal/audit"
	"github.com/bpfmand/bpfmand/internal/bpffs"
	"github.com/bpfmand/bpfmand/internal/bytecode"
	"github.com/bpfmand/bpfmand/internal/command"
	"github.com/bpfmand/bpfmand/internal/config"
	"github.com/bpfmand/bpfmand/internal/dispatcher"
	"github.com/bpfmand/bpfmand/internal/metrics"
	"github.com/bpfmand/bpfmand/internal/recovery"
	"github.com/bpfmand/bpfmand/internal/registry"
	"github.com/bpfmand/bpfmand/internal/rpc"
	"github.com/bpfmand/bpfmand/internal/staticprog"
	"github.com/bpfmand/bpfmand/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/bpfmand/config.yaml", "path to the daemon's YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bpfmand: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("bpfmand starting", slog.String("config_path", *configPath), slog.String("store_path", cfg.StorePath))

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Error("failed to remove memlock rlimit", slog.Any("error", err))
		os.Exit(1)
	}

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		logger.Error("failed to open persistent store", slog.Any("error", err))
		os.Exit(1)
	}
	defer s.Close()

	fs, err := bpffs.Mount(cfg.BpffsDir)
	if err != nil {
		logger.Error("failed to mount bpf filesystem", slog.Any("error", err))
		os.Exit(1)
	}

	reg, err := registry.Open(s)
	if err != nil {
		logger.Error("failed to open program registry", slog.Any("error", err))
		os.Exit(1)
	}

	resolver := &bytecode.Resolver{AllowUnsigned: *cfg.Signing.AllowUnsigned}

	eng := dispatcher.New(dispatcher.NewKernelBackend(), reg, resolver, fs, s, logger)

	m := metrics.New()
	eng.SetMetrics(m)

	report, err := recovery.Recover(reg, eng, fs, logger)
	if err != nil {
		logger.Error("recovery failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("recovery complete", slog.Int("reconciled", report.Reconciled), slog.Int("orphaned", report.Orphaned), slog.Int("dispatchers_rebuilt", report.Rebuilt))

	queue := command.New(reg, eng, logger)
	queue.SetMetrics(m)
	defer queue.Close()

	if cfg.AuditLogPath != "" {
		auditLog, err := audit.Open(cfg.AuditLogPath)
		if err != nil {
			logger.Error("failed to open audit log", slog.Any("error", err))
			os.Exit(1)
		}
		defer auditLog.Close()
		queue.SetAuditLog(auditLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StaticProgramsPath != "" {
		entries, err := staticprog.Load(cfg.StaticProgramsPath)
		if err != nil {
			logger.Error("failed to load static program manifest", slog.Any("error", err))
			os.Exit(1)
		}
		if err := staticprog.Apply(ctx, queue, entries); err != nil {
			logger.Error("failed to apply static program manifest", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("static program manifest applied", slog.Int("count", len(entries)), slog.String("path", cfg.StaticProgramsPath))
	}

	var grpcLis net.Listener
	if *cfg.GRPC.Unix.Enabled {
		var mode uint32
		fmt.Sscanf(cfg.GRPC.Unix.Mode, "%o", &mode)
		grpcLis, err = rpc.Listen(cfg.GRPC.Unix.Path, os.FileMode(mode))
		if err != nil {
			logger.Error("failed to open gRPC listener", slog.Any("error", err))
			os.Exit(1)
		}
	}

	grpcSrv := grpc.NewServer()
	rpc.RegisterBpfmanServiceServer(grpcSrv, rpc.New(queue, resolver, fs, logger))

	metricsLis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		logger.Error("failed to open metrics listener", slog.Any("error", err))
		os.Exit(1)
	}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, m)

	grpcErrCh := make(chan error, 1)
	if grpcLis != nil {
		go func() {
			logger.Info("gRPC listener ready", slog.String("socket", cfg.GRPC.Unix.Path))
			grpcErrCh <- grpcSrv.Serve(grpcLis)
		}()
	}

	metricsErrCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener ready", slog.String("addr", cfg.MetricsAddr))
		metricsErrCh <- metricsSrv.Serve(metricsLis)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-metricsErrCh:
		if err != nil {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	logger.Info("bpfmand exited cleanly")
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
