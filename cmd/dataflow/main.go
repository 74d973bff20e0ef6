// Package main implements the dataflow command: it loads a configuration document, wires
// sources, bindings and triggers into an engine and runs it until interrupted.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/dataflow/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dataflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	switch {
	case cliCfg.ShowVersion:
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	case cliCfg.ShowHelp:
		fs.Usage()
		return nil
	case cliCfg.PrintSchema:
		_, err := os.Stdout.Write(config.Schema())
		return err
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting dataflow",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger, logSink(logger))
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	return runWithSignalHandling(ctx, a, cliCfg.ShutdownTimeout)
}

// runWithSignalHandling runs the app and the status server until ctx is cancelled, then
// shuts both down within shutdownTimeout.
func runWithSignalHandling(ctx context.Context, a *app, shutdownTimeout time.Duration) error {
	var srv *http.Server
	if a.cfg.Server.Addr != "" {
		srv = &http.Server{
			Addr:              a.cfg.Server.Addr,
			Handler:           a.newServeMux(time.Now()),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("Status server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Status server failed", "error", err)
			}
		}()
	}

	runErr := a.run(ctx)
	a.logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("Status server shutdown failed", "error", err)
		}
	}
	a.close(shutdownCtx)

	a.logger.Info("Dataflow shutdown complete")
	return runErr
}
