// Package main implements triaged, the incident-response daemon: it wires the
// store, tool gateway, agent registry, and coordinator pool behind the REST
// API and resumes any incidents left non-terminal by a previous run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"triage/internal/agent"
	"triage/internal/config"
	"triage/internal/coordinator"
	"triage/internal/gateway"
	"triage/internal/logging"
	"triage/internal/policy"
	"triage/internal/server"
	"triage/internal/store"
	"triage/internal/tools"
)

func main() {
	fs := flag.NewFlagSet("triaged", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TRIAGE_CONFIG"), "path to triage.yaml (or set TRIAGE_CONFIG)")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (or set TRIAGE_LOG_LEVEL)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if err := logging.Setup(*logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	st, err := store.New(store.Config{DSN: cfg.StoreDSN})
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	gw := gateway.New(gateway.Config{
		CallTimeout:      cfg.Gateway.CallTimeout.Std(),
		MaxAttempts:      cfg.Gateway.MaxAttempts,
		BackoffBase:      cfg.Gateway.BackoffBase.Std(),
		BackoffCap:       cfg.Gateway.BackoffCap.Std(),
		BreakerThreshold: cfg.Gateway.BreakerThreshold,
		BreakerCooldown:  cfg.Gateway.BreakerCooldown.Std(),
	}, st)

	if err := registerBackends(gw, cfg); err != nil {
		slog.Error("failed to set up tool backends", "err", err)
		os.Exit(1)
	}

	policyCfg := policy.DefaultConfig()
	if cfg.PolicyFile != "" {
		policyCfg, err = policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			slog.Error("failed to load action policy", "path", cfg.PolicyFile, "err", err)
			os.Exit(1)
		}
	}

	registry := agent.NewRegistry()
	agent.RegisterDefaults(registry, agent.Deps{
		Gateway:   gw,
		Policy:    policy.NewEngine(policyCfg),
		MaxFanOut: cfg.Coordinator.MaxFanOut,
	})

	coord := coordinator.New(st, registry, coordinator.Config{
		PhaseRetryBudget: cfg.Coordinator.PhaseRetryBudget,
		MaxFanOut:        cfg.Coordinator.MaxFanOut,
	})
	runner := coordinator.NewRunner(coord, st, cfg.Coordinator.MaxConcurrentIncidents)

	// Pick up incidents a previous process left unfinished.
	if err := runner.ResumeAll(context.Background()); err != nil {
		slog.Warn("failed to resume incidents", "err", err)
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(st, runner).Handler(),
	}

	go func() {
		slog.Info("triaged listening", "addr", cfg.ListenAddr, "store", cfg.StoreDSN, "vendor", cfg.Model.Vendor)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "err", err)
	}
	runner.Shutdown()
}

// registerBackends installs the capability set. The scripted vendor runs the
// whole pipeline on canned backends; real vendors replace only the reasoning
// capability, the boundary capabilities stay scripted.
func registerBackends(gw *gateway.Gateway, cfg config.Config) error {
	for _, b := range tools.DemoBackends() {
		gw.Register(b)
	}
	switch cfg.Model.Vendor {
	case "", "scripted":
		return nil
	}
	reasoner, err := tools.NewReasoner(context.Background(), tools.ReasonerConfig{
		Vendor: cfg.Model.Vendor,
		Model:  cfg.Model.Name,
		APIKey: cfg.Model.APIKey,
	})
	if err != nil {
		return err
	}
	gw.Register(reasoner)
	return nil
}
