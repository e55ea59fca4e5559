package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chebizarro/nostr-signer/broker"
	"github.com/chebizarro/nostr-signer/history"
	"github.com/chebizarro/nostr-signer/internal/cli"
	"github.com/chebizarro/nostr-signer/ipc"
	"github.com/chebizarro/nostr-signer/policy"
	"github.com/chebizarro/nostr-signer/relays"
)

// historyRetention bounds how long signing history is kept.
const historyRetention = 90 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "Path to config.yaml (defaults to $XDG_CONFIG_HOME/nostr-signer/config.yaml)")
	flag.Parse()

	env, err := cli.Open(*configPath)
	if err != nil {
		cli.Fatal("%v", err)
	}
	logger := env.Logger
	slog.SetDefault(logger)
	cfg := env.Config

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer env.Close()
	pool := env.Pool

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	brokerMetrics, err := broker.NewMetrics(reg)
	if err != nil {
		cli.Fatal("failed to register broker metrics: %v", err)
	}
	ipcMetrics, err := ipc.NewMetrics(reg)
	if err != nil {
		cli.Fatal("failed to register ipc metrics: %v", err)
	}

	accts := env.Accounts
	go func() {
		res := <-accts.SyncWithSecretsAsync(ctx)
		if res.Err != nil {
			logger.Warn("account sync failed", "error", res.Err)
			return
		}
		logger.Info("accounts synced", "added", res.Value.Added, "downgraded", res.Value.Downgraded)
	}()

	pol := policy.New(cfg.PolicyPath(), policy.WithLogger(logger))
	if err := pol.Load(); err != nil {
		cli.Fatal("failed to load policy: %v", err)
	}
	if cfg.PolicySweepInterval > 0 {
		go pol.SweepEvery(ctx, cfg.PolicySweepInterval)
	}

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		cli.Fatal("failed to open history: %v", err)
	}
	defer hist.Close()
	if n, err := hist.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
		logger.Warn("failed to prune history", "error", err)
	} else if n > 0 {
		logger.Info("history pruned", "removed", n)
	}

	relayStore := relays.NewStore(cfg.RelaysDir())

	b := broker.New(pol, env.Secrets, accts,
		broker.WithLogger(logger),
		broker.WithPool(pool),
		broker.WithRecorder(hist),
		broker.WithMetrics(brokerMetrics),
		broker.WithTimeout(cfg.ApprovalTimeout),
	)
	defer b.Close()

	svc := ipc.NewService(b, accts, env.Secrets,
		ipc.WithRelays(relayStore),
		ipc.WithMutations(ipc.NewMutations(cfg.AllowMutations, cfg.MutationInterval)),
		ipc.WithMetrics(ipcMetrics),
		ipc.WithLogger(logger),
	)

	go func() {
		err := relayStore.Watch(ctx, func(identity string) {
			logger.Info("relay list changed", "identity", identity)
			svc.RelaysChanged(identity)
		})
		if err != nil {
			logger.Warn("relay watcher stopped", "error", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		logger.Error("failed to connect to session bus", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("starting signer",
		"backend", env.Backend.Name(),
		"accounts", accts.Count(),
		"mutations", cfg.AllowMutations,
	)
	if err := svc.Serve(ctx, conn); err != nil {
		logger.Error("signer service failed", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("signer stopped")
}
