// Copyright AI Scope Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aiscope/aiscope/internal/eventbus"
	"github.com/aiscope/aiscope/internal/metrics"
	"github.com/aiscope/aiscope/internal/modelinfo"
	"github.com/aiscope/aiscope/internal/openrouter"
	"github.com/aiscope/aiscope/internal/pricing"
	"github.com/aiscope/aiscope/internal/proxy"
	"github.com/aiscope/aiscope/internal/retention"
	"github.com/aiscope/aiscope/internal/store"
)

// runOpts holds seams for tests: pre-bound listeners override the port flags.
type runOpts struct {
	proxyListener net.Listener
	adminListener net.Listener
}

// run wires the store, the forwarding handler and the admin server, then
// serves until ctx is done.
func run(ctx context.Context, c cmdRun, opts runOpts, _, stderr io.Writer) error {
	level := slog.LevelInfo
	if c.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	st, err := store.Open(c.DB, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	if c.TargetURL != "" {
		if err := st.SeedDefaultTarget(ctx, c.TargetURL); err != nil {
			return fmt.Errorf("failed to seed default target: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	provider, shutdownMetrics, err := metrics.NewMeterProvider(registry)
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()
	observer := metrics.NewObserver(provider.Meter("github.com/aiscope/aiscope"))

	bus := eventbus.New(logger)
	enricher := openrouter.New(st, bus, logger)
	handler := proxy.New(st, bus, pricing.NewEstimator(st, logger), enricher, observer, logger)
	infoCache := modelinfo.New(logger)

	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	adminMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	adminMux.Handle("/api/events", bus.Handler())
	adminMux.Handle("/api/model-info", infoCache.Handler())

	proxyLn := opts.proxyListener
	if proxyLn == nil {
		if proxyLn, err = net.Listen("tcp", fmt.Sprintf(":%d", c.ProxyPort)); err != nil {
			return fmt.Errorf("failed to listen on proxy port: %w", err)
		}
	}
	adminLn := opts.adminListener
	if adminLn == nil {
		if adminLn, err = net.Listen("tcp", fmt.Sprintf(":%d", c.AdminPort)); err != nil {
			return fmt.Errorf("failed to listen on admin port: %w", err)
		}
	}

	proxySrv := &http.Server{Handler: handler}
	adminSrv := &http.Server{Handler: adminMux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("proxy listening", "addr", proxyLn.Addr().String())
		if err := proxySrv.Serve(proxyLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("admin listening", "addr", adminLn.Addr().String())
		if err := adminSrv.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		retention.NewWorker(st, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxySrv.Shutdown(shutdownCtx)
		_ = adminSrv.Shutdown(shutdownCtx)
		// Let in-flight enrichments land before the store closes.
		enricher.Wait()
		return nil
	})
	return g.Wait()
}
