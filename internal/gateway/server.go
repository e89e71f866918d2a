// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gateway assembles the policy-enforcement gateway: authentication,
// tier routing, policy evaluation, the orchestrator API, and the HTTP
// surface that exposes them.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/tollgate/internal/audit"
	"github.com/tombee/tollgate/internal/config"
	"github.com/tombee/tollgate/internal/credential"
	"github.com/tombee/tollgate/internal/gateway/httputil"
	"github.com/tombee/tollgate/internal/pipeline"
	"github.com/tombee/tollgate/internal/tunnel"
	"github.com/tombee/tollgate/internal/watcher"
)

// bootstrapDailyLimit is the daily cap given to the bootstrap orchestrator
// key. Orchestrators are counted like everyone else, just with a very large
// cap.
const bootstrapDailyLimit = 1000000

// Server is the gateway process: the three stores, the authenticator, the
// evaluator wiring, and the HTTP listener.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	creds   *credential.Store
	tunnels *tunnel.Registry
	runs    *pipeline.Store
	audits  *audit.Store
	bursts  *burstLimiter
	watch   *watcher.Watcher

	handler http.Handler
	httpSrv *http.Server
	now     func() time.Time
}

// New constructs a gateway, loading all persisted state. Unreadable state
// files are fatal: the caller should exit non-zero rather than run with a
// partial view.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg.ResolvePaths()

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	tunnels := tunnel.NewRegistry(cfg.Data.TunnelFile, logger)
	if err := tunnels.Load(); err != nil {
		return nil, err
	}

	creds := credential.NewStore(cfg.Data.CredentialFile, cfg.Data.UsageFile, cfg.Data.UsageFlushEvery, logger)
	if err := creds.Load(); err != nil {
		return nil, err
	}

	runs := pipeline.NewStore(cfg.Data.PipelineFile, tunnels, logger)
	if err := runs.Load(); err != nil {
		return nil, err
	}

	audits, err := audit.New(audit.Config{Path: cfg.Data.AuditDB})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		creds:   creds,
		tunnels: tunnels,
		runs:    runs,
		audits:  audits,
		bursts:  newBurstLimiter(cfg.RateLimit),
		now:     time.Now,
	}

	if err := s.bootstrap(); err != nil {
		return nil, err
	}

	if err := s.setupWatcher(); err != nil {
		return nil, err
	}

	s.handler = s.buildHandler()
	return s, nil
}

// bootstrap issues a first orchestrator key when none exists so a fresh
// install is administrable. The key is logged once, at startup only.
func (s *Server) bootstrap() error {
	if s.creds.HasActiveOrchestrator() {
		return nil
	}
	c, err := s.creds.Create("bootstrap-orchestrator", credential.TierOrchestrator, "", bootstrapDailyLimit, "system")
	if err != nil {
		return fmt.Errorf("failed to bootstrap orchestrator key: %w", err)
	}
	s.logger.Warn("no orchestrator key found, issued bootstrap key",
		slog.String("key", c.Key),
		slog.String("name", c.Name))
	return nil
}

// setupWatcher wires reloads for out-of-band edits to the credential and
// tunnel files. The pipeline state file is process-owned and not watched.
func (s *Server) setupWatcher() error {
	w, err := watcher.New(s.logger)
	if err != nil {
		return err
	}
	if err := w.Watch(s.cfg.Data.TunnelFile, func() {
		if err := s.tunnels.Reload(); err != nil {
			configReloadsTotal.WithLabelValues("tunnels", "error").Inc()
			return
		}
		configReloadsTotal.WithLabelValues("tunnels", "ok").Inc()
	}); err != nil {
		return err
	}
	if err := w.Watch(s.cfg.Data.CredentialFile, func() {
		if err := s.creds.Reload(); err != nil {
			configReloadsTotal.WithLabelValues("credentials", "error").Inc()
			return
		}
		configReloadsTotal.WithLabelValues("credentials", "ok").Inc()
	}); err != nil {
		return err
	}
	s.watch = w
	return nil
}

// buildHandler assembles the middleware chain and routing tiers.
func (s *Server) buildHandler() http.Handler {
	orch := s.orchestratorMux()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)

	// Only /status and OPTIONS are public; metrics require an orchestrator
	// key like the rest of the admin surface.
	metrics := promhttp.Handler()
	mux.Handle("GET /metrics", s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok || !caller.IsOrchestrator() {
			httputil.WriteError(w, http.StatusForbidden, "Orchestrator key required")
			return
		}
		metrics.ServeHTTP(w, r)
	})))

	// Everything else is authenticated, then tier-routed: orchestrators
	// reach the administrative API, all other traffic is policy-evaluated
	// against the caller's tunnel.
	mux.Handle("/", s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if ok && caller.IsOrchestrator() && strings.HasPrefix(r.URL.Path, "/orchestrator/") {
			orch.ServeHTTP(w, r)
			return
		}
		s.handleEvaluate(w, r)
	})))

	return corsMiddleware(loggingMiddleware(s.logger, mux))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run serves until the context is cancelled, then shuts down gracefully:
// in-flight requests drain, usage counters flush, the audit store closes.
func (s *Server) Run(ctx context.Context) error {
	s.watch.Start(ctx)

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Listen.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", slog.String("addr", s.cfg.Listen.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown error", "error", err)
	}
	if err := s.watch.Stop(); err != nil {
		s.logger.Warn("watcher shutdown error", "error", err)
	}
	if err := s.creds.FlushUsage(); err != nil {
		s.logger.Warn("usage flush on shutdown failed", "error", err)
	}
	if err := s.audits.Close(); err != nil {
		s.logger.Warn("audit close failed", "error", err)
	}
	s.logger.Info("gateway stopped")
	return nil
}
