/*
Copyright 2025.

SPDX-License-Identifier: Apache-2.0

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command workspacevaultd wires together the workspace session core's
// components -- Store Adapter, Key Vault, Rotation Engine, and Sync Engine
// -- and runs the rotation scheduler, the sync engine's drain loop, an
// optional webhook sink, and a health/metrics surface. HTTP routing for
// the session API itself is out of scope (spec.md §1's "out of scope"
// list); this binary is the long-running process a routing layer would
// sit in front of. The Recovery Engine and State Codec are invoked
// on-demand by that future routing layer rather than from this process's
// own background loops, so they are not constructed here.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/corevault/workspacevault/internal/config"
	"github.com/corevault/workspacevault/internal/keyvault"
	"github.com/corevault/workspacevault/internal/rotation"
	"github.com/corevault/workspacevault/internal/store"
	pgstore "github.com/corevault/workspacevault/internal/store/postgres"
	redisstore "github.com/corevault/workspacevault/internal/store/redis"
	"github.com/corevault/workspacevault/internal/sync"
	"github.com/corevault/workspacevault/pkg/logging"
	"github.com/corevault/workspacevault/pkg/metrics"
)

// auditLoopInterval bounds how often runAuditLoop recomputes per-user
// security audit scores.
const auditLoopInterval = time.Hour

// auditScoreWarnThreshold is the SecurityAuditReport score below which an
// audit result is logged at warning level instead of being silent.
const auditScoreWarnThreshold = 70

// runAuditLoop periodically combines keyvault.Vault.SecurityAudit's
// key-hygiene findings with the Collector's usage-derived penalties,
// logging any user whose combined score drops below
// auditScoreWarnThreshold. It never returns until ctx is cancelled.
func runAuditLoop(ctx context.Context, st store.Store, vault *keyvault.Vault, collector *metrics.Collector, log logr.Logger) {
	keyAudit := func(ctx context.Context, userID string) (int, []string, error) {
		report, err := vault.SecurityAudit(ctx, userID)
		if err != nil {
			return 0, nil, err
		}
		issues := make([]string, 0, len(report.Issues))
		for _, issue := range report.Issues {
			issues = append(issues, issue.Description)
		}
		return report.Score, issues, nil
	}

	ticker := time.NewTicker(auditLoopInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := listDistinctUserIDs(ctx, st)
			if err != nil {
				log.Error(err, "audit loop: listing users")
				continue
			}
			for _, userID := range ids {
				report, err := collector.Audit(ctx, userID, keyAudit)
				if err != nil {
					log.Error(err, "audit loop: auditing user", "userID", userID)
					continue
				}
				if report.Score < auditScoreWarnThreshold {
					log.Info("security audit below threshold", "userID", userID, "score", report.Score, "issues", report.Issues)
				}
			}
		}
	}
}

// flags groups the CLI flags and environment fallbacks for this binary.
type flags struct {
	healthAddr   string
	metricsAddr  string
	postgresDSN  string
	redisAddrs   string
	rotationCron string
	webhookURL   string
}

func parseFlags() *flags {
	f := &flags{
		healthAddr:   envOr("WORKSPACEVAULTD_HEALTH_ADDR", ":8081"),
		metricsAddr:  envOr("WORKSPACEVAULTD_METRICS_ADDR", ":9090"),
		postgresDSN:  os.Getenv("POSTGRES_CONN"),
		redisAddrs:   os.Getenv("REDIS_ADDRS"),
		rotationCron: envOr("WORKSPACEVAULTD_ROTATION_CRON", "0 3 * * *"),
		webhookURL:   os.Getenv("WORKSPACEVAULTD_WEBHOOK_URL"),
	}
	return f
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	log, syncLog, err := logging.NewLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer syncLog()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, storeCleanup, err := initStore(ctx, f, log)
	if err != nil {
		return err
	}
	defer storeCleanup()

	collector := metrics.New(metrics.Config{Namespace: "workspacevault"})
	vault := keyvault.New(st, cfg.PasswordPolicy.ToPasswordPolicy(), cfg.KDFIterations, cfg.MaxActiveKeysPerUser, log, collector)
	rotationEngine := rotation.New(st, vault, cfg.Rotation, log, collector)
	syncEngine := sync.New(st, cfg.SyncDrainInterval, cfg.SubscriptionTimeout, log)

	go syncEngine.Run(ctx)
	go runAuditLoop(ctx, st, vault, collector, log)

	if f.webhookURL != "" {
		sink := sync.NewWebhookSink(f.webhookURL, 0, log)
		go sink.Run(ctx, syncEngine.Notifications())
		log.Info("webhook sink enabled", "url", f.webhookURL)
	}

	var stopScheduler func()
	if cfg.Rotation.AutoRotateEnabled {
		stopScheduler, err = rotationEngine.StartScheduler(ctx, f.rotationCron, func(ctx context.Context) ([]string, error) {
			return listDistinctUserIDs(ctx, st)
		})
		if err != nil {
			return fmt.Errorf("starting rotation scheduler: %w", err)
		}
		defer stopScheduler()
		log.Info("rotation scheduler started", "cron", f.rotationCron)
	}

	healthSrv := newHealthServer(f.healthAddr, st)
	metricsSrv := newMetricsServer(f.metricsAddr)
	startHTTPServer(log, "health", f.healthAddr, healthSrv)
	startHTTPServer(log, "metrics", f.metricsAddr, metricsSrv)

	log.Info("workspacevaultd ready",
		"health", f.healthAddr,
		"metrics", f.metricsAddr,
		"autoRotate", cfg.Rotation.AutoRotateEnabled,
		"compression", cfg.CompressionEnabled,
	)

	<-ctx.Done()
	log.Info("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	for _, s := range []*http.Server{healthSrv, metricsSrv} {
		if err := s.Shutdown(shutCtx); err != nil {
			log.Error(err, "server shutdown error")
		}
	}
	return nil
}

// listDistinctUserIDsPageSize bounds how many sessions are fetched per
// ListSessions call while scanning for distinct user IDs.
const listDistinctUserIDsPageSize = 500

// listDistinctUserIDs pages through every session to collect the set of
// distinct user IDs, since the Store Adapter deliberately has no direct
// "list users" operation (spec.md §4.9 only names session/checkpoint/key
// operations).
func listDistinctUserIDs(ctx context.Context, st store.Store) ([]string, error) {
	seen := make(map[string]struct{})
	offset := 0
	for {
		page, err := st.ListSessions(ctx, store.SessionFilter{Limit: listDistinctUserIDsPageSize, Offset: offset})
		if err != nil {
			return nil, err
		}
		for _, s := range page.Items {
			seen[s.UserID] = struct{}{}
		}
		offset += len(page.Items)
		if len(page.Items) < listDistinctUserIDsPageSize || offset >= page.Total {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids, nil
}

// initStore builds the durable Store: Postgres when POSTGRES_CONN is set,
// with an optional Redis caching decorator in front of it, falling back to
// the in-memory reference Store for local/dev runs.
func initStore(ctx context.Context, f *flags, log logr.Logger) (store.Store, func(), error) {
	if f.postgresDSN == "" {
		log.Info("POSTGRES_CONN not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pgCfg := pgstore.DefaultConfig()
	pgCfg.ConnString = f.postgresDSN
	provider, err := pgstore.New(pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating postgres store: %w", err)
	}

	var backing store.Store = provider
	cleanup := func() { _ = provider.Close() }

	if f.redisAddrs != "" {
		redisCfg := redisstore.DefaultConfig()
		redisCfg.Addrs = strings.Split(f.redisAddrs, ",")
		cached, err := redisstore.New(backing, redisCfg)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("creating redis caching store: %w", err)
		}
		backing = cached
		prevCleanup := cleanup
		cleanup = func() {
			_ = cached.Close()
			prevCleanup()
		}
		log.Info("redis caching store enabled", "addrs", redisCfg.Addrs)
	}

	return backing, cleanup, nil
}

func startHTTPServer(log logr.Logger, name, addr string, srv *http.Server) {
	go func() {
		log.Info("starting server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "server error", "server", name)
		}
	}()
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

func newHealthServer(addr string, st store.Store) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.CountSessions(r.Context(), store.SessionFilter{}); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
