// BuildNet is a distributed build orchestration engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command buildnetd runs one node of a BuildNet cluster: it wires the
// hasher, artifact cache, cluster membership/election, ledger, resource
// allocator, and scheduler together and keeps them running. The wire
// transport that lets nodes actually talk to each other over the
// network is out of scope for this core (see the design notes); this
// binary drives the components locally and exposes health/metrics so it
// can be exercised end to end.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattcburns/buildnet/internal/allocator"
	"github.com/mattcburns/buildnet/internal/buildnetmetrics"
	"github.com/mattcburns/buildnet/internal/cache"
	"github.com/mattcburns/buildnet/internal/cluster"
	"github.com/mattcburns/buildnet/internal/config"
	"github.com/mattcburns/buildnet/internal/hasher"
	"github.com/mattcburns/buildnet/internal/ledger"
	"github.com/mattcburns/buildnet/internal/scheduler"
	"github.com/mattcburns/buildnet/pkg/crypto"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func selectorFor(strategy string, c *cache.Cache) scheduler.WorkerSelector {
	switch strategy {
	case "round_robin":
		return &scheduler.RoundRobinSelector{}
	case "cache_affinity":
		return scheduler.CacheAffinitySelector{
			HasArtifact: func(_, hash string) bool {
				return c.Exists(hash)
			},
		}
	case "random":
		return scheduler.NewRandomSelector()
	case "best_fit":
		return scheduler.BestFitSelector{}
	default:
		return scheduler.LeastLoadedSelector{}
	}
}

// loadOrCreateSigner reads a hex-encoded Ed25519 seed from seedPath,
// creating a fresh signer and persisting its seed on first run. The
// ledger needs a stable signing identity across restarts so its hash
// chain verification keeps working. When passphrase is non-empty the
// seed is encrypted at rest with it (AES-256-GCM, PBKDF2-derived key);
// an empty passphrase stores the seed as plain hex, which is fine for
// local development.
func loadOrCreateSigner(seedPath, passphrase string) (*crypto.Signer, error) {
	if data, err := os.ReadFile(seedPath); err == nil {
		hexSeed := string(data)
		if passphrase != "" {
			enc, encErr := crypto.NewEncryptor(passphrase)
			if encErr != nil {
				return nil, fmt.Errorf("init ledger seed encryptor: %w", encErr)
			}
			hexSeed, err = enc.Decrypt(hexSeed)
			if err != nil {
				return nil, fmt.Errorf("decrypt ledger signer seed (wrong BUILDNET_SECRET_PASSPHRASE?): %w", err)
			}
		}
		seed, decErr := hex.DecodeString(hexSeed)
		if decErr != nil {
			return nil, fmt.Errorf("decode ledger signer seed: %w", decErr)
		}
		return crypto.NewSignerFromSeed(seed)
	}

	signer, err := crypto.NewSigner()
	if err != nil {
		return nil, fmt.Errorf("generate ledger signer: %w", err)
	}
	out := hex.EncodeToString(signer.Seed())
	if passphrase != "" {
		enc, encErr := crypto.NewEncryptor(passphrase)
		if encErr != nil {
			return nil, fmt.Errorf("init ledger seed encryptor: %w", encErr)
		}
		if out, err = enc.Encrypt(out); err != nil {
			return nil, fmt.Errorf("encrypt ledger signer seed: %w", err)
		}
	}
	if err := os.WriteFile(seedPath, []byte(out), 0o600); err != nil {
		return nil, fmt.Errorf("persist ledger signer seed: %w", err)
	}
	return signer, nil
}

func main() {
	var (
		nodeID     = flag.String("node-id", "", "cluster node ID (env BUILDNET_NODE_ID, random if unset)")
		listenAddr = flag.String("listen-addr", "", "node address advertised to the cluster (env BUILDNET_LISTEN_ADDRESS)")
	)
	flag.Parse()

	cfg, err := config.LoadConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "buildnetd: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("starting buildnetd", "node_id", cfg.NodeID, "listen_addr", cfg.ListenAddr,
		"secret_passphrase", crypto.RedactSecret(cfg.SecretPassphrase))

	if err := os.MkdirAll(cfg.CachePath, 0o755); err != nil {
		logger.Error("failed to create cache path", "error", err)
		os.Exit(1)
	}

	h := hasher.New(cfg.HasherWorkerPoolSize)

	artifactCache, err := cache.New(cfg.CachePath, 1024, logger)
	if err != nil {
		logger.Error("failed to open artifact cache", "error", err)
		os.Exit(1)
	}

	if metas, err := h.HashDir(cfg.CachePath); err == nil {
		logger.Info("hashed existing cache contents at startup", "combined_digest", hasher.Combine(metas).Hex, "file_count", len(metas))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlStore, err := ledger.OpenSQLStore(ctx, cfg.LedgerPath)
	if err != nil {
		logger.Error("failed to open ledger store", "error", err)
		os.Exit(1)
	}
	defer sqlStore.Close()

	signer, err := loadOrCreateSigner(cfg.LedgerPath+".signer", cfg.SecretPassphrase)
	if err != nil {
		logger.Error("failed to establish ledger signing identity", "error", err)
		os.Exit(1)
	}

	led, err := ledger.Open(ctx, sqlStore, signer, cfg.NodeID, logger)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}

	registry := cluster.NewRegistry(cfg.NodeID, cfg.ListenAddr, cfg.HeartbeatTimeout, logger)
	election := cluster.NewElection(cluster.ElectionConfig{
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatTimeout:    cfg.HeartbeatTimeout,
		ElectionQuorum:      cfg.ElectionQuorum,
		ElectionTimeout:     cfg.ElectionTimeout,
		FailoverCooldown:    cfg.FailoverCooldown,
		MaxFailoversPerHour: cfg.MaxFailoversPerHour,
	}, cfg.NodeID, registry, logger)

	monitor := cluster.NewMonitor(registry, election, cfg.HeartbeatInterval, logger)
	monitor.Start()
	defer monitor.Stop()

	checkpoints := cluster.NewCheckpointStore(50, logger).WithPersister(sqlStore)

	alloc := allocator.New(allocator.Capacity{
		High:   cfg.MaxConcurrentBuildsHigh,
		Normal: cfg.MaxConcurrentBuildsNormal,
		Low:    cfg.MaxConcurrentBuildsLow,
	}, logger)
	expirer := allocator.NewExpirer(alloc, allocator.ExpirerConfig{Enabled: true, Interval: 30 * time.Second})
	expirer.Start()
	defer expirer.Stop()

	evictor := cache.NewEvictor(artifactCache, cache.EvictorConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		MaxBytes: cfg.MaxArtifactCacheBytes,
	})
	evictor.Start()
	defer evictor.Stop()

	sched := scheduler.New(scheduler.Config{
		MaxTaskRetries:      cfg.MaxTaskRetries,
		WorkStealingEnabled: cfg.WorkStealingEnabled,
	}, selectorFor(cfg.SchedulingStrategy, artifactCache), led, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := alloc.Status()
		leaderID, hasLeader := election.LeaderID()
		writeJSON(w, http.StatusOK, map[string]any{
			"node_id":          cfg.NodeID,
			"leader":           leaderID,
			"has_leader":       hasLeader,
			"term":             election.Term(),
			"allocator_active": st.TotalActive(),
			"allocator_queued": st.TotalQueued(),
		})
	})
	mux.HandleFunc("/cluster", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": registry.All()})
	})
	mux.HandleFunc("/builds", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var b scheduler.Build
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		id, err := sched.Submit(&b)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"build_id": id})
	})
	mux.HandleFunc("/builds/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/builds/")
		b, ok := sched.GetBuild(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, b)
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", buildnetmetrics.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsListenAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("health/status server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsListenAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// Drive periodic scheduling passes. The actual network RPCs that
	// would carry AssignTask/Heartbeat messages to remote workers are out
	// of scope; this loop keeps the scheduler's state machine moving so a
	// single node is independently useful and the component is exercised
	// continuously. Cluster health checks and election triggering are the
	// monitor's job (started above), not this loop's.
	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sched.Schedule()
			}
		}
	}()

	// Record a checkpoint marker roughly once a minute: the leader's
	// ledger cursor, current election term, and artifact cache occupancy
	// at that point, so an operator can see the last consistent
	// resumption point without a full state snapshot (out of scope).
	checkpointTicker := time.NewTicker(time.Minute)
	defer checkpointTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-checkpointTicker.C:
				stats, err := artifactCache.Stats()
				if err != nil {
					logger.Warn("checkpoint: cache stats failed", "error", err)
					continue
				}
				checkpoints.Create(ctx, led.Cursor(), election.Term(), stats.TotalBytes)
			}
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("buildnetd stopped")
}
