// Command edge runs the hot-path pixel capture process: parse, classify
// and hand off a tracking record for every pixel request. The bulk
// raw-event writer never runs here; the only database
// traffic this process generates is an optional cold-tier geo lookup on a
// cache miss.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/joho/godotenv"

	"github.com/ocx/backend/internal/behaviour"
	"github.com/ocx/backend/internal/capture"
	"github.com/ocx/backend/internal/cidrtrie"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/failover"
	"github.com/ocx/backend/internal/geocache"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/pipeline/pipeclient"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Printf("edge: config load failed: %v", err)
		return 1
	}

	logger := log.New(log.Writer(), "[EDGE] ", log.LstdFlags)

	m := metrics.New()

	trie := cidrtrie.NewStore()
	ranges := make([]cidrtrie.Range, 0)
	for provider, cidrs := range cfg.Cidr.Ranges {
		for _, c := range cidrs {
			ranges = append(ranges, cidrtrie.Range{CIDR: c, Provider: provider})
		}
	}
	if cfg.Cidr.RangesFile != "" {
		fileRanges, err := loadRangesFile(cfg.Cidr.RangesFile)
		if err != nil {
			logger.Printf("edge: cidr ranges file %s unreadable, continuing with inline ranges only: %v", cfg.Cidr.RangesFile, err)
		} else {
			ranges = append(ranges, fileRanges...)
		}
	}
	built, skipped := trie.Refresh(ranges)
	logger.Printf("datacenter CIDR trie built: %d ranges, %d skipped", built, skipped)

	bhv := behaviour.NewManager(behaviour.Config{
		WindowSeconds: cfg.Behaviour.WindowSeconds,
		RingCapacity: cfg.Behaviour.RingCapacity,
		RapidFireCount: cfg.Behaviour.RapidFireCount,
		RapidFireMillis: cfg.Behaviour.RapidFireMillis,
		VelocityThreshold: cfg.Behaviour.VelocityThreshold,
		StabilityWindow: cfg.Behaviour.StabilityWindow(),
		StabilityCapacity: cfg.Behaviour.StabilityCapacity,
		StabilityShards: cfg.Behaviour.StabilityShards,
	})

	coldStore, redisClient := buildColdStore(cfg, logger)
	geo := geocache.New(geocache.Config{
		HotCapacity: cfg.GeoCache.HotCapacity,
		BackfillQueueSize: cfg.GeoCache.BackfillQueueSize,
		StaleAfter: cfg.GeoCache.StaleAfter(),
	}, coldStore).WithMetrics(m)

	foWriter, err := failover.New(failover.Config{Dir: cfg.Failover.Dir})
	if err != nil {
		logger.Printf("edge: failover writer init failed: %v", err)
		return 1
	}

	pipeClient := pipeclient.New(pipeclient.Config{
		Addr: cfg.Pipe.Addr,
		StagingCapacity: cfg.Pipe.StagingCapacity,
		StagingDeadline: cfg.Pipe.StagingDeadline(),
		BackoffMin: cfg.Pipe.BackoffMin(),
		BackoffMax: cfg.Pipe.BackoffMax(),
	}).WithMetrics(m)

	handler := capture.NewHandler(capture.Config{
		TrustedProxies: cfg.Capture.TrustedProxies,
		HandoffDeadline: cfg.Capture.HandoffDeadline(),
	}, trie, bhv, geo, pipeClient, foWriter).WithMetrics(m)

	router := mux.NewRouter()
	handler.Register(router)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr: ":" + cfg.Edge.Port,
		Handler: router,
		ReadTimeout: cfg.Edge.ReadTimeout(),
		WriteTimeout: cfg.Edge.WriteTimeout(),
		IdleTimeout: cfg.Edge.IdleTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pipeClient.Run(ctx)
	go geo.RunBackfillWorker(ctx)
	if redisClient != nil {
		go geocache.SubscribeInvalidate(ctx, redisClient, geo.Clear)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errCh:
		logger.Printf("fatal listener error: %v", err)
		return 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Edge.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
		return 2
	}
	if err := foWriter.Close(); err != nil {
		logger.Printf("failover writer close failed: %v", err)
	}
	logger.Printf("shutdown complete")
	return 0
}

// buildColdStore picks the Edge's geo cold tier per cfg.GeoCache.ColdStoreDriver:
// a shared Redis instance when several Edge hosts want one cold tier
// without each hitting the warehouse table directly, or a direct Postgres
// read otherwise. Either can fail to be reachable at startup; the Edge
// still starts, just with geo enrichment degraded to cache-miss-only until
// the backfill worker's next successful lookup. The Redis client, when
// built, is also returned so the caller can subscribe it to the
// cross-replica cache invalidation channel; it is nil for every other
// driver.
func buildColdStore(cfg *config.Config, logger *log.Logger) (geocache.ColdStore, *redis.Client) {
	if cfg.GeoCache.ColdStoreDriver == "redis" && cfg.GeoCache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.GeoCache.RedisAddr})
		logger.Printf("edge: geocache cold store: redis (%s)", cfg.GeoCache.RedisAddr)
		return geocache.NewRedisColdStore(rdb, cfg.GeoCache.StaleAfter()), rdb
	}

	db, err := openGeoDB(cfg)
	if err != nil {
		logger.Printf("edge: geo DB unavailable, geo enrichment disabled at the edge: %v", err)
		return &geocache.StaticColdStore{Table: map[string]*geocache.Entry{}}, nil
	}
	return geocache.NewSQLColdStore(db), nil
}

func openGeoDB(cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("no database dsn configured")
	}
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// loadRangesFile reads a newline-delimited "provider,cidr" file, letting
// large datacenter CIDR lists live outside the YAML config (cfg.Cidr.Ranges
// stays for a handful of inline overrides). Blank lines and lines starting
// with '#' are skipped.
func loadRangesFile(path string) ([]cidrtrie.Range, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ranges []cidrtrie.Range
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			continue
		}
		ranges = append(ranges, cidrtrie.Range{
			Provider: strings.TrimSpace(parts[0]),
			CIDR: strings.TrimSpace(parts[1]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ranges, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
