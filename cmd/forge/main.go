// Command forge runs the background persistence, replay and self-healing
// process: accept records handed off by one or more Edge instances,
// enrich and bulk-insert them, replay anything that spilled to the
// on-disk failover path, and watch its own health.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/joho/godotenv"

	"github.com/ocx/backend/internal/behaviour"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/enrich"
	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/failover"
	"github.com/ocx/backend/internal/geocache"
	"github.com/ocx/backend/internal/handoff"
	"github.com/ocx/backend/internal/healthprobe"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/operator"
	"github.com/ocx/backend/internal/pipeline/pipelistener"
	"github.com/ocx/backend/internal/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()

	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Printf("forge: config load failed: %v", err)
		return 1
	}

	logger := log.New(log.Writer(), "[FORGE] ", log.LstdFlags)

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Printf("forge: database open failed: %v", err)
		return 1
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifeTime())

	m := metrics.New()

	enrichCh := handoff.New(cfg.Handoff.EnrichmentCapacity, handoff.BlockWithTimeout).WithMetrics("enrichment", m)
	writerCh := handoff.New(cfg.Handoff.WriterCapacity, handoff.BlockWithTimeout).WithMetrics("writer", m)

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

	var coldStore geocache.ColdStore = geocache.NewSQLColdStore(db)
	geo := geocache.New(geocache.Config{
		HotCapacity: cfg.GeoCache.HotCapacity,
		BackfillQueueSize: cfg.GeoCache.BackfillQueueSize,
		StaleAfter: cfg.GeoCache.StaleAfter(),
	}, coldStore).WithMetrics(m)

	foWriter, err := failover.New(failover.Config{Dir: cfg.Failover.Dir})
	if err != nil {
		logger.Printf("forge: failover writer init failed: %v", err)
		return 1
	}

	bulkWriter := writer.New(writer.Config{
		BatchSize: cfg.Writer.BatchSize,
		FlushInterval: cfg.Writer.FlushInterval(),
		TableBucketing: cfg.Writer.TableBucketing,
		BucketWidth: cfg.Writer.BucketWidth(),
		Breaker: writer.BreakerConfig{
			ConsecutiveToTrip: cfg.Writer.BreakerConsecutiveToTrip,
			Cooldown: cfg.Writer.BreakerCooldown(),
			Retries: cfg.Writer.BreakerRetries,
			RetryBackoffMin: cfg.Writer.BreakerBackoffMin(),
			RetryBackoffMax: cfg.Writer.BreakerBackoffMax(),
			OnStateChange: func(name string, from, to writer.State) {
				logger.Printf("circuit %s: %s -> %s", name, from, to)
				m.SetCircuitState(to.String())
			},
		},
	}, db, writerCh, foWriter).WithMetrics(m)

	enrichPipeline := enrich.New(enrichCh, writerCh, bhv, geo)

	listener := pipelistener.New(pipelistener.Config{Addr: cfg.Pipe.Addr}, enrichCh).WithMetrics(m)

	var pubsubSink *failover.PubSubCatchupSink
	if cfg.Failover.PubSubEnabled {
		pubsubSink, err = buildPubSubSink(context.Background(), cfg, logger)
		if err != nil {
			logger.Printf("forge: failover pub/sub fanout unavailable, continuing without it: %v", err)
			pubsubSink = nil
		}
	}
	catchup := failover.NewCatchup(failover.CatchupConfig{
		Dir: cfg.Failover.Dir,
		ScanInterval: cfg.Failover.ScanInterval(),
	}, enrichCh, pubsubSink).WithMetrics(m)

	var geoClearer operator.GeoCacheClearer = geo
	if cfg.GeoCache.ColdStoreDriver == "redis" && cfg.GeoCache.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.GeoCache.RedisAddr})
		geoClearer = &fanoutGeoCacheClearer{geo: geo, rdb: rdb}
	}

	var emitter events.EventEmitter = events.NewEventBus()
	var healthPubSub *events.PubSubEventBus
	if cfg.Failover.PubSubEnabled {
		healthPubSub, err = events.NewPubSubEventBus(cfg.Failover.PubSubProjectID, cfg.Health.EventsTopicID)
		if err != nil {
			logger.Printf("forge: health event pub/sub fanout unavailable, continuing with in-memory only: %v", err)
			healthPubSub = nil
		} else {
			emitter = healthPubSub
		}
	}

	remediator := &selfHealRemediator{writerCh: writerCh, geo: geo}
	probe := healthprobe.New(healthprobe.Config{
		Interval: cfg.Health.Interval(),
		DedupeWindow: cfg.Health.DedupeWindow(),
		SaturatedTicksBeforeStuck: cfg.Health.SaturatedTicksBeforeStuck,
	}, bulkWriter.Breaker(), map[string]healthprobe.ChannelDepth{
		"enrichment": {Depth: enrichCh.Depth, Capacity: enrichCh.Capacity},
		"writer": {Depth: writerCh.Depth, Capacity: writerCh.Capacity},
	}, func() (int, int64, error) {
		count, bytes, err := failover.Stats(cfg.Failover.Dir)
		if err == nil {
			m.SetFailoverStats(count, bytes)
		}
		return count, bytes, err
	}, listener.ConnectionCount, func() float64 {
		return float64(bulkWriter.LastFlushLatency().Milliseconds())
	}, remediator, emitter)

	opServer := operator.New(bulkWriter.Breaker(), probe, geoClearer)
	router := mux.NewRouter()
	opServer.Register(router)
	router.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{Addr: ":9090", Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go bulkWriter.Run(ctx)
	go enrichPipeline.Run(ctx)
	go catchup.Run(ctx)
	go geo.RunBackfillWorker(ctx)
	go probe.Run(ctx)
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Printf("pipe listener stopped: %v", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("operator surface listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errCh:
		logger.Printf("fatal operator listener error: %v", err)
		return 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Forge.ShutdownTimeout())
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = listener.Close()
	_ = foWriter.Close()
	if healthPubSub != nil {
		_ = healthPubSub.Close()
	}
	logger.Printf("shutdown complete")
	return 0
}

// selfHealRemediator adapts the writer/enrichment channels and geo cache
// into healthprobe.Remediator's two safe auto-remediations.
type selfHealRemediator struct {
	writerCh *handoff.Channel
	geo *geocache.Cache
}

func (r *selfHealRemediator) ResetStuckWatermark() error {
	depth := r.writerCh.Depth()
	if depth == 0 {
		return nil
	}
	drained := r.writerCh.Drain(depth)
	if drained == 0 {
		return fmt.Errorf("writer channel reported depth %d but nothing was drained", depth)
	}
	return nil
}

func (r *selfHealRemediator) ClearGeoCache() {
	r.geo.Clear()
}

// buildPubSubSink resolves the configured Pub/Sub topic and wraps it for
// the catch-up reader's fanout.
func buildPubSubSink(ctx context.Context, cfg *config.Config, logger *log.Logger) (*failover.PubSubCatchupSink, error) {
	if cfg.Failover.PubSubProjectID == "" {
		return nil, fmt.Errorf("pubsub enabled but no project id configured")
	}
	client, err := gpubsub.NewClient(ctx, cfg.Failover.PubSubProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.Failover.PubSubTopicID)
	logger.Printf("forge: failover catch-up fanout -> pubsub topic %s/%s", cfg.Failover.PubSubProjectID, cfg.Failover.PubSubTopicID)
	return failover.NewPubSubCatchupSink(topic), nil
}

// fanoutGeoCacheClearer clears the local hot cache and broadcasts an
// invalidation signal so every Edge replica sharing the Redis cold tier
// clears in lockstep.
type fanoutGeoCacheClearer struct {
	geo *geocache.Cache
	rdb *redis.Client
}

func (f *fanoutGeoCacheClearer) Clear() {
	f.geo.Clear()
	if err := geocache.PublishInvalidate(context.Background(), f.rdb); err != nil {
		log.Printf("forge: geo cache invalidate fanout failed: %v", err)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
