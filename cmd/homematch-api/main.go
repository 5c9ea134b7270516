// README: Entry point; loads config, wires infra and services, runs the HTTP API until signalled.
package main

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"homematch/internal/config"
	"homematch/internal/eta"
	"homematch/internal/events"
	httptransport "homematch/internal/http"
	"homematch/internal/http/handlers"
	"homematch/internal/infra"
	"homematch/internal/logger"
	"homematch/internal/metrics"
	"homematch/internal/modules/aiusage"
	"homematch/internal/modules/contractor"
	"homematch/internal/modules/dispatch"
	"homematch/internal/modules/location"
	"homematch/internal/modules/matching"
	"homematch/internal/notify"
	"homematch/internal/triage"
)

// registry is what the API needs from a contractor store.
type registry interface {
	contractor.Source
	ListActive(ctx context.Context) ([]contractor.Profile, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Fatal("homematch-api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	if cfg.Firebase.ProjectID == "" {
		return errors.New("HOMEMATCH_FIREBASE_PROJECT_ID is required")
	}
	fb, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := fb.Verifier(ctx)
	if err != nil {
		return err
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	source, err := newRegistry(ctx, cfg, fb, dbPool, zl)
	if err != nil {
		return err
	}

	postgresRegistry := cfg.Firebase.Registry == "postgres"
	matchingSvc := matching.NewService(source, matching.NewMatcher(cfg.Matching.Options()), zl, m)
	var positions location.PositionIndex
	if cfg.Matching.GeoIndex {
		index := contractor.NewGeoIndex(redisClient)
		if err := syncGeoIndex(ctx, source, index); err != nil {
			return err
		}
		matchingSvc.UseNearbyIndex(index)
		positions = index
	}
	var snapshots location.SnapshotStore
	if postgresRegistry {
		snapshots = location.NewStore(dbPool)
	}
	locationSvc := location.NewService(positions, snapshots, cfg.Matching.LocationFlush)
	if cfg.Maps.APIKey != "" {
		estimator, err := eta.NewMapsEstimator(cfg.Maps.APIKey, zl)
		if err != nil {
			return err
		}
		matchingSvc.UseETA(estimator)
	}
	if cfg.AI.GeminiKey != "" {
		classifier, err := triage.NewGeminiClassifier(ctx, cfg.AI.GeminiKey, cfg.AI.Model, cfg.AI.Services, zl)
		if err != nil {
			return err
		}
		defer func() { _ = classifier.Close() }()
		matchingSvc.UseClassifier(classifier)
	}
	var quota handlers.TriageQuota
	if matchingSvc.HasClassifier() && cfg.AI.MonthlyQuota > 0 {
		var ledger aiusage.Ledger = aiusage.NewMemoryLedger()
		if postgresRegistry {
			ledger = aiusage.NewStore(dbPool)
		}
		quota = aiusage.NewService(ledger, cfg.AI.MonthlyQuota)
	}

	hub := notify.NewHub(zl)
	defer hub.Close()
	broker := dispatch.NewRedisBroker(redisClient, zl)

	var channel dispatch.OfferChannel
	if cfg.Dispatch.Simulate {
		zl.Warn("dispatch simulation enabled; offers are answered by a random draw")
		channel = dispatch.NewSimulatedChannel(rand.New(rand.NewSource(time.Now().UnixNano())), cfg.Dispatch.SimulateMaxDelay)
	} else {
		msgClient, err := fb.Messaging(ctx)
		if err != nil {
			return err
		}
		notifier := notify.Chain{hub, notify.NewFirebaseNotifier(msgClient, zl)}
		channel = dispatch.NewNotifyingChannel(notifier, broker, zl)
	}

	deps := dispatch.ServiceDeps{
		Channel:     channel,
		Broker:      broker,
		Coordinator: dispatch.NewRedisCoordinator(redisClient),
		Events:      dispatch.NewStore(dbPool),
		Metrics:     m,
		LockTTL:     cfg.Dispatch.LockTTL,
	}
	if cfg.Rabbit.URL != "" {
		rabbit, err := infra.NewRabbit(ctx, cfg.Rabbit.URL, zl)
		if err != nil {
			return err
		}
		defer rabbit.Close()
		publisher, err := events.NewPublisher(rabbit.Chan, cfg.Rabbit.Exchange, zl)
		if err != nil {
			return err
		}
		deps.Publisher = publisher
	}
	dispatchSvc := dispatch.NewService(deps, cfg.Dispatch.Dispatcher(), zl)
	hub.SetResponder(dispatchSvc)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Matching: matchingSvc,
		Dispatch: dispatchSvc,
		Location: locationSvc,
		Hub:      hub,
		Quota:    quota,
		Verifier: verifier,
		Gatherer: reg,
		Checks: map[string]httptransport.HealthCheck{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Log:         zl,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, cfg.HTTP.ShutdownTimeout, zl)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return dispatchSvc.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRegistry(ctx context.Context, cfg *config.Config, fb *infra.Firebase, db *pgxpool.Pool, zl *zap.Logger) (registry, error) {
	switch cfg.Firebase.Registry {
	case "firestore":
		client, err := fb.Firestore(ctx)
		if err != nil {
			return nil, err
		}
		return contractor.NewFirestoreStore(client, zl), nil
	case "memory":
		zl.Warn("memory registry in use; only inline contractor lists will match")
		return contractor.NewMemorySource(nil), nil
	default:
		return contractor.NewStore(db), nil
	}
}

func syncGeoIndex(ctx context.Context, source registry, index *contractor.GeoIndex) error {
	profiles, err := source.ListActive(ctx)
	if err != nil {
		return err
	}
	return index.Sync(ctx, profiles)
}
