package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"hubrecv/internal/broker"
	"hubrecv/internal/couchbase"
	"hubrecv/internal/eventhub"
	"hubrecv/internal/eventhub/checkpoint"
	"hubrecv/internal/eventhub/link"
	"hubrecv/internal/eventhub/metrics"
	"hubrecv/internal/eventhub/receiver"
	"hubrecv/internal/eventhub/retry"
	"hubrecv/internal/eventhub/tracing"
)

type Config struct {
	Couchbase couchbase.Config
	Broker    broker.Config
	Receiver  receiver.Config
	Retry     retry.Config
	Metrics   metrics.ServerConfig
	Tracing   tracing.Config

	ConsumerGroup string        `env:"CONSUMER_GROUP" envDefault:"$Default"`
	Partitions    int           `env:"PARTITIONS" envDefault:"4"`
	EventCount    int           `env:"EVENT_COUNT" envDefault:"100"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"25"`
	StartFrom     string        `env:"START_FROM" envDefault:"-1"`
	RunTimeout    time.Duration `env:"RUN_TIMEOUT" envDefault:"2m"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("failed to parse environment variables: %v", err)
	}

	config := zap.NewProductionConfig()

	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		log.Printf("invalid log level %q, defaulting to info: %v", cfg.LogLevel, err)
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := config.Build(zap.AddCaller())
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cluster, bucket, err := couchbase.Connect(cfg.Couchbase)
	if err != nil {
		log.Fatalf("failed to connect to Couchbase: %v", err)
	}
	defer func() {
		if err := cluster.Close(nil); err != nil {
			logger.Error("failed to close cluster", zap.Error(err))
		}
	}()

	metricsRegistry := metrics.NewRegistry()
	metricsRegistry.SetSystemInfo("e2e", time.Now().Format(time.RFC3339))

	records, err := broker.NewRecordsStore(cluster, bucket, cfg.Couchbase.ScopeName)
	if err != nil {
		log.Fatalf("failed to create records store: %v", err)
	}

	var started atomic.Bool
	metricsServer := metrics.NewServer(cfg.Metrics, metricsRegistry, func() error {
		if !started.Load() {
			return errors.New("receivers not started")
		}
		return records.Ping(time.Second)
	}, logger)

	go func() {
		if err := metricsServer.Start(context.Background()); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("metrics server started",
		zap.String("endpoint", fmt.Sprintf("http://localhost:%d/metrics", cfg.Metrics.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port)),
	)

	tracer, tracingCleanup, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingCleanup(shutdownCtx); err != nil {
			logger.Error("failed to cleanup tracing", zap.Error(err))
		}
	}()

	logger.Info("tracing initialized",
		zap.Bool("enabled", cfg.Tracing.Enabled),
		zap.String("service", cfg.Tracing.ServiceName),
		zap.String("jaeger_endpoint", cfg.Tracing.JaegerEndpoint),
		zap.Float64("sample_rate", cfg.Tracing.SampleRate),
	)

	heads, err := broker.NewHeadsStore(cluster, bucket, cfg.Couchbase.ScopeName)
	if err != nil {
		log.Fatalf("failed to create heads store: %v", err)
	}
	checkpoints, err := checkpoint.NewCheckpointsStore(cluster, bucket, cfg.Couchbase.ScopeName)
	if err != nil {
		log.Fatalf("failed to create checkpoints store: %v", err)
	}

	transactions, err := couchbase.NewTransactions(cluster, couchbase.DefaultTransactionTimeout)
	if err != nil {
		log.Fatalf("failed to create transactions: %v", err)
	}

	baseLog, err := broker.NewCouchbaseLog(records, heads, transactions, cfg.Broker.Retention)
	if err != nil {
		log.Fatalf("failed to create partition log: %v", err)
	}
	partitionLog := broker.NewTracedLog(broker.NewMetricsLog(baseLog, metricsRegistry), tracer)

	store, err := checkpoint.NewCouchbaseStore(checkpoints, transactions)
	if err != nil {
		log.Fatalf("failed to create checkpoint store: %v", err)
	}

	tokens, err := broker.NewTokenProvider(cfg.Broker.TokenSecret, cfg.Broker.TokenTTL, clock.WallClock)
	if err != nil {
		log.Fatalf("failed to create token provider: %v", err)
	}
	conns, err := broker.NewConnectionProvider(partitionLog, records, tokens, cfg.Broker, clock.WallClock, logger)
	if err != nil {
		log.Fatalf("failed to create connection provider: %v", err)
	}
	defer func() {
		if err := conns.Close(context.Background()); err != nil {
			logger.Error("failed to close broker connection", zap.Error(err))
		}
	}()

	publisher, err := broker.NewPublisher(partitionLog, cfg.Broker.EventHub, clock.WallClock, logger)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	now := time.Now()
	policy := retry.NewExponential(cfg.Retry, retry.DefaultRetryable)

	var received atomic.Int64
	receivers := make([]eventhub.Receiver, 0, cfg.Partitions)
	for i := range cfg.Partitions {
		p := eventhub.Partition{
			Endpoint:      cfg.Broker.Endpoint,
			EventHub:      cfg.Broker.EventHub,
			ConsumerGroup: cfg.ConsumerGroup,
			ID:            strconv.Itoa(i),
		}

		r, err := newReceiver(ctx, cfg, p, conns, tokens, policy, store, metricsRegistry, tracer, logger)
		if err != nil {
			log.Fatalf("failed to create receiver for partition %s: %v", p.ID, err)
		}

		plogger := logger.With(zap.String("partition", p.ID))
		r.SetHandler(checkpoint.NewHandler(&eventhub.HandlerFuncs{
			BatchSize: cfg.BatchSize,
			Batch: func(ctx context.Context, events []*eventhub.Event) error {
				if len(events) == 0 {
					return nil
				}
				total := received.Add(int64(len(events)))
				plogger.Info("received events",
					zap.Int("count", len(events)),
					zap.String("firstOffset", events[0].System.Offset),
					zap.String("lastOffset", events[len(events)-1].System.Offset),
					zap.Int64("total", total),
				)
				if total >= int64(cfg.EventCount) {
					cancel()
				}
				return nil
			},
			Error: func(ctx context.Context, err error) error {
				plogger.Warn("receive pump error",
					zap.Stringer("severity", eventhub.SeverityOf(err)),
					zap.Error(err),
				)
				return nil
			},
		}, store, p, logger, checkpoint.WithRecorder(metricsRegistry)))

		receivers = append(receivers, r)
	}
	started.Store(true)

	logger.Info("receivers started", zap.Int("partitions", len(receivers)))

	if err := publish(ctx, publisher, cfg.Partitions, cfg.EventCount); err != nil {
		const errMsg = "failed to publish events"
		logger.Error(errMsg, zap.Error(err))
		cancel()
	} else {
		logger.Info(fmt.Sprintf("published %d events", cfg.EventCount))
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, r := range receivers {
		g.Go(func() error {
			return r.Close(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("failed to close receivers", zap.Error(err))
	}

	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop metrics server", zap.Error(err))
	}

	logger.Info("run complete",
		zap.Int64("received", received.Load()),
		zap.Int("published", cfg.EventCount),
		zap.Duration("elapsed", time.Since(now)),
	)
}

func newReceiver(
	ctx context.Context,
	cfg Config,
	p eventhub.Partition,
	conns eventhub.ConnectionProvider,
	tokens eventhub.TokenProvider,
	policy eventhub.RetryPolicy,
	store checkpoint.Store,
	registry *metrics.Registry,
	tracer *tracing.Tracer,
	logger *zap.Logger,
) (eventhub.Receiver, error) {
	position, err := checkpoint.StartPosition(ctx, store, p, eventhub.FromOffset(cfg.StartFrom, false))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve start position: %w", err)
	}

	factory, err := link.NewFactory(conns, tokens, p, position, logger,
		link.WithPrefetch(cfg.Receiver.PrefetchCount),
		link.WithEpoch(cfg.Receiver.Epoch),
		link.WithReceiverName(fmt.Sprintf("e2e-%s-%s", p.ConsumerGroup, p.ID)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create link factory: %w", err)
	}

	r, err := receiver.New(factory, policy, logger.With(zap.String("partition", p.ID)), cfg.Receiver)
	if err != nil {
		return nil, fmt.Errorf("failed to create receiver: %w", err)
	}

	return receiver.NewTracedReceiver(receiver.NewMetricsReceiver(r, registry, p), tracer, p), nil
}

// publish spreads count order events over the partitions.
func publish(ctx context.Context, publisher *broker.Publisher, partitions, count int) error {
	batches := make(map[string][]broker.EventData, partitions)
	for i, e := range events(count) {
		pid := strconv.Itoa(i % partitions)
		batches[pid] = append(batches[pid], e)
	}

	g, gctx := errgroup.WithContext(ctx)
	for pid, batch := range batches {
		g.Go(func() error {
			if _, err := publisher.Publish(gctx, pid, batch...); err != nil {
				return fmt.Errorf("failed to publish to partition %s: %w", pid, err)
			}
			return nil
		})
	}

	return g.Wait()
}

func events(count int) []broker.EventData {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	events := make([]broker.EventData, 0, count)

	for i := 0; i < count; i++ {
		orderId := fmt.Sprintf("ORD-%04d", i+1)
		customerId := customers[rand.Intn(len(customers))]
		productId := products[rand.Intn(len(products))]
		amount := 10.0 + rand.Float64()*990.0

		body := fmt.Sprintf(`{"order_id":%q,"customer_id":%q,"product_id":%q,"amount":%.2f,"timestamp":%q}`,
			orderId, customerId, productId, amount, time.Now().Format(time.RFC3339))

		events = append(events, broker.EventData{
			Body:         []byte(body),
			Properties:   map[string]any{"type": "order"},
			PartitionKey: customerId,
		})
	}

	return events
}
