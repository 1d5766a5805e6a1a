package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	consumer "github.com/3rs4lg4d0/memberbox/consumer/kafka"
	emitter "github.com/3rs4lg4d0/memberbox/emitter/kafka"
	"github.com/3rs4lg4d0/memberbox/internal/member"
	"github.com/3rs4lg4d0/memberbox/mbx"
	"github.com/3rs4lg4d0/memberbox/metrics/tally"
	mbxzap "github.com/3rs4lg4d0/memberbox/logger/zap"
	mbxzrlg "github.com/3rs4lg4d0/memberbox/logger/zerolog"
	"github.com/3rs4lg4d0/memberbox/repository/pgxv5"
	"github.com/3rs4lg4d0/memberbox/tracing/grpctrace"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	gotally "github.com/uber-go/tally/v4"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type txKey struct{}

const instrumentationName = "github.com/3rs4lg4d0/memberbox/cmd/memberbox"

func main() {
	cfg, err := LoadConfig(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := GetLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("memberbox stopped")
		os.Exit(1)
	}
	logger.Info().Msg("End!")
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	tp, err := GetTracerProvider(cfg.OtelEnabled)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()
	propagator := propagation.TraceContext{}

	pool, err := GetDatabasePool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	scope, closer := gotally.NewRootScope(gotally.ScopeOptions{
		Reporter: gotally.NullStatsReporter,
	}, time.Second)
	defer closer.Close()
	counters := tally.NewCounters(scope)

	producer, err := GetProducer(cfg.KafkaBrokers)
	if err != nil {
		return err
	}
	defer producer.Close()
	go logProducerEvents(producer, logger)

	componentLogger, syncLogs, err := GetComponentLogger(cfg, logger)
	if err != nil {
		return err
	}
	defer syncLogs()

	kafkaEmitter := emitter.New(producer, emitter.WithTracerProvider(tp), emitter.WithPropagator(propagator))

	m := mbx.New(mbx.Settings{
		EnableSweeper: cfg.EnableSweeper,
		SweepInterval: cfg.SweepInterval,
	},
		pgxv5.New(txKey{}, pool),
		kafkaEmitter,
		mbx.WithLogger(componentLogger("memberbox")),
		mbx.WithCounters(counters.Published, counters.PublishFailed),
	)
	m.Start(ctx)

	kc, err := GetConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup)
	if err != nil {
		return err
	}
	statusConsumer := consumer.New(kc, m, m.Topics().All(),
		consumer.WithTracerProvider(tp),
		consumer.WithPropagator(propagator),
		consumer.WithCounters(counters.Processed, counters.Rejected))
	statusConsumer.SetLogger(componentLogger("consumer"))

	members := member.NewService(txKey{}, m)
	members.SetLogger(componentLogger("member"))

	server := GetGrpcServer(tp.Tracer(instrumentationName), propagator)
	lis, err := net.Listen("tcp", cfg.GrpcAddr)
	if err != nil {
		_ = kc.Close()
		return fmt.Errorf("could not listen on %s: %w", cfg.GrpcAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return statusConsumer.Run(gctx)
	})
	g.Go(func() error {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		server.GracefulStop()
		return nil
	})

	if cfg.DemoNickname != "" {
		demoCtx, span := tp.Tracer(instrumentationName).Start(ctx, "demo sign up")
		id, err := members.SignUp(demoCtx, cfg.DemoNickname)
		span.End()
		if err != nil {
			logger.Error().Err(err).Msg("demo sign up failed")
		} else {
			logger.Info().Int64("member", id).Msg("demo member signed up")
		}
	}

	logger.Info().Str("grpc", cfg.GrpcAddr).Strs("topics", m.Topics().All()).Msg("memberbox started")
	return g.Wait()
}

func GetLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// GetComponentLogger returns the factory of the mbx.Logger handed to every
// component, backed by the configured logging library.
func GetComponentLogger(cfg Config, logger zerolog.Logger) (func(string) mbx.Logger, func(), error) {
	if cfg.LogBackend != "zap" {
		return func(component string) mbx.Logger {
			return mbxzrlg.New(logger, component)
		}, func() {}, nil
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel.String())
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zl, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("could not build the zap logger: %w", err)
	}
	return func(component string) mbx.Logger {
		return mbxzap.New(zl, component)
	}, func() { _ = zl.Sync() }, nil
}

// GetTracerProvider exports spans to stdout when enabled. Otherwise spans are
// still created, so trace ids are captured, but never exported.
func GetTracerProvider(enabled bool) (*sdktrace.TracerProvider, error) {
	if !enabled {
		return sdktrace.NewTracerProvider(), nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("could not create the span exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

func GetProducer(brokers string) (*kafka.Producer, error) {
	return kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"linger.ms":          5,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
}

// GetConsumer returns a consumer with manual offset commits.
func GetConsumer(brokers string, group string) (*kafka.Consumer, error) {
	return kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  brokers,
		"group.id":           group,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
}

func GetDatabasePool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}
	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return db, nil
}

// GetGrpcServer returns a server exposing the health service, with the trace
// context of incoming calls continued by the server spans.
func GetGrpcServer(tracer trace.Tracer, p propagation.TextMapPropagator) *grpc.Server {
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpctrace.UnaryServerInterceptor(tracer, p)))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// logProducerEvents drains the producer level events (delivery reports go to
// the per message channels).
func logProducerEvents(p *kafka.Producer, logger zerolog.Logger) {
	for ev := range p.Events() {
		switch e := ev.(type) {
		case kafka.Error:
			logger.Error().Err(e).Msg("kafka producer error")
		default:
			logger.Debug().Msgf("Ignored event: %s", ev)
		}
	}
}
