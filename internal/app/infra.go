package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/3rs4lg4d0/stampbox/config"
	"github.com/3rs4lg4d0/stampbox/emitter"
	kafkaemitter "github.com/3rs4lg4d0/stampbox/emitter/kafka"
	"github.com/3rs4lg4d0/stampbox/gateway"
	"github.com/3rs4lg4d0/stampbox/logger"
	zlogger "github.com/3rs4lg4d0/stampbox/logger/zerolog"
	"github.com/3rs4lg4d0/stampbox/metrics"
	prommetrics "github.com/3rs4lg4d0/stampbox/metrics/prometheus"
	tallymetrics "github.com/3rs4lg4d0/stampbox/metrics/tally"
	"github.com/3rs4lg4d0/stampbox/outbox"
	"github.com/3rs4lg4d0/stampbox/ratelimit"
	"github.com/3rs4lg4d0/stampbox/repository"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	bolt "go.etcd.io/bbolt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	metricsNamespace string        = "stampbox"
	boltOpenTimeout  time.Duration = time.Second * 5
)

// NewLogger builds the process logger from the logging configuration.
func NewLogger(out io.Writer, c config.LoggingConfig) *zlogger.Logger {
	return zlogger.New(out, c.Level, c.Format == "console")
}

// NewGateway builds the gateway client.
func NewGateway(c config.GatewayConfig, l logger.Logger) *gateway.Client {
	return gateway.New(gateway.Settings{
		BaseURL:        c.BaseURL,
		APIKey:         c.APIKey,
		Timeout:        c.Timeout,
		RetryBaseDelay: c.RetryBaseDelay,
	}, gateway.WithLogger(l))
}

func (a *App) openMetrics() {
	switch a.cfg.Metrics.Backend {
	case "prometheus":
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		f := prommetrics.NewFactory(metricsNamespace, registry)
		a.metrics = f
		a.metricsHandler = f.Handler()
	case "tally":
		scope, closer := tallymetrics.NewRootScope(metricsNamespace, a.logger.With("metrics"), a.cfg.Metrics.ReportInterval)
		a.metrics = &tallymetrics.Factory{Scope: scope}
		a.metricsCloser = closer
	default:
		a.metrics = metrics.NopFactory{}
	}
}

// openDatabase creates the pgx pool and a gorm handle over the same pool.
func (a *App) openDatabase(ctx context.Context) error {
	pc, err := pgxpool.ParseConfig(a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("could not parse the database url: %w", err)
	}
	pc.MaxConns = a.cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return fmt.Errorf("could not create the connection pool: %w", err)
	}
	a.pool = pool

	a.sqlDB = stdlib.OpenDBFromPool(pool)
	level := gormlogger.Silent
	if a.cfg.Logging.Level == "debug" {
		level = gormlogger.Warn
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: a.sqlDB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(level),
	})
	if err != nil {
		return fmt.Errorf("could not open the gorm connection: %w", err)
	}
	a.gormDB = db
	return nil
}

func (a *App) openKafka() error {
	if !a.cfg.Kafka.Enabled {
		a.logger.Warn("kafka is disabled, pass updates and email notifications will be discarded")
		return nil
	}
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  a.cfg.Kafka.BootstrapServers,
		"client.id":          a.cfg.Kafka.ClientID,
		"linger.ms":          50,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return fmt.Errorf("could not create the kafka producer: %w", err)
	}
	a.producer = p
	go logKafkaErrors(p.Events(), a.logger.With("kafka"))
	return nil
}

// logKafkaErrors drains the producer event channel, which only carries
// client level events since every Produce call has its own delivery channel.
func logKafkaErrors(events chan kafka.Event, l logger.Logger) {
	for ev := range events {
		if kerr, ok := ev.(kafka.Error); ok {
			l.Error("kafka producer error", kerr)
		}
	}
}

// emitter returns the Kafka emitter, or nil when Kafka is disabled.
func (a *App) emitter() emitter.Emitter {
	if a.producer == nil {
		return nil
	}
	e := kafkaemitter.New(a.producer)
	e.SetLogger(a.logger.With("emitter"))
	return e
}

// emitRoute delivers outbox records through e and waits for the broker
// acknowledgement. Without an emitter records are logged and discarded so
// they do not pile up as dead letters.
func emitRoute(e emitter.Emitter, l logger.Logger) outbox.Route {
	l = logger.OrNop(l)
	if e == nil {
		return func(_ context.Context, o *repository.OutboxRecord) error {
			l.Warn(fmt.Sprintf("discarding outbox record %s (%s), no emitter configured", o.Id, o.EventType))
			return nil
		}
	}
	return func(ctx context.Context, o *repository.OutboxRecord) error {
		return emitter.Deliver(ctx, e, o)
	}
}

// openLimiter builds the test send limiter, persisted in bbolt when a path
// is configured.
func (a *App) openLimiter() (*ratelimit.Limiter, error) {
	c := a.cfg.RateLimit
	l := a.logger.With("ratelimit")
	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if c.Path != "" {
		db, err := bolt.Open(c.Path, 0600, &bolt.Options{Timeout: boltOpenTimeout})
		if err != nil {
			return nil, fmt.Errorf("could not open the rate limit store %s: %w", c.Path, err)
		}
		bs, err := ratelimit.NewBoltStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		a.boltDB = db
		store = bs
	}
	return ratelimit.New(ratelimit.Settings{Limit: c.Limit, Window: c.Window}, store, ratelimit.WithLogger(l)), nil
}
