// Package app wires the stampbox components from a configuration and runs
// them with an ordered shutdown.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/3rs4lg4d0/stampbox/config"
	"github.com/3rs4lg4d0/stampbox/delivery"
	"github.com/3rs4lg4d0/stampbox/event"
	zlogger "github.com/3rs4lg4d0/stampbox/logger/zerolog"
	"github.com/3rs4lg4d0/stampbox/loyalty"
	"github.com/3rs4lg4d0/stampbox/metrics"
	"github.com/3rs4lg4d0/stampbox/outbox"
	"github.com/3rs4lg4d0/stampbox/queue"
	"github.com/3rs4lg4d0/stampbox/repository"
	gormrepo "github.com/3rs4lg4d0/stampbox/repository/gorm"
	"github.com/3rs4lg4d0/stampbox/repository/pgxv5"
	"github.com/3rs4lg4d0/stampbox/scanner"
	"github.com/3rs4lg4d0/stampbox/server"
	"github.com/3rs4lg4d0/stampbox/trigger"
	"github.com/3rs4lg4d0/stampbox/webhook"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	bolt "go.etcd.io/bbolt"
	"gorm.io/gorm"
)

// Logical queue names.
const (
	QueueBulk     = "bulk"
	QueueMessages = "messages"
)

const kafkaFlushTimeout time.Duration = time.Second * 10

// txKey carries the pgx transaction in the context.
type txKey struct{}

// App owns every long lived component of a stampbox process.
type App struct {
	cfg    *config.Config
	logger *zlogger.Logger

	pool   *pgxpool.Pool
	sqlDB  *sql.DB
	gormDB *gorm.DB
	store  *pgxv5.Repository

	metrics        metrics.Factory
	metricsHandler http.Handler
	metricsCloser  io.Closer
	producer       *kafka.Producer
	boltDB         *bolt.DB

	bus         *event.Bus
	bulk        *queue.Queue
	messages    *queue.Queue
	poller      *outbox.Poller
	campaigns   *delivery.Campaigns
	evaluator   *trigger.Evaluator
	unsubscribe func()
	scanner     *scanner.Scanner
	loyalty     *loyalty.Service
	webhook     http.Handler
	server      *server.Server

	closeOnce sync.Once
}

// New connects to the database (and to Kafka when enabled) and builds the
// pipeline. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, l *zlogger.Logger) (*App, error) {
	if cfg == nil || l == nil {
		panic("you must provide a configuration and a logger")
	}
	a := &App{cfg: cfg, logger: l}
	a.openMetrics()
	if err := a.openDatabase(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openKafka(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg
	f := a.metrics

	a.store = pgxv5.New(txKey{}, a.pool)
	jobs := pgxv5.NewJobStore(a.pool)
	campaigns := gormrepo.NewCampaigns(a.gormDB)
	customers := gormrepo.NewCustomers(a.gormDB)
	businesses := gormrepo.NewBusinesses(a.gormDB)
	sends := gormrepo.NewSends(a.gormDB)

	gw := NewGateway(cfg.Gateway, a.logger.With("gateway"))

	a.bulk = a.newQueue(QueueBulk, jobs, cfg.Queues.Bulk)
	a.messages = a.newQueue(QueueMessages, jobs, cfg.Queues.Messages)

	ds := delivery.Settings{
		SendAttempts:  cfg.Gateway.SendAttempts,
		SweepInterval: cfg.Campaigns.SweepInterval,
		SweepBatch:    cfg.Campaigns.SweepBatch,
	}
	sender := delivery.NewSender(sends, campaigns, gw,
		delivery.WithLogger(a.logger.With("sender")),
		delivery.WithCounters(
			f.Counter("messages_sent_total", "Messages accepted by the gateway."),
			f.Counter("messages_failed_total", "Messages that failed for good."),
		))
	bulk := delivery.NewBulkSender(ds, campaigns, customers, businesses, sends, gw, a.logger.With("bulk"))
	a.campaigns = delivery.NewCampaigns(ds, campaigns, a.bulk, a.logger.With("campaigns"))

	a.bulk.Handle(delivery.JobBulkCampaign, bulk.Handle)
	a.bulk.On(a.campaigns.OnJobEvent)
	a.messages.Handle(delivery.JobSendMessage, sender.Handle)
	a.messages.On(sender.OnJobEvent)

	router := outbox.NewRouter(a.logger.With("outbox"))
	router.Route(outbox.EventWhatsAppMessage, sender.Deliver)
	emit := emitRoute(a.emitter(), a.logger.With("emitter"))
	router.Route(outbox.EventPassUpdate, emit)
	router.Route(outbox.EventEmailNotification, emit)
	a.messages.Handle(outbox.JobType, router.Handle)
	a.poller = outbox.New(outbox.Settings{
		PollingInterval: cfg.Outbox.PollingInterval,
		BatchSize:       cfg.Outbox.BatchSize,
		MaxRetries:      cfg.Outbox.MaxRetries,
	}, a.store, a.messages,
		outbox.WithLogger(a.logger.With("outbox")),
		outbox.WithCounters(
			f.Counter("outbox_enqueued_total", "Outbox records handed to the queue."),
			f.Counter("outbox_processed_total", "Outbox records delivered."),
			f.Counter("outbox_failed_total", "Failed outbox delivery attempts."),
		))

	a.bus = event.NewBus(
		event.WithLogger(a.logger.With("events")),
		event.WithCounters(
			f.Counter("events_published_total", "Domain events published."),
			f.Counter("event_handler_errors_total", "Domain event handlers that failed."),
		))
	a.evaluator = trigger.New(trigger.Settings{}, campaigns, customers, businesses, a.messages,
		trigger.WithLogger(a.logger.With("trigger")),
		trigger.WithCounters(
			f.Counter("trigger_jobs_enqueued_total", "Message jobs enqueued by campaign triggers."),
			f.Counter("trigger_skipped_total", "Trigger matches skipped for missing customers."),
		))
	a.unsubscribe = a.evaluator.Register(a.bus)

	runAt, loc, err := cfg.Scanner.Schedule()
	if err != nil {
		return err
	}
	a.scanner = scanner.New(scanner.Settings{RunAt: runAt, Location: loc}, campaigns, customers, a.bus,
		scanner.WithLogger(a.logger.With("scanner")),
		scanner.WithCounter(f.Counter("inactivity_events_total", "Inactivity events published by the scanner.")))

	a.loyalty = loyalty.New(a.store, a.store, outbox.NewPublisher(a.store), a.bus, a.logger.With("loyalty"))

	reconciler := webhook.NewReconciler(sends, businesses,
		webhook.WithLogger(a.logger.With("webhook")),
		webhook.WithCounters(
			f.Counter("webhook_updates_total", "Send status changes applied from callbacks."),
			f.Counter("webhook_unmatched_total", "Callbacks that matched no send."),
		))
	a.webhook = webhook.Handler(reconciler, cfg.Webhook.APIKey, a.logger.With("webhook"))
	return nil
}

func (a *App) newQueue(name string, store queue.Store, c config.QueueConfig) *queue.Queue {
	return queue.New(name, store, queueSettings(c),
		queue.WithLogger(a.logger.With("queue")),
		queue.WithCounters(
			a.metrics.Counter(name+"_jobs_completed_total", "Jobs completed in the "+name+" queue."),
			a.metrics.Counter(name+"_jobs_failed_total", "Failed job attempts in the "+name+" queue."),
			a.metrics.Counter(name+"_jobs_dead_total", "Jobs dead-lettered in the "+name+" queue."),
		))
}

func queueSettings(c config.QueueConfig) queue.Settings {
	return queue.Settings{
		Concurrency:  c.Concurrency,
		MaxAttempts:  c.MaxAttempts,
		BackoffBase:  c.BackoffBase,
		PollInterval: c.PollInterval,
		JobTimeout:   c.JobTimeout,
		Lease:        c.Lease,
	}
}

// Start opens the rate limiter, starts the workers and loops, and binds the
// HTTP listener.
func (a *App) Start(ctx context.Context) error {
	limiter, err := a.openLimiter()
	if err != nil {
		return err
	}
	a.server = server.New(server.Settings{
		ListenAddr:  a.cfg.Server.ListenAddr,
		MetricsPath: a.cfg.Metrics.Path,
	}, server.Deps{
		Webhook:   a.webhook,
		Loyalty:   a.loyalty,
		Campaigns: a.campaigns,
		Limiter:   limiter,
		Metrics:   a.metricsHandler,
		Health:    a.pool,
	}, a.logger.With("server"))

	a.bulk.Start(ctx)
	a.messages.Start(ctx)
	a.poller.Start(ctx)
	a.campaigns.Start(ctx)
	if a.cfg.Scanner.Enabled {
		a.scanner.Start(ctx)
	} else {
		a.logger.Info("the inactivity scanner is disabled")
	}
	return a.server.Start()
}

// Shutdown stops the components in dependency order: the HTTP server, the
// outbox poller, the scanner and the campaign sweeper, pending trigger
// evaluations, the queues, and finally Kafka and the database.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.poller.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.scanner.Stop()
	a.campaigns.Stop()
	a.unsubscribe()
	if err := a.evaluator.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.bulk.Stop()
	a.messages.Stop()
	a.Close()
	a.logger.Info("stampbox stopped")
	return errors.Join(errs...)
}

// Close releases the external resources. It is called by Shutdown and by
// the commands that never Start.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.producer != nil {
			if n := a.producer.Flush(int(kafkaFlushTimeout.Milliseconds())); n > 0 {
				a.logger.Warn(fmt.Sprintf("%d kafka messages were not flushed", n))
			}
			a.producer.Close()
		}
		if a.metricsCloser != nil {
			if err := a.metricsCloser.Close(); err != nil {
				a.logger.Error("could not close the metrics scope", err)
			}
		}
		if a.boltDB != nil {
			if err := a.boltDB.Close(); err != nil {
				a.logger.Error("could not close the rate limit store", err)
			}
		}
		if a.sqlDB != nil {
			if err := a.sqlDB.Close(); err != nil {
				a.logger.Error("could not close the gorm connection", err)
			}
		}
		if a.pool != nil {
			a.pool.Close()
		}
	})
}

// ScanInactive runs one inactivity scan and waits for the resulting trigger
// evaluations, so the message jobs are stored when it returns.
func (a *App) ScanInactive(ctx context.Context, now time.Time) (int, error) {
	n, err := a.scanner.RunOnce(ctx, now)
	if werr := a.evaluator.Wait(ctx); werr != nil {
		err = errors.Join(err, werr)
	}
	return n, err
}

// DeadLetters lists what the pipeline gave up on.
type DeadLetters struct {
	Outbox      []*repository.OutboxRecord
	OutboxTotal int
	Jobs        map[string][]*queue.Job // by queue name
}

// DeadLetters collects up to limit outbox dead letters and dead jobs per
// queue.
func (a *App) DeadLetters(ctx context.Context, limit int) (*DeadLetters, error) {
	records, err := a.poller.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	total, err := a.poller.CountDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	dl := &DeadLetters{Outbox: records, OutboxTotal: total, Jobs: make(map[string][]*queue.Job)}
	for _, q := range []*queue.Queue{a.bulk, a.messages} {
		jobs, err := q.DeadLetters(ctx, limit)
		if err != nil {
			return nil, fmt.Errorf("could not list the dead jobs of queue '%s': %w", q.Name(), err)
		}
		dl.Jobs[q.Name()] = jobs
	}
	return dl, nil
}
