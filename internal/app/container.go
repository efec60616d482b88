package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/acme/adherence-call-pipeline/internal/api/handlers"
	"github.com/acme/adherence-call-pipeline/internal/config"
	"github.com/acme/adherence-call-pipeline/internal/infra/db"
	"github.com/acme/adherence-call-pipeline/internal/infra/redis"
	"github.com/acme/adherence-call-pipeline/internal/notify"
	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	pgrepo "github.com/acme/adherence-call-pipeline/internal/repository/postgres"
	scyllarepo "github.com/acme/adherence-call-pipeline/internal/repository/scylla"
	"github.com/acme/adherence-call-pipeline/internal/scheduler"
	"github.com/acme/adherence-call-pipeline/internal/service/adherence"
	"github.com/acme/adherence-call-pipeline/internal/service/callstatus"
	"github.com/acme/adherence-call-pipeline/internal/service/concurrency"
	"github.com/acme/adherence-call-pipeline/internal/service/idempotency"
	"github.com/acme/adherence-call-pipeline/internal/service/ingest"
	"github.com/acme/adherence-call-pipeline/internal/service/orchestrator"
	"github.com/acme/adherence-call-pipeline/internal/service/retry"
	"github.com/acme/adherence-call-pipeline/internal/telephony"
	"github.com/acme/adherence-call-pipeline/internal/telephony/elevenlabs"
	telephonyMock "github.com/acme/adherence-call-pipeline/internal/telephony/mock"
	notifyworker "github.com/acme/adherence-call-pipeline/internal/worker/notify"
	retryworker "github.com/acme/adherence-call-pipeline/internal/worker/retry"
	statusworker "github.com/acme/adherence-call-pipeline/internal/worker/status"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

const statusWebhookPath = "/api/v1/webhooks/telephony/status"

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	Registry *prometheus.Registry
	Metrics  *metrics.PipelineMetrics

	mu      sync.Mutex
	closers []io.Closer

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *repositories
		publishers   *publishers
		services     *services
	}
}

type repositories struct {
	Configs   repository.CallConfigStore
	Patients  repository.PatientStore
	Medicines repository.MedicineStore
	Payers    repository.PayerStore
	Calls     repository.CallStore
}

type publishers struct {
	Status       *queue.StatusPublisher
	Notification *queue.NotificationPublisher
	DeadLetter   *queue.DeadLetter
}

type services struct {
	Orchestrator *orchestrator.Service
	Retry        *retry.Handler
	Ingest       *ingest.Service
	CallStatus   *callstatus.Service
	Adherence    *adherence.Service
	Notify       *notify.Service
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}
	if !cfg.Scylla.DisableInitSchema {
		if err := scyllarepo.EnsureSchema(ctx, scylla.Session()); err != nil {
			scylla.Close()
			pg.Close(ctx)
			return nil, fmt.Errorf("bootstrap scylla schema: %w", err)
		}
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		scylla.Close()
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		redisClient.Close()
		scylla.Close()
		pg.Close(ctx)
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
		Registry: reg,
		Metrics:  metrics.NewPipelineMetrics(reg),
	}, nil
}

func (c *Container) track(cl io.Closer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, cl)
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Configs:   pgrepo.NewCallConfigRepository(c.Postgres.DB()),
			Patients:  pgrepo.NewPatientRepository(c.Postgres.DB()),
			Medicines: pgrepo.NewMedicineRepository(c.Postgres.DB()),
			Payers:    pgrepo.NewPayerRepository(c.Postgres.DB()),
			Calls:     scyllarepo.NewCallStore(c.Scylla.Session()),
		}

		pubs := &publishers{
			Status:       queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic),
			Notification: queue.NewNotificationPublisher(c.Kafka, cfg.Kafka.NotificationTopic),
			DeadLetter:   queue.NewDeadLetter(c.Kafka, cfg.Kafka.DeadLetterTopic),
		}
		c.track(pubs.Status)
		c.track(pubs.Notification)
		c.track(pubs.DeadLetter)

		gateway, err := c.gateway()
		if err != nil {
			c.components.err = err
			return
		}

		var limiter orchestrator.SlotLimiter
		if cfg.Orchestrator.GlobalLimit {
			limiter = concurrency.NewLimiter(c.Redis.Inner(), c.Redis.Prefix(), cfg.Orchestrator.Concurrency, cfg.Orchestrator.SlotTTL)
		}

		svcs := &services{}
		svcs.Orchestrator = orchestrator.NewService(
			repos.Calls,
			repos.Medicines,
			repos.Patients,
			gateway,
			limiter,
			c.Metrics,
			c.Logger,
			orchestrator.Options{
				Concurrency:     cfg.Orchestrator.Concurrency,
				DispatchTimeout: cfg.Orchestrator.DispatchTimeout,
			},
		)
		svcs.Retry = retry.NewHandler(
			repos.Configs,
			repos.Calls,
			repos.Patients,
			svcs.Orchestrator,
			pubs.Notification,
			c.Metrics,
			c.Logger,
			cfg.Retry.LookBack,
		)
		svcs.Ingest = ingest.NewService(
			repos.Calls,
			repos.Patients,
			pubs.Notification,
			idempotency.NewTracker(c.Redis.Inner(), c.Redis.Prefix(), cfg.Webhook.DedupeTTL),
			c.Metrics,
			c.Logger,
			gatewayName(cfg.Voice),
		)
		svcs.CallStatus = callstatus.NewService(
			repos.Calls,
			repos.Patients,
			svcs.Retry,
			pubs.Notification,
			c.Metrics,
			c.Logger,
			cfg.Webhook.InvalidNumberCodes,
		)
		svcs.Adherence = adherence.NewService(repos.Calls, repos.Configs)

		whatsapp, err := c.whatsAppSender()
		if err != nil {
			c.components.err = err
			return
		}
		var email notify.EmailSender = notify.NewStubEmailSender(c.Logger)
		if sg := notify.NewSendGridSender(cfg.Notify.SendGrid, c.Logger); sg != nil {
			email = sg
		}
		svcs.Notify = notify.NewService(repos.Calls, repos.Patients, repos.Payers, whatsapp, email, c.Metrics, c.Logger)

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.services = svcs
	})
	return c.components.err
}

func gatewayName(cfg config.VoiceConfig) string {
	name := strings.ToLower(strings.TrimSpace(cfg.ProviderName))
	if name == "" {
		return "mock"
	}
	return name
}

func (c *Container) gateway() (telephony.Gateway, error) {
	cfg := c.Config.Voice
	switch gatewayName(cfg) {
	case "mock":
		c.Logger.Warn("using simulated voice provider")
		return telephonyMock.NewProvider(cfg), nil
	case "elevenlabs":
		client, err := elevenlabs.New(elevenlabs.Config{
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			AgentID:       cfg.AgentID,
			PhoneNumberID: cfg.PhoneNumberID,
			WebhookURL:    strings.TrimRight(c.Config.HTTP.PublicURL, "/") + statusWebhookPath,
			Timeout:       cfg.RequestTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap voice provider: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("bootstrap voice provider: unknown provider %q", cfg.ProviderName)
	}
}

func (c *Container) whatsAppSender() (notify.WhatsAppSender, error) {
	tw := c.Config.Notify.Twilio
	if tw.AccountSID == "" {
		c.Logger.Warn("twilio credentials missing, WhatsApp messages will only be logged")
		return notify.NewStubWhatsAppSender(c.Logger), nil
	}
	sender, err := notify.NewTwilioWhatsAppSender(tw)
	if err != nil {
		return nil, fmt.Errorf("bootstrap whatsapp: %w", err)
	}
	return sender, nil
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() (*repositories, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.repositories, nil
}

// Services exposes initialized services.
func (c *Container) Services() (*services, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.services, nil
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() (*handlers.HandlerSet, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	repos, svcs, pubs := c.components.repositories, c.components.services, c.components.publishers

	return handlers.NewHandlerSet(handlers.Dependencies{
		Ingest:          svcs.Ingest,
		Status:          pubs.Status,
		Calls:           repos.Calls,
		Configs:         repos.Configs,
		Adherence:       svcs.Adherence,
		Health:          c.healthChecks(),
		Gatherer:        c.Registry,
		Metrics:         c.Metrics,
		Webhook:         c.Config.Webhook,
		TwilioAuthToken: c.Config.Notify.Twilio.AuthToken,
		PublicURL:       c.Config.HTTP.PublicURL,
		Logger:          c.Logger,
	}), nil
}

func (c *Container) healthChecks() map[string]handlers.HealthCheck {
	return map[string]handlers.HealthCheck{
		"postgres": func(ctx context.Context) error {
			return c.Postgres.DB().PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return c.Redis.Inner().Ping(ctx).Err()
		},
		"scylla": func(ctx context.Context) error {
			return c.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		},
	}
}

// Scheduler builds the minute ticker on top of the orchestrator.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	lock := concurrency.NewMinuteLock(c.Redis.Inner(), c.Redis.Prefix(), c.Config.Scheduler.LockTTL)
	return scheduler.New(
		c.components.repositories.Configs,
		c.components.repositories.Patients,
		c.components.services.Orchestrator,
		lock,
		c.Metrics,
		c.Logger,
	), nil
}

// RetryWorker builds the periodic retry sweep.
func (c *Container) RetryWorker() (*retryworker.Worker, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return retryworker.New(c.components.services.Retry, c.Config.Retry.SweepInterval, c.Logger), nil
}

// StatusWorker builds the consumer for telephony status callbacks.
func (c *Container) StatusWorker() (*statusworker.Worker, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	reader := c.Kafka.NewReader(c.Config.Kafka.StatusTopic, c.Config.Kafka.ConsumerGroupID+"-status")
	c.track(reader)
	return statusworker.New(reader, c.components.services.CallStatus, c.components.publishers.DeadLetter, c.Logger), nil
}

// NotifyWorker builds the consumer that delivers payer notifications.
func (c *Container) NotifyWorker() (*notifyworker.Worker, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	reader := c.Kafka.NewReader(c.Config.Kafka.NotificationTopic, c.Config.Kafka.ConsumerGroupID+"-notify")
	c.track(reader)
	return notifyworker.New(reader, c.components.services.Notify, c.components.publishers.DeadLetter, c.Logger), nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	k := c.Config.Kafka
	topics := []string{k.StatusTopic, k.NotificationTopic, k.DeadLetterTopic}
	return c.Kafka.EnsureTopics(ctx, topics, k.Partitions, k.ReplicationFactor)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error

	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
