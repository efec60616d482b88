package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/acme/adherence-call-pipeline/internal/config"
	"github.com/acme/adherence-call-pipeline/internal/observability/metrics"
	"github.com/acme/adherence-call-pipeline/internal/queue"
	"github.com/acme/adherence-call-pipeline/internal/repository"
	"github.com/acme/adherence-call-pipeline/internal/service/adherence"
	"github.com/acme/adherence-call-pipeline/internal/service/ingest"
	"github.com/acme/adherence-call-pipeline/pkg/logger"
)

// PostCallIngester folds a post-call webhook body into its call.
type PostCallIngester interface {
	HandlePostCall(ctx context.Context, body []byte) (ingest.Result, error)
}

// StatusPublisher hands telephony callbacks to the status worker.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg queue.StatusMessage) error
}

// AdherenceReporter builds daily summaries.
type AdherenceReporter interface {
	Daily(ctx context.Context, patientID uuid.UUID, date string) (*adherence.DailySummary, error)
}

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Dependencies is everything the HTTP layer calls into.
type Dependencies struct {
	Ingest          PostCallIngester
	Status          StatusPublisher
	Calls           repository.CallStore
	Configs         repository.CallConfigStore
	Adherence       AdherenceReporter
	Health          map[string]HealthCheck
	Gatherer        prometheus.Gatherer
	Metrics         *metrics.PipelineMetrics
	Webhook         config.WebhookConfig
	TwilioAuthToken string
	PublicURL       string
	Logger          *logger.Logger
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	deps   Dependencies
	logger *logger.Logger
	now    func() time.Time
}

// NewHandlerSet creates a new handler bundle.
func NewHandlerSet(deps Dependencies) *HandlerSet {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &HandlerSet{deps: deps, logger: log.Named("http"), now: time.Now}
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)
	if h.deps.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := app.Group("/api")
	v1 := api.Group("/v1")

	webhooks := v1.Group("/webhooks")
	webhooks.Get("/voice/post-call", h.verifyPostCall)
	webhooks.Post("/voice/post-call", h.postCall)
	webhooks.Post("/telephony/status", h.telephonyStatus)

	calls := v1.Group("/calls")
	calls.Get("/:id", h.getCall)

	patients := v1.Group("/patients")
	patients.Get("/:id/calls", h.listPatientCalls)
	patients.Get("/:id/adherence", h.patientAdherence)

	configs := v1.Group("/call-configs")
	configs.Get("/due", h.dueConfigs)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	if fiberErr, ok := err.(*fiber.Error); ok {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code == fiber.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", ctx.Path()))
	}

	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": ctx.GetRespHeader("Trace-Id"),
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.deps.Health {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
