package amqp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shivay/dispatch-service/infra/observability"
	"github.com/shivay/dispatch-service/internal/adapter/pubsub"
	"github.com/shivay/dispatch-service/internal/service"
)

const (
	// ------------------- EXCHANGES (SOURCES) -------------------
	IntakeExchange = "dispatch.intake"
	CADExchange    = "dispatch.cad"

	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicCaseReported      = "dispatch.report.case.v1"
	TopicAmbulanceOverride = "dispatch.override.ambulance.v1"

	// ------------------- QUEUES (CONSUMERS) --------------------
	// Shared by every instance: each command is handled once.
	CaseReportQueue        = "dispatch-service.report-case.v1"
	AmbulanceOverrideQueue = "dispatch-service.override-ambulance.v1"
	PoisonTopic            = "dispatch-service.ingress.v1.poison"

	SourceIntake = "intake"
	SourceCAD    = "cad"

	reportCacheSize = 8192
)

type IngressHandler struct {
	cases     service.CaseManager
	resources service.ResourceManager
	publisher message.Publisher
	metrics   *observability.Metrics
	logger    *slog.Logger

	// reports maps report ids to the case they opened.
	reportsMu sync.Mutex
	reports   *lru.Cache[string, string]
}

func NewIngressHandler(
	cases service.CaseManager,
	resources service.ResourceManager,
	dispatcher pubsub.EventDispatcher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*IngressHandler, error) {
	reports, err := lru.New[string, string](reportCacheSize)
	if err != nil {
		return nil, err
	}
	return &IngressHandler{
		cases:     cases,
		resources: resources,
		publisher: dispatcher.Publisher(),
		metrics:   metrics,
		logger:    logger,
		reports:   reports,
	}, nil
}

func NewWatermillRouter(logger *slog.Logger) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{CloseTimeout: 15 * time.Second}, watermill.NewSlogLogger(logger))
}

// [REGISTRATION_PIPELINE]
func (h *IngressHandler) RegisterHandlers(router *message.Router, provider pubsub.Provider) error {
	poison, err := middleware.PoisonQueue(h.publisher, PoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name     string
		queue    string
		exchange string
		topic    string
		handler  message.NoPublishHandlerFunc
	}{
		{"ON_CASE_REPORTED", CaseReportQueue, IntakeExchange, TopicCaseReported, Bind(h, SourceIntake, h.OnCaseReportedV1)},
		{"ON_AMBULANCE_OVERRIDE", AmbulanceOverrideQueue, CADExchange, TopicAmbulanceOverride, Bind(h, SourceCAD, h.OnAmbulanceOverrideV1)},
	}

	for _, c := range configs {
		sub, err := provider.Subscriber(c.queue, c.exchange)
		if err != nil {
			return err
		}

		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			SpanMiddleware(c.name),
			LoggingMiddleware(h.logger),
			poison,
			NewRetryMiddleware(h.logger).Middleware,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(30*time.Second),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY", "handlers", len(configs))
	return nil
}
