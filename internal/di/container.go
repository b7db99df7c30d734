package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/payments"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/config"
	pfirestore "github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/firestore"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/idempotency"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/jobs"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
	firestoreRepo "github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories/firestore"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/services"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled in NewContainer.
type Services struct {
	Audit         services.AuditLogService
	Notifications services.NotificationService
	Fulfillment   services.FulfillmentService
	Webhooks      services.WebhookService
	Sweep         services.SweepService
	Orders        services.OrderService
}

// Container wires repositories, external clients, and services for runtime use.
type Container struct {
	Config   config.Config
	Orders   repositories.OrderRepository
	Audit    repositories.AuditLogRepository
	Events   idempotency.EventStore
	Health   repositories.HealthRepository
	Services Services

	firestoreProvider *pfirestore.Provider
	pubsubClient      *pubsub.Client
}

// NewContainer constructs the runtime dependency graph from configuration.
// The caller owns the container and must Close it on shutdown.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg}

	c.firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := c.firestoreProvider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("di: firestore client: %w", err)
	}

	fail := func(err error) (*Container, error) {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(closeCtx)
		return nil, err
	}

	orderRepo, err := firestoreRepo.NewOrderRepository(c.firestoreProvider)
	if err != nil {
		return fail(fmt.Errorf("di: order repository: %w", err))
	}
	c.Orders = orderRepo

	auditRepo, err := firestoreRepo.NewAuditLogRepository(c.firestoreProvider)
	if err != nil {
		return fail(fmt.Errorf("di: audit log repository: %w", err))
	}
	c.Audit = auditRepo

	zincClient, err := zinc.NewClient(cfg.Zinc, zinc.WithLogger(logger.Named("zinc")))
	if err != nil {
		return fail(fmt.Errorf("di: zinc client: %w", err))
	}

	paymentVerifier, err := payments.NewStripeVerifier(payments.StripeVerifierConfig{
		APIKey: cfg.Stripe.APIKey,
	})
	if err != nil {
		return fail(fmt.Errorf("di: stripe verifier: %w", err))
	}

	c.pubsubClient, err = pubsub.NewClient(ctx, cfg.Notifications.ProjectID)
	if err != nil {
		return fail(fmt.Errorf("di: pubsub client: %w", err))
	}
	topic := c.pubsubClient.Topic(cfg.Notifications.TopicID)

	publisher, err := jobs.NewPubSubNotificationPublisher(topic)
	if err != nil {
		return fail(fmt.Errorf("di: notification publisher: %w", err))
	}

	c.Events = idempotency.NewFirestoreStore(firestoreClient)

	auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: auditRepo,
		Logger:     logger.Named("audit").Sugar(),
	})
	if err != nil {
		return fail(fmt.Errorf("di: audit log service: %w", err))
	}

	notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
		Orders:    orderRepo,
		Publisher: publisher,
		Logger:    eventLogger(logger.Named("notifications")),
	})
	if err != nil {
		return fail(fmt.Errorf("di: notification service: %w", err))
	}

	fulfillmentSvc, err := services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders:        orderRepo,
		Provider:      zincClient,
		Audit:         auditSvc,
		Notifications: notificationSvc,
		Logger:        eventLogger(logger.Named("fulfillment")),
	})
	if err != nil {
		return fail(fmt.Errorf("di: fulfillment service: %w", err))
	}

	webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Orders:        orderRepo,
		Events:        c.Events,
		Notifications: notificationSvc,
		Audit:         auditSvc,
		Logger:        eventLogger(logger.Named("webhooks")),
	})
	if err != nil {
		return fail(fmt.Errorf("di: webhook service: %w", err))
	}

	sweepSvc, err := services.NewSweepService(services.SweepServiceDeps{
		Orders:        orderRepo,
		Fulfillment:   fulfillmentSvc,
		Provider:      zincClient,
		Payments:      paymentVerifier,
		Notifications: notificationSvc,
		Audit:         auditSvc,
		Config:        cfg.Sweep,
		Logger:        eventLogger(logger.Named("sweep")),
	})
	if err != nil {
		return fail(fmt.Errorf("di: sweep service: %w", err))
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: orderRepo,
		Audit:  auditSvc,
	})
	if err != nil {
		return fail(fmt.Errorf("di: order service: %w", err))
	}

	health, err := newHealthRepository(firestoreClient, topic)
	if err != nil {
		return fail(fmt.Errorf("di: health repository: %w", err))
	}
	c.Health = health

	c.Services = Services{
		Audit:         auditSvc,
		Notifications: notificationSvc,
		Fulfillment:   fulfillmentSvc,
		Webhooks:      webhookSvc,
		Sweep:         sweepSvc,
		Orders:        orderSvc,
	}
	return c, nil
}

// Close releases the backing clients. Safe to call on a partially built container.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("pubsub close: %w", err))
		}
	}
	if c.firestoreProvider != nil {
		if err := c.firestoreProvider.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("firestore close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newHealthRepository(client *firestore.Client, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := []repositories.DependencyCheck{
		{
			Name: "firestore",
			Check: func(ctx context.Context) error {
				iter := client.Collections(ctx)
				if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
					return err
				}
				return nil
			},
		},
		{
			Name: "pubsub",
			Check: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", topic.ID())
				}
				return nil
			},
		},
	}
	return repositories.NewDependencyHealthRepository(checks)
}

// eventLogger adapts a zap logger to the structured event callback services expect.
func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zFields = append(zFields, zap.Any(key, value))
		}
		logger.Info(event, zFields...)
	}
}
