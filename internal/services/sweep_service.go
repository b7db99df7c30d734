package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/justin-elyphant/elyphant-v1-sub015/internal/domain"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/payments"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/platform/config"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/repositories"
	"github.com/justin-elyphant/elyphant-v1-sub015/internal/zinc"
)

const (
	sweepBatchAuditAction  = "sweep.recovered"
	paymentRecoveredAction = "payment.verification_recovered"
	retryExhaustedAction   = "fulfillment.retry_exhausted"
	orderDemotedAction     = "fulfillment.demoted_to_retry"
	retryExhaustedReason   = "submission retry limit reached"
	sweepAuditOrderRef     = "sweep"
)

// SweepServiceDeps bundles collaborators for the reconciliation sweep.
type SweepServiceDeps struct {
	Orders        repositories.OrderRepository
	Fulfillment   FulfillmentService
	Provider      FulfillmentProvider
	Payments      payments.Verifier
	Scheduler     *RetryScheduler
	Notifications NotificationService
	Audit         AuditLogService
	Config        config.SweepConfig
	Clock         func() time.Time
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type sweepService struct {
	orders        repositories.OrderRepository
	fulfillment   FulfillmentService
	provider      FulfillmentProvider
	payments      payments.Verifier
	scheduler     *RetryScheduler
	notifications NotificationService
	audit         AuditLogService
	cfg           config.SweepConfig
	clock         func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
}

// NewSweepService constructs the periodic reconciliation coordinator.
func NewSweepService(deps SweepServiceDeps) (SweepService, error) {
	if deps.Orders == nil {
		return nil, errors.New("sweep service: order repository is required")
	}
	if deps.Fulfillment == nil {
		return nil, errors.New("sweep service: fulfillment service is required")
	}
	if deps.Provider == nil {
		return nil, errors.New("sweep service: provider is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("sweep service: payment verifier is required")
	}

	scheduler := deps.Scheduler
	if scheduler == nil {
		scheduler = NewRetryScheduler()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	cfg := deps.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 45 * time.Second
	}
	if cfg.RunBudget <= 0 {
		cfg.RunBudget = 4 * time.Minute
	}
	if cfg.StaleSubmittedAfter <= 0 {
		cfg.StaleSubmittedAfter = time.Hour
	}
	if cfg.StaleAnyAfter <= 0 {
		cfg.StaleAnyAfter = 24 * time.Hour
	}
	if cfg.PaymentRecoveryWindow <= 0 {
		cfg.PaymentRecoveryWindow = 24 * time.Hour
	}
	if cfg.MissingSubmissionWindow <= 0 {
		cfg.MissingSubmissionWindow = 12 * time.Hour
	}

	return &sweepService{
		orders:        deps.Orders,
		fulfillment:   deps.Fulfillment,
		provider:      deps.Provider,
		payments:      deps.Payments,
		scheduler:     scheduler,
		notifications: deps.Notifications,
		audit:         deps.Audit,
		cfg:           cfg,
		clock:         func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// Run executes the four recovery scenarios in a fixed order under the run
// budget. Scenarios never overlap within one run; per-order failures are
// counted and never abort the batch.
func (s *sweepService) Run(ctx context.Context) (SweepSummary, error) {
	started := s.clock()
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunBudget)
	defer cancel()

	summary := SweepSummary{
		StartedAt: started,
		Healthy:   true,
		Scenarios: make(map[SweepScenario]ScenarioSummary, 4),
	}

	scenarios := []struct {
		name SweepScenario
		list func(context.Context) ([]domain.Order, error)
		act  func(context.Context, domain.Order) (bool, error)
	}{
		{
			name: ScenarioPaymentRecovery,
			list: func(ctx context.Context) ([]domain.Order, error) {
				return s.orders.ListPaymentVerificationFailed(ctx, started.Add(-s.cfg.PaymentRecoveryWindow), s.cfg.BatchSize)
			},
			act: s.recoverPayment,
		},
		{
			name: ScenarioRetryDrain,
			list: func(ctx context.Context) ([]domain.Order, error) {
				return s.orders.ListRetryDue(ctx, started, s.scheduler.Ceiling(), s.cfg.BatchSize)
			},
			act: s.drainRetry,
		},
		{
			name: ScenarioTimeoutDetection,
			list: func(ctx context.Context) ([]domain.Order, error) {
				return s.orders.ListStaleProcessing(ctx, started.Add(-s.cfg.StaleSubmittedAfter), s.cfg.BatchSize)
			},
			act: s.resolveStale,
		},
		{
			name: ScenarioMissingSubmission,
			list: func(ctx context.Context) ([]domain.Order, error) {
				return s.orders.ListMissingSubmission(ctx, started.Add(-s.cfg.MissingSubmissionWindow), s.cfg.BatchSize)
			},
			act: s.submitMissing,
		},
	}

	for _, scenario := range scenarios {
		if runCtx.Err() != nil {
			summary.Healthy = false
			break
		}

		orders, err := scenario.list(runCtx)
		if err != nil {
			s.logger(runCtx, "sweep.scenario_list_failed", map[string]any{
				"scenario": string(scenario.name),
				"error":    err.Error(),
			})
			summary.Healthy = false
			summary.Scenarios[scenario.name] = ScenarioSummary{}
			continue
		}

		summary.Scenarios[scenario.name] = s.runScenario(runCtx, scenario.name, orders, scenario.act)
	}

	summary.FinishedAt = s.clock()
	s.recordBatchAudit(ctx, summary)
	s.logger(ctx, "sweep.finished", map[string]any{
		"healthy":  summary.Healthy,
		"duration": summary.FinishedAt.Sub(summary.StartedAt).String(),
	})
	return summary, nil
}

func (s *sweepService) runScenario(ctx context.Context, name SweepScenario, orders []domain.Order, act func(context.Context, domain.Order) (bool, error)) ScenarioSummary {
	result := ScenarioSummary{Found: len(orders)}
	if len(orders) == 0 {
		return result
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Concurrency)

	for i, order := range orders {
		if i > 0 && s.cfg.Pacing > 0 {
			select {
			case <-groupCtx.Done():
			case <-time.After(s.cfg.Pacing):
			}
		}
		if groupCtx.Err() != nil {
			break
		}

		order := order
		group.Go(func() error {
			orderCtx, cancel := context.WithTimeout(groupCtx, s.cfg.OrderTimeout)
			defer cancel()

			updated, err := act(orderCtx, order)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Failed++
				s.logger(orderCtx, "sweep.order_failed", map[string]any{
					"scenario": string(name),
					"orderId":  order.ID,
					"error":    err.Error(),
				})
			case updated:
				result.Updated++
			}
			return nil
		})
	}

	// Per-order errors are swallowed above, so Wait only reflects context cancellation.
	_ = group.Wait()
	return result
}

// recoverPayment re-checks a failed payment verification and, when the
// processor now reports a capture, promotes the order and submits it.
func (s *sweepService) recoverPayment(ctx context.Context, order domain.Order) (bool, error) {
	verification, err := s.payments.VerifyPayment(ctx, order.PaymentIntentID)
	if err != nil {
		return false, err
	}
	if verification.Status != domain.PaymentStatusSucceeded {
		return false, nil
	}

	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		changed := false
		if o.PaymentStatus != domain.PaymentStatusSucceeded {
			o.PaymentStatus = domain.PaymentStatusSucceeded
			changed = true
		}
		if o.Status == domain.OrderStatusPaymentVerificationFailed && o.Status.CanTransitionTo(domain.OrderStatusProcessing) {
			o.Status = domain.OrderStatusProcessing
			changed = true
		}
		return changed, nil
	})
	if err != nil {
		return false, err
	}
	if updated.Version == order.Version {
		return false, nil
	}

	s.recordAudit(ctx, AuditLogRecord{
		OrderRef: order.ID,
		Action:   paymentRecoveredAction,
		Message:  "payment verification recovered on re-check",
		Metadata: map[string]any{"processorStatus": verification.Detail},
	})

	if _, err := s.fulfillment.Submit(ctx, order.ID); err != nil {
		return true, err
	}
	return true, nil
}

// drainRetry re-attempts a due retry and applies the backoff ladder to the outcome.
func (s *sweepService) drainRetry(ctx context.Context, order domain.Order) (bool, error) {
	result, err := s.fulfillment.Submit(ctx, order.ID)
	if err != nil {
		return false, err
	}

	switch result.Outcome {
	case SubmissionAccepted, SubmissionRejected:
		return true, nil
	case SubmissionRetryable:
		return s.reschedule(ctx, order)
	default:
		return false, nil
	}
}

func (s *sweepService) reschedule(ctx context.Context, order domain.Order) (bool, error) {
	now := s.clock()
	decision := s.scheduler.Next(order.RetryCount, now)

	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		if decision.Exhausted {
			if !o.Status.CanTransitionTo(domain.OrderStatusFailed) {
				return false, nil
			}
			o.Status = domain.OrderStatusFailed
			o.RetryCount = decision.RetryCount
			o.NextRetryAt = nil
			if o.FailureReason == "" {
				o.FailureReason = retryExhaustedReason
			}
			if o.FailedAt == nil {
				ts := now
				o.FailedAt = &ts
			}
			return true, nil
		}

		o.RetryCount = decision.RetryCount
		next := decision.NextRetryAt
		o.NextRetryAt = &next
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if updated.Version == order.Version {
		return false, nil
	}

	if decision.Exhausted {
		s.recordAudit(ctx, AuditLogRecord{
			OrderRef: order.ID,
			Action:   retryExhaustedAction,
			Severity: "error",
			Message:  retryExhaustedReason,
			Metadata: map[string]any{"retryCount": decision.RetryCount},
		})
	}
	return true, nil
}

// resolveStale handles submitted orders stuck in processing. Recently stale
// orders are polled first in case the provider made silent progress; orders
// silent past the long threshold are demoted straight to the retry queue.
func (s *sweepService) resolveStale(ctx context.Context, order domain.Order) (bool, error) {
	now := s.clock()

	if order.Submitted() && now.Sub(order.UpdatedAt) < s.cfg.StaleAnyAfter {
		applied, err := s.pollOnce(ctx, order)
		if err == nil && applied {
			return true, nil
		}
		if err != nil && !zinc.IsTransient(err) && !zinc.IsNotFound(err) {
			return false, err
		}
		// Poll showed no progress; fall through to demotion.
	}

	return s.demote(ctx, order, now)
}

func (s *sweepService) pollOnce(ctx context.Context, order domain.Order) (bool, error) {
	resp, err := s.provider.GetOrderStatus(ctx, *order.FulfillmentRequestID)
	if err != nil {
		return false, err
	}

	derivation := zinc.Derive(resp)
	if providerOrderIDConflict(order, derivation) && s.audit != nil {
		s.audit.Record(ctx, AuditLogRecord{
			OrderRef: order.ID,
			Action:   providerIDConflictAction,
			Severity: providerIDConflictSeverity,
			Message:  "poll returned a different provider order id; committed id kept",
			Metadata: map[string]any{
				"committed": *order.FulfillmentOrderID,
				"incoming":  derivation.ProviderOrderID,
			},
		})
	}
	now := s.clock()
	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		return applyDerivation(o, derivation, applySourcePoll, now), nil
	})
	if err != nil {
		return false, err
	}

	applied := updated.Version != order.Version
	if applied && s.notifications != nil {
		s.notifications.DispatchForStatus(ctx, updated)
	}
	return applied, nil
}

func (s *sweepService) demote(ctx context.Context, order domain.Order, now time.Time) (bool, error) {
	next := s.scheduler.First(order.RetryCount, now)

	updated, err := s.orders.Mutate(ctx, order.ID, func(o *domain.Order) (bool, error) {
		if !o.Status.CanTransitionTo(domain.OrderStatusRetryPending) {
			return false, nil
		}
		if o.Status == domain.OrderStatusRetryPending {
			return false, nil
		}
		o.Status = domain.OrderStatusRetryPending
		o.NextRetryAt = &next
		return true, nil
	})
	if err != nil {
		return false, err
	}
	if updated.Version == order.Version {
		return false, nil
	}

	s.recordAudit(ctx, AuditLogRecord{
		OrderRef: order.ID,
		Action:   orderDemotedAction,
		Severity: "warn",
		Message:  "stale order demoted to the retry queue",
		Metadata: map[string]any{"nextRetryAt": next.Format(time.RFC3339)},
	})
	return true, nil
}

// submitMissing submits paid orders that never reached the provider.
func (s *sweepService) submitMissing(ctx context.Context, order domain.Order) (bool, error) {
	result, err := s.fulfillment.Submit(ctx, order.ID)
	if err != nil {
		return false, err
	}
	switch result.Outcome {
	case SubmissionAccepted, SubmissionRejected:
		return true, nil
	default:
		return false, nil
	}
}

func (s *sweepService) recordBatchAudit(ctx context.Context, summary SweepSummary) {
	if s.audit == nil {
		return
	}
	totalUpdated := 0
	metadata := make(map[string]any, len(summary.Scenarios)+1)
	for name, scenario := range summary.Scenarios {
		totalUpdated += scenario.Updated
		metadata[string(name)] = map[string]any{
			"found":   scenario.Found,
			"updated": scenario.Updated,
			"failed":  scenario.Failed,
		}
	}
	if totalUpdated == 0 {
		return
	}
	metadata["healthy"] = summary.Healthy
	s.recordAudit(ctx, AuditLogRecord{
		OrderRef: sweepAuditOrderRef,
		Action:   sweepBatchAuditAction,
		Message:  "reconciliation sweep recovered orders",
		Metadata: metadata,
	})
}

func (s *sweepService) recordAudit(ctx context.Context, record AuditLogRecord) {
	if s.audit != nil {
		s.audit.Record(ctx, record)
	}
}
