package services

import "time"

// Backoff ladder applied between submission attempts. The final step acts as a
// long ceiling before the retry count limit forces a terminal failure.
var defaultBackoffLadder = []time.Duration{
	30 * time.Minute,
	1 * time.Hour,
	4 * time.Hour,
	12 * time.Hour,
}

// DefaultRetryCeiling is the maximum number of submission retries before an
// order is failed permanently.
const DefaultRetryCeiling = 3

// RetryScheduler decides whether and when a failed submission is retried. It
// never performs the submission itself, so the policy is testable in isolation.
type RetryScheduler struct {
	ladder  []time.Duration
	ceiling int
}

// RetrySchedulerOption customises scheduler construction.
type RetrySchedulerOption func(*RetryScheduler)

// WithBackoffLadder overrides the backoff steps.
func WithBackoffLadder(ladder []time.Duration) RetrySchedulerOption {
	return func(s *RetryScheduler) {
		if len(ladder) > 0 {
			s.ladder = append([]time.Duration(nil), ladder...)
		}
	}
}

// WithRetryCeiling overrides the maximum retry count.
func WithRetryCeiling(ceiling int) RetrySchedulerOption {
	return func(s *RetryScheduler) {
		if ceiling > 0 {
			s.ceiling = ceiling
		}
	}
}

// NewRetryScheduler constructs a scheduler with the default ladder and ceiling.
func NewRetryScheduler(opts ...RetrySchedulerOption) *RetryScheduler {
	s := &RetryScheduler{
		ladder:  append([]time.Duration(nil), defaultBackoffLadder...),
		ceiling: DefaultRetryCeiling,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Ceiling returns the maximum permitted retry count.
func (s *RetryScheduler) Ceiling() int {
	return s.ceiling
}

// Backoff returns the delay applied after the given number of completed
// retries. Counts past the ladder reuse the final step.
func (s *RetryScheduler) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(s.ladder) {
		return s.ladder[len(s.ladder)-1]
	}
	return s.ladder[retryCount]
}

// Decision is the scheduler's verdict for one failed attempt.
type Decision struct {
	// Exhausted means the retry count reached the ceiling; the order must be
	// failed terminally and no further retry scheduled.
	Exhausted bool
	// RetryCount is the incremented count to persist.
	RetryCount int
	// NextRetryAt is when the order re-enters the drain; zero when exhausted.
	NextRetryAt time.Time
}

// Next computes the outcome of one more failed attempt for an order that has
// already been retried retryCount times.
func (s *RetryScheduler) Next(retryCount int, now time.Time) Decision {
	next := retryCount + 1
	if next >= s.ceiling {
		return Decision{Exhausted: true, RetryCount: next}
	}
	return Decision{
		RetryCount:  next,
		NextRetryAt: now.UTC().Add(s.Backoff(retryCount)),
	}
}

// First returns the initial schedule for an order entering the retry queue
// without consuming a retry attempt, used when demoting stuck orders.
func (s *RetryScheduler) First(retryCount int, now time.Time) time.Time {
	return now.UTC().Add(s.Backoff(retryCount))
}
