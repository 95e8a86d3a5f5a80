package batch

import (
	"time"

	"callflow/events"
)

// decision is the resolved next state for a batch after one call attempt.
type decision struct {
	status       Status
	scheduledFor *time.Time
	completedAt  *time.Time
	event        events.Type
	result       string
}

// resolveOutcome applies the transition policy for a received outcome.
//
//   - success: COMPLETED.
//   - partial: COMPLETED once attempts are exhausted (a partial counts as a
//     satisfied terminal outcome), otherwise RETRY_SCHEDULED with backoff.
//   - failure / dispatch_error: FAILED once attempts are exhausted,
//     otherwise RETRY_SCHEDULED with backoff.
//
// attemptCount is the number of attempts already made, including the one
// this outcome belongs to.
func resolveOutcome(outcome Outcome, attemptCount, maxAttempts int, policy RetryPolicy, now time.Time) decision {
	exhausted := attemptCount >= maxAttempts

	switch outcome {
	case OutcomeSuccess:
		return decision{
			status:      StatusCompleted,
			completedAt: &now,
			event:       events.TypeBatchCompleted,
			result:      "success",
		}
	case OutcomePartial:
		if exhausted {
			return decision{
				status:      StatusCompleted,
				completedAt: &now,
				event:       events.TypeBatchCompleted,
				result:      "partial",
			}
		}
		return retryDecision(attemptCount, policy, now)
	default: // OutcomeFailure, OutcomeDispatchError
		if exhausted {
			return decision{
				status: StatusFailed,
				event:  events.TypeBatchCompleted,
				result: "failed",
			}
		}
		return retryDecision(attemptCount, policy, now)
	}
}

func retryDecision(attemptCount int, policy RetryPolicy, now time.Time) decision {
	next := now.Add(policy.Delay(attemptCount))
	return decision{
		status:       StatusRetryScheduled,
		scheduledFor: &next,
		event:        events.TypeBatchRetry,
		result:       "retry",
	}
}
