package domain

import "errors"

// RetryOutcome is the result of one charge attempt.
type RetryOutcome string

const (
	OutcomeSuccess RetryOutcome = "success"
	OutcomeFailure RetryOutcome = "failure"
)

var ErrInvalidTransition = errors.New("invalid_retry_transition")

// Transition applies one attempt outcome to a strategy status.
// Only PENDING strategies may move; terminal states reject every
// outcome so a double-processed row surfaces as an error instead of
// silently flipping.
func Transition(status RetryStatus, outcome RetryOutcome, attemptsAfter, maxAttempts int) (RetryStatus, error) {
	if status != RetryStatusPending {
		return status, ErrInvalidTransition
	}
	switch outcome {
	case OutcomeSuccess:
		return RetryStatusSucceeded, nil
	case OutcomeFailure:
		if attemptsAfter >= maxAttempts {
			return RetryStatusFailed, nil
		}
		return RetryStatusPending, nil
	default:
		return status, ErrInvalidTransition
	}
}
