package model

import (
	"context"
	"errors"
)

// FailureReason is the typed cause of a failed run.
type FailureReason string

const (
	ReasonAuthenticationFailed FailureReason = "authentication_failed"
	ReasonCredentialsExhausted FailureReason = "credentials_exhausted"
	ReasonRateLimitExceeded    FailureReason = "rate_limit_exceeded"
	ReasonRemoteUnavailable    FailureReason = "remote_unavailable"
	ReasonInvalidField         FailureReason = "invalid_field"
	ReasonRemoteRejected       FailureReason = "remote_rejected"
	ReasonDocumentNotReady     FailureReason = "document_not_ready"
	ReasonConfigurationDefect  FailureReason = "configuration_defect"
	ReasonInvalidRecord        FailureReason = "invalid_record"
	ReasonNotificationFailed   FailureReason = "notification_failed"
	ReasonCancelled            FailureReason = "cancelled"
)

// Disposition tells the caller what to do with a failed run.
type Disposition string

const (
	// DispositionRetryRun means the same run may be re-submitted now.
	DispositionRetryRun Disposition = "retry_run"
	// DispositionRetryLater means re-submit once the remote side catches up.
	DispositionRetryLater Disposition = "retry_later"
	// DispositionDoNotRetry means a data or configuration defect needs an operator.
	DispositionDoNotRetry Disposition = "do_not_retry"
	// DispositionReauthorize means the OAuth grant must be renewed out of band.
	DispositionReauthorize Disposition = "reauthorize"
)

// Disposition maps the reason to its caller-visible handling.
func (r FailureReason) Disposition() Disposition {
	switch r {
	case ReasonAuthenticationFailed, ReasonRateLimitExceeded, ReasonRemoteUnavailable,
		ReasonNotificationFailed, ReasonCancelled:
		return DispositionRetryRun
	case ReasonDocumentNotReady:
		return DispositionRetryLater
	case ReasonCredentialsExhausted:
		return DispositionReauthorize
	default:
		return DispositionDoNotRetry
	}
}

// Retryable reports whether re-submitting the same run is safe and useful.
func (r FailureReason) Retryable() bool {
	d := r.Disposition()
	return d == DispositionRetryRun || d == DispositionRetryLater
}

// Reasoner is implemented by errors that carry a FailureReason.
type Reasoner interface {
	FailureReason() FailureReason
}

// ReasonOf extracts the FailureReason from an error chain. Context errors map
// to ReasonCancelled; unclassified errors are treated as ReasonRemoteUnavailable.
func ReasonOf(err error) FailureReason {
	if err == nil {
		return ""
	}
	var r Reasoner
	if errors.As(err, &r) {
		return r.FailureReason()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ReasonCancelled
	}
	return ReasonRemoteUnavailable
}

type reasonError struct {
	reason FailureReason
	err    error
}

func (e *reasonError) Error() string                { return e.err.Error() }
func (e *reasonError) Unwrap() error                { return e.err }
func (e *reasonError) FailureReason() FailureReason { return e.reason }

// WithReason tags err with reason. A nil err stays nil.
func WithReason(reason FailureReason, err error) error {
	if err == nil {
		return nil
	}
	return &reasonError{reason: reason, err: err}
}
