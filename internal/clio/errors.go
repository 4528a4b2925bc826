package clio

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sells-group/intake-cli/internal/model"
)

// Error is returned by every gateway operation that fails. It carries the
// typed failure reason the orchestrator reports.
type Error struct {
	Reason     model.FailureReason
	Op         string
	StatusCode int
	Body       string
	Err        error

	// token is the access token the failing request carried.
	token string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("clio: ")
	b.WriteString(e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(truncate(e.Body, 300))
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// FailureReason implements model.Reasoner.
func (e *Error) FailureReason() model.FailureReason { return e.Reason }

// UnknownFieldError reports expected custom field names the CRM does not define.
type UnknownFieldError struct {
	Names []string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("clio: custom fields not defined on matters: %s", strings.Join(e.Names, ", "))
}

// FailureReason implements model.Reasoner.
func (e *UnknownFieldError) FailureReason() model.FailureReason {
	return model.ReasonConfigurationDefect
}

// reasonForStatus classifies a non-retryable HTTP status.
func reasonForStatus(status int, body string) model.FailureReason {
	switch {
	case status == http.StatusUnauthorized:
		return model.ReasonAuthenticationFailed
	case status == http.StatusTooManyRequests:
		return model.ReasonRateLimitExceeded
	case status >= 500 || status == http.StatusRequestTimeout:
		return model.ReasonRemoteUnavailable
	case status == http.StatusUnprocessableEntity && mentionsUnknownField(body):
		return model.ReasonInvalidField
	default:
		return model.ReasonRemoteRejected
	}
}

// mentionsUnknownField reports whether a validation body blames a custom
// field identifier.
func mentionsUnknownField(body string) bool {
	b := strings.ToLower(body)
	if !strings.Contains(b, "custom_field") && !strings.Contains(b, "custom field") {
		return false
	}
	for _, p := range []string{"not found", "invalid", "does not exist", "unknown", "could not be found"} {
		if strings.Contains(b, p) {
			return true
		}
	}
	return false
}

func isStatus(err error, status int) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.StatusCode == status
}

func isUnknownField(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Reason == model.ReasonInvalidField
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
