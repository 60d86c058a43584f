package gateerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// LimitKind names which budget limit a reservation tripped.
type LimitKind string

const (
	LimitMaxBudget LimitKind = "max_budget"
	LimitRPM       LimitKind = "rpm"
	LimitTPM       LimitKind = "tpm"
)

// PolicyDeniedError means the principal is blocked or the requested model is
// outside its effective allow-list. Maps to HTTP 403.
type PolicyDeniedError struct {
	PrincipalID string
	Model       string
	Reason      string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied for principal %s: %s", e.PrincipalID, e.Reason)
}

// PolicyError means the principal could not be resolved at all (unknown id,
// broken ancestor chain).
type PolicyError struct {
	PrincipalID string
	Err         error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy resolution failed for principal %s: %v", e.PrincipalID, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// BudgetExceededError is returned by Reserve before any upstream call is
// made. Maps to HTTP 429 with a Retry-After hint.
type BudgetExceededError struct {
	PrincipalID string
	Kind        LimitKind
	RetryAfter  time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for principal %s: %s limit", e.PrincipalID, e.Kind)
}

// NoHealthyDeploymentError means every deployment in the group is cooled
// down or filtered out. Maps to HTTP 503.
type NoHealthyDeploymentError struct {
	Group string
}

func (e *NoHealthyDeploymentError) Error() string {
	return fmt.Sprintf("no healthy deployment for model group %q", e.Group)
}

// UpstreamError wraps the last attempt's failure after retries are
// exhausted. Maps to 504 when the cause is a timeout, 502 otherwise.
type UpstreamError struct {
	Group        string
	DeploymentID string
	Attempts     int
	Cause        error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error for group %q after %d attempt(s): %v", e.Group, e.Attempts, e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// MalformedRequestError is non-retryable and never reserves budget.
// Maps to HTTP 400.
type MalformedRequestError struct {
	Reason string
}

func (e *MalformedRequestError) Error() string {
	return "malformed request: " + e.Reason
}

// ProviderCallError carries the upstream HTTP status of one failed invoke so
// the router can classify it.
type ProviderCallError struct {
	Provider     string
	DeploymentID string
	StatusCode   int
	Err          error
}

func (e *ProviderCallError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s call failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s call failed: %v", e.Provider, e.Err)
}

func (e *ProviderCallError) Unwrap() error { return e.Err }

// Retryable reports whether a failed invoke should trigger fallback to the
// next deployment. Timeouts, 429 and 5xx are the deployment's fault; other
// 4xx are the request's fault and propagate as-is.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var callErr *ProviderCallError
	if errors.As(err, &callErr) {
		if callErr.StatusCode == 0 {
			// transport-level failure with no HTTP status
			return true
		}
		return callErr.StatusCode == 429 || callErr.StatusCode >= 500
	}
	return false
}

// IsTimeout reports whether the error chain bottoms out in a deadline or
// network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
