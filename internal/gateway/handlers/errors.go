package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// writeError maps the gateway error taxonomy onto HTTP statuses:
// 400 malformed, 401 unresolved principal, 403 policy denied, 429 budget,
// 503 no healthy deployment, 502/504 upstream.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	errType := "internal_error"

	var (
		denied    *gateerr.PolicyDeniedError
		polErr    *gateerr.PolicyError
		exceeded  *gateerr.BudgetExceededError
		unhealthy *gateerr.NoHealthyDeploymentError
		upstream  *gateerr.UpstreamError
		malformed *gateerr.MalformedRequestError
	)
	switch {
	case errors.As(err, &malformed):
		status, errType = http.StatusBadRequest, "malformed_request"
	case errors.As(err, &polErr):
		status, errType = http.StatusUnauthorized, "unknown_principal"
	case errors.As(err, &denied):
		status, errType = http.StatusForbidden, "policy_denied"
	case errors.As(err, &exceeded):
		status, errType = http.StatusTooManyRequests, "budget_exceeded"
		if exceeded.RetryAfter > 0 {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(exceeded.RetryAfter.Seconds())+1))
		} else {
			w.Header().Set("Retry-After", "60")
		}
	case errors.As(err, &unhealthy):
		status, errType = http.StatusServiceUnavailable, "no_healthy_deployment"
	case errors.As(err, &upstream):
		errType = "upstream_error"
		if gateerr.IsTimeout(upstream.Cause) {
			status = http.StatusGatewayTimeout
		} else {
			status = http.StatusBadGateway
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Message: err.Error(),
		Type:    errType,
	}})
}
