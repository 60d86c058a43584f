package router

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/gateway/policy"
	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// Invoke performs one upstream call against a deployment. The router owns
// retries and health bookkeeping around it.
type Invoke func(ctx context.Context, dep models.Deployment) (*providers.Response, error)

// Registry is the health-aware deployment source the router selects from.
type Registry interface {
	Lookup(group string) []models.Deployment
	CoolDown(id string) time.Duration
	MarkHealthy(id string)
}

// Router picks a deployment for a model group and drives fallback across
// deployments on retryable failure. One budget reservation and one shared
// deadline cover all attempts; both are owned by the caller.
type Router struct {
	registry    Registry
	maxAttempts int
	log         zerolog.Logger

	// Picker returns a value in [0, n); replaced in tests for determinism.
	Picker func(n int) int
}

// New creates a Router with a time-seeded weighted-random picker.
func New(registry Registry, maxAttempts int, log zerolog.Logger) *Router {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	var mu sync.Mutex
	return &Router{
		registry:    registry,
		maxAttempts: maxAttempts,
		log:         log.With().Str("component", "router").Logger(),
		Picker: func(n int) int {
			mu.Lock()
			defer mu.Unlock()
			return rnd.Intn(n)
		},
	}
}

// SelectAndCall filters the group's usable deployments by policy, invokes
// one picked by weight, and falls back to the next-best on retryable
// failure. Failed deployments are cooled down with exponential growth;
// non-retryable errors propagate immediately with no health penalty.
// A non-nil response alongside an error is a billable partial and is
// returned for settlement rather than retried.
func (r *Router) SelectAndCall(ctx context.Context, pol policy.EffectivePolicy, group string, invoke Invoke) (*providers.Response, models.Deployment, int, error) {
	deps := lo.Filter(r.registry.Lookup(group), func(d models.Deployment, _ int) bool {
		return pol.Allows(d.Group)
	})
	if len(deps) == 0 {
		return nil, models.Deployment{}, 0, &gateerr.NoHealthyDeploymentError{Group: group}
	}

	tried := make(map[string]bool, r.maxAttempts)
	var lastErr error
	var lastDep models.Deployment
	attempts := 0

	for attempts < r.maxAttempts {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		candidates := lo.Filter(deps, func(d models.Deployment, _ int) bool {
			return !tried[d.ID]
		})
		if len(candidates) == 0 {
			break
		}

		dep := r.pickWeighted(candidates)
		tried[dep.ID] = true
		attempts++

		resp, err := invoke(ctx, dep)
		if err == nil {
			r.registry.MarkHealthy(dep.ID)
			return resp, dep, attempts, nil
		}

		lastErr = err
		lastDep = dep

		if !gateerr.Retryable(err) {
			// The request is at fault, not the deployment.
			return nil, dep, attempts, err
		}

		cooldown := r.registry.CoolDown(dep.ID)
		r.log.Warn().
			Str("group", group).
			Str("deployment_id", dep.ID).
			Int("attempt", attempts).
			Dur("cooldown", cooldown).
			Err(err).
			Msg("deployment failed, trying next")

		if resp != nil && resp.Usage.TotalTokens > 0 {
			// A billable partial ends the request; retrying would risk
			// charging twice for one logical call.
			return resp, dep, attempts, &gateerr.UpstreamError{
				Group: group, DeploymentID: dep.ID, Attempts: attempts, Cause: err,
			}
		}
	}

	return nil, lastDep, attempts, &gateerr.UpstreamError{
		Group:        group,
		DeploymentID: lastDep.ID,
		Attempts:     attempts,
		Cause:        lastErr,
	}
}

func weightOf(d models.Deployment) int {
	if d.Weight <= 0 {
		return 1
	}
	return d.Weight
}

func (r *Router) pickWeighted(deps []models.Deployment) models.Deployment {
	total := 0
	for _, d := range deps {
		total += weightOf(d)
	}
	n := r.Picker(total)
	for _, d := range deps {
		n -= weightOf(d)
		if n < 0 {
			return d
		}
	}
	return deps[len(deps)-1]
}
