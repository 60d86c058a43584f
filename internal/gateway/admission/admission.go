package admission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llmgate/internal/gateway/cache"
	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/gateway/ledger"
	"github.com/mrmushfiq/llmgate/internal/gateway/metrics"
	"github.com/mrmushfiq/llmgate/internal/gateway/policy"
	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
	"github.com/mrmushfiq/llmgate/internal/gateway/router"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// PolicyResolver resolves a principal to its effective policy.
type PolicyResolver interface {
	Resolve(ctx context.Context, principalID string) (policy.EffectivePolicy, error)
}

// Ledger is the reserve/settle/release surface of the budget ledger.
type Ledger interface {
	Reserve(ctx context.Context, pol policy.EffectivePolicy, model, requestID string, est ledger.Estimate) (*ledger.Reservation, error)
	Settle(ctx context.Context, res *ledger.Reservation, actual ledger.Actual) error
	Release(res *ledger.Reservation)
}

// Router selects deployments and drives fallback.
type Router interface {
	SelectAndCall(ctx context.Context, pol policy.EffectivePolicy, group string, invoke router.Invoke) (*providers.Response, models.Deployment, int, error)
}

// Registry answers which model groups exist and what serves them.
type Registry interface {
	HasGroup(group string) bool
	Lookup(group string) []models.Deployment
}

// Upstream performs the actual provider call for a deployment.
type Upstream interface {
	Invoke(ctx context.Context, dep models.Deployment, p providers.Payload) (*providers.Response, error)
}

// Pricing looks up per-1k-token rates.
type Pricing interface {
	GetModelPricing(ctx context.Context, provider, model string) (*models.ModelPricing, error)
}

// Request is the normalized tuple the HTTP layer hands to the controller.
type Request struct {
	PrincipalID     string
	Model           string
	Payload         providers.Payload
	EstimatedTokens int64
}

// Result is a successfully admitted and settled request.
type Result struct {
	RequestID    string
	Response     *providers.Response
	Model        string
	DeploymentID string
	CostUSD      float64
	CacheHit     bool
	Attempts     int
}

// Config wires the controller's collaborators.
type Config struct {
	Policy   PolicyResolver
	Ledger   Ledger
	Registry Registry
	Router   Router
	Upstream Upstream
	Pricing  Pricing
	Cache    *cache.Cache // nil disables response caching
	Metrics  *metrics.Metrics
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Controller orchestrates one inbound call:
// policy check, budget reservation, routing, settlement. Every reservation
// is matched by exactly one Settle or Release, including on upstream panic.
type Controller struct {
	cfg Config
	log zerolog.Logger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Controller{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "admission").Logger(),
	}
}

// Handle admits, routes and settles one request.
func (c *Controller) Handle(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	result, err := c.handle(ctx, req)

	c.cfg.Metrics.RequestsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	c.cfg.Metrics.RequestDuration.Observe(time.Since(start).Seconds())
	return result, err
}

func (c *Controller) handle(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if !c.cfg.Registry.HasGroup(req.Model) {
		return nil, &gateerr.MalformedRequestError{Reason: "unknown model " + req.Model}
	}

	pol, err := c.cfg.Policy.Resolve(ctx, req.PrincipalID)
	if err != nil {
		return nil, err
	}
	if pol.Blocked {
		return nil, &gateerr.PolicyDeniedError{PrincipalID: req.PrincipalID, Model: req.Model, Reason: "principal is blocked"}
	}
	if !pol.Allows(req.Model) {
		return nil, &gateerr.PolicyDeniedError{PrincipalID: req.PrincipalID, Model: req.Model, Reason: "model not in allow-list"}
	}

	requestID := uuid.NewString()
	log := c.log.With().
		Str("request_id", requestID).
		Str("principal_id", req.PrincipalID).
		Str("model", req.Model).
		Logger()

	// The deadline is fixed here and shared across every routing attempt.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if c.cfg.Cache != nil {
		if resp, ok := c.cfg.Cache.Get(ctx, req.Model, req.Payload); ok {
			c.cfg.Metrics.CacheHits.Inc()
			log.Debug().Msg("served from cache")
			return &Result{
				RequestID: requestID,
				Response:  resp,
				Model:     req.Model,
				CacheHit:  true,
			}, nil
		}
	}

	est := c.estimate(ctx, req)
	resv, err := c.cfg.Ledger.Reserve(ctx, pol, req.Model, requestID, est)
	if err != nil {
		var exceeded *gateerr.BudgetExceededError
		if errors.As(err, &exceeded) {
			c.cfg.Metrics.BudgetRejections.WithLabelValues(string(exceeded.Kind)).Inc()
			log.Info().Str("limit", string(exceeded.Kind)).Msg("reservation rejected")
		}
		return nil, err
	}

	// Release is the structural backstop: any exit before a successful
	// Settle, including a panic inside invoke, drops the hold uncharged.
	settled := false
	defer func() {
		if !settled {
			c.cfg.Ledger.Release(resv)
		}
	}()

	resp, dep, attempts, routeErr := c.cfg.Router.SelectAndCall(ctx, pol, req.Model,
		func(ctx context.Context, dep models.Deployment) (*providers.Response, error) {
			return c.cfg.Upstream.Invoke(ctx, dep, req.Payload)
		})
	c.cfg.Metrics.RouterAttempts.Observe(float64(attempts))

	if routeErr != nil && resp == nil {
		return nil, routeErr
	}

	// Success, or a billable partial that must be settled despite the error.
	cost := c.actualCost(ctx, dep, resp.Usage)
	if err := c.cfg.Ledger.Settle(ctx, resv, ledger.Actual{
		CostUSD:      cost,
		Usage:        resp.Usage,
		DeploymentID: dep.ID,
	}); err != nil {
		log.Error().Err(err).Msg("settlement write failed")
	}
	settled = true
	c.cfg.Metrics.SpendSettledUSD.Add(cost)

	if routeErr != nil {
		log.Warn().Err(routeErr).Float64("cost_usd", cost).Msg("settled billable partial response")
		return nil, routeErr
	}

	if c.cfg.Cache != nil {
		// Best effort; a failed cache write never fails the request.
		go c.cfg.Cache.Set(context.Background(), req.Model, req.Payload, resp) //nolint:errcheck
	}

	return &Result{
		RequestID:    requestID,
		Response:     resp,
		Model:        req.Model,
		DeploymentID: dep.ID,
		CostUSD:      cost,
		Attempts:     attempts,
	}, nil
}

func validate(req Request) error {
	if req.PrincipalID == "" {
		return &gateerr.MalformedRequestError{Reason: "missing principal"}
	}
	if req.Model == "" {
		return &gateerr.MalformedRequestError{Reason: "missing model"}
	}
	switch req.Payload.Kind {
	case providers.KindChat:
		if len(req.Payload.Messages) == 0 {
			return &gateerr.MalformedRequestError{Reason: "messages must not be empty"}
		}
	case providers.KindEmbedding:
		if len(req.Payload.Input) == 0 {
			return &gateerr.MalformedRequestError{Reason: "input must not be empty"}
		}
	default:
		return &gateerr.MalformedRequestError{Reason: "unknown payload kind"}
	}
	return nil
}

// estimate sizes the reservation before a deployment is chosen, using the
// group's first usable deployment as the pricing reference. Missing pricing
// estimates zero cost; the token count still feeds the tpm window.
func (c *Controller) estimate(ctx context.Context, req Request) ledger.Estimate {
	est := ledger.Estimate{Tokens: req.EstimatedTokens}
	deps := c.cfg.Registry.Lookup(req.Model)
	if len(deps) == 0 {
		return est
	}
	pricing, err := c.cfg.Pricing.GetModelPricing(ctx, deps[0].Provider, deps[0].UpstreamModel)
	if err != nil {
		return est
	}
	est.CostUSD = float64(req.EstimatedTokens) / 1000.0 * pricing.InputPer1kTokens
	return est
}

func (c *Controller) actualCost(ctx context.Context, dep models.Deployment, usage models.TokenUsage) float64 {
	pricing, err := c.cfg.Pricing.GetModelPricing(ctx, dep.Provider, dep.UpstreamModel)
	if err != nil {
		return 0
	}
	inputCost := float64(usage.PromptTokens) / 1000.0 * pricing.InputPer1kTokens
	outputCost := float64(usage.CompletionTokens) / 1000.0 * pricing.OutputPer1kTokens
	return inputCost + outputCost
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}
	var (
		denied    *gateerr.PolicyDeniedError
		polErr    *gateerr.PolicyError
		exceeded  *gateerr.BudgetExceededError
		unhealthy *gateerr.NoHealthyDeploymentError
		upstream  *gateerr.UpstreamError
		malformed *gateerr.MalformedRequestError
	)
	switch {
	case errors.As(err, &denied):
		return "policy_denied"
	case errors.As(err, &polErr):
		return "policy_error"
	case errors.As(err, &exceeded):
		return "budget_exceeded"
	case errors.As(err, &unhealthy):
		return "no_healthy_deployment"
	case errors.As(err, &upstream):
		return "upstream_error"
	case errors.As(err, &malformed):
		return "malformed"
	default:
		return "internal_error"
	}
}
