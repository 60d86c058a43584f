package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrmushfiq/llmgate/internal/gateway/cache"
	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/gateway/ledger"
	"github.com/mrmushfiq/llmgate/internal/gateway/metrics"
	"github.com/mrmushfiq/llmgate/internal/gateway/policy"
	"github.com/mrmushfiq/llmgate/internal/gateway/providers"
	"github.com/mrmushfiq/llmgate/internal/gateway/router"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

type fakePolicy struct {
	policies map[string]policy.EffectivePolicy
	err      error
}

func (f *fakePolicy) Resolve(ctx context.Context, principalID string) (policy.EffectivePolicy, error) {
	if f.err != nil {
		return policy.EffectivePolicy{}, f.err
	}
	return f.policies[principalID], nil
}

type fakeLedger struct {
	reserveErr error
	reserved   int
	settled    int
	released   int
	lastActual ledger.Actual
}

func (f *fakeLedger) Reserve(ctx context.Context, pol policy.EffectivePolicy, model, requestID string, est ledger.Estimate) (*ledger.Reservation, error) {
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.reserved++
	return &ledger.Reservation{PrincipalID: pol.PrincipalID, Model: model, RequestID: requestID, Estimate: est}, nil
}

func (f *fakeLedger) Settle(ctx context.Context, res *ledger.Reservation, actual ledger.Actual) error {
	f.settled++
	f.lastActual = actual
	return nil
}

func (f *fakeLedger) Release(res *ledger.Reservation) {
	f.released++
}

type fakeRouter struct {
	resp     *providers.Response
	dep      models.Deployment
	attempts int
	err      error
	invoke   bool // drive the provided invoke instead of canned values
}

func (f *fakeRouter) SelectAndCall(ctx context.Context, pol policy.EffectivePolicy, group string, invoke router.Invoke) (*providers.Response, models.Deployment, int, error) {
	if f.invoke {
		resp, err := invoke(ctx, f.dep)
		return resp, f.dep, 1, err
	}
	return f.resp, f.dep, f.attempts, f.err
}

type fakeRegistry struct {
	groups map[string][]models.Deployment
}

func (f *fakeRegistry) HasGroup(group string) bool {
	_, ok := f.groups[group]
	return ok
}

func (f *fakeRegistry) Lookup(group string) []models.Deployment {
	return f.groups[group]
}

type fakeUpstream struct {
	resp  *providers.Response
	err   error
	panic bool
}

func (f *fakeUpstream) Invoke(ctx context.Context, dep models.Deployment, p providers.Payload) (*providers.Response, error) {
	if f.panic {
		panic("upstream blew up")
	}
	return f.resp, f.err
}

type fakePricing struct {
	pricing map[string]*models.ModelPricing
}

func (f *fakePricing) GetModelPricing(ctx context.Context, provider, model string) (*models.ModelPricing, error) {
	p, ok := f.pricing[provider+"/"+model]
	if !ok {
		return nil, errors.New("no pricing")
	}
	return p, nil
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (m *memKV) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", errors.New("not found")
	}
	return v, nil
}

func (m *memKV) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type fixture struct {
	policy   *fakePolicy
	ledger   *fakeLedger
	registry *fakeRegistry
	router   *fakeRouter
	upstream *fakeUpstream
	pricing  *fakePricing
	cache    *cache.Cache
}

func newFixture() *fixture {
	return &fixture{
		policy: &fakePolicy{policies: map[string]policy.EffectivePolicy{
			"key-1": {PrincipalID: "key-1", Chain: []string{"key-1"}},
		}},
		ledger: &fakeLedger{},
		registry: &fakeRegistry{groups: map[string][]models.Deployment{
			"gpt-4": {{ID: "d1", Group: "gpt-4", Provider: "openai", UpstreamModel: "gpt-4-0613"}},
		}},
		router:   &fakeRouter{},
		upstream: &fakeUpstream{},
		pricing: &fakePricing{pricing: map[string]*models.ModelPricing{
			"openai/gpt-4-0613": {Provider: "openai", Model: "gpt-4-0613", InputPer1kTokens: 0.03, OutputPer1kTokens: 0.06},
		}},
	}
}

func (f *fixture) controller() *Controller {
	return New(Config{
		Policy:   f.policy,
		Ledger:   f.ledger,
		Registry: f.registry,
		Router:   f.router,
		Upstream: f.upstream,
		Pricing:  f.pricing,
		Cache:    f.cache,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	})
}

func chatRequest() Request {
	return Request{
		PrincipalID: "key-1",
		Model:       "gpt-4",
		Payload: providers.Payload{
			Kind:     providers.KindChat,
			Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hello"}},
		},
		EstimatedTokens: 500,
	}
}

func TestHandleSuccessSettlesActualCost(t *testing.T) {
	f := newFixture()
	f.router.resp = &providers.Response{
		ID:    "resp-1",
		Usage: models.TokenUsage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
	}
	f.router.dep = models.Deployment{ID: "d1", Provider: "openai", UpstreamModel: "gpt-4-0613"}
	f.router.attempts = 1

	result, err := f.controller().Handle(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "resp-1", result.Response.ID)
	assert.Equal(t, "d1", result.DeploymentID)
	assert.NotEmpty(t, result.RequestID)
	assert.False(t, result.CacheHit)
	// 1000 in at $0.03/1k + 500 out at $0.06/1k
	assert.InDelta(t, 0.06, result.CostUSD, 1e-9)

	assert.Equal(t, 1, f.ledger.reserved)
	assert.Equal(t, 1, f.ledger.settled)
	assert.Equal(t, 0, f.ledger.released)
	assert.Equal(t, "d1", f.ledger.lastActual.DeploymentID)
}

func TestHandleBlockedPrincipalNeverReserves(t *testing.T) {
	f := newFixture()
	f.policy.policies["key-1"] = policy.EffectivePolicy{
		PrincipalID: "key-1", Chain: []string{"key-1"}, Blocked: true,
	}

	_, err := f.controller().Handle(context.Background(), chatRequest())

	var denied *gateerr.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 0, f.ledger.reserved)
}

func TestHandleModelOutsideAllowListNeverReserves(t *testing.T) {
	f := newFixture()
	f.policy.policies["key-1"] = policy.EffectivePolicy{
		PrincipalID: "key-1", Chain: []string{"key-1"}, AllowedModels: []string{"claude"},
	}

	_, err := f.controller().Handle(context.Background(), chatRequest())

	var denied *gateerr.PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "gpt-4", denied.Model)
	assert.Equal(t, 0, f.ledger.reserved)
}

func TestHandleUnknownModelGroup(t *testing.T) {
	f := newFixture()
	req := chatRequest()
	req.Model = "nonexistent"

	_, err := f.controller().Handle(context.Background(), req)

	var malformed *gateerr.MalformedRequestError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, 0, f.ledger.reserved)
}

func TestHandleValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing principal", func(r *Request) { r.PrincipalID = "" }},
		{"missing model", func(r *Request) { r.Model = "" }},
		{"empty messages", func(r *Request) { r.Payload.Messages = nil }},
		{"unknown kind", func(r *Request) { r.Payload.Kind = "image" }},
		{"empty embedding input", func(r *Request) {
			r.Payload = providers.Payload{Kind: providers.KindEmbedding}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			req := chatRequest()
			tt.mutate(&req)

			_, err := f.controller().Handle(context.Background(), req)

			var malformed *gateerr.MalformedRequestError
			require.ErrorAs(t, err, &malformed)
			assert.Equal(t, 0, f.ledger.reserved)
		})
	}
}

func TestHandleBudgetExceededPropagates(t *testing.T) {
	f := newFixture()
	f.ledger.reserveErr = &gateerr.BudgetExceededError{
		PrincipalID: "key-1", Kind: gateerr.LimitMaxBudget, RetryAfter: time.Minute,
	}

	_, err := f.controller().Handle(context.Background(), chatRequest())

	var exceeded *gateerr.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 0, f.ledger.settled)
	assert.Equal(t, 0, f.ledger.released)
}

func TestHandleUpstreamFailureReleasesReservation(t *testing.T) {
	f := newFixture()
	f.router.err = &gateerr.UpstreamError{Group: "gpt-4", Attempts: 2, Cause: errors.New("boom")}
	f.router.attempts = 2

	_, err := f.controller().Handle(context.Background(), chatRequest())

	var upstream *gateerr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, 1, f.ledger.reserved)
	assert.Equal(t, 0, f.ledger.settled)
	assert.Equal(t, 1, f.ledger.released)
}

func TestHandleNoHealthyDeploymentReleasesReservation(t *testing.T) {
	f := newFixture()
	f.router.err = &gateerr.NoHealthyDeploymentError{Group: "gpt-4"}

	_, err := f.controller().Handle(context.Background(), chatRequest())

	var unhealthy *gateerr.NoHealthyDeploymentError
	require.ErrorAs(t, err, &unhealthy)
	assert.Equal(t, 1, f.ledger.released)
}

func TestHandlePanicInUpstreamReleasesReservation(t *testing.T) {
	f := newFixture()
	f.router.invoke = true
	f.upstream.panic = true

	require.Panics(t, func() {
		f.controller().Handle(context.Background(), chatRequest()) //nolint:errcheck
	})

	// The reservation must not leak even when the call path panics; the
	// HTTP recoverer above this layer turns the panic into a 500.
	assert.Equal(t, 1, f.ledger.reserved)
	assert.Equal(t, 0, f.ledger.settled)
	assert.Equal(t, 1, f.ledger.released)
}

func TestHandleBillablePartialSettlesAndFails(t *testing.T) {
	f := newFixture()
	f.router.resp = &providers.Response{
		ID:    "partial",
		Usage: models.TokenUsage{PromptTokens: 200, CompletionTokens: 50, TotalTokens: 250},
	}
	f.router.dep = models.Deployment{ID: "d1", Provider: "openai", UpstreamModel: "gpt-4-0613"}
	f.router.attempts = 1
	f.router.err = &gateerr.UpstreamError{Group: "gpt-4", DeploymentID: "d1", Attempts: 1, Cause: errors.New("cut off")}

	result, err := f.controller().Handle(context.Background(), chatRequest())

	// Consumed tokens are charged even though the caller gets an error.
	var upstream *gateerr.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Nil(t, result)
	assert.Equal(t, 1, f.ledger.settled)
	assert.Equal(t, 0, f.ledger.released)
	assert.InDelta(t, 0.009, f.ledger.lastActual.CostUSD, 1e-9)
}

func TestHandleCacheHitSkipsReservation(t *testing.T) {
	f := newFixture()
	f.cache = cache.New(newMemKV(), time.Minute)

	req := chatRequest()
	cached := &providers.Response{ID: "cached", Usage: models.TokenUsage{TotalTokens: 9}}
	require.NoError(t, f.cache.Set(context.Background(), req.Model, req.Payload, cached))

	result, err := f.controller().Handle(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.CacheHit)
	assert.Equal(t, "cached", result.Response.ID)
	assert.Zero(t, result.CostUSD)
	assert.Empty(t, result.DeploymentID)
	assert.Equal(t, 0, f.ledger.reserved)
}

func TestHandleCacheMissPopulatesCache(t *testing.T) {
	f := newFixture()
	kv := newMemKV()
	f.cache = cache.New(kv, time.Minute)
	f.router.resp = &providers.Response{
		ID:    "resp-1",
		Usage: models.TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
	f.router.dep = models.Deployment{ID: "d1", Provider: "openai", UpstreamModel: "gpt-4-0613"}
	f.router.attempts = 1

	req := chatRequest()
	ctrl := f.controller()

	result, err := ctrl.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.CacheHit)

	// The cache write is async; wait for it to land.
	require.Eventually(t, func() bool {
		_, ok := f.cache.Get(context.Background(), req.Model, req.Payload)
		return ok
	}, time.Second, 5*time.Millisecond)

	second, err := ctrl.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, f.ledger.reserved)
}

func TestHandleEstimateUsesGroupPricing(t *testing.T) {
	f := newFixture()
	f.router.resp = &providers.Response{ID: "resp-1"}
	f.router.dep = models.Deployment{ID: "d1", Provider: "openai", UpstreamModel: "gpt-4-0613"}
	f.router.attempts = 1

	var captured ledger.Estimate
	ctrl := New(Config{
		Policy:   f.policy,
		Ledger:   &captureLedger{inner: f.ledger, est: &captured},
		Registry: f.registry,
		Router:   f.router,
		Upstream: f.upstream,
		Pricing:  f.pricing,
		Metrics:  metrics.New(prometheus.NewRegistry()),
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	})

	_, err := ctrl.Handle(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, int64(500), captured.Tokens)
	// 500 tokens at the group's $0.03/1k input rate
	assert.InDelta(t, 0.015, captured.CostUSD, 1e-9)
}

type captureLedger struct {
	inner *fakeLedger
	est   *ledger.Estimate
}

func (c *captureLedger) Reserve(ctx context.Context, pol policy.EffectivePolicy, model, requestID string, est ledger.Estimate) (*ledger.Reservation, error) {
	*c.est = est
	return c.inner.Reserve(ctx, pol, model, requestID, est)
}

func (c *captureLedger) Settle(ctx context.Context, res *ledger.Reservation, actual ledger.Actual) error {
	return c.inner.Settle(ctx, res, actual)
}

func (c *captureLedger) Release(res *ledger.Reservation) {
	c.inner.Release(res)
}
