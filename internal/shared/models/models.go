package models

import "time"

// PrincipalType identifies the level of the budget/policy hierarchy a
// principal sits at.
type PrincipalType string

const (
	PrincipalKey          PrincipalType = "key"
	PrincipalUser         PrincipalType = "user"
	PrincipalTeam         PrincipalType = "team"
	PrincipalOrganization PrincipalType = "organization"
)

// Principal is the unit budget and policy are evaluated against: an API key,
// a user, a team, or an organization. Keys point at their team via ParentID,
// teams at their organization.
type Principal struct {
	ID            string
	Type          PrincipalType
	ParentID      *string
	Name          string
	KeyHash       string // set for key principals only
	AllowedModels []string
	Blocked       bool
	RPMLimit      *int64
	TPMLimit      *int64
	Tags          []string
	LastUsedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Budget is a spend limit owned by one principal, optionally scoped to a
// single model group. Spend only grows within a period; the reset sweep
// zeroes it and advances ResetAt.
type Budget struct {
	ID             string
	PrincipalID    string
	Model          string // empty = all models
	MaxBudget      *float64
	SoftBudget     *float64
	Spend          float64
	BudgetDuration time.Duration
	ResetAt        *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Deployment is one concrete (provider, credential, upstream model) binding
// that can serve a model group.
type Deployment struct {
	ID            string
	Group         string
	Provider      string
	UpstreamModel string
	CredentialRef string // env var holding the provider credential
	BaseURL       string
	Weight        int
}

// TokenUsage is the provider-neutral token accounting for one upstream call.
// The JSON shape matches OpenAI's usage object so SDK clients parse it.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SpendEvent is the immutable record appended after a completed attempt.
// It drives the ledger debit and downstream analytics; never mutated.
type SpendEvent struct {
	ID               string
	RequestID        string
	PrincipalID      string
	Model            string
	DeploymentID     string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	CreatedAt        time.Time
}

// ModelPricing holds per-1k-token rates for a (provider, model) pair.
type ModelPricing struct {
	ID                string
	Provider          string
	Model             string
	InputPer1kTokens  float64
	OutputPer1kTokens float64
	ContextWindow     int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GatewayLog is the per-request log row written after settlement. It mirrors
// the SpendEvent for operator queries and is written fire-and-forget.
type GatewayLog struct {
	ID               string
	RequestID        string
	PrincipalID      *string
	Endpoint         string
	Model            string
	DeploymentID     string
	CostUSD          float64
	LatencyMs        int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CacheHit         bool
	Attempts         int
	StatusCode       int
	ErrorMessage     *string
	CreatedAt        time.Time
}
