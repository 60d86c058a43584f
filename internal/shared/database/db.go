package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = fmt.Errorf("not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// HashKey derives the stored hash for a raw API key.
func HashKey(rawKey string) string {
	hash := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(hash[:])
}

const principalColumns = `id, type, parent_id, name, key_hash, allowed_models, blocked,
       rpm_limit, tpm_limit, tags, last_used_at, created_at, updated_at`

func scanPrincipal(row *sql.Row) (*models.Principal, error) {
	var p models.Principal
	err := row.Scan(
		&p.ID,
		&p.Type,
		&p.ParentID,
		&p.Name,
		&p.KeyHash,
		pq.Array(&p.AllowedModels),
		&p.Blocked,
		&p.RPMLimit,
		&p.TPMLimit,
		pq.Array(&p.Tags),
		&p.LastUsedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return &p, nil
}

// GetPrincipal retrieves a principal by id.
func (db *DB) GetPrincipal(ctx context.Context, id string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`
	return scanPrincipal(db.conn.QueryRowContext(ctx, query, id))
}

// GetPrincipalByKey resolves a raw bearer key to its key principal.
func (db *DB) GetPrincipalByKey(ctx context.Context, rawKey string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE key_hash = $1 AND type = 'key'`
	return scanPrincipal(db.conn.QueryRowContext(ctx, query, HashKey(rawKey)))
}

// CreatePrincipal inserts a principal row.
func (db *DB) CreatePrincipal(ctx context.Context, p *models.Principal) error {
	query := `
		INSERT INTO principals (id, type, parent_id, name, key_hash, allowed_models, blocked, rpm_limit, tpm_limit, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := db.conn.ExecContext(ctx, query,
		p.ID, p.Type, p.ParentID, p.Name, p.KeyHash,
		pq.Array(p.AllowedModels), p.Blocked, p.RPMLimit, p.TPMLimit, pq.Array(p.Tags),
	)
	return err
}

// UpdatePrincipal rewrites the mutable policy fields of a principal.
func (db *DB) UpdatePrincipal(ctx context.Context, p *models.Principal) error {
	query := `
		UPDATE principals
		SET allowed_models = $2, blocked = $3, rpm_limit = $4, tpm_limit = $5, tags = $6, updated_at = NOW()
		WHERE id = $1
	`
	res, err := db.conn.ExecContext(ctx, query,
		p.ID, pq.Array(p.AllowedModels), p.Blocked, p.RPMLimit, p.TPMLimit, pq.Array(p.Tags))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePrincipalLastUsed updates the last_used_at timestamp
func (db *DB) UpdatePrincipalLastUsed(ctx context.Context, id string) error {
	query := `UPDATE principals SET last_used_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, id)
	return err
}

func scanBudgets(rows *sql.Rows) ([]models.Budget, error) {
	var budgets []models.Budget
	for rows.Next() {
		var b models.Budget
		var durationSecs int64
		if err := rows.Scan(
			&b.ID, &b.PrincipalID, &b.Model, &b.MaxBudget, &b.SoftBudget,
			&b.Spend, &durationSecs, &b.ResetAt, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		b.BudgetDuration = time.Duration(durationSecs) * time.Second
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

const budgetColumns = `id, principal_id, model, max_budget, soft_budget, spend,
       budget_duration_seconds, reset_at, created_at, updated_at`

// BudgetsFor returns all budget rows applicable to a request: rows owned by
// any principal in the chain, scoped either to all models or to the
// requested model group.
func (db *DB) BudgetsFor(ctx context.Context, principalIDs []string, model string) ([]models.Budget, error) {
	query := `
		SELECT ` + budgetColumns + `
		FROM budgets
		WHERE principal_id = ANY($1) AND (model = '' OR model = $2)
		ORDER BY principal_id, model
	`
	rows, err := db.conn.QueryContext(ctx, query, pq.Array(principalIDs), model)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()
	return scanBudgets(rows)
}

// CreateBudget inserts a budget row.
func (db *DB) CreateBudget(ctx context.Context, b *models.Budget) error {
	query := `
		INSERT INTO budgets (id, principal_id, model, max_budget, soft_budget, spend, budget_duration_seconds, reset_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := db.conn.ExecContext(ctx, query,
		b.ID, b.PrincipalID, b.Model, b.MaxBudget, b.SoftBudget, b.Spend,
		int64(b.BudgetDuration/time.Second), b.ResetAt,
	)
	return err
}

// CommitSpend atomically adds settled cost to a budget row.
func (db *DB) CommitSpend(ctx context.Context, budgetID string, amount float64) error {
	query := `UPDATE budgets SET spend = spend + $2, updated_at = NOW() WHERE id = $1`
	_, err := db.conn.ExecContext(ctx, query, budgetID, amount)
	return err
}

// DueForReset returns budgets whose reset timestamp has passed.
func (db *DB) DueForReset(ctx context.Context, now time.Time) ([]models.Budget, error) {
	query := `
		SELECT ` + budgetColumns + `
		FROM budgets
		WHERE reset_at IS NOT NULL AND reset_at <= $1
	`
	rows, err := db.conn.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()
	return scanBudgets(rows)
}

// ResetBudget zeroes spend and advances reset_at. The reset_at guard keeps
// the sweep idempotent when two sweeps race.
func (db *DB) ResetBudget(ctx context.Context, budgetID string, prevResetAt, nextResetAt time.Time) error {
	query := `
		UPDATE budgets SET spend = 0, reset_at = $3, updated_at = NOW()
		WHERE id = $1 AND reset_at = $2
	`
	_, err := db.conn.ExecContext(ctx, query, budgetID, prevResetAt, nextResetAt)
	return err
}

// AppendSpendEvent appends an immutable spend record.
func (db *DB) AppendSpendEvent(ctx context.Context, ev *models.SpendEvent) error {
	query := `
		INSERT INTO spend_events (id, request_id, principal_id, model, deployment_id, prompt_tokens, completion_tokens, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := db.conn.ExecContext(ctx, query,
		ev.ID, ev.RequestID, ev.PrincipalID, ev.Model, ev.DeploymentID,
		ev.PromptTokens, ev.CompletionTokens, ev.CostUSD,
	)
	return err
}

// GetModelPricing retrieves pricing for a model
func (db *DB) GetModelPricing(ctx context.Context, provider, model string) (*models.ModelPricing, error) {
	query := `
		SELECT id, provider, model, input_per_1k_tokens, output_per_1k_tokens,
		       context_window, created_at, updated_at
		FROM model_pricing
		WHERE provider = $1 AND model = $2
	`

	var pricing models.ModelPricing
	err := db.conn.QueryRowContext(ctx, query, provider, model).Scan(
		&pricing.ID,
		&pricing.Provider,
		&pricing.Model,
		&pricing.InputPer1kTokens,
		&pricing.OutputPer1kTokens,
		&pricing.ContextWindow,
		&pricing.CreatedAt,
		&pricing.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &pricing, nil
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			id, request_id, principal_id, endpoint, model, deployment_id, cost_usd, latency_ms,
			prompt_tokens, completion_tokens, total_tokens, cache_hit, attempts, status_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.ID,
		log.RequestID,
		log.PrincipalID,
		log.Endpoint,
		log.Model,
		log.DeploymentID,
		log.CostUSD,
		log.LatencyMs,
		log.PromptTokens,
		log.CompletionTokens,
		log.TotalTokens,
		log.CacheHit,
		log.Attempts,
		log.StatusCode,
		log.ErrorMessage,
	)

	return err
}
