package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llmgate/internal/gateway/policy"
	"github.com/mrmushfiq/llmgate/internal/gateway/registry"
	"github.com/mrmushfiq/llmgate/internal/shared/config"
	"github.com/mrmushfiq/llmgate/internal/shared/database"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// AdminHandler serves the record-management surface. Every write that can
// change a principal's effective policy invalidates the policy cache.
type AdminHandler struct {
	db              *database.DB
	policy          *policy.Resolver
	registry        *registry.Registry
	deploymentsFile string
	log             zerolog.Logger
}

func NewAdminHandler(db *database.DB, resolver *policy.Resolver, reg *registry.Registry, deploymentsFile string, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		db:              db,
		policy:          resolver,
		registry:        reg,
		deploymentsFile: deploymentsFile,
		log:             log.With().Str("component", "admin").Logger(),
	}
}

type createKeyRequest struct {
	Name          string   `json:"name"`
	ParentID      *string  `json:"parent_id,omitempty"`
	AllowedModels []string `json:"allowed_models,omitempty"`
	RPMLimit      *int64   `json:"rpm_limit,omitempty"`
	TPMLimit      *int64   `json:"tpm_limit,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

type createKeyResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// HandleCreateKey handles POST /admin/keys. The raw key is returned exactly
// once; only its hash is stored.
func (h *AdminHandler) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		http.Error(w, "key generation failed", http.StatusInternalServerError)
		return
	}
	rawKey := "lg_" + hex.EncodeToString(raw)

	p := &models.Principal{
		ID:            uuid.NewString(),
		Type:          models.PrincipalKey,
		ParentID:      req.ParentID,
		Name:          req.Name,
		KeyHash:       database.HashKey(rawKey),
		AllowedModels: req.AllowedModels,
		RPMLimit:      req.RPMLimit,
		TPMLimit:      req.TPMLimit,
		Tags:          req.Tags,
	}
	if err := h.db.CreatePrincipal(r.Context(), p); err != nil {
		h.log.Error().Err(err).Msg("failed to create key")
		http.Error(w, "failed to create key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(createKeyResponse{ID: p.ID, Key: rawKey})
}

type createPrincipalRequest struct {
	Type          models.PrincipalType `json:"type"`
	Name          string               `json:"name"`
	ParentID      *string              `json:"parent_id,omitempty"`
	AllowedModels []string             `json:"allowed_models,omitempty"`
	RPMLimit      *int64               `json:"rpm_limit,omitempty"`
	TPMLimit      *int64               `json:"tpm_limit,omitempty"`
	Tags          []string             `json:"tags,omitempty"`
}

// HandleCreatePrincipal handles POST /admin/principals for users, teams and
// organizations.
func (h *AdminHandler) HandleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	var req createPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case models.PrincipalUser, models.PrincipalTeam, models.PrincipalOrganization:
	default:
		http.Error(w, "type must be user, team or organization", http.StatusBadRequest)
		return
	}

	p := &models.Principal{
		ID:            uuid.NewString(),
		Type:          req.Type,
		ParentID:      req.ParentID,
		Name:          req.Name,
		AllowedModels: req.AllowedModels,
		RPMLimit:      req.RPMLimit,
		TPMLimit:      req.TPMLimit,
		Tags:          req.Tags,
	}
	if err := h.db.CreatePrincipal(r.Context(), p); err != nil {
		h.log.Error().Err(err).Msg("failed to create principal")
		http.Error(w, "failed to create principal", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": p.ID})
}

type updatePrincipalRequest struct {
	AllowedModels *[]string `json:"allowed_models,omitempty"`
	Blocked       *bool     `json:"blocked,omitempty"`
	RPMLimit      *int64    `json:"rpm_limit,omitempty"`
	TPMLimit      *int64    `json:"tpm_limit,omitempty"`
	Tags          *[]string `json:"tags,omitempty"`
}

// HandleUpdatePrincipal handles PATCH /admin/principals/{id}. The policy
// cache is invalidated for the principal and every cached descendant.
func (h *AdminHandler) HandleUpdatePrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.db.GetPrincipal(r.Context(), id)
	if err != nil {
		http.Error(w, "principal not found", http.StatusNotFound)
		return
	}

	var req updatePrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if req.AllowedModels != nil {
		p.AllowedModels = *req.AllowedModels
	}
	if req.Blocked != nil {
		p.Blocked = *req.Blocked
	}
	if req.RPMLimit != nil {
		p.RPMLimit = req.RPMLimit
	}
	if req.TPMLimit != nil {
		p.TPMLimit = req.TPMLimit
	}
	if req.Tags != nil {
		p.Tags = *req.Tags
	}

	if err := h.db.UpdatePrincipal(r.Context(), p); err != nil {
		h.log.Error().Err(err).Str("principal_id", id).Msg("failed to update principal")
		http.Error(w, "failed to update principal", http.StatusInternalServerError)
		return
	}

	h.policy.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

type createBudgetRequest struct {
	PrincipalID    string   `json:"principal_id"`
	Model          string   `json:"model,omitempty"`
	MaxBudget      *float64 `json:"max_budget,omitempty"`
	SoftBudget     *float64 `json:"soft_budget,omitempty"`
	BudgetDuration string   `json:"budget_duration,omitempty"` // e.g. "24h", "720h"
}

// HandleCreateBudget handles POST /admin/budgets.
func (h *AdminHandler) HandleCreateBudget(w http.ResponseWriter, r *http.Request) {
	var req createBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PrincipalID == "" {
		http.Error(w, "principal_id is required", http.StatusBadRequest)
		return
	}

	b := &models.Budget{
		ID:          uuid.NewString(),
		PrincipalID: req.PrincipalID,
		Model:       req.Model,
		MaxBudget:   req.MaxBudget,
		SoftBudget:  req.SoftBudget,
	}
	if req.BudgetDuration != "" {
		d, err := time.ParseDuration(req.BudgetDuration)
		if err != nil || d <= 0 {
			http.Error(w, "invalid budget_duration", http.StatusBadRequest)
			return
		}
		b.BudgetDuration = d
		resetAt := time.Now().Add(d)
		b.ResetAt = &resetAt
	}

	if err := h.db.CreateBudget(r.Context(), b); err != nil {
		h.log.Error().Err(err).Msg("failed to create budget")
		http.Error(w, "failed to create budget", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": b.ID})
}

// HandleReloadModels handles POST /admin/models/reload: re-reads the
// deployments file and swaps in a new registry snapshot.
func (h *AdminHandler) HandleReloadModels(w http.ResponseWriter, r *http.Request) {
	groups, err := config.LoadDeployments(h.deploymentsFile)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to reload deployments")
		http.Error(w, "failed to reload deployments: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.registry.Reload(groups)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"version": h.registry.Version(),
		"groups":  len(groups),
	})
}
