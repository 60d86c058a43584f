package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/mrmushfiq/llmgate/internal/gateway/gateerr"
	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

// maxChainDepth bounds the ancestor walk so a corrupted parent cycle cannot
// spin the resolver.
const maxChainDepth = 8

// PrincipalStore is the persistence surface the resolver reads from.
type PrincipalStore interface {
	GetPrincipal(ctx context.Context, id string) (*models.Principal, error)
}

// RateLimits carries the most specific non-nil limits found along the chain.
type RateLimits struct {
	RPM *int64
	TPM *int64
}

// EffectivePolicy is the immutable result of resolving a principal against
// its ancestor chain. AllowedModels nil means every model is allowed; an
// empty non-nil slice means the intersection came up empty and nothing is.
type EffectivePolicy struct {
	PrincipalID   string
	Chain         []string // self first, root last
	AllowedModels []string
	Blocked       bool
	RateLimits    RateLimits
}

// Allows reports whether the policy permits the given model group.
func (p EffectivePolicy) Allows(model string) bool {
	if p.AllowedModels == nil {
		return true
	}
	return lo.Contains(p.AllowedModels, model)
}

type cacheEntry struct {
	policy  EffectivePolicy
	expires time.Time
}

// Resolver resolves effective policy with a short-TTL cache so the hot path
// does not touch the store. Admin writes call Invalidate.
type Resolver struct {
	store PrincipalStore
	ttl   time.Duration
	log   zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver with the given cache TTL.
func NewResolver(store PrincipalStore, ttl time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		store: store,
		ttl:   ttl,
		log:   log.With().Str("component", "policy").Logger(),
		cache: make(map[string]cacheEntry),
	}
}

// Resolve returns the effective policy for a principal, walking its ancestor
// chain and intersecting model allow-lists. Blocked at any level wins.
func (r *Resolver) Resolve(ctx context.Context, principalID string) (EffectivePolicy, error) {
	now := time.Now()

	r.mu.RLock()
	entry, ok := r.cache[principalID]
	r.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.policy, nil
	}

	pol, err := r.resolve(ctx, principalID)
	if err != nil {
		return EffectivePolicy{}, err
	}

	r.mu.Lock()
	r.cache[principalID] = cacheEntry{policy: pol, expires: now.Add(r.ttl)}
	r.mu.Unlock()

	return pol, nil
}

func (r *Resolver) resolve(ctx context.Context, principalID string) (EffectivePolicy, error) {
	pol := EffectivePolicy{PrincipalID: principalID}

	id := principalID
	for depth := 0; ; depth++ {
		if depth >= maxChainDepth {
			return EffectivePolicy{}, &gateerr.PolicyError{
				PrincipalID: principalID,
				Err:         fmt.Errorf("ancestor chain deeper than %d at %q", maxChainDepth, id),
			}
		}

		p, err := r.store.GetPrincipal(ctx, id)
		if err != nil {
			return EffectivePolicy{}, &gateerr.PolicyError{PrincipalID: principalID, Err: err}
		}

		pol.Chain = append(pol.Chain, p.ID)

		if p.Blocked {
			// No point computing the rest; the caller is denied outright.
			pol.Blocked = true
			return pol, nil
		}

		if len(p.AllowedModels) > 0 {
			if pol.AllowedModels == nil {
				pol.AllowedModels = append([]string(nil), p.AllowedModels...)
			} else {
				pol.AllowedModels = lo.Intersect(pol.AllowedModels, p.AllowedModels)
			}
		}

		// Most specific limit wins: keep the first non-nil walking upward.
		if pol.RateLimits.RPM == nil {
			pol.RateLimits.RPM = p.RPMLimit
		}
		if pol.RateLimits.TPM == nil {
			pol.RateLimits.TPM = p.TPMLimit
		}

		if p.ParentID == nil || *p.ParentID == "" {
			return pol, nil
		}
		id = *p.ParentID
	}
}

// Invalidate drops every cached policy whose chain contains the given
// principal, so updating a team evicts all of its keys too.
func (r *Resolver) Invalidate(principalID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.cache {
		if lo.Contains(entry.policy.Chain, principalID) {
			delete(r.cache, id)
		}
	}
	r.log.Debug().Str("principal_id", principalID).Msg("policy cache invalidated")
}
