package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/mrmushfiq/llmgate/internal/shared/models"
)

const (
	cooldownBase = 1 * time.Second
	cooldownCap  = 60 * time.Second
)

// health is the mutable routing state of one deployment id. It is shared
// across snapshot generations so cooldowns and failure streaks survive a
// reload. cooledUntil is an absolute unix-nano timestamp so expiry needs no
// background sweep; Lookup readmits lazily once the moment has passed.
type health struct {
	cooledUntil atomic.Int64

	mu sync.Mutex // guards bo
	bo *backoff.ExponentialBackOff
}

func newHealth() *health {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cooldownBase
	bo.MaxInterval = cooldownCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0 // cooldowns never stop growing past the cap
	bo.Reset()
	return &health{bo: bo}
}

func (h *health) usableAt(now time.Time) bool {
	return h.cooledUntil.Load() <= now.UnixNano()
}

// deployment pairs an immutable record with its shared health state. The
// record is never written after the snapshot is published; reloads build
// fresh deployment values and only carry the health pointer over.
type deployment struct {
	models.Deployment

	health *health
}

type snapshot struct {
	version int64
	groups  map[string][]*deployment
	byID    map[string]*deployment
}

// Registry maps model groups to deployments and tracks per-deployment
// health. Reads go through an immutable snapshot swapped copy-on-write on
// reload, so in-flight requests always see a consistent view.
type Registry struct {
	log  zerolog.Logger
	snap atomic.Pointer[snapshot]
}

// New creates an empty Registry; call Reload to populate it.
func New(log zerolog.Logger) *Registry {
	r := &Registry{log: log.With().Str("component", "registry").Logger()}
	r.snap.Store(&snapshot{groups: map[string][]*deployment{}, byID: map[string]*deployment{}})
	return r
}

// Reload swaps in a new deployment set. Health state carries over for
// deployments whose id survives the reload. The old snapshot is left
// untouched; readers holding it keep a consistent view.
func (r *Registry) Reload(groups map[string][]models.Deployment) {
	old := r.snap.Load()
	next := &snapshot{
		version: old.version + 1,
		groups:  make(map[string][]*deployment, len(groups)),
		byID:    make(map[string]*deployment),
	}
	for name, deps := range groups {
		list := make([]*deployment, 0, len(deps))
		for _, d := range deps {
			hs := newHealth()
			if prev, ok := old.byID[d.ID]; ok {
				hs = prev.health
			}
			nd := &deployment{Deployment: d, health: hs}
			list = append(list, nd)
			next.byID[d.ID] = nd
		}
		next.groups[name] = list
	}
	r.snap.Store(next)
	r.log.Info().Int64("version", next.version).Int("groups", len(next.groups)).Msg("deployment registry reloaded")
}

// Version returns the current snapshot version.
func (r *Registry) Version() int64 {
	return r.snap.Load().version
}

// HasGroup reports whether the model group is configured at all.
func (r *Registry) HasGroup(group string) bool {
	_, ok := r.snap.Load().groups[group]
	return ok
}

// Groups returns the configured model group names.
func (r *Registry) Groups() []string {
	snap := r.snap.Load()
	names := make([]string, 0, len(snap.groups))
	for name := range snap.groups {
		names = append(names, name)
	}
	return names
}

// Lookup returns the usable deployments for a group, filtering out those
// still cooling down. Expired cooldowns readmit here with no extra
// bookkeeping. An empty result for a known group means the group is
// unavailable right now, not unknown.
func (r *Registry) Lookup(group string) []models.Deployment {
	snap := r.snap.Load()
	now := time.Now()

	var out []models.Deployment
	for _, d := range snap.groups[group] {
		if d.health.usableAt(now) {
			out = append(out, d.Deployment)
		}
	}
	return out
}

// MarkUnhealthy suspends a deployment from routing until now+cooldown.
// Concurrent reports only ever extend the suspension; the CAS loop keeps
// the longest cooldown.
func (r *Registry) MarkUnhealthy(id string, cooldown time.Duration) {
	d, ok := r.snap.Load().byID[id]
	if !ok {
		return
	}
	target := time.Now().Add(cooldown).UnixNano()
	for {
		cur := d.health.cooledUntil.Load()
		if cur >= target {
			return
		}
		if d.health.cooledUntil.CompareAndSwap(cur, target) {
			r.log.Warn().
				Str("deployment_id", id).
				Dur("cooldown", cooldown).
				Msg("deployment cooled down")
			return
		}
	}
}

// CoolDown marks a deployment unhealthy with its next exponential cooldown
// (base 1s, doubling per consecutive failure, capped at 60s) and returns
// the applied duration.
func (r *Registry) CoolDown(id string) time.Duration {
	d, ok := r.snap.Load().byID[id]
	if !ok {
		return 0
	}
	d.health.mu.Lock()
	cooldown := d.health.bo.NextBackOff()
	d.health.mu.Unlock()

	r.MarkUnhealthy(id, cooldown)
	return cooldown
}

// MarkHealthy clears a deployment's cooldown and resets its failure streak.
func (r *Registry) MarkHealthy(id string) {
	d, ok := r.snap.Load().byID[id]
	if !ok {
		return
	}
	d.health.cooledUntil.Store(0)
	d.health.mu.Lock()
	d.health.bo.Reset()
	d.health.mu.Unlock()
}
