package automation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// cachedAutomation pairs a definition with its compiled trigger.
type cachedAutomation struct {
	automation *Automation
	trigger    *compiledTrigger
}

// Registry provides automation management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by cache-invalidating CRUD operations. Triggers are compiled once when a
// definition enters the cache, so the scheduler never parses raw fields.
//
// All public methods are thread-safe.
type Registry struct {
	repo    Repository
	cache   map[string]*cachedAutomation
	cacheMu sync.RWMutex
	logger  Logger
	clock   Clock

	hooksMu sync.RWMutex
	hooks   []func(id string)
}

// NewRegistry creates a new automation registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:   repo,
		cache:  make(map[string]*cachedAutomation),
		logger: noopLogger{},
		clock:  SystemClock(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetClock sets the clock used for created_at and updated_at.
func (r *Registry) SetClock(clock Clock) {
	r.clock = clock
}

// OnChange registers fn to be called after an automation is updated,
// disabled, enabled or deleted. The engine uses it to cancel pending timers.
func (r *Registry) OnChange(fn func(id string)) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

func (r *Registry) notify(id string) {
	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()

	for _, fn := range hooks {
		fn(id)
	}
}

// RefreshCache reloads all automations from the repository into the cache.
// Rows that no longer validate are logged and left out of the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	automations, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading automations: %w", err)
	}

	cache := make(map[string]*cachedAutomation, len(automations))
	for i := range automations {
		a := automations[i].DeepCopy()
		ct, compileErr := compileAutomation(a)
		if compileErr != nil {
			r.logger.Warn("skipping invalid stored automation", "id", a.ID, "error", compileErr)
			continue
		}
		cache[a.ID] = &cachedAutomation{automation: a, trigger: ct}
	}

	r.cacheMu.Lock()
	r.cache = cache
	r.cacheMu.Unlock()

	r.logger.Info("automation cache refreshed", "count", len(cache))
	return nil
}

// GetAutomation retrieves an automation by ID.
// The returned automation is a deep copy; callers can safely modify it.
func (r *Registry) GetAutomation(_ context.Context, id string) (*Automation, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[id]
	r.cacheMu.RUnlock()

	if !ok {
		return nil, ErrAutomationNotFound
	}
	return cached.automation.DeepCopy(), nil
}

// ListAutomations returns deep copies of every cached automation,
// highest priority first with ties broken by id.
func (r *Registry) ListAutomations(_ context.Context) ([]Automation, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	automations := make([]Automation, 0, len(r.cache))
	for _, c := range r.cache {
		automations = append(automations, *c.automation.DeepCopy())
	}
	sort.Slice(automations, func(i, j int) bool {
		return byPriority(&automations[i], &automations[j])
	})
	return automations, nil
}

// byPriority orders by priority descending, then id ascending.
func byPriority(a, b *Automation) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.ID < b.ID
}

// snapshot returns a private copy of one automation with its compiled trigger.
func (r *Registry) snapshot(id string) (*Automation, *compiledTrigger, bool) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	c, ok := r.cache[id]
	if !ok {
		return nil, nil, false
	}
	return c.automation.DeepCopy(), c.trigger, true
}

// enabledOfType returns snapshots of enabled automations with the given
// trigger type. Order is unspecified.
func (r *Registry) enabledOfType(kind TriggerType) []cachedAutomation {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	var out []cachedAutomation
	for _, c := range r.cache {
		if c.automation.Enabled && c.trigger.kind == kind {
			out = append(out, cachedAutomation{automation: c.automation.DeepCopy(), trigger: c.trigger})
		}
	}
	return out
}

// CreateAutomation validates, persists, and caches a new automation.
func (r *Registry) CreateAutomation(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = GenerateID()
	}
	ApplyDefaults(a)

	ct, err := compileAutomation(a)
	if err != nil {
		return err
	}

	r.cacheMu.RLock()
	_, exists := r.cache[a.ID]
	r.cacheMu.RUnlock()
	if exists {
		return ErrAutomationExists
	}

	now := r.clock.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.RunCount = 0
	a.LastRun = nil
	a.LastStatus = nil

	if err := r.repo.Create(ctx, a); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.cache[a.ID] = &cachedAutomation{automation: a.DeepCopy(), trigger: ct}
	r.cacheMu.Unlock()

	r.logger.Info("automation created", "id", a.ID, "name", a.Name, "trigger", a.Trigger.Type)
	return nil
}

// UpdateAutomation validates, persists, and replaces the cached definition.
// Run statistics and created_at are carried over from the cached copy;
// a concurrent delete wins and returns ErrAutomationNotFound.
// Pending timers of the automation are cancelled.
func (r *Registry) UpdateAutomation(ctx context.Context, a *Automation) error {
	ApplyDefaults(a)

	ct, err := compileAutomation(a)
	if err != nil {
		return err
	}

	r.cacheMu.RLock()
	existing, ok := r.cache[a.ID]
	r.cacheMu.RUnlock()
	if !ok {
		return ErrAutomationNotFound
	}

	a.CreatedAt = existing.automation.CreatedAt
	a.RunCount = existing.automation.RunCount
	a.LastRun = clonePtr(existing.automation.LastRun)
	a.LastStatus = clonePtr(existing.automation.LastStatus)
	a.UpdatedAt = r.clock.Now().UTC()

	if err := r.repo.Update(ctx, a); err != nil {
		return err
	}

	// Runs that finished during the write already bumped the cached stats.
	r.cacheMu.Lock()
	cur, still := r.cache[a.ID]
	if still {
		a.RunCount = cur.automation.RunCount
		a.LastRun = clonePtr(cur.automation.LastRun)
		a.LastStatus = clonePtr(cur.automation.LastStatus)
		r.cache[a.ID] = &cachedAutomation{automation: a.DeepCopy(), trigger: ct}
	}
	r.cacheMu.Unlock()
	if !still {
		return ErrAutomationNotFound
	}

	r.logger.Info("automation updated", "id", a.ID, "name", a.Name)
	r.notify(a.ID)
	return nil
}

// SetEnabled enables or disables an automation and returns the new state.
// Disabling cancels pending timers.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (*Automation, error) {
	return r.setEnabled(ctx, id, enabled, true)
}

// setEnabled is SetEnabled with control over change hooks. The scheduler
// disables a fired once schedule without cancelling its deferred actions.
func (r *Registry) setEnabled(ctx context.Context, id string, enabled, notify bool) (*Automation, error) {
	r.cacheMu.RLock()
	existing, ok := r.cache[id]
	r.cacheMu.RUnlock()
	if !ok {
		return nil, ErrAutomationNotFound
	}

	a := existing.automation.DeepCopy()
	if a.Enabled == enabled {
		return a, nil
	}
	a.Enabled = enabled
	a.UpdatedAt = r.clock.Now().UTC()

	if err := r.repo.Update(ctx, a); err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	if cur, still := r.cache[id]; still {
		cur.automation.Enabled = enabled
		cur.automation.UpdatedAt = a.UpdatedAt
	}
	r.cacheMu.Unlock()

	r.logger.Info("automation enabled state changed", "id", id, "enabled", enabled)
	if notify {
		r.notify(id)
	}
	return a, nil
}

// DeleteAutomation removes an automation from persistence and cache.
// Its run history and schedule state are removed with it.
func (r *Registry) DeleteAutomation(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()

	r.logger.Info("automation deleted", "id", id)
	r.notify(id)
	return nil
}

// RecordRun persists run statistics and mirrors them into the cache.
func (r *Registry) RecordRun(ctx context.Context, id string, ranAt time.Time, status RunStatus) error {
	if err := r.repo.RecordRunStats(ctx, id, ranAt, status); err != nil {
		return err
	}

	r.cacheMu.Lock()
	if c, ok := r.cache[id]; ok {
		c.automation.RunCount++
		t := ranAt.UTC()
		c.automation.LastRun = &t
		s := status
		c.automation.LastStatus = &s
	}
	r.cacheMu.Unlock()
	return nil
}

// GetAutomationCount returns the number of cached automations.
func (r *Registry) GetAutomationCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}
