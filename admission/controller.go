package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/taskmesh/logging"
)

// Options configures a Controller.
type Options struct {
	// Store persists slot rows. Defaults to a MemoryStore.
	Store Store
	// DefaultLimits applies to projects without explicit limits.
	DefaultLimits Limits
	// Limits holds per-project overrides.
	Limits map[string]Limits
	// Logger defaults to a no-op logger.
	Logger logging.Logger
	// Now is the clock used for acquired_at and released_at.
	Now func() time.Time
}

// AcquireOption customises a single TryAcquire call.
type AcquireOption func(*Slot)

// WithResourceWeight records a resource weight on the slot (default 1).
func WithResourceWeight(w int) AcquireOption {
	return func(s *Slot) {
		if w > 0 {
			s.ResourceWeight = w
		}
	}
}

// Controller is the per-process admission service. One instance owns the
// in-memory slot index; pass it explicitly to every component that needs it.
type Controller struct {
	store  Store
	logger logging.Logger
	now    func() time.Time

	// acquireMu serialises check-and-create so two concurrent acquisitions
	// can never both observe the last free slot.
	acquireMu sync.Mutex

	limitsMu sync.RWMutex
	defaults Limits
	limits   map[string]Limits

	indexMu sync.RWMutex
	index   map[string]map[string]SlotType // projectID -> slotID -> type
	owners  map[string]string              // slotID -> projectID
}

// New creates a Controller.
func New(optFns ...func(o *Options)) *Controller {
	opts := Options{
		Store:         NewMemoryStore(),
		DefaultLimits: DefaultLimits,
		Limits:        map[string]Limits{},
		Logger:        logging.NoOpLogger{},
		Now:           func() time.Time { return time.Now().UTC() },
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	limits := make(map[string]Limits, len(opts.Limits))
	for k, v := range opts.Limits {
		limits[k] = v
	}

	return &Controller{
		store:    opts.Store,
		logger:   logging.WithComponent(opts.Logger, "admission"),
		now:      opts.Now,
		defaults: opts.DefaultLimits.merge(DefaultLimits),
		limits:   limits,
		index:    make(map[string]map[string]SlotType),
		owners:   make(map[string]string),
	}
}

// SetLimits replaces the limits of one project. Lowering a limit never evicts
// running slots; it only blocks new acquisitions.
func (c *Controller) SetLimits(projectID string, l Limits) {
	c.limitsMu.Lock()
	defer c.limitsMu.Unlock()
	c.limits[projectID] = l
}

// SetDefaultLimits replaces the fallback limits.
func (c *Controller) SetDefaultLimits(l Limits) {
	c.limitsMu.Lock()
	defer c.limitsMu.Unlock()
	c.defaults = l.merge(DefaultLimits)
}

// LimitsFor returns the effective limits of a project.
func (c *Controller) LimitsFor(projectID string) Limits {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	l, ok := c.limits[projectID]
	if !ok {
		return c.defaults
	}
	return l.merge(c.defaults)
}

// CanAcquire reports whether a slot of the given type is currently free.
// It has no side effects.
func (c *Controller) CanAcquire(ctx context.Context, projectID string, slotType SlotType) (bool, error) {
	if _, err := ParseSlotType(string(slotType)); err != nil {
		return false, err
	}
	active, limit, err := c.usage(ctx, projectID, slotType)
	if err != nil {
		return false, err
	}
	return active < limit, nil
}

func (c *Controller) usage(ctx context.Context, projectID string, slotType SlotType) (int, int, error) {
	active, err := c.store.CountActive(ctx, projectID, slotType.budgetTypes()...)
	if err != nil {
		return 0, 0, fmt.Errorf("count active slots: %w", err)
	}
	return active, c.LimitsFor(projectID).forType(slotType), nil
}

// TryAcquire grants a slot or rejects immediately with a *CapacityError.
func (c *Controller) TryAcquire(
	ctx context.Context,
	projectID, taskAttemptID string,
	slotType SlotType,
	opts ...AcquireOption,
) (Slot, error) {
	if projectID == "" || taskAttemptID == "" {
		return Slot{}, fmt.Errorf("%w: project and task attempt ids are required", ErrInvalidArgument)
	}
	if _, err := ParseSlotType(string(slotType)); err != nil {
		return Slot{}, err
	}

	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	if existing, ok, err := c.store.ActiveForAttempt(ctx, taskAttemptID); err != nil {
		return Slot{}, fmt.Errorf("lookup attempt slot: %w", err)
	} else if ok {
		return Slot{}, fmt.Errorf("%w: attempt %s holds slot %s", ErrAttemptHasActiveSlot, taskAttemptID, existing.ID)
	}

	active, limit, err := c.usage(ctx, projectID, slotType)
	if err != nil {
		return Slot{}, err
	}
	if active >= limit {
		c.logger.Warn("no available slots for execution",
			"project_id", projectID, "slot_type", string(slotType), "active", active, "limit", limit)
		return Slot{}, &CapacityError{ProjectID: projectID, SlotType: slotType, Limit: limit, Active: active}
	}

	slot := Slot{
		ID:             uuid.NewString(),
		TaskAttemptID:  taskAttemptID,
		ProjectID:      projectID,
		SlotType:       slotType,
		ResourceWeight: 1,
		AcquiredAt:     c.now(),
	}
	for _, o := range opts {
		o(&slot)
	}

	if err := c.store.Insert(ctx, slot); err != nil {
		return Slot{}, fmt.Errorf("persist slot: %w", err)
	}
	c.indexAdd(slot)

	c.logger.Info("acquired execution slot",
		"slot_id", slot.ID, "project_id", projectID, "task_attempt_id", taskAttemptID, "slot_type", string(slotType))

	return slot, nil
}

// Release marks a slot released. Releasing an already released slot returns
// the existing record; an unknown id yields ErrSlotNotFound.
func (c *Controller) Release(ctx context.Context, slotID string) (Slot, error) {
	slot, releasedNow, err := c.store.MarkReleased(ctx, slotID, c.now())
	if err != nil {
		return Slot{}, fmt.Errorf("release slot %s: %w", slotID, err)
	}
	c.indexRemove(slot.ID)
	if releasedNow {
		c.logger.Info("released execution slot", "slot_id", slotID, "project_id", slot.ProjectID)
	}
	return slot, nil
}

// ReleaseAllForAttempt releases every active slot of a task attempt and
// returns how many were released.
func (c *Controller) ReleaseAllForAttempt(ctx context.Context, taskAttemptID string) (int, error) {
	released, err := c.store.ReleaseAllForAttempt(ctx, taskAttemptID, c.now())
	if err != nil {
		return 0, fmt.Errorf("release slots for attempt %s: %w", taskAttemptID, err)
	}
	for _, s := range released {
		c.indexRemove(s.ID)
	}
	if len(released) > 0 {
		c.logger.Info("released all slots for task attempt", "task_attempt_id", taskAttemptID, "count", len(released))
	}
	return len(released), nil
}

// Capacity returns a read-only usage snapshot of a project.
func (c *Controller) Capacity(ctx context.Context, projectID string) (ProjectCapacity, error) {
	limits := c.LimitsFor(projectID)

	agents, err := c.store.CountActive(ctx, projectID, SlotAgent.budgetTypes()...)
	if err != nil {
		return ProjectCapacity{}, fmt.Errorf("count agent slots: %w", err)
	}
	browsers, err := c.store.CountActive(ctx, projectID, SlotBrowserAgent.budgetTypes()...)
	if err != nil {
		return ProjectCapacity{}, fmt.Errorf("count browser slots: %w", err)
	}

	return ProjectCapacity{
		ProjectID:                  projectID,
		MaxConcurrentAgents:        limits.MaxAgents,
		MaxConcurrentBrowserAgents: limits.MaxBrowserAgents,
		ActiveAgentSlots:           agents,
		ActiveBrowserSlots:         browsers,
		AvailableAgentSlots:        available(limits.MaxAgents, agents),
		AvailableBrowserSlots:      available(limits.MaxBrowserAgents, browsers),
	}, nil
}

// ActiveSlots lists the active slots of a project.
func (c *Controller) ActiveSlots(ctx context.Context, projectID string) ([]Slot, error) {
	return c.store.ListActive(ctx, projectID)
}

// SlotForAttempt returns the active slot of a task attempt, if any.
func (c *Controller) SlotForAttempt(ctx context.Context, taskAttemptID string) (Slot, bool, error) {
	return c.store.ActiveForAttempt(ctx, taskAttemptID)
}

// Projects returns the ids of projects holding at least one active slot
// according to the in-memory index.
func (c *Controller) Projects() []string {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	out := make([]string, 0, len(c.index))
	for p, slots := range c.index {
		if len(slots) > 0 {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Reconcile releases every persisted active slot whose owner is no longer
// alive and rebuilds the in-memory index from the store. It is meant to run
// once at startup, before new executions are admitted.
func (c *Controller) Reconcile(ctx context.Context, alive func(Slot) bool) (int, error) {
	c.acquireMu.Lock()
	defer c.acquireMu.Unlock()

	active, err := c.store.ListActive(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list active slots: %w", err)
	}

	released := 0
	survivors := make([]Slot, 0, len(active))
	for _, s := range active {
		if alive != nil && alive(s) {
			survivors = append(survivors, s)
			continue
		}
		if _, _, err := c.store.MarkReleased(ctx, s.ID, c.now()); err != nil {
			return released, fmt.Errorf("release orphaned slot %s: %w", s.ID, err)
		}
		released++
		c.logger.Warn("released orphaned slot", "slot_id", s.ID, "task_attempt_id", s.TaskAttemptID, "project_id", s.ProjectID)
	}

	c.indexMu.Lock()
	c.index = make(map[string]map[string]SlotType)
	c.owners = make(map[string]string)
	c.indexMu.Unlock()
	for _, s := range survivors {
		c.indexAdd(s)
	}

	return released, nil
}

func (c *Controller) indexAdd(s Slot) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	m, ok := c.index[s.ProjectID]
	if !ok {
		m = make(map[string]SlotType)
		c.index[s.ProjectID] = m
	}
	m[s.ID] = s.SlotType
	c.owners[s.ID] = s.ProjectID
}

func (c *Controller) indexRemove(slotID string) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	project, ok := c.owners[slotID]
	if !ok {
		return
	}
	delete(c.owners, slotID)
	if m, ok := c.index[project]; ok {
		delete(m, slotID)
		if len(m) == 0 {
			delete(c.index, project)
		}
	}
}
