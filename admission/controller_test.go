package admission

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_AcquireRejectReleaseAcquire(t *testing.T) {
	ctx := context.Background()
	c := New(func(o *Options) {
		o.Limits = map[string]Limits{"p1": {MaxAgents: 1, MaxBrowserAgents: 1}}
	})

	s1, err := c.TryAcquire(ctx, "p1", "attempt-1", SlotAgent)
	require.NoError(t, err)
	assert.True(t, s1.Active())
	assert.Equal(t, 1, s1.ResourceWeight)

	_, err = c.TryAcquire(ctx, "p1", "attempt-2", SlotAgent)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoAvailableSlots))

	var capErr *CapacityError
	require.True(t, errors.As(err, &capErr))
	assert.Equal(t, "p1", capErr.ProjectID)
	assert.Equal(t, SlotAgent, capErr.SlotType)
	assert.Equal(t, 1, capErr.Limit)
	assert.Equal(t, 1, capErr.Active)

	released, err := c.Release(ctx, s1.ID)
	require.NoError(t, err)
	require.NotNil(t, released.ReleasedAt)
	assert.False(t, released.ReleasedAt.Before(released.AcquiredAt))

	s2, err := c.TryAcquire(ctx, "p1", "attempt-2", SlotAgent)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s2.ID)
}

func TestController_DefaultsForUnconfiguredProject(t *testing.T) {
	ctx := context.Background()
	c := New()

	capacity, err := c.Capacity(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, ProjectCapacity{
		ProjectID:                  "fresh",
		MaxConcurrentAgents:        3,
		MaxConcurrentBrowserAgents: 1,
		AvailableAgentSlots:        3,
		AvailableBrowserSlots:      1,
	}, capacity)
}

func TestController_BrowserBudgetIsSeparate(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.TryAcquire(ctx, "p", "b1", SlotBrowserAgent)
	require.NoError(t, err)
	_, err = c.TryAcquire(ctx, "p", "b2", SlotBrowserAgent)
	require.ErrorIs(t, err, ErrNoAvailableSlots)

	ok, err := c.CanAcquire(ctx, "p", SlotAgent)
	require.NoError(t, err)
	assert.True(t, ok)

	// scripts draw from the agent budget
	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := c.TryAcquire(ctx, "p", id, SlotScript)
		require.NoError(t, err)
	}
	ok, err = c.CanAcquire(ctx, "p", SlotAgent)
	require.NoError(t, err)
	assert.False(t, ok)

	capacity, err := c.Capacity(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, capacity.ActiveAgentSlots)
	assert.Equal(t, 0, capacity.AvailableAgentSlots)
	assert.Equal(t, 1, capacity.ActiveBrowserSlots)
	assert.Equal(t, 0, capacity.Available(SlotBrowserAgent))
}

func TestController_ReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := New()

	s, err := c.TryAcquire(ctx, "p", "a", SlotAgent)
	require.NoError(t, err)

	first, err := c.Release(ctx, s.ID)
	require.NoError(t, err)
	second, err := c.Release(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ReleasedAt, second.ReleasedAt)

	capacity, err := c.Capacity(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 0, capacity.ActiveAgentSlots)
}

func TestController_ReleaseUnknownSlot(t *testing.T) {
	c := New()
	_, err := c.Release(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSlotNotFound)
}

func TestController_OneActiveSlotPerAttempt(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.TryAcquire(ctx, "p", "a", SlotAgent)
	require.NoError(t, err)
	_, err = c.TryAcquire(ctx, "p", "a", SlotBrowserAgent)
	assert.ErrorIs(t, err, ErrAttemptHasActiveSlot)

	n, err := c.ReleaseAllForAttempt(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.ReleaseAllForAttempt(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = c.TryAcquire(ctx, "p", "a", SlotBrowserAgent)
	assert.NoError(t, err)
}

func TestController_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	c := New()

	_, err := c.TryAcquire(ctx, "", "a", SlotAgent)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.TryAcquire(ctx, "p", "a", SlotType("gpu"))
	assert.ErrorIs(t, err, ErrInvalidSlotType)
	_, err = c.CanAcquire(ctx, "p", SlotType("gpu"))
	assert.ErrorIs(t, err, ErrInvalidSlotType)
}

func TestController_LoweringLimitDoesNotEvict(t *testing.T) {
	ctx := context.Background()
	c := New()

	for _, id := range []string{"a", "b", "c"} {
		_, err := c.TryAcquire(ctx, "p", id, SlotAgent)
		require.NoError(t, err)
	}
	c.SetLimits("p", Limits{MaxAgents: 1})

	active, err := c.ActiveSlots(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, active, 3)

	capacity, err := c.Capacity(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, capacity.MaxConcurrentAgents)
	assert.Equal(t, 1, capacity.MaxConcurrentBrowserAgents, "unset field falls back to defaults")
	assert.Equal(t, 0, capacity.AvailableAgentSlots)

	_, err = c.TryAcquire(ctx, "p", "d", SlotAgent)
	assert.ErrorIs(t, err, ErrNoAvailableSlots)
}

func TestController_ConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	c := New(func(o *Options) {
		o.DefaultLimits = Limits{MaxAgents: 4, MaxBrowserAgents: 1}
	})

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.TryAcquire(ctx, "p", "attempt-"+strconv.Itoa(i), SlotAgent)
			if err == nil {
				granted.Add(1)
			} else if !errors.Is(err, ErrNoAvailableSlots) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(4), granted.Load())
	capacity, err := c.Capacity(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 4, capacity.ActiveAgentSlots)
}

func TestController_Reconcile(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := New(func(o *Options) { o.Store = store })

	keep, err := c.TryAcquire(ctx, "p1", "live", SlotAgent)
	require.NoError(t, err)
	_, err = c.TryAcquire(ctx, "p1", "dead", SlotAgent)
	require.NoError(t, err)
	_, err = c.TryAcquire(ctx, "p2", "dead-too", SlotBrowserAgent)
	require.NoError(t, err)

	// a fresh controller over the same store simulates a restart
	restarted := New(func(o *Options) { o.Store = store })
	assert.Empty(t, restarted.Projects())

	n, err := restarted.Reconcile(ctx, func(s Slot) bool { return s.TaskAttemptID == "live" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"p1"}, restarted.Projects())

	active, err := restarted.ActiveSlots(ctx, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, keep.ID, active[0].ID)

	slot, ok, err := restarted.SlotForAttempt(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, keep.ID, slot.ID)
}

func TestController_ProjectsTracksIndex(t *testing.T) {
	ctx := context.Background()
	c := New()

	s, err := c.TryAcquire(ctx, "b", "1", SlotAgent)
	require.NoError(t, err)
	_, err = c.TryAcquire(ctx, "a", "2", SlotAgent)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, c.Projects())

	_, err = c.Release(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, c.Projects())
}

func TestController_WithResourceWeight(t *testing.T) {
	c := New()
	s, err := c.TryAcquire(context.Background(), "p", "a", SlotAgent, WithResourceWeight(3))
	require.NoError(t, err)
	assert.Equal(t, 3, s.ResourceWeight)
}
