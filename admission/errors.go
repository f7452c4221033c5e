package admission

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableSlots signals capacity exhaustion. It is an expected,
	// recoverable condition; inspect *CapacityError for details.
	ErrNoAvailableSlots = errors.New("no available slots")
	// ErrSlotNotFound is returned when a slot id is unknown.
	ErrSlotNotFound = errors.New("execution slot not found")
	// ErrAttemptHasActiveSlot is returned when a task attempt already holds an active slot.
	ErrAttemptHasActiveSlot = errors.New("task attempt already holds an active slot")
	// ErrInvalidSlotType is returned for unknown slot types.
	ErrInvalidSlotType = errors.New("invalid slot type")
	// ErrInvalidArgument is returned for empty identifiers.
	ErrInvalidArgument = errors.New("invalid argument")
)

// CapacityError describes a rejected acquisition.
type CapacityError struct {
	ProjectID string
	SlotType  SlotType
	Limit     int
	Active    int
}

// Error implements error.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("no available slots for %s in project %s (%d of %d in use)", e.SlotType, e.ProjectID, e.Active, e.Limit)
}

// Unwrap lets errors.Is match ErrNoAvailableSlots.
func (e *CapacityError) Unwrap() error { return ErrNoAvailableSlots }
