// Package event publishes execution events to external observers.
//
// Delivery is best-effort: a slow subscriber loses events rather than
// stalling the engine, and Dropped reports how many. Consumers must tolerate
// gaps and duplicates; Event.ID identifies an event.
package event
