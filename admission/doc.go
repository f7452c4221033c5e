// Package admission bounds how many agent executions a project may run at the
// same time.
//
// A Controller hands out execution slots per project and slot type, rejecting
// immediately with a *CapacityError (errors.Is ErrNoAvailableSlots) when the
// configured maximum is reached. It never queues: callers decide whether and
// when to retry. Slot rows live in a Store (MemoryStore here, a SQLite store in
// the sqlite subpackage) which is authoritative for counts and for recovery
// after a restart via Reconcile.
package admission
