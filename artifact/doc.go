// Package artifact implements the artifact pipeline: an append-only log of
// typed artifacts per execution and a stage-output index used to chain one
// stage's result into the next.
//
// The index is a cache. It always equals what replaying the log filtered to
// StageOutput and StageData artifacts would produce (latest write per
// execution and stage), so RebuildIndex and Load can restore it at any time.
//
// Durability is optional: plug a Persister (see artifact/sqlite) to write
// every artifact through to storage before it becomes visible.
package artifact
