// Package scheduler runs the jobs of a jobs document.
//
// The scheduler owns one instance per job id. A single dispatch loop keeps the
// instances in a heap ordered by next fire time, evaluates due triggers
// against the misfire policy and hands runnable firings to the task engine.
// Edits of the jobs file are reconciled by id: unchanged definitions keep
// their instance (and next fire time), changed ones are rebuilt, removed ones
// are dropped without touching executions already in flight.
package scheduler
