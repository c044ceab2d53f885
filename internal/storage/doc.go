// Package storage persists job run history and registry reload records.
//
// Drivers:
//   - "file": JSON Lines files, compacted in place
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
//
// An empty driver or "none" disables persistence.
package storage
