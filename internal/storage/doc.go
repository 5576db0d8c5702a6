// Package storage persists schedule records.
//
// Two drivers implement Store:
//   - "file": a single JSON document (id -> record), rewritten atomically on
//     every mutation
//   - "sqlite": a modernc.org/sqlite database with one schedules table
//
// Every mutation is a full read-modify-write under the store's mutex.
// The store knows nothing about timers.
package storage
