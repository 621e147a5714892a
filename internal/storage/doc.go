// Package storage is the durable key-value layer behind the automation
// store.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file": JSON snapshot rewritten atomically on each mutation, plus an
//     append-only run log (JSON Lines)
//   - "sqlite": one database file, records kept as JSON documents
//
// Update* calls are read-modify-write under the driver's write lock (or a
// transaction), so concurrent updates of one record never lose writes.
package storage
