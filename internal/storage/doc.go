// Package storage persists recurring rules, generated occurrences, the audit
// trail and reminder dedup state.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file":   memory state plus a JSON Lines journal and periodic snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through pgx
//
// Every driver commits an occurrence and the rule counters in one step,
// guarded by the rule version (compare-and-swap) and a unique
// (rule, due date) pair, so concurrent schedulers never generate the same
// occurrence twice.
package storage
