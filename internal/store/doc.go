// Package store provides SQLite-backed relational storage for a repository
// instance.
//
// Relations:
//   - Users: local accounts with a bcrypt password hash and write flag
//   - Contents: one row per distinct (algorithm, digest), with media type
//   - Terms: index terms of textual content
//   - Submissions: append-only acts of committing content; id is the cursor
//   - Targets: access grants (submission, user id or 0 for public)
//   - Pulls: persisted replication subscriptions
//
// # Critical Patterns
//
// Atomic commits:
//   - CommitSubmission writes content, terms, submission, and targets in
//     one transaction; a failure rolls everything back
//   - a live membership test never sees a half-written submission
//
// Ordered cursors:
//   - submissions.id is AUTOINCREMENT and transactions begin IMMEDIATE,
//     so ids are handed out in commit order
//   - every match query is ordered by submission id
//
// Materialized reads:
//   - query methods read all rows and close them before returning, so no
//     pooled connection is held while a caller writes to the network
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
