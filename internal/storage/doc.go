// Package storage is the optional append-only audit log of fleet events
// (logins, failed actions, worker restarts).
//
// It is observability only: nothing is read back at startup.
//
// Drivers:
//   - "file": JSON Lines, no dependencies
//   - "sqlite": SQLite via modernc.org/sqlite (build with -tags sqlite)
package storage
