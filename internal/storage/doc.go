// Package storage persists the fault journal: every error and warning the
// robot program reports, tagged with the run that produced it.
//
// Drivers:
//   - "file": JSON Lines, one fault per line
//   - "cbor": CBOR stream, one item per fault
//   - "sqlite": SQLite database file
//
// An empty driver or "none" disables the journal.
package storage
