// Package writer implements the batch writer for observed publications.
//
// The writer consumes publication records from the tailer and inserts them
// into the TimescaleDB publications hypertable. Writes are append-only and
// idempotent: the (channel, record_offset) pair is the conflict key, so
// replayed publications after a recovery are dropped by the database rather
// than duplicated.
package writer
