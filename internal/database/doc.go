// Package database provides connection pool management for TimescaleDB.
//
// Each streamtail instance keeps the publications it observes in a single
// TimescaleDB hypertable; the channel plus stream offset form the
// deduplication key across instances.
package database
