package writer

import (
	"time"
)

// WriterConfig contains configuration for the publication writer.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     1000,
		FlushInterval: 1 * time.Second,
	}
}

// PublicationRecord is one observed publication, as handed over by the
// tailer. Gap marks the first record after a failed recovery, where
// publications between the last stored offset and this one were lost.
type PublicationRecord struct {
	Channel    string
	Offset     uint64
	Data       []byte
	ReceivedAt time.Time
	Gap        bool
}

// publicationRow is the database representation of a record.
type publicationRow struct {
	Channel    string
	Offset     int64
	ReceivedAt int64 // Microseconds
	Data       []byte
	Gap        bool
	SessionID  string
}

// WriterMetrics holds metrics for the writer.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Gaps      int64
}
