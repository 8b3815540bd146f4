package metrics

import (
	"context"
	"time"

	"codeberg.org/mutker/orinwatch/internal/telemetry"
)

// Recorder stores polled telemetry
type Recorder interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	Flush() error
	Close() error
}

// Repository defines the interface for history storage
type Repository interface {
	Record(snapshot *Snapshot) error
	Flush() error
	Recent(limit int) ([]Snapshot, error)
	Close() error
}

// Snapshot is one polled record together with when it was seen
type Snapshot struct {
	Timestamp time.Time
	Marker    uint64
	Record    telemetry.Record
}
