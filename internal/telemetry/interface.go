package telemetry

// Writer publishes records.
type Writer interface {
	Publish(rec Record) error
	Marker() (uint64, error)
	Close() error
}

// Reader polls for records it has not returned yet.
type Reader interface {
	Poll() (Record, bool, error)
	Marker() (uint64, error)
	LastSeen() uint64
	Detached() (bool, error)
	Close() error
}

var (
	_ Writer = (*Publisher)(nil)
	_ Reader = (*Subscriber)(nil)
)
