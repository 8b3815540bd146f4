package telemetry

import (
	"context"
	"sync"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/shm"
)

// maxReadAttempts bounds how often Poll re-copies a payload that changed
// underneath it.
const maxReadAttempts = 8

// Options names the shared memory region backing a channel.
type Options struct {
	Name string
	// Dir overrides the shared memory mount, see shm.Options.
	Dir string
}

func (o Options) region() shm.Options {
	return shm.Options{Name: o.Name, Size: RegionSize, Dir: o.Dir}
}

// Publisher is the single writer of a channel. Running two publishers for the
// same name is unsupported.
type Publisher struct {
	mu     sync.Mutex
	region *shm.Owner
	buf    [RecordSize]byte
}

// NewPublisher creates the region with a zero marker.
func NewPublisher(ctx context.Context, opts Options) (*Publisher, error) {
	region, err := shm.Create(ctx, opts.region())
	if err != nil {
		return nil, errors.New().Wrap(ErrOpenFailed, err)
	}

	return &Publisher{region: region}, nil
}

// Publish stores rec and then advances the marker, holding the region's
// exclusive file lock so no subscriber copies a half written payload.
func (p *Publisher) Publish(rec Record) error {
	errFactory := errors.New()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.region == nil {
		return errFactory.New(ErrNotOpen)
	}

	rec.put(p.buf[:])

	if err := p.region.LockFile(true); err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}
	marker, err := p.write()
	if unlockErr := p.region.UnlockFile(); err == nil && unlockErr != nil {
		err = unlockErr
	}
	if err != nil {
		return errFactory.Wrap(ErrPublishFailed, err)
	}

	logger.Debug().
		Uint64("marker", marker).
		Float64("power_mw", rec.PowerMW).
		Int32("mode", rec.Mode).
		Msg("Published telemetry record")

	return nil
}

func (p *Publisher) write() (uint64, error) {
	if err := p.region.WriteAt(PayloadOffset, p.buf[:]); err != nil {
		return 0, err
	}

	return p.region.AddUint64(MarkerOffset, 1)
}

// Marker returns the number of publishes so far.
func (p *Publisher) Marker() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.region == nil {
		return 0, errors.New().New(ErrNotOpen)
	}

	return p.region.LoadUint64(MarkerOffset)
}

// Name returns the region name.
func (p *Publisher) Name() string {
	if p.region == nil {
		return ""
	}
	return p.region.Name()
}

// Close removes the region. Subscribers keep their mapping until they close.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.region == nil {
		return nil
	}
	if err := p.region.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}

	return nil
}

// Subscriber reads a channel. Each subscriber tracks its own last seen
// marker, so subscribers never affect each other.
type Subscriber struct {
	mu       sync.Mutex
	region   *shm.Attacher
	lastSeen uint64
}

// NewSubscriber attaches to an existing region. A shm.ErrNotFound in the
// returned chain means no publisher has created it yet.
func NewSubscriber(ctx context.Context, opts Options) (*Subscriber, error) {
	region, err := shm.Attach(ctx, opts.region())
	if err != nil {
		return nil, errors.New().Wrap(ErrOpenFailed, err)
	}

	return &Subscriber{region: region}, nil
}

// Poll returns the current record if its marker is newer than the last one
// this subscriber returned. Otherwise it reports no data.
func (s *Subscriber) Poll() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region == nil {
		return Record{}, false, errors.New().New(ErrNotOpen)
	}

	marker, err := s.region.LoadUint64(MarkerOffset)
	if err != nil {
		return Record{}, false, errors.New().Wrap(ErrPollFailed, err)
	}
	if !Newer(marker, s.lastSeen) {
		return Record{}, false, nil
	}

	rec, marker, err := s.readStable()
	if err != nil {
		return Record{}, false, err
	}

	s.lastSeen = marker

	return rec, true, nil
}

// Peek returns the current record and its marker without touching the last
// seen marker. The record is zero when nothing has been published.
func (s *Subscriber) Peek() (Record, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region == nil {
		return Record{}, 0, errors.New().New(ErrNotOpen)
	}

	return s.readStable()
}

// readStable copies the marker and payload under the region's shared file
// lock. The marker is re-checked after the copy for publishers that write
// without taking the lock.
func (s *Subscriber) readStable() (Record, uint64, error) {
	errFactory := errors.New()

	if err := s.region.LockFile(false); err != nil {
		return Record{}, 0, errFactory.Wrap(ErrPollFailed, err)
	}
	defer func() {
		if err := s.region.UnlockFile(); err != nil {
			logger.Warn().Err(err).Str("name", s.region.Name()).Msg("Failed to release telemetry read lock")
		}
	}()

	marker, err := s.region.LoadUint64(MarkerOffset)
	if err != nil {
		return Record{}, 0, errFactory.Wrap(ErrPollFailed, err)
	}

	for attempt := 0; attempt < maxReadAttempts; attempt++ {
		payload, err := s.region.ReadAt(PayloadOffset, RecordSize)
		if err != nil {
			return Record{}, 0, errFactory.Wrap(ErrPollFailed, err)
		}

		after, err := s.region.LoadUint64(MarkerOffset)
		if err != nil {
			return Record{}, 0, errFactory.Wrap(ErrPollFailed, err)
		}

		if after == marker {
			var rec Record
			if err := rec.UnmarshalBinary(payload); err != nil {
				return Record{}, 0, errFactory.Wrap(ErrPollFailed, err)
			}
			return rec, marker, nil
		}

		marker = after
	}

	return Record{}, 0, errFactory.WithData(ErrReadContended, maxReadAttempts)
}

// Marker returns the region's current marker.
func (s *Subscriber) Marker() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region == nil {
		return 0, errors.New().New(ErrNotOpen)
	}

	return s.region.LoadUint64(MarkerOffset)
}

// LastSeen returns the marker of the last record Poll returned.
func (s *Subscriber) LastSeen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastSeen
}

// Detached reports whether the publisher removed or replaced the region.
func (s *Subscriber) Detached() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region == nil {
		return false, errors.New().New(ErrNotOpen)
	}

	return s.region.Detached()
}

// Close unmaps the region.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.region == nil {
		return nil
	}
	if err := s.region.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}

	return nil
}
