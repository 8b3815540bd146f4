package watcher_test

import (
	"context"
	stderrors "errors"
	"math"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/sensor"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"codeberg.org/mutker/orinwatch/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	power float64
	temps map[string]float64
}

func (s *fakeSource) Power(rail sensor.Rail) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rail != sensor.RailTotal {
		return math.NaN()
	}
	return s.power
}

func (s *fakeSource) Temperature(zone string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.temps[zone]; ok {
		return v
	}
	return math.NaN()
}

func (s *fakeSource) Close() error { return nil }

type fakeWriter struct {
	mu        sync.Mutex
	published []telemetry.Record
	err       error
}

func (w *fakeWriter) Publish(rec telemetry.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	w.published = append(w.published, rec)
	return nil
}

func (w *fakeWriter) Marker() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return uint64(len(w.published)), nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) records() []telemetry.Record {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]telemetry.Record(nil), w.published...)
}

type fakeReader struct {
	mu       sync.Mutex
	queue    []telemetry.Record
	marker   uint64
	lastSeen uint64
	detached bool
	pollErr  error
	closed   bool
}

func (r *fakeReader) push(rec telemetry.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queue = append(r.queue, rec)
	r.marker++
}

func (r *fakeReader) Poll() (telemetry.Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pollErr != nil {
		return telemetry.Record{}, false, r.pollErr
	}
	if len(r.queue) == 0 {
		return telemetry.Record{}, false, nil
	}
	rec := r.queue[len(r.queue)-1]
	r.queue = nil
	r.lastSeen = r.marker
	return rec, true, nil
}

func (r *fakeReader) Marker() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.marker, nil
}

func (r *fakeReader) LastSeen() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastSeen
}

func (r *fakeReader) Detached() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.detached, nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

type collector struct {
	mu      sync.Mutex
	updates []watcher.Update
}

func (c *collector) Handle(_ context.Context, u watcher.Update) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.updates = append(c.updates, u)
	return nil
}

func (c *collector) snapshot() []watcher.Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]watcher.Update(nil), c.updates...)
}

func TestThresholdsMode(t *testing.T) {
	th := watcher.DefaultThresholds()
	nan := math.NaN()

	tests := []struct {
		name string
		rec  telemetry.Record
		want int32
	}{
		{"all cool", telemetry.Record{PowerMW: 4200, CPUTempC: 41, GPUTempC: 40, SoCTempC: 38}, telemetry.ModeNormal},
		{"at thresholds", telemetry.Record{PowerMW: 5000, CPUTempC: 47, GPUTempC: 47, SoCTempC: 47}, telemetry.ModeNormal},
		{"power over", telemetry.Record{PowerMW: 5300}, telemetry.ModeReduced},
		{"cpu over", telemetry.Record{CPUTempC: 48.5}, telemetry.ModeReduced},
		{"gpu over", telemetry.Record{GPUTempC: 47.9}, telemetry.ModeReduced},
		{"soc over", telemetry.Record{SoCTempC: 60}, telemetry.ModeReduced},
		{"all unavailable", telemetry.Record{PowerMW: nan, CPUTempC: nan, GPUTempC: nan, SoCTempC: nan}, telemetry.ModeNormal},
		{"unavailable power, hot cpu", telemetry.Record{PowerMW: nan, CPUTempC: 50}, telemetry.ModeReduced},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Mode(tt.rec))
		})
	}

	custom := watcher.Thresholds{PowerMW: 10000, TempC: 80}
	assert.Equal(t, telemetry.ModeNormal, custom.Mode(telemetry.Record{PowerMW: 9000, CPUTempC: 70}))
}

func TestProducerTick(t *testing.T) {
	src := &fakeSource{power: 4200.5, temps: map[string]float64{
		sensor.ZoneCPU:  41.2,
		sensor.ZoneGPU:  39.8,
		sensor.ZoneSoC0: 38.0,
	}}
	w := &fakeWriter{}
	p := watcher.NewProducer(w, src, watcher.DefaultThresholds(), time.Second)

	require.NoError(t, p.Tick())

	src.mu.Lock()
	src.power = 5300
	src.mu.Unlock()
	require.NoError(t, p.Tick())

	recs := w.records()
	require.Len(t, recs, 2)
	assert.Equal(t, telemetry.Record{PowerMW: 4200.5, CPUTempC: 41.2, GPUTempC: 39.8, SoCTempC: 38.0}, recs[0])
	assert.Equal(t, telemetry.ModeReduced, recs[1].Mode)
}

func TestProducerRun(t *testing.T) {
	src := &fakeSource{power: 1000}
	w := &fakeWriter{}
	p := watcher.NewProducer(w, src, watcher.DefaultThresholds(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(w.records()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(time.Second):
		t.Fatal("producer did not stop")
	}
}

func TestProducerPublishesImmediately(t *testing.T) {
	w := &fakeWriter{}
	p := watcher.NewProducer(w, &fakeSource{}, watcher.DefaultThresholds(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(w.records()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestProducerStopsOnPublishError(t *testing.T) {
	w := &fakeWriter{err: stderrors.New("region gone")}
	p := watcher.NewProducer(w, &fakeSource{}, watcher.DefaultThresholds(), time.Millisecond)

	err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, watcher.ErrPublish))
}

func TestProducerRejectsInterval(t *testing.T) {
	p := watcher.NewProducer(&fakeWriter{}, &fakeSource{}, watcher.DefaultThresholds(), 0)

	err := p.Run(context.Background())
	assert.True(t, errors.HasCode(err, watcher.ErrInvalidInterval))
}

func TestConsumerDispatchesOnlyNewRecords(t *testing.T) {
	reader := &fakeReader{}
	sink := &collector{}
	c := watcher.NewConsumer(func(context.Context) (telemetry.Reader, error) {
		return reader, nil
	}, time.Second, sink)

	ctx := context.Background()

	require.NoError(t, c.Poll(ctx))
	assert.Empty(t, sink.snapshot())

	reader.push(telemetry.Record{PowerMW: 1})
	require.NoError(t, c.Poll(ctx))
	require.NoError(t, c.Poll(ctx))

	reader.push(telemetry.Record{PowerMW: 2})
	reader.push(telemetry.Record{PowerMW: 3})
	require.NoError(t, c.Poll(ctx))

	updates := sink.snapshot()
	require.Len(t, updates, 2)
	assert.EqualValues(t, 1, updates[0].Marker)
	assert.InDelta(t, 1.0, updates[0].Record.PowerMW, 0)
	assert.EqualValues(t, 3, updates[1].Marker)
	assert.InDelta(t, 3.0, updates[1].Record.PowerMW, 0)
	assert.False(t, updates[1].Received.IsZero())
}

func TestConsumerHandlerErrorsAreNotFatal(t *testing.T) {
	reader := &fakeReader{}
	sink := &collector{}
	failing := watcher.HandlerFunc(func(context.Context, watcher.Update) error {
		return stderrors.New("disk full")
	})
	c := watcher.NewConsumer(func(context.Context) (telemetry.Reader, error) {
		return reader, nil
	}, time.Second, failing, sink)

	reader.push(telemetry.Record{PowerMW: 1})
	require.NoError(t, c.Poll(context.Background()))
	assert.Len(t, sink.snapshot(), 1, "later handlers still run")
}

func TestConsumerSkipsContendedRead(t *testing.T) {
	reader := &fakeReader{pollErr: errors.New().New(telemetry.ErrReadContended)}
	c := watcher.NewConsumer(func(context.Context) (telemetry.Reader, error) {
		return reader, nil
	}, time.Second)

	require.NoError(t, c.Poll(context.Background()))

	reader.mu.Lock()
	reader.pollErr = errors.New().New(telemetry.ErrPollFailed)
	reader.mu.Unlock()

	err := c.Poll(context.Background())
	assert.True(t, errors.HasCode(err, watcher.ErrPoll))
}

func TestConsumerReattachesWhenDetached(t *testing.T) {
	first := &fakeReader{detached: true}
	second := &fakeReader{}
	attaches := 0

	c := watcher.NewConsumer(func(context.Context) (telemetry.Reader, error) {
		attaches++
		if attaches == 1 {
			return first, nil
		}
		return second, nil
	}, time.Second)

	require.NoError(t, c.Poll(context.Background()))
	assert.Equal(t, 2, attaches)
	assert.True(t, first.closed)
	assert.False(t, second.closed)
}

func TestConsumerRun(t *testing.T) {
	reader := &fakeReader{}
	sink := &collector{}
	c := watcher.NewConsumer(func(context.Context) (telemetry.Reader, error) {
		return reader, nil
	}, 5*time.Millisecond, sink, watcher.LogHandler())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	reader.push(telemetry.Record{PowerMW: 42})
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, reader.closed)
}

func TestConsumerAttachFailure(t *testing.T) {
	c := watcher.NewConsumer(func(context.Context) (telemetry.Reader, error) {
		return nil, stderrors.New("no region")
	}, time.Millisecond)

	err := c.Run(context.Background())
	assert.True(t, errors.HasCode(err, watcher.ErrAttach))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Run(ctx), "attach failures after cancellation are a clean stop")
}
