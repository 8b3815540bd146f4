//go:build linux

package watcher_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/sensor"
	"codeberg.org/mutker/orinwatch/internal/shm"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
	"codeberg.org/mutker/orinwatch/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func channelOptions(t *testing.T) telemetry.Options {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	opts := telemetry.Options{Name: fmt.Sprintf("orinwatch-watcher-%d-%s", os.Getpid(), name)}
	if _, err := os.Stat(shm.DefaultDir); err != nil {
		opts.Dir = t.TempDir()
	}
	t.Cleanup(func() { _ = shm.Remove(shm.Options{Name: opts.Name, Dir: opts.Dir}) })

	return opts
}

func TestRetryAttachWaitsForPublisher(t *testing.T) {
	opts := channelOptions(t)
	attach := watcher.RetryAttach(opts, 5*time.Second)

	published := make(chan *telemetry.Publisher, 1)
	go func() {
		time.Sleep(200 * time.Millisecond)
		pub, err := telemetry.NewPublisher(context.Background(), opts)
		if err != nil {
			pub = nil
		}
		published <- pub
	}()

	reader, err := attach(context.Background())
	require.NoError(t, err)
	require.NoError(t, reader.Close())

	pub := <-published
	require.NotNil(t, pub)
	require.NoError(t, pub.Close())
}

func TestRetryAttachGivesUp(t *testing.T) {
	opts := channelOptions(t)
	attach := watcher.RetryAttach(opts, 300*time.Millisecond)

	_, err := attach(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, shm.ErrNotFound))
}

func TestRetryAttachStopsOnCancel(t *testing.T) {
	opts := channelOptions(t)
	attach := watcher.RetryAttach(opts, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := attach(ctx)
	require.Error(t, err)
}

func TestRetryAttachDoesNotRetryBadNames(t *testing.T) {
	attach := watcher.RetryAttach(telemetry.Options{Name: "a/b"}, time.Minute)

	start := time.Now()
	_, err := attach(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, shm.ErrInvalidArgument))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProducerConsumerOverSharedMemory(t *testing.T) {
	opts := channelOptions(t)

	pub, err := telemetry.NewPublisher(context.Background(), opts)
	require.NoError(t, err)
	defer pub.Close()

	src := &fakeSource{power: 5300, temps: map[string]float64{
		sensor.ZoneCPU:  48.5,
		sensor.ZoneGPU:  47.9,
		sensor.ZoneSoC0: 46.0,
	}}
	producer := watcher.NewProducer(pub, src, watcher.DefaultThresholds(), 10*time.Millisecond)

	sink := &collector{}
	consumer := watcher.NewConsumer(watcher.RetryAttach(opts, time.Second), 5*time.Millisecond, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- producer.Run(ctx) }()
	go func() { errs <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	updates := sink.snapshot()
	want := telemetry.Record{PowerMW: 5300, CPUTempC: 48.5, GPUTempC: 47.9, SoCTempC: 46.0, Mode: telemetry.ModeReduced}
	assert.Equal(t, want, updates[0].Record)
	for i := 1; i < len(updates); i++ {
		assert.Greater(t, updates[i].Marker, updates[i-1].Marker)
	}
}
