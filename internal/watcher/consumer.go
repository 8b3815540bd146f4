package watcher

import (
	"context"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
)

// Update is a record a consumer has not seen before.
type Update struct {
	Marker   uint64
	Record   telemetry.Record
	Received time.Time
}

// Handler receives every update a consumer polls.
type Handler interface {
	Handle(ctx context.Context, u Update) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u Update) error

func (f HandlerFunc) Handle(ctx context.Context, u Update) error {
	return f(ctx, u)
}

// AttachFunc opens a reader on the channel.
type AttachFunc func(ctx context.Context) (telemetry.Reader, error)

// Consumer polls a channel and fans new records out to its handlers.
type Consumer struct {
	attach   AttachFunc
	interval time.Duration
	handlers []Handler
	reader   telemetry.Reader
	now      func() time.Time
}

func NewConsumer(attach AttachFunc, interval time.Duration, handlers ...Handler) *Consumer {
	return &Consumer{
		attach:   attach,
		interval: interval,
		handlers: handlers,
		now:      time.Now,
	}
}

// Run attaches and polls on every tick until ctx is done. If the publisher
// removes or replaces the region, Run attaches again. It returns nil on
// cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	if c.interval <= 0 {
		return errors.New().WithData(ErrInvalidInterval, c.interval.String())
	}

	if err := c.open(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer c.close()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Consumer stopped")
			return nil
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// Poll checks the channel once.
func (c *Consumer) Poll(ctx context.Context) error {
	errFactory := errors.New()

	if c.reader == nil {
		if err := c.open(ctx); err != nil {
			return err
		}
	}

	rec, ok, err := c.reader.Poll()
	if err != nil {
		if errors.HasCode(err, telemetry.ErrReadContended) {
			logger.Warn().Err(err).Msg("Record kept changing during read, skipping poll")
			return nil
		}
		return errFactory.Wrap(ErrPoll, err)
	}

	if ok {
		c.dispatch(ctx, Update{
			Marker:   c.reader.LastSeen(),
			Record:   rec,
			Received: c.now(),
		})
		return nil
	}

	detached, err := c.reader.Detached()
	if err != nil {
		logger.Debug().Err(err).Msg("Could not check telemetry region")
		return nil
	}
	if !detached {
		return nil
	}

	logger.Info().Msg("Telemetry region was removed or replaced, attaching again")
	c.close()

	return c.open(ctx)
}

func (c *Consumer) dispatch(ctx context.Context, u Update) {
	for _, h := range c.handlers {
		if err := h.Handle(ctx, u); err != nil {
			logger.Warn().Err(err).Uint64("marker", u.Marker).Msg("Telemetry handler failed")
		}
	}
}

func (c *Consumer) open(ctx context.Context) error {
	reader, err := c.attach(ctx)
	if err != nil {
		return errors.New().Wrap(ErrAttach, err)
	}
	c.reader = reader

	return nil
}

func (c *Consumer) close() {
	if c.reader == nil {
		return
	}
	if err := c.reader.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close telemetry reader")
	}
	c.reader = nil
}

// LogHandler logs every update at info level.
func LogHandler() Handler {
	return HandlerFunc(func(_ context.Context, u Update) error {
		mode := "normal"
		if u.Record.Mode == telemetry.ModeReduced {
			mode = "reduced"
		}

		logger.Info().
			Uint64("marker", u.Marker).
			Float64("power_mw", u.Record.PowerMW).
			Float64("cpu_temp_c", u.Record.CPUTempC).
			Float64("gpu_temp_c", u.Record.GPUTempC).
			Float64("soc_temp_c", u.Record.SoCTempC).
			Str("mode", mode).
			Msg("Telemetry")

		return nil
	})
}
