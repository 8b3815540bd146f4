package watcher

import (
	"context"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"codeberg.org/mutker/orinwatch/internal/sensor"
	"codeberg.org/mutker/orinwatch/internal/telemetry"
)

// Producer samples a sensor source and publishes one record per interval.
type Producer struct {
	writer     telemetry.Writer
	source     sensor.Source
	thresholds Thresholds
	interval   time.Duration
	lastMode   int32
}

func NewProducer(writer telemetry.Writer, source sensor.Source, thresholds Thresholds, interval time.Duration) *Producer {
	return &Producer{
		writer:     writer,
		source:     source,
		thresholds: thresholds,
		interval:   interval,
		lastMode:   telemetry.ModeNormal,
	}
}

// Run publishes immediately and then on every tick until ctx is done. It
// returns nil on cancellation and the first publish error otherwise.
func (p *Producer) Run(ctx context.Context) error {
	if p.interval <= 0 {
		return errors.New().WithData(ErrInvalidInterval, p.interval.String())
	}

	if err := p.Tick(); err != nil {
		return err
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Producer stopped")
			return nil
		case <-ticker.C:
			if err := p.Tick(); err != nil {
				return err
			}
		}
	}
}

// Tick samples, applies the mode policy and publishes once.
func (p *Producer) Tick() error {
	rec := sensor.Sample(p.source)
	rec.Mode = p.thresholds.Mode(rec)

	if err := p.writer.Publish(rec); err != nil {
		return errors.New().Wrap(ErrPublish, err)
	}

	if rec.Mode != p.lastMode {
		if rec.Mode == telemetry.ModeReduced {
			logger.Info().
				Float64("power_mw", rec.PowerMW).
				Float64("cpu_temp_c", rec.CPUTempC).
				Float64("gpu_temp_c", rec.GPUTempC).
				Float64("soc_temp_c", rec.SoCTempC).
				Msg("Thresholds exceeded, requesting reduced mode")
		} else {
			logger.Info().Msg("Readings back under thresholds, requesting normal mode")
		}
		p.lastMode = rec.Mode
	}

	return nil
}
