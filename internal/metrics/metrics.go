package metrics

import (
	"context"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
)

// history records polled snapshots into a SQLite repository.
type history struct {
	repo Repository
	log  logger.Logger
}

// discard drops every snapshot. It stands in when history is turned off so
// the consumer never has to check.
type discard struct{}

// NewService validates cfg and opens the history database. With recording
// turned off it returns a recorder that discards snapshots and touches no
// files.
func NewService(cfg Config, log logger.Logger) (Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("History recording off, snapshots are discarded")
		return discard{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &history{repo: repo, log: log}, nil
}

// Record buffers snapshot for the next batch. A cancelled ctx skips it.
func (h *history) Record(ctx context.Context, snapshot *Snapshot) error {
	errFactory := errors.New()

	if snapshot == nil {
		return errFactory.New(ErrInvalidSnapshot)
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}

	if err := h.repo.Record(snapshot); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}

	return nil
}

func (h *history) Flush() error {
	return h.repo.Flush()
}

// Close writes what is still buffered and closes the database.
func (h *history) Close() error {
	if err := h.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}

	h.log.Debug().Msg("History recorder stopped")

	return nil
}

func (discard) Record(context.Context, *Snapshot) error { return nil }
func (discard) Flush() error                            { return nil }
func (discard) Close() error                            { return nil }
