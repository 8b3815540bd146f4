package exporter

import "codeberg.org/mutker/orinwatch/internal/errors"

const (
	ErrListenFailed = errors.ErrorCode("exporter_listen_failed")
	ErrServeFailed  = errors.ErrorCode("exporter_serve_failed")
	ErrNoData       = errors.ErrorCode("exporter_no_data")
	ErrStale        = errors.ErrorCode("exporter_stale")
)
