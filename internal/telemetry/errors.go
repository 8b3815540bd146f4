package telemetry

import "codeberg.org/mutker/orinwatch/internal/errors"

const (
	ErrInvalidRecord = errors.ErrorCode("telemetry_invalid_record")
	ErrOpenFailed    = errors.ErrorCode("telemetry_open_failed")
	ErrNotOpen       = errors.ErrorCode("telemetry_not_open")
	ErrPublishFailed = errors.ErrorCode("telemetry_publish_failed")
	ErrPollFailed    = errors.ErrorCode("telemetry_poll_failed")
	ErrReadContended = errors.ErrorCode("telemetry_read_contended")
	ErrCloseFailed   = errors.ErrorCode("telemetry_close_failed")
)
