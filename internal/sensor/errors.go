package sensor

import "codeberg.org/mutker/orinwatch/internal/errors"

const (
	ErrUnknownBackend = errors.ErrorCode("sensor_unknown_backend")
	ErrInitFailed     = errors.ErrorCode("sensor_init_failed")
	ErrDeviceNotFound = errors.ErrorCode("sensor_device_not_found")
	ErrShutdownFailed = errors.ErrorCode("sensor_shutdown_failed")
)
