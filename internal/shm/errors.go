package shm

import "codeberg.org/mutker/orinwatch/internal/errors"

const (
	// Argument Errors
	ErrInvalidArgument = errors.ErrorCode("shm_invalid_argument")
	ErrOutOfBounds     = errors.ErrorCode("shm_out_of_bounds")
	ErrMisaligned      = errors.ErrorCode("shm_misaligned")

	// Lifecycle Errors
	ErrAlreadyExists     = errors.ErrorCode("shm_already_exists")
	ErrNotFound          = errors.ErrorCode("shm_not_found")
	ErrSizeMismatch      = errors.ErrorCode("shm_size_mismatch")
	ErrCreateFailed      = errors.ErrorCode("shm_create_failed")
	ErrOpenFailed        = errors.ErrorCode("shm_open_failed")
	ErrMapFailed         = errors.ErrorCode("shm_map_failed")
	ErrUnmapFailed       = errors.ErrorCode("shm_unmap_failed")
	ErrUnlinkFailed      = errors.ErrorCode("shm_unlink_failed")
	ErrCloseFailed       = errors.ErrorCode("shm_close_failed")
	ErrLockFailed        = errors.ErrorCode("shm_lock_failed")
	ErrInsufficientSpace = errors.ErrorCode("shm_insufficient_space")
	ErrClosed            = errors.ErrorCode("shm_closed")
	ErrUnsupported       = errors.ErrorCode("shm_unsupported")
)
