package watcher

import "codeberg.org/mutker/orinwatch/internal/errors"

const (
	ErrInvalidInterval = errors.ErrInvalidInterval
	ErrPublish         = errors.ErrorCode("watcher_publish_failed")
	ErrPoll            = errors.ErrorCode("watcher_poll_failed")
	ErrAttach          = errors.ErrAttach
)
