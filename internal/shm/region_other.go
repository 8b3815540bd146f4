//go:build !linux

package shm

import (
	"context"
	"runtime"

	"codeberg.org/mutker/orinwatch/internal/errors"
)

// Create is only implemented on Linux.
func Create(_ context.Context, _ Options) (*Owner, error) {
	return nil, errors.New().WithData(ErrUnsupported, runtime.GOOS)
}

// Attach is only implemented on Linux.
func Attach(_ context.Context, _ Options) (*Attacher, error) {
	return nil, errors.New().WithData(ErrUnsupported, runtime.GOOS)
}

// Remove is only implemented on Linux.
func Remove(_ Options) error {
	return errors.New().WithData(ErrUnsupported, runtime.GOOS)
}

func unmap(_ []byte) error {
	return nil
}

func closeFile(_ int) error {
	return nil
}

func lockFile(_ int, _ bool) error {
	return errors.New().WithData(ErrUnsupported, runtime.GOOS)
}

func unlockFile(_ int) error {
	return errors.New().WithData(ErrUnsupported, runtime.GOOS)
}

func unlink(_ string) error {
	return nil
}

func statID(_ string) (fileID, error) {
	return fileID{}, errors.New().WithData(ErrUnsupported, runtime.GOOS)
}
