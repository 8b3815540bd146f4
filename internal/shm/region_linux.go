//go:build linux

package shm

import (
	"context"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// Create makes a new region of opts.Size bytes, zero filled. A region left
// behind under the same name by an owner that never closed is removed first.
func Create(ctx context.Context, opts Options) (*Owner, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrCreateFailed, err)
	}

	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if opts.Size == 0 {
		return nil, errFactory.WithData(ErrInvalidArgument, "size must be positive")
	}

	if err := checkFreeSpace(opts.Dir, opts.Size); err != nil {
		return nil, err
	}

	path := opts.path()
	if err := unix.Unlink(path); err == nil {
		logger.Warn().Str("path", path).Msg("Removed leftover shared memory region")
	} else if err != unix.ENOENT {
		return nil, errFactory.Wrap(ErrCreateFailed, err)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, uint32(opts.Perm.Perm()))
	if err != nil {
		if err == unix.EEXIST {
			return nil, errFactory.WithData(ErrAlreadyExists, opts.Name)
		}
		return nil, errFactory.Wrap(ErrCreateFailed, err)
	}

	// O_CREAT is subject to the umask.
	if err := unix.Fchmod(fd, uint32(opts.Perm.Perm())); err != nil {
		logger.Debug().Err(err).Str("path", path).Msg("Could not apply region permissions")
	}

	fail := func(code errors.ErrorCode, err error) (*Owner, error) {
		_ = unix.Close(fd)
		_ = unix.Unlink(path)
		return nil, errFactory.Wrap(code, err)
	}

	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		return fail(ErrCreateFailed, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fail(ErrCreateFailed, err)
	}

	mem, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail(ErrMapFailed, err)
	}

	logger.Debug().
		Str("name", opts.Name).
		Int("size", opts.Size).
		Msg("Created shared memory region")

	return &Owner{
		region: &region{name: opts.Name, path: path, mem: mem, fd: fd},
		id:     fileID{dev: uint64(st.Dev), ino: st.Ino},
	}, nil
}

// Attach maps an existing region. A zero opts.Size maps the whole region;
// otherwise the region must be at least opts.Size bytes and only that much is
// mapped. The region is never resized.
func Attach(ctx context.Context, opts Options) (*Attacher, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	path := opts.path()
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil, errFactory.WithData(ErrNotFound, opts.Name)
		}
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}

	size := opts.Size
	if size == 0 {
		size = int(st.Size)
	}
	if size == 0 || st.Size < int64(size) {
		_ = unix.Close(fd)
		return nil, errFactory.WithData(ErrSizeMismatch, map[string]int64{
			"want": int64(size),
			"have": st.Size,
		})
	}

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, errFactory.Wrap(ErrMapFailed, err)
	}

	logger.Debug().
		Str("name", opts.Name).
		Int("size", size).
		Msg("Attached to shared memory region")

	return &Attacher{
		region: &region{name: opts.Name, path: path, mem: mem, fd: fd},
		id:     fileID{dev: uint64(st.Dev), ino: st.Ino},
	}, nil
}

// Remove deletes a region name without mapping it. Missing names are ignored.
func Remove(opts Options) error {
	opts, err := opts.normalize()
	if err != nil {
		return err
	}

	return unlink(opts.path())
}

func checkFreeSpace(dir string, size int) error {
	usage, err := disk.Usage(dir)
	if err != nil {
		logger.Debug().Err(err).Str("dir", dir).Msg("Could not check free space")
		return nil
	}

	if usage.Free < uint64(size) {
		return errors.New().WithData(ErrInsufficientSpace, map[string]uint64{
			"free": usage.Free,
			"need": uint64(size),
		})
	}

	return nil
}

func unmap(mem []byte) error {
	return unix.Munmap(mem)
}

func closeFile(fd int) error {
	return unix.Close(fd)
}

func lockFile(fd int, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}

	for {
		err := unix.Flock(fd, how)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.New().Wrap(ErrLockFailed, err)
		}
		return nil
	}
}

func unlockFile(fd int) error {
	if err := unix.Flock(fd, unix.LOCK_UN); err != nil {
		return errors.New().Wrap(ErrLockFailed, err)
	}

	return nil
}

func unlink(path string) error {
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return errors.New().Wrap(ErrUnlinkFailed, err)
	}

	return nil
}

func statID(path string) (fileID, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return fileID{}, errors.New().WithData(ErrNotFound, path)
		}
		return fileID{}, errors.New().Wrap(ErrOpenFailed, err)
	}

	return fileID{dev: uint64(st.Dev), ino: st.Ino}, nil
}
