// Package shm maps named POSIX shared memory regions. A region has exactly
// one Owner, which creates it and removes the name on Close, and any number
// of Attachers, which map an existing region and only unmap on Close.
package shm

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
)

const (
	// DefaultDir is where Linux exposes POSIX shared memory objects.
	DefaultDir  = "/dev/shm"
	defaultPerm = 0o660
	wordSize    = 8
)

// Options names a region and its size in bytes.
type Options struct {
	Name string
	Size int
	// Dir overrides DefaultDir.
	Dir string
	// Perm is applied when creating; zero means 0660.
	Perm os.FileMode
}

func (o Options) normalize() (Options, error) {
	errFactory := errors.New()

	o.Name = strings.TrimPrefix(o.Name, "/")
	if o.Name == "" || o.Name == "." || o.Name == ".." || strings.Contains(o.Name, "/") {
		return o, errFactory.WithData(ErrInvalidArgument, "name: "+o.Name)
	}
	if o.Size < 0 {
		return o, errFactory.WithData(ErrInvalidArgument, "negative size")
	}
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.Perm == 0 {
		o.Perm = defaultPerm
	}

	return o, nil
}

func (o Options) path() string {
	return filepath.Join(o.Dir, o.Name)
}

// region is the mapping shared by Owner and Attacher. ReadAt and LoadUint64
// share mu; every call that writes the mapping holds it exclusively.
type region struct {
	mu     sync.RWMutex
	name   string
	path   string
	mem    []byte
	fd     int
	closed bool
}

// Name returns the region name without a leading slash.
func (r *region) Name() string {
	return r.name
}

// Path returns the backing file of the region.
func (r *region) Path() string {
	return r.path
}

// Size returns the mapped length in bytes.
func (r *region) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.mem)
}

// ReadAt copies n bytes starting at off.
func (r *region) ReadAt(off, n int) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.check(off, n); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	copy(buf, r.mem[off:off+n])

	return buf, nil
}

// WriteAt copies p into the region starting at off.
func (r *region) WriteAt(off int, p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.check(off, len(p)); err != nil {
		return err
	}

	copy(r.mem[off:], p)

	return nil
}

// LoadUint64 atomically loads the 8-byte word at off.
func (r *region) LoadUint64(off int) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	word, err := r.word(off)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint64(word), nil
}

// StoreUint64 atomically stores v into the 8-byte word at off.
func (r *region) StoreUint64(off int, v uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	word, err := r.word(off)
	if err != nil {
		return err
	}

	atomic.StoreUint64(word, v)

	return nil
}

// AddUint64 atomically adds delta to the word at off and returns the new
// value. The counter wraps at 2^64.
func (r *region) AddUint64(off int, delta uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	word, err := r.word(off)
	if err != nil {
		return 0, err
	}

	return atomic.AddUint64(word, delta), nil
}

// LockFile takes an advisory lock on the backing file, shared or exclusive,
// blocking until it is granted. The lock belongs to this handle, so two
// handles in one process exclude each other like two processes do. It must
// not race Close on the same handle.
func (r *region) LockFile(exclusive bool) error {
	fd, err := r.file()
	if err != nil {
		return err
	}

	return lockFile(fd, exclusive)
}

// UnlockFile releases a lock taken with LockFile.
func (r *region) UnlockFile() error {
	fd, err := r.file()
	if err != nil {
		return err
	}

	return unlockFile(fd)
}

func (r *region) file() (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return -1, errors.New().WithData(ErrClosed, r.name)
	}

	return r.fd, nil
}

// check must be called with mu held.
func (r *region) check(off, n int) error {
	errFactory := errors.New()

	if r.closed {
		return errFactory.WithData(ErrClosed, r.name)
	}
	if off < 0 || n < 0 || off > len(r.mem)-n {
		return errFactory.WithData(ErrOutOfBounds, map[string]int{
			"offset": off,
			"length": n,
			"size":   len(r.mem),
		})
	}

	return nil
}

// word must be called with mu held. The mapping is page aligned, so any
// offset that is a multiple of 8 is a valid target for 64-bit atomics.
func (r *region) word(off int) (*uint64, error) {
	if err := r.check(off, wordSize); err != nil {
		return nil, err
	}
	if off%wordSize != 0 {
		return nil, errors.New().WithData(ErrMisaligned, off)
	}

	return (*uint64)(unsafe.Pointer(&r.mem[off])), nil
}

// release unmaps the region and closes its file once. It reports whether
// this call did the release.
func (r *region) release() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, nil
	}
	r.closed = true

	var err error
	if r.mem != nil {
		if uerr := unmap(r.mem); uerr != nil {
			err = errors.New().Wrap(ErrUnmapFailed, uerr)
		}
		r.mem = nil
	}

	if r.fd >= 0 {
		if cerr := closeFile(r.fd); cerr != nil && err == nil {
			err = errors.New().Wrap(ErrCloseFailed, cerr)
		}
		r.fd = -1
	}

	return true, err
}

// Owner is the creating handle of a region.
type Owner struct {
	*region
	id fileID
}

// Close unmaps the region and removes its name, unless another owner has
// since replaced the region under that name. Later calls are no-ops.
func (o *Owner) Close() error {
	if o == nil || o.region == nil {
		return nil
	}

	first, err := o.release()
	if !first {
		return nil
	}

	if uerr := o.unlinkOwn(); uerr != nil && err == nil {
		err = uerr
	}

	return err
}

func (o *Owner) unlinkOwn() error {
	id, err := statID(o.path)
	if err != nil {
		if errors.HasCode(err, ErrNotFound) {
			return nil
		}
		return err
	}

	if id != o.id {
		logger.Debug().Str("path", o.path).Msg("Region was replaced, leaving the name to its new owner")
		return nil
	}

	return unlink(o.path)
}

// Attacher is a handle onto a region created elsewhere.
type Attacher struct {
	*region
	id fileID
}

// Close unmaps the region. The name and its contents stay in place.
func (a *Attacher) Close() error {
	if a == nil || a.region == nil {
		return nil
	}

	_, err := a.release()

	return err
}

// Detached reports whether the name no longer refers to the mapped region,
// either because the owner removed it or because a new owner replaced it.
func (a *Attacher) Detached() (bool, error) {
	a.mu.RLock()
	closed := a.closed
	a.mu.RUnlock()

	if closed {
		return false, errors.New().WithData(ErrClosed, a.name)
	}

	id, err := statID(a.path)
	if err != nil {
		if errors.HasCode(err, ErrNotFound) {
			return true, nil
		}
		return false, err
	}

	return id != a.id, nil
}

// fileID identifies the object behind a name.
type fileID struct {
	dev uint64
	ino uint64
}
