// Package pid guards against two producers owning the same channel.
package pid

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"codeberg.org/mutker/orinwatch/internal/logger"
)

const filePrefix = "orinwatch-"

// File is a PID file keyed by channel name.
type File struct {
	path string
}

type Option func(*File)

// WithDir places the PID file in dir instead of os.TempDir().
func WithDir(dir string) Option {
	return func(f *File) {
		f.path = filepath.Join(dir, filepath.Base(f.path))
	}
}

func New(name string, opts ...Option) *File {
	name = strings.ReplaceAll(strings.TrimLeft(name, "/"), "/", "_")
	f := &File{path: filepath.Join(os.TempDir(), filePrefix+name+".pid")}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

func (f *File) Path() string {
	return f.path
}

// Write records the current process ID. It fails with ErrAlreadyRunning if
// the file names another live process. Stale or unreadable files are
// overwritten.
func (f *File) Write() error {
	errFactory := errors.New()

	if owner, ok := f.owner(); ok && owner != os.Getpid() {
		if alive(owner) {
			return errFactory.WithData(errors.ErrAlreadyRunning, owner)
		}
		logger.Debug().Int("pid", owner).Str("path", f.path).Msg("Replacing stale PID file")
	}

	if err := os.WriteFile(f.path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return errFactory.Wrap(errors.ErrWritePID, err)
	}

	return nil
}

// Remove deletes the PID file if it exists.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.New().Wrap(errors.ErrRemovePID, err)
	}

	return nil
}

func (f *File) owner() (int, bool) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return 0, false
	}

	owner, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || owner <= 0 {
		return 0, false
	}

	return owner, true
}

func alive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))

	return err == nil || errors.Is(err, syscall.EPERM)
}
