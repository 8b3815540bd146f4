package sensor

import (
	"bufio"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/orinwatch/internal/logger"
)

const (
	DefaultSysfsRoot = "/sys"
	DefaultPowerChip = "ina3221"
	defaultMaxDepth  = 2

	milli = 1000.0
)

// SysfsOption configures a Sysfs source.
type SysfsOption func(*Sysfs)

// WithPowerChip sets the hwmon name of the power monitor.
func WithPowerChip(name string) SysfsOption {
	return func(s *Sysfs) {
		if name != "" {
			s.chip = name
		}
	}
}

// WithMaxDepth bounds how deep device lookups descend below their class
// directory.
func WithMaxDepth(depth int) SysfsOption {
	return func(s *Sysfs) {
		if depth >= 0 {
			s.depth = depth
		}
	}
}

// Sysfs reads INA3221 rails from hwmon and temperatures from thermal zones.
type Sysfs struct {
	root  string
	chip  string
	depth int

	mu    sync.Mutex
	found map[string]string
}

var _ Source = (*Sysfs)(nil)

func NewSysfs(root string, opts ...SysfsOption) *Sysfs {
	if root == "" {
		root = DefaultSysfsRoot
	}

	s := &Sysfs{
		root:  root,
		chip:  DefaultPowerChip,
		depth: defaultMaxDepth,
		found: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Power returns voltage (mV) times current (mA) of the rail's channel in mW.
func (s *Sysfs) Power(rail Rail) float64 {
	dir, ok := s.lookup("hwmon", "name", s.chip)
	if !ok {
		return math.NaN()
	}

	mv := ReadValue(filepath.Join(dir, fmt.Sprintf("in%d_input", rail)))
	ma := ReadValue(filepath.Join(dir, fmt.Sprintf("curr%d_input", rail)))
	if math.IsNaN(mv) || math.IsNaN(ma) {
		return math.NaN()
	}

	return mv * ma / milli
}

// Temperature reads the zone whose type is "<zone>-thermal".
func (s *Sysfs) Temperature(zone string) float64 {
	dir, ok := s.lookup("thermal", "type", zone+"-thermal")
	if !ok {
		return math.NaN()
	}

	return ReadValue(filepath.Join(dir, "temp")) / milli
}

func (s *Sysfs) Close() error {
	return nil
}

// lookup finds the device directory under /sys/class/<class> whose file
// holds want. Hits are cached; misses are retried on the next call since
// drivers may bind late.
func (s *Sysfs) lookup(class, file, want string) (string, bool) {
	key := class + "/" + file + "=" + want

	s.mu.Lock()
	dir, ok := s.found[key]
	s.mu.Unlock()
	if ok {
		return dir, true
	}

	dir = findDevice(filepath.Join(s.root, "class", class), file, want, s.depth)
	if dir == "" {
		logger.Debug().
			Str("class", class).
			Str("want", want).
			Msg("Sensor device not found")
		return "", false
	}

	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}

	s.mu.Lock()
	s.found[key] = dir
	s.mu.Unlock()

	return dir, true
}

// findDevice walks dir at most depth levels down, following symlinks, and
// returns the first directory whose file's first line equals want.
func findDevice(dir, file, want string, depth int) string {
	if firstLine(filepath.Join(dir, file)) == want {
		return dir
	}
	if depth == 0 {
		return ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if !entry.IsDir() && entry.Type()&fs.ModeSymlink == 0 {
			continue
		}
		if found := findDevice(filepath.Join(dir, entry.Name()), file, want, depth-1); found != "" {
			return found
		}
	}

	return ""
}

func firstLine(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return ""
	}

	return strings.TrimSpace(scanner.Text())
}

// ReadValue parses the leading number of a sysfs attribute, or returns NaN.
func ReadValue(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return math.NaN()
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return math.NaN()
	}

	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return math.NaN()
	}

	return v
}
