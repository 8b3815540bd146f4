package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/orinwatch/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix    = "ORINWATCH"
	DefaultLogLevel     = "info"
	DefaultRole         = string(RoleBoth)
	DefaultInterval     = 5
	DefaultPollInterval = 1
	DefaultSHMName      = "orin_watch"
	DefaultPowerMW      = 5000.0
	DefaultTempC        = 47.0
	DefaultBackend      = "sysfs"
	DefaultSysfsRoot    = "/sys"
	DefaultPowerChip    = "ina3221"
	DefaultMetricsDB    = "/var/lib/orinwatch/history.db"
	DefaultBatchSize    = 12
	DefaultBatchTimeout = time.Minute
	DefaultStaleAfter   = 15 * time.Second
	DefaultLogMaxSizeMB = 10
	DefaultLogBackups   = 3

	configName = "orinwatch"
	configType = "toml"
)

type Config struct {
	Role         string           `mapstructure:"role"`
	Interval     int              `mapstructure:"interval"`
	PollInterval int              `mapstructure:"poll_interval"`
	LogLevel     string           `mapstructure:"log_level"`
	Debug        bool             `mapstructure:"debug"`
	Verbose      bool             `mapstructure:"verbose"`
	SHM          SHMConfig        `mapstructure:"shm"`
	Log          LogConfig        `mapstructure:"log"`
	Thresholds   ThresholdsConfig `mapstructure:"thresholds"`
	Sensor       SensorConfig     `mapstructure:"sensor"`
	Metrics      MetricsConfig    `mapstructure:"metrics"`
	Exporter     ExporterConfig   `mapstructure:"exporter"`
	Attach       AttachConfig     `mapstructure:"attach"`
}

type SHMConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type ThresholdsConfig struct {
	PowerMW float64 `mapstructure:"power_mw"`
	TempC   float64 `mapstructure:"temp_c"`
}

type SensorConfig struct {
	Backend   string `mapstructure:"backend"`
	SysfsRoot string `mapstructure:"sysfs_root"`
	PowerChip string `mapstructure:"power_chip"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

type ExporterConfig struct {
	Listen     string        `mapstructure:"listen"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type AttachConfig struct {
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// flagBindings maps command line flags to configuration keys.
var flagBindings = map[string]string{
	"role":           "role",
	"interval":       "interval",
	"poll-interval":  "poll_interval",
	"log-level":      "log_level",
	"debug":          "debug",
	"verbose":        "verbose",
	"shm-name":       "shm.name",
	"log-file":       "log.file",
	"power-mw":       "thresholds.power_mw",
	"temp-c":         "thresholds.temp_c",
	"sensor-backend": "sensor.backend",
	"sysfs-root":     "sensor.sysfs_root",
	"power-chip":     "sensor.power_chip",
	"metrics":        "metrics.enabled",
	"metrics-db":     "metrics.db_path",
	"listen":         "exporter.listen",
	"stale-after":    "exporter.stale_after",
	"attach-wait":    "attach.max_wait",
}

// Load reads configuration from defaults, the TOML file, the environment and
// command line flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagBindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err).
				WithMessage("Failed to read config file " + path)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	v.AddConfigPath("/etc")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err).
				WithMessage("Failed to read config file")
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("role", DefaultRole)
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("poll_interval", DefaultPollInterval)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("shm.name", DefaultSHMName)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log.max_backups", DefaultLogBackups)
	v.SetDefault("thresholds.power_mw", DefaultPowerMW)
	v.SetDefault("thresholds.temp_c", DefaultTempC)
	v.SetDefault("sensor.backend", DefaultBackend)
	v.SetDefault("sensor.sysfs_root", DefaultSysfsRoot)
	v.SetDefault("sensor.power_chip", DefaultPowerChip)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.db_path", DefaultMetricsDB)
	v.SetDefault("metrics.batch_size", DefaultBatchSize)
	v.SetDefault("metrics.batch_timeout", DefaultBatchTimeout)
	v.SetDefault("exporter.listen", "")
	v.SetDefault("exporter.stale_after", DefaultStaleAfter)
	v.SetDefault("attach.max_wait", time.Duration(0))
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)

	fs.String("role", DefaultRole, "Run as producer, consumer or both")
	fs.Int("interval", DefaultInterval, "Seconds between published samples")
	fs.Int("poll-interval", DefaultPollInterval, "Seconds between channel polls")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.String("shm-name", DefaultSHMName, "Shared memory region name")
	fs.String("log-file", "", "Also write JSON logs to this file")
	fs.Float64("power-mw", DefaultPowerMW, "Total power threshold in mW")
	fs.Float64("temp-c", DefaultTempC, "Temperature threshold in degrees Celsius")
	fs.String("sensor-backend", DefaultBackend, "Sensor backend (sysfs, nvml)")
	fs.String("sysfs-root", DefaultSysfsRoot, "Root of the sysfs tree")
	fs.String("power-chip", DefaultPowerChip, "hwmon name of the power monitor")
	fs.Bool("metrics", false, "Record polled samples to SQLite")
	fs.String("metrics-db", DefaultMetricsDB, "Path to the history database")
	fs.String("listen", "", "Address for the metrics and health endpoint")
	fs.Duration("stale-after", DefaultStaleAfter, "Readiness fails after this long without new data")
	fs.Duration("attach-wait", 0, "Give up attaching after this long (0 waits forever)")

	return fs
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !Role(c.Role).IsValid() {
		return errFactory.WithData(errors.ErrInvalidRole, c.Role)
	}
	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.Interval)
	}
	if c.PollInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.PollInterval)
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.SHM.Name == "" || strings.Contains(strings.TrimPrefix(c.SHM.Name, "/"), "/") {
		return errFactory.WithData(errors.ErrInvalidConfig, "shm.name: "+c.SHM.Name)
	}
	switch c.Sensor.Backend {
	case "sysfs", "nvml":
	default:
		return errFactory.WithData(errors.ErrInvalidConfig, "sensor.backend: "+c.Sensor.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.DBPath == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics.db_path is empty")
	}
	if c.Metrics.BatchSize < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics.batch_size must be positive")
	}
	if c.Exporter.Listen != "" && c.Exporter.StaleAfter <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "exporter.stale_after must be positive")
	}
	if c.Attach.MaxWait < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "attach.max_wait is negative")
	}

	return nil
}

// IntervalDuration returns the producer interval.
func (c *Config) IntervalDuration() time.Duration {
	return time.Duration(c.Interval) * time.Second
}

// PollDuration returns the consumer poll interval.
func (c *Config) PollDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}
