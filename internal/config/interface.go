package config

// Option defines a configuration option that can be passed to Load
type Option func(*options) error

// options holds internal configuration options
type options struct {
	configPath string
	envPrefix  string
	args       []string
	argsSet    bool
}

// WithConfigFile specifies an explicit configuration file path
func WithConfigFile(path string) Option {
	return func(o *options) error {
		o.configPath = path
		return nil
	}
}

// WithEnvPrefix specifies a custom environment variable prefix
// Default is "ORINWATCH"
func WithEnvPrefix(prefix string) Option {
	return func(o *options) error {
		o.envPrefix = prefix
		return nil
	}
}

// WithArgs parses args instead of os.Args[1:]
func WithArgs(args []string) Option {
	return func(o *options) error {
		o.args = args
		o.argsSet = true
		return nil
	}
}

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarn    LogLevel = "warn"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// Role selects which side of the telemetry channel a process runs.
type Role string

const (
	RoleBoth     Role = "both"
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// IsValid returns whether the role is known
func (r Role) IsValid() bool {
	switch r {
	case RoleBoth, RoleProducer, RoleConsumer:
		return true
	default:
		return false
	}
}

// Produces reports whether the role publishes records.
func (r Role) Produces() bool {
	return r == RoleBoth || r == RoleProducer
}

// Consumes reports whether the role polls records.
func (r Role) Consumes() bool {
	return r == RoleBoth || r == RoleConsumer
}
