package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// EnvPrefix selects the environment variables that override defaults,
// e.g. ASYNC_SERVER_PORT or ASYNC_SERVER_READ_TIMEOUT.
const EnvPrefix = "ASYNC_SERVER"

// Config holds all application configuration.
//
// Precedence, lowest first: defaults, the -config JSON file, environment
// variables, explicit flags.
type Config struct {
	Port          int           `config:"port"`
	TLSCert       string        `config:"tls.cert"`
	TLSKey        string        `config:"tls.key"`
	H2C           bool          `config:"h2c"`
	Workers       int           `config:"workers"`
	QueueCapacity int           `config:"queue.capacity"`
	ReadTimeout   time.Duration `config:"read.timeout"`
	WriteTimeout  time.Duration `config:"write.timeout"`
	BusinessDelay time.Duration `config:"business.delay"`
	Payload       string        `config:"payload"`
	Env           string        `config:"env"`
	LogLevel      string        `config:"log.level"`
	GCPercent     int           `config:"gc.percent"`

	// ConfigFile is only settable with -config
	ConfigFile string `config:"-"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Port:          8080,
		Workers:       2,
		QueueCapacity: 100000,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  10 * time.Second,
		Payload:       "Hello World",
		Env:           "development",
		LogLevel:      "info",
	}
}

// New loads configuration from the command line and the environment,
// exiting with status 2 on error like [flag.ExitOnError].
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load parses args, applies the JSON file and environment overlays, and
// validates the result.
func Load(args []string) (*Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("async-server", flag.ContinueOnError)
	cfg.bind(fs)

	// The first pass only locates -config
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if cfg.ConfigFile != "" {
		if err := m.LoadFromJSON(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	// Explicit flags win over every overlay
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) bind(fs *flag.FlagSet) {
	fs.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	fs.StringVar(&c.TLSCert, "tls-cert", c.TLSCert, "TLS certificate file (enables h2 over TLS)")
	fs.StringVar(&c.TLSKey, "tls-key", c.TLSKey, "TLS private key file")
	fs.BoolVar(&c.H2C, "h2c", c.H2C, "Serve cleartext HTTP/2 through net/http")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Number of business workers")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", c.QueueCapacity, "Maximum number of queued requests")
	fs.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "Read deadline for an incoming request")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "Write deadline for a response")
	fs.DurationVar(&c.BusinessDelay, "business-delay", c.BusinessDelay, "Simulated business latency per request")
	fs.StringVar(&c.Payload, "payload", c.Payload, "Response payload")
	fs.StringVar(&c.Env, "env", c.Env, "Environment (development/test/production)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug/info/warn/error)")
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "JSON configuration file")
	fs.IntVar(&c.GCPercent, "gc-percent", c.GCPercent, "GOGC override (0 keeps the runtime default)")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read timeout must be positive, got %s", c.ReadTimeout))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.BusinessDelay < 0 {
		errs = append(errs, fmt.Errorf("business delay must not be negative, got %s", c.BusinessDelay))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("tls-cert and tls-key must be set together"))
	}
	if c.TLS() && c.H2C {
		errs = append(errs, errors.New("h2c cannot be combined with TLS"))
	}
	if c.GCPercent < 0 {
		errs = append(errs, fmt.Errorf("gc percent must not be negative, got %d", c.GCPercent))
	}
	switch c.Env {
	case "development", "test", "production":
	default:
		errs = append(errs, fmt.Errorf("unknown env %q", c.Env))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// TLS reports whether both certificate and key are configured.
func (c *Config) TLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Addr is the listen address for Port on all interfaces.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return level, nil
}
