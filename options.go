package pgengine

import (
	"crypto/tls"
	"log/slog"
)

// DefaultBufferedMsgSize mirrors the protocol package's default frame
// buffer, used whenever a Config leaves BufferedMsgSize unset.
const DefaultBufferedMsgSize = 1 << 16

// Config holds everything needed to dial and authenticate a connection.
// Construct one with NewConfig and OptionFn values, or build it directly.
type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	ApplicationName string

	TLSConfig       *tls.Config
	TLSRequired     bool
	BufferedMsgSize int

	// StatementCacheSize bounds the number of prepared statements the
	// connection keeps cached; zero selects DefaultStatementCacheSize.
	StatementCacheSize int

	// PipelineFlushInterval is not read by any part of this module:
	// pipeline.Engine writes each Run's batch in one flush, with no
	// interval involved.
	PipelineFlushInterval int

	Logger *slog.Logger
}

// OptionFn follows the functional options pattern used throughout this
// module to configure a Config without a sprawling constructor signature.
type OptionFn func(*Config)

// NewConfig constructs a Config for the given host/port, applying options in
// order.
func NewConfig(host string, port int, options ...OptionFn) *Config {
	cfg := &Config{
		Host: host,
		Port: port,
	}

	for _, option := range options {
		option(cfg)
	}

	return cfg
}

// WithCredentials sets the username and password used during the
// authentication exchange.
func WithCredentials(username, password string) OptionFn {
	return func(c *Config) {
		c.Username = username
		c.Password = password
	}
}

// WithDatabase selects the database to connect to.
func WithDatabase(database string) OptionFn {
	return func(c *Config) {
		c.Database = database
	}
}

// WithApplicationName sets the application_name startup parameter, surfaced
// in the server's pg_stat_activity view.
func WithApplicationName(name string) OptionFn {
	return func(c *Config) {
		c.ApplicationName = name
	}
}

// WithTLSConfig enables a TLS upgrade using the given configuration.
// required, when true, fails the connection if the server refuses TLS.
func WithTLSConfig(tlsConfig *tls.Config, required bool) OptionFn {
	return func(c *Config) {
		c.TLSConfig = tlsConfig
		c.TLSRequired = required
	}
}

// WithBufferedMsgSize overrides the maximum size of a single wire message
// this connection will accept.
func WithBufferedMsgSize(size int) OptionFn {
	return func(c *Config) {
		c.BufferedMsgSize = size
	}
}

// WithStatementCacheSize overrides the number of prepared statements cached
// per connection.
func WithStatementCacheSize(size int) OptionFn {
	return func(c *Config) {
		c.StatementCacheSize = size
	}
}

// WithLogger overrides the structured logger used by the connection and its
// subsystems.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(c *Config) {
		c.Logger = logger
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	return slog.Default()
}

// DefaultStatementCacheSize is used whenever a Config leaves
// StatementCacheSize unset.
const DefaultStatementCacheSize = 512

func (c *Config) statementCacheSize() int {
	if c.StatementCacheSize > 0 {
		return c.StatementCacheSize
	}

	return DefaultStatementCacheSize
}

func (c *Config) bufferedMsgSize() int {
	if c.BufferedMsgSize > 0 {
		return c.BufferedMsgSize
	}

	return DefaultBufferedMsgSize
}

// startupParameters builds the key/value pairs sent in the startup packet.
func (c *Config) startupParameters() map[string]string {
	params := map[string]string{
		"user": c.Username,
	}

	if c.Database != "" {
		params["database"] = c.Database
	} else {
		params["database"] = c.Username
	}

	if c.ApplicationName != "" {
		params["application_name"] = c.ApplicationName
	}

	return params
}
