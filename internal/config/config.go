package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"
)

const (
	defaultListen = ":8085"

	// ProtocolStdio identifies child-process servers speaking JSON-RPC over stdin/stdout.
	ProtocolStdio = "stdio"
	// ProtocolHTTP identifies network servers speaking JSON-RPC over HTTP POST.
	ProtocolHTTP = "http"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration structure
type Config struct {
	Listen  string          `json:"listen" mapstructure:"listen"`
	DataDir string          `json:"data_dir" mapstructure:"data-dir"`
	Servers []*ServerConfig `json:"toolServers" mapstructure:"servers"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Router / strategy engine configuration
	Router *RouterConfig `json:"router,omitempty" mapstructure:"router"`

	// Event history retention: ring buffer size and maximum event age
	EventRetention int      `json:"event_retention" mapstructure:"event-retention"`
	EventMaxAge    Duration `json:"event_max_age,omitempty" mapstructure:"event-max-age"`

	// Maximum number of concurrent server connections during startup
	MaxConcurrentConnections int `json:"max_concurrent_connections" mapstructure:"max-concurrent-connections"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// RouterConfig represents router / strategy engine configuration.
// The trigger keyword and pattern lists are data, not a contract: operators
// may replace them wholesale without touching the classification logic.
type RouterConfig struct {
	ToolKeywords   []string `json:"tool_keywords,omitempty" mapstructure:"tool-keywords"`
	ModelKeywords  []string `json:"model_keywords,omitempty" mapstructure:"model-keywords"`
	ToolPatterns   []string `json:"tool_patterns,omitempty" mapstructure:"tool-patterns"`
	ModelPatterns  []string `json:"model_patterns,omitempty" mapstructure:"model-patterns"`
	HybridPatterns []string `json:"hybrid_patterns,omitempty" mapstructure:"hybrid-patterns"`

	// LoadAware selects the fewest-in-flight server instead of least-recently-used
	LoadAware bool `json:"load_aware" mapstructure:"load-aware"`

	// RouteTimeout is the overall deadline for a single Route call,
	// covering both legs of a hybrid strategy
	RouteTimeout Duration `json:"route_timeout,omitempty" mapstructure:"route-timeout"`

	// MinMatchScore is the minimum capability-index score counted as tool evidence
	MinMatchScore float64 `json:"min_match_score,omitempty" mapstructure:"min-match-score"`
}

// ServerConfig describes one managed tool server: its identity, backend kind,
// connection parameters, and declared capabilities. Name is the immutable
// primary key; everything else may be edited while no command is in flight.
type ServerConfig struct {
	Name     string `json:"name" mapstructure:"name"`
	Protocol string `json:"protocol" mapstructure:"protocol"` // stdio, http

	// Process (stdio) connection parameters
	Command    string            `json:"command,omitempty" mapstructure:"command"`
	Args       []string          `json:"args,omitempty" mapstructure:"args"`
	Env        map[string]string `json:"env,omitempty" mapstructure:"env"`
	WorkingDir string            `json:"working_dir,omitempty" mapstructure:"working_dir"`

	// HTTP connection parameters
	URL     string            `json:"url,omitempty" mapstructure:"url"`
	Headers map[string]string `json:"headers,omitempty" mapstructure:"headers"`

	// Declared capabilities (tool names the server claims to expose)
	Capabilities []string `json:"capabilities,omitempty" mapstructure:"capabilities"`

	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Connection timeout - per-server override (0 = use global default)
	Timeout Duration `json:"timeout,omitempty" mapstructure:"timeout"`

	// Health check interval (0 = health checks disabled for this server)
	HealthCheckInterval Duration `json:"health_check_interval,omitempty" mapstructure:"health_check_interval"`

	// Consecutive health-check failures before running -> error (0 = global default)
	FailureThreshold int `json:"failure_threshold,omitempty" mapstructure:"failure_threshold"`

	Created time.Time `json:"created,omitempty" mapstructure:"created"`
	Updated time.Time `json:"updated,omitempty" mapstructure:"updated"`
}

// Validate checks that the descriptor is internally consistent.
func (s *ServerConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	switch s.Protocol {
	case ProtocolStdio:
		if s.Command == "" {
			return fmt.Errorf("server %q: command is required for stdio protocol", s.Name)
		}
	case ProtocolHTTP:
		if s.URL == "" {
			return fmt.Errorf("server %q: url is required for http protocol", s.Name)
		}
	case "":
		return fmt.Errorf("server %q: protocol is required", s.Name)
	default:
		// Unknown protocols are rejected by the transport factory with a
		// typed error; config validation only catches the obvious cases.
	}
	return nil
}

// ConnectTimeout returns the effective connection timeout for this server.
func (s *ServerConfig) ConnectTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Duration()
	}
	return DefaultConnectionTimeout
}

// HealthInterval returns the effective health check interval, or zero if
// health checking is disabled for this server.
func (s *ServerConfig) HealthInterval() time.Duration {
	return s.HealthCheckInterval.Duration()
}

// EffectiveFailureThreshold returns the per-server failure threshold,
// falling back to the global default.
func (s *ServerConfig) EffectiveFailureThreshold() int {
	if s.FailureThreshold > 0 {
		return s.FailureThreshold
	}
	return DefaultFailureThreshold
}

// Clone returns a deep copy of the descriptor.
func (s *ServerConfig) Clone() *ServerConfig {
	c := *s
	c.Args = append([]string(nil), s.Args...)
	c.Capabilities = append([]string(nil), s.Capabilities...)
	if s.Env != nil {
		c.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			c.Env[k] = v
		}
	}
	if s.Headers != nil {
		c.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Equal reports whether two descriptors are equivalent for hot-reload
// purposes. Created/Updated timestamps are bookkeeping, not identity.
func (s *ServerConfig) Equal(other *ServerConfig) bool {
	a := s.Clone()
	b := other.Clone()
	a.Created, a.Updated = time.Time{}, time.Time{}
	b.Created, b.Updated = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:                   defaultListen,
		DataDir:                  defaultDataDir(),
		Servers:                  []*ServerConfig{},
		EventRetention:           DefaultEventRetention,
		MaxConcurrentConnections: DefaultMaxConcurrentConnections,
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		Router: &RouterConfig{
			RouteTimeout: Duration(DefaultRouteTimeout),
		},
	}
}

// LoadFromFile loads configuration from a JSON file, applying defaults for
// everything the file leaves unset.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the whole configuration, including duplicate server names.
func (c *Config) Validate() error {
	if c.EventRetention < 0 {
		return fmt.Errorf("event_retention must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// SaveToFile writes the configuration to a JSON file atomically.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return os.Rename(tmp, path)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcphub"
	}
	return filepath.Join(home, ".mcphub")
}
