// Package config loads and validates the homeserver's YAML configuration
// tree: every sub-struct carries its own zero-value defaults and its own
// field-level validation via a Defaults()/Verify(*ConfigErrors) pair, and
// the top-level loader composes them.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PITRecoveryPolicy selects how the store behaves when it finds an
// unclean shutdown on open.
type PITRecoveryPolicy string

const (
	// PITAbsolute refuses to open a store left in an inconsistent state.
	PITAbsolute PITRecoveryPolicy = "absolute"
	// PITPoint rolls back to the last fully committed point.
	PITPoint PITRecoveryPolicy = "point"
	// PITRecover attempts forward recovery of partially written records.
	PITRecover PITRecoveryPolicy = "recover"
)

// Config is the complete configuration surface: everything the process
// needs to decide how it starts up, what sockets it opens, and how it
// treats its on-disk store.
type Config struct {
	// Listen, if false, starts the process without accepting any
	// incoming sockets — useful for offline repair/compaction runs.
	Listen bool `yaml:"listen"`

	// ReadOnly forbids all database writes, including those that would
	// normally happen implicitly (index maintenance, sequence bumps).
	ReadOnly bool `yaml:"read_only"`

	// WriteAvoid permits writes only when triggered by reconciliation
	// (state resolution re-deriving a value already implied by
	// committed events), never as a direct side effect of a new event.
	WriteAvoid bool `yaml:"write_avoid"`

	AutoloadModules bool `yaml:"autoload_modules"`
	AutoCompact     bool `yaml:"auto_compact"`
	DirectIO        bool `yaml:"direct_io"`
	IPv6            bool `yaml:"ipv6"`

	// PITRec selects the crash-recovery policy applied on store open.
	PITRec PITRecoveryPolicy `yaml:"pitrec"`

	// OpenRepair forces a deep integrity repair on open; this implies
	// AutoCompact is disabled and the process runs in CLI mode only
	// (Listen is forced false regardless of its configured value).
	OpenRepair bool `yaml:"open_repair"`

	// BootstrapVectorPath, if set, seeds a freshly created store with
	// the events found at this path before the process otherwise starts.
	BootstrapVectorPath string `yaml:"bootstrap_vector_path"`

	// Origin and ServerName together identify this homeserver on the
	// federation; both must be set or both left empty.
	Origin     string `yaml:"origin"`
	ServerName string `yaml:"server_name"`

	Store      Store      `yaml:"store"`
	Federation Federation `yaml:"federation"`
	Logging    Logging    `yaml:"logging"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Store configures the content-addressed event store.
type Store struct {
	Path           string `yaml:"path"`
	OpenTimeoutSec int    `yaml:"open_timeout_sec"`
}

func (s *Store) Defaults() {
	if s.OpenTimeoutSec == 0 {
		s.OpenTimeoutSec = 5
	}
}

func (s *Store) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "store.path", s.Path)
	checkPositive(configErrs, "store.open_timeout_sec", int64(s.OpenTimeoutSec))
}

// Federation configures the outbound federation client.
type Federation struct {
	// KeyValidityHours is how long this server's own signing key is
	// advertised as valid for in /_matrix/key/v2/server responses.
	KeyValidityHours int `yaml:"key_validity_hours"`

	// DiscoveryCacheTTLSec bounds how long a resolved destination
	// (well-known / SRV / A record) is cached before being re-resolved.
	DiscoveryCacheTTLSec int `yaml:"discovery_cache_ttl_sec"`

	// MaxRetries and BackoffMS control the retry policy applied to a
	// destination whose requests are failing.
	MaxRetries int `yaml:"max_retries"`
	BackoffMS  int `yaml:"backoff_ms"`

	// MaxConnsPerHost bounds the outbound connection pool per destination.
	MaxConnsPerHost int `yaml:"max_conns_per_host"`
}

func (f *Federation) Defaults() {
	if f.KeyValidityHours == 0 {
		f.KeyValidityHours = 24
	}
	if f.DiscoveryCacheTTLSec == 0 {
		f.DiscoveryCacheTTLSec = 3600
	}
	if f.MaxRetries == 0 {
		f.MaxRetries = 5
	}
	if f.BackoffMS == 0 {
		f.BackoffMS = 100
	}
	if f.MaxConnsPerHost == 0 {
		f.MaxConnsPerHost = 4
	}
}

func (f *Federation) Verify(configErrs *ConfigErrors) {
	checkPositive(configErrs, "federation.key_validity_hours", int64(f.KeyValidityHours))
	checkPositive(configErrs, "federation.discovery_cache_ttl_sec", int64(f.DiscoveryCacheTTLSec))
	checkPositive(configErrs, "federation.max_retries", int64(f.MaxRetries))
	checkPositive(configErrs, "federation.backoff_ms", int64(f.BackoffMS))
	checkPositive(configErrs, "federation.max_conns_per_host", int64(f.MaxConnsPerHost))
}

// Logging configures logrus's level and format.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func (l *Logging) Defaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "text"
	}
}

func (l *Logging) Verify(configErrs *ConfigErrors) {
	switch l.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		configErrs.Add(fmt.Sprintf("invalid logging.level %q", l.Level))
	}
	switch l.Format {
	case "text", "json":
	default:
		configErrs.Add(fmt.Sprintf("invalid logging.format %q", l.Format))
	}
}

// Metrics configures the Prometheus exposition endpoint.
type Metrics struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func (m *Metrics) Defaults() {
	if m.ListenAddr == "" {
		m.ListenAddr = ":9090"
	}
}

func (m *Metrics) Verify(configErrs *ConfigErrors) {
	if m.Enabled {
		checkNotEmpty(configErrs, "metrics.listen_addr", m.ListenAddr)
	}
}

// Defaults fills in every sub-struct's zero-value defaults.
func (c *Config) Defaults() {
	if c.PITRec == "" {
		c.PITRec = PITPoint
	}
	c.Store.Defaults()
	c.Federation.Defaults()
	c.Logging.Defaults()
	c.Metrics.Defaults()
}

// Verify validates the loaded configuration, returning every problem
// found rather than stopping at the first.
func (c *Config) Verify() *ConfigErrors {
	configErrs := &ConfigErrors{}

	switch c.PITRec {
	case PITAbsolute, PITPoint, PITRecover:
	default:
		configErrs.Add(fmt.Sprintf("invalid pitrec policy %q", c.PITRec))
	}

	if (c.Origin == "") != (c.ServerName == "") {
		configErrs.Add("origin and server_name must both be set or both be empty")
	}

	if c.OpenRepair && c.AutoCompact {
		configErrs.Add("auto_compact must be false when open_repair is set")
	}
	if c.ReadOnly && c.WriteAvoid {
		configErrs.Add("write_avoid has no effect when read_only is already set")
	}

	c.Store.Verify(configErrs)
	c.Federation.Verify(configErrs)
	c.Logging.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	return configErrs
}

// Load reads, parses, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.Defaults()
	if c.OpenRepair {
		c.Listen = false
		c.AutoCompact = false
	}
	if errs := c.Verify(); !errs.Empty() {
		return nil, fmt.Errorf("config: %s", errs.Error())
	}
	return &c, nil
}

// ConfigErrors accumulates every configuration problem found during
// Verify so a user sees all of them in one run instead of fixing them
// one at a time.
type ConfigErrors []string

// Add appends a problem description.
func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

// Empty reports whether no problems were recorded.
func (e *ConfigErrors) Empty() bool {
	return len(*e) == 0
}

func (e *ConfigErrors) Error() string {
	return strings.Join(*e, "\n")
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("config key %q must be positive", key))
	}
}
