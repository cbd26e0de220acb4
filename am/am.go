// Package am loads the roster configuration: defaults, TOML files and
// ROSTER_* environment variables, merged in that order of precedence.
package am

// Config represents the roster configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Self     SelfConfig     `mapstructure:"self"`
	Provider ProviderConfig `mapstructure:"provider"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SelfConfig is the local account. Written once by `roster init`.
type SelfConfig struct {
	Identity   string `mapstructure:"identity"`
	ProfileKey string `mapstructure:"profile_key"` // base64, 32 bytes
}

// ProviderConfig configures the connection to the group server
type ProviderConfig struct {
	URL               string `mapstructure:"url"`                 // e.g. "ws://localhost:8770/ws"
	RequestsPerMinute int    `mapstructure:"requests_per_minute"` // 0 = unlimited
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`     // per request
}

// CacheConfig bounds the revision cache.
// Values <= 0 fall back to the cache package defaults.
type CacheConfig struct {
	RevisionWindow int `mapstructure:"revision_window"` // revisions kept per group (default: 256)
	MaxGroups      int `mapstructure:"max_groups"`      // group partitions kept (default: 1024)
}

// SyncConfig configures group synchronization
type SyncConfig struct {
	Concurrency        int `mapstructure:"concurrency"`          // groups synced in parallel by `group sync --all`
	LockTimeoutSeconds int `mapstructure:"lock_timeout_seconds"` // wait for another update of the same group
}

// PulseConfig configures the Pulse async job system
type PulseConfig struct {
	// Worker concurrency configuration
	Workers int `mapstructure:"workers"` // Number of concurrent job workers (default: 1)

	// How often idle workers poll the queue
	TickerIntervalSeconds int `mapstructure:"ticker_interval_seconds"` // (default: 1)
}

// ServerConfig configures `roster serve`
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // listen address (default: ":8770")
}

// Server defaults
const (
	DefaultServerAddr  = ":8770"
	DefaultProviderURL = "ws://localhost:8770/ws"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
	SecretFilePermissions  = 0600 // Config holding the profile key (rw-------)
)
