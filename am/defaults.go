package am

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "roster.db")

	// Provider defaults
	v.SetDefault("provider.url", DefaultProviderURL)
	v.SetDefault("provider.requests_per_minute", 120)
	v.SetDefault("provider.timeout_seconds", 30)

	// Revision cache defaults
	v.SetDefault("cache.revision_window", 256)
	v.SetDefault("cache.max_groups", 1024)

	// Sync defaults
	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.lock_timeout_seconds", 30)

	// Pulse (async job infrastructure) defaults
	v.SetDefault("pulse.workers", 1)
	v.SetDefault("pulse.ticker_interval_seconds", 1)

	// Server configuration defaults
	v.SetDefault("server.addr", DefaultServerAddr)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("self.profile_key", "ROSTER_SELF_PROFILE_KEY")
	v.BindEnv("database.path", "ROSTER_DATABASE_PATH")
	v.BindEnv("provider.url", "ROSTER_PROVIDER_URL")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "roster.db" // Fallback default
	}
	return c.Database.Path
}

// LocalSelf returns the local account, or an error pointing at `roster init`.
func (c *Config) LocalSelf() (group.Self, error) {
	if c.Self.Identity == "" {
		return group.Self{}, errors.WithHint(
			errors.New("no local identity configured"),
			"run `roster init <identity>` first")
	}
	key, err := group.ParseProfileKey(c.Self.ProfileKey)
	if err != nil {
		return group.Self{}, errors.Wrap(err, "self.profile_key")
	}
	return group.Self{Identity: group.Identity(c.Self.Identity), ProfileKey: key}, nil
}

// ProviderTimeout returns the per-request timeout (default: 30s)
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Provider.TimeoutSeconds) * time.Second
}

// LockTimeout returns how long an update waits for the group lock (default: 30s)
func (c *Config) LockTimeout() time.Duration {
	if c.Sync.LockTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Sync.LockTimeoutSeconds) * time.Second
}

// TickerInterval returns the idle poll interval of pulse workers (default: 1s)
func (c *Config) TickerInterval() time.Duration {
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.Pulse.TickerIntervalSeconds) * time.Second
}

// GetServerAddr returns the listen address for `roster serve`
func (c *Config) GetServerAddr() string {
	if c.Server.Addr == "" {
		return DefaultServerAddr
	}
	return c.Server.Addr
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Self: %s, Provider: %s, Pulse: {Workers: %d}}",
		c.Database.Path, c.Self.Identity, c.Provider.URL, c.Pulse.Workers)
}
