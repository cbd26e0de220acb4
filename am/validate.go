package am

import (
	"net/url"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/group"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "roster.db"

	// Self is optional until `roster init` has run, but a key without an identity is a mistake
	if c.Self.ProfileKey != "" {
		if c.Self.Identity == "" {
			return errors.New("self.profile_key is set but self.identity is empty")
		}
		if _, err := group.ParseProfileKey(c.Self.ProfileKey); err != nil {
			return errors.Wrap(err, "self.profile_key")
		}
	}

	if c.Provider.URL != "" {
		u, err := url.Parse(c.Provider.URL)
		if err != nil {
			return errors.Wrapf(err, "provider.url %q", c.Provider.URL)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.Newf("provider.url must use ws:// or wss://, got %q", c.Provider.URL)
		}
	}
	// Rate limit: 0 = unlimited, negative = invalid
	if c.Provider.RequestsPerMinute < 0 {
		return errors.Newf("provider.requests_per_minute must be >= 0, got %d", c.Provider.RequestsPerMinute)
	}
	if c.Provider.TimeoutSeconds < 0 {
		return errors.Newf("provider.timeout_seconds must be >= 0, got %d", c.Provider.TimeoutSeconds)
	}

	// Cache bounds: 0 = use default (per struct docs), negative = invalid
	if c.Cache.RevisionWindow < 0 {
		return errors.Newf("cache.revision_window must be >= 0, got %d", c.Cache.RevisionWindow)
	}
	if c.Cache.MaxGroups < 0 {
		return errors.Newf("cache.max_groups must be >= 0, got %d", c.Cache.MaxGroups)
	}

	if c.Sync.Concurrency < 0 {
		return errors.Newf("sync.concurrency must be >= 0, got %d", c.Sync.Concurrency)
	}
	if c.Sync.LockTimeoutSeconds < 0 {
		return errors.Newf("sync.lock_timeout_seconds must be >= 0, got %d", c.Sync.LockTimeoutSeconds)
	}

	// Pulse workers: 0 = no background workers, negative = invalid
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}

	return nil
}
