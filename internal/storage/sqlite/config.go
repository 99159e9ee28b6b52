package sqlite

import (
	"fmt"
	"net/url"
)

type Config struct {
	DatabasePath string
	// BusyTimeoutMS is how long a writer waits on a locked database before failing.
	BusyTimeoutMS int
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must not be negative, got %d", c.BusyTimeoutMS)
	}
	return nil
}

func (c *Config) GetType() string {
	return "sqlite"
}

// GetConnectionString returns a go-sqlite3 DSN with WAL journaling and the busy timeout applied.
func (c *Config) GetConnectionString() string {
	timeout := c.BusyTimeoutMS
	if timeout == 0 {
		timeout = 5000
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(timeout))
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	return "file:" + c.DatabasePath + "?" + params.Encode()
}

func DefaultConfig() *Config {
	return &Config{
		DatabasePath:  "./token_keeper.db",
		BusyTimeoutMS: 5000,
	}
}
