package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables overriding the configuration file.
const (
	EnvServerURL    = "AGENTCHAT_SERVER_URL"
	EnvAPIPrefix    = "AGENTCHAT_API_PREFIX"
	EnvTimeout      = "AGENTCHAT_TIMEOUT"
	EnvMode         = "AGENTCHAT_MODE"
	EnvRoom         = "AGENTCHAT_ROOM"
	EnvFencing      = "AGENTCHAT_FENCING"
	EnvMaxRetries   = "AGENTCHAT_MAX_RETRIES"
	EnvBackoffStep  = "AGENTCHAT_BACKOFF_STEP"
	EnvStorePersist = "AGENTCHAT_STORE_PERSIST"
	EnvStorePath    = "AGENTCHAT_STORE_PATH"
	EnvLogLevel     = "AGENTCHAT_LOG_LEVEL"
	EnvLogFile      = "AGENTCHAT_LOG_FILE"
)

// DotEnvFile is the file loaded by LoadDotEnv when no path is given.
const DotEnvFile = ".env"

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{DotEnvFile}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}

// ApplyEnv overrides the configuration with the AGENTCHAT_* variables found
// by lookup. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	duration := func(key string, dst *time.Duration) {
		if v, ok := get(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	str(EnvServerURL, &c.Server.BaseURL)
	str(EnvAPIPrefix, &c.Server.APIPrefix)
	duration(EnvTimeout, &c.Server.Timeout)
	str(EnvMode, &c.Chat.Mode)
	str(EnvRoom, &c.Chat.Room)
	boolean(EnvFencing, &c.Chat.Fencing)
	if v, ok := get(EnvMaxRetries); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxRetries, err))
		} else {
			c.Transport.MaxRetries = n
		}
	}
	duration(EnvBackoffStep, &c.Transport.BackoffStep)
	boolean(EnvStorePersist, &c.Store.Persist)
	str(EnvStorePath, &c.Store.Path)
	str(EnvLogLevel, &c.Logging.Level)
	str(EnvLogFile, &c.Logging.File)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %w", errors.Join(errs...))
	}
	return nil
}
