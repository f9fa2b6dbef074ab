// Package config handles configuration loading for agentchat.
//
// Configuration comes from, in order of precedence: AGENTCHAT_* environment
// variables (a .env file included), the file given with --config, the RC file
// (~/.agentchatrc or $AGENTCHATRC) and the embedded defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	defaultConfig "github.com/inercia/agentchat/config"
	"github.com/inercia/agentchat/internal/appdir"
	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/internal/store"
)

// RCFileEnv is the environment variable overriding the RC file path.
const RCFileEnv = "AGENTCHATRC"

// RCFileName is the name of the RC file.
const RCFileName = ".agentchatrc"

// ServerConfig locates the agent backend.
type ServerConfig struct {
	// BaseURL is the http(s) URL of the backend.
	BaseURL string `yaml:"base_url"`
	// APIPrefix is prepended to the REST paths.
	APIPrefix string `yaml:"api_prefix"`
	// Timeout bounds each REST call. Zero disables it.
	Timeout time.Duration `yaml:"timeout"`
}

// ChatConfig selects what the CLI talks to.
type ChatConfig struct {
	// Mode is the backend handler used for new tasks.
	Mode string `yaml:"mode"`
	// Room is the store room driven by the CLI.
	Room string `yaml:"room"`
	// Fencing drops the messages of a cancelled session.
	Fencing bool `yaml:"fencing"`
}

// TransportConfig tunes the session socket.
type TransportConfig struct {
	// MaxRetries is the number of reconnection attempts after the first
	// failed dial. Negative disables retrying.
	MaxRetries int `yaml:"max_retries"`
	// BackoffStep is the unit of the linear backoff.
	BackoffStep time.Duration `yaml:"backoff_step"`
}

// StoreConfig controls room persistence.
type StoreConfig struct {
	Persist      bool          `yaml:"persist"`
	Path         string        `yaml:"path"`
	SaveInterval time.Duration `yaml:"save_interval"`
}

// LoggingConfig mirrors the logging flags.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	Components []string `yaml:"components"`
}

// Config represents the complete agentchat configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Chat      ChatConfig      `yaml:"chat"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ConfigSource indicates where the configuration was loaded from.
type ConfigSource int

const (
	// ConfigSourceEmbeddedDefaults indicates no file was found.
	ConfigSourceEmbeddedDefaults ConfigSource = iota
	// ConfigSourceRCFile indicates configuration was loaded from the RC file.
	ConfigSourceRCFile
	// ConfigSourceCustomFile indicates configuration was loaded from --config.
	ConfigSourceCustomFile
)

func (s ConfigSource) String() string {
	switch s {
	case ConfigSourceRCFile:
		return "rc file"
	case ConfigSourceCustomFile:
		return "custom file"
	default:
		return "embedded defaults"
	}
}

// LoadResult contains the loaded configuration and where it came from.
type LoadResult struct {
	Config *Config
	Source ConfigSource
	// SourcePath is empty for the embedded defaults.
	SourcePath string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Chat: ChatConfig{
			Mode: string(client.ModeAgent),
			Room: store.RoomAgent,
		},
		Transport: TransportConfig{
			MaxRetries:  5,
			BackoffStep: 300 * time.Millisecond,
		},
		Store: StoreConfig{
			Persist:      true,
			SaveInterval: store.DefaultSaveInterval,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultConfigPath returns the default RC file path for the current platform.
func DefaultConfigPath() string {
	if envPath := os.Getenv(RCFileEnv); envPath != "" {
		return envPath
	}

	var configDir string
	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		configDir, _ = os.UserHomeDir()
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			configDir = xdgConfig
		} else {
			configDir, _ = os.UserHomeDir()
		}
	}
	return filepath.Join(configDir, RCFileName)
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data. Missing keys keep their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithFallback loads path when given, else the RC file when it exists,
// else the embedded defaults. Environment overrides are applied on top.
func LoadWithFallback(path string) (*LoadResult, error) {
	res := &LoadResult{}
	var err error

	switch {
	case path != "":
		res.Config, err = Load(path)
		res.Source, res.SourcePath = ConfigSourceCustomFile, path
	default:
		rc := DefaultConfigPath()
		if _, statErr := os.Stat(rc); statErr == nil {
			res.Config, err = Load(rc)
			res.Source, res.SourcePath = ConfigSourceRCFile, rc
		} else {
			res.Config, err = Parse(defaultConfig.DefaultConfigYAML)
			res.Source = ConfigSourceEmbeddedDefaults
		}
	}
	if err != nil {
		return nil, err
	}

	if err := res.Config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := res.Config.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// Validate checks the configuration for values the client cannot work with.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.BaseURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("server.base_url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("server.base_url: unsupported scheme %q", u.Scheme))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("server.base_url: missing host"))
	}
	if c.Server.Timeout < 0 {
		errs = append(errs, fmt.Errorf("server.timeout: must not be negative"))
	}
	if _, err := client.ParseMode(c.Chat.Mode); err != nil {
		errs = append(errs, fmt.Errorf("chat.mode: %w", err))
	}
	if !isDefaultRoom(c.Chat.Room) {
		errs = append(errs, fmt.Errorf("chat.room: %w: %s", store.ErrRoomNotFound, c.Chat.Room))
	}
	if c.Transport.BackoffStep < 0 {
		errs = append(errs, fmt.Errorf("transport.backoff_step: must not be negative"))
	}
	if c.Store.SaveInterval < 0 {
		errs = append(errs, fmt.Errorf("store.save_interval: must not be negative"))
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// StorePath returns the file the rooms are persisted to.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	return appdir.StorePath()
}

func isDefaultRoom(id string) bool {
	for _, r := range store.DefaultRooms() {
		if r.ID == id {
			return true
		}
	}
	return false
}
