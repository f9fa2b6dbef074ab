// Package cmd provides the CLI commands for agentchat.
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/agentchat/internal/client"
	"github.com/inercia/agentchat/internal/config"
	"github.com/inercia/agentchat/internal/logging"
	"github.com/inercia/agentchat/internal/session"
	"github.com/inercia/agentchat/internal/store"
	"github.com/inercia/agentchat/internal/transport"
)

var (
	// Global flags
	configPath    string
	envFile       string
	serverURL     string
	modeFlag      string
	roomFlag      string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// configResult contains metadata about where config was loaded from
	configResult *config.LoadResult
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentchat",
	Short: "agentchat - a terminal client for agent chat backends",
	Long: `agentchat talks to an agent chat backend: it starts tasks over REST,
follows their progress over a WebSocket and keeps the conversation of each
chat room (agent, team, workflow) on disk.

Answer the agent's confirmation and input requests from the interactive
shell, or run one-shot questions with 'agentchat ask'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}

		var err error
		configResult, err = config.LoadWithFallback(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = configResult.Config

		if serverURL != "" {
			cfg.Server.BaseURL = serverURL
		}
		if modeFlag != "" {
			cfg.Chat.Mode = modeFlag
		}
		if roomFlag != "" {
			cfg.Chat.Room = roomFlag
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		// Priority: --log-level flag > --debug flag > configuration
		effectiveLogLevel := cfg.Logging.Level
		if logLevel != "" {
			effectiveLogLevel = logLevel
		} else if debug {
			effectiveLogLevel = "debug"
		}
		effectiveLogFile := cfg.Logging.File
		if logFile != "" {
			effectiveLogFile = logFile
		}
		components := cfg.Logging.Components
		if logComponents != "" {
			components = nil
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}
		if err := logging.Initialize(logging.Config{
			Level:      effectiveLogLevel,
			File:       effectiveLogFile,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		logging.CLI().Debug("configuration loaded",
			"source", configResult.Source.String(),
			"path", configResult.SourcePath,
			"server", cfg.Server.BaseURL)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides ~/.agentchatrc)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DotEnvFile, "File with AGENTCHAT_* variables, skipped when missing")
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "Backend base URL (e.g. http://localhost:8000)")
	rootCmd.PersistentFlags().StringVarP(&modeFlag, "mode", "m", "", "Backend handler: "+modeNames())
	rootCmd.PersistentFlags().StringVarP(&roomFlag, "room", "r", "", "Chat room: agent, team or workflow")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'transport,reducer'). Empty means all components.")
}

func modeNames() string {
	var names []string
	for _, m := range client.Modes() {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}

// newAPIClient returns a REST client for the configured backend.
func newAPIClient() *client.Client {
	return client.New(cfg.Server.BaseURL,
		client.WithAPIPrefix(cfg.Server.APIPrefix),
		client.WithTimeout(cfg.Server.Timeout))
}

// openStore returns the chat store, backed by the data directory unless
// persistence is disabled.
func openStore() (*store.Store, error) {
	if !cfg.Store.Persist {
		return store.New(), nil
	}
	path, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	s, err := store.Open(path, cfg.Store.SaveInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat store: %w", err)
	}
	return s, nil
}

// newController wires a session controller for the configured room.
func newController(s *store.Store, opts ...session.Option) (*session.Controller, error) {
	api := newAPIClient()
	tcfg := transport.Config{
		BaseURL:     cfg.Server.BaseURL + api.APIPrefix(),
		MaxRetries:  cfg.Transport.MaxRetries,
		BackoffStep: cfg.Transport.BackoffStep,
	}
	opts = append([]session.Option{
		session.WithRoom(cfg.Chat.Room),
		session.WithMode(client.Mode(cfg.Chat.Mode)),
	}, opts...)
	if cfg.Chat.Fencing {
		opts = append(opts, session.WithFencing())
	}
	return session.NewDefault(s, api, tcfg, opts...)
}
