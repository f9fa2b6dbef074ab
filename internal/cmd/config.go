package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	embeddedconfig "github.com/inercia/agentchat/config"
	"github.com/inercia/agentchat/internal/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agentchat configuration",
	Long: `Manage agentchat configuration files.

Use the subcommands to create a configuration file or to inspect the
effective configuration.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file at ~/.agentchatrc.

This command writes the embedded default configuration to the given
directory. Review and customize it for your backend afterwards.

Examples:
  agentchat config create                    # Create ~/.agentchatrc
  agentchat config create --output /path/to  # Create /path/to/.agentchatrc
  agentchat config create --force            # Overwrite existing file`,
	RunE: runConfigCreate,
}

// configShowCmd represents the config show subcommand
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the file, the .env file, the AGENTCHAT_*
variables and the command line flags have been applied.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configShowCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Directory to write the config file (default: $HOME)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file without prompting")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	outputDir := configOutputPath
	if outputDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		outputDir = homeDir
	}

	configPath := filepath.Join(outputDir, config.RCFileName)

	if _, err := os.Stat(configPath); err == nil && !configForce {
		fmt.Fprintf(out, "⚠️  Configuration file already exists: %s\n", configPath)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	if err := os.WriteFile(configPath, embeddedconfig.DefaultConfigYAML, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "✅ Configuration file created: %s\n", configPath)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set server.base_url to your agent backend")
	fmt.Fprintln(out, "  2. Run 'agentchat chat' to start chatting")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	fmt.Fprintf(out, "# source: %s", configResult.Source)
	if configResult.SourcePath != "" {
		fmt.Fprintf(out, " (%s)", configResult.SourcePath)
	}
	fmt.Fprintln(out)
	_, err = out.Write(data)
	return err
}
