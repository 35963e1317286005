package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/convlog/config"
	"github.com/otherjamesbrown/convlog/credentials"
)

// NewConfigCommand creates the config command with show and init subcommands.
func NewConfigCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps(nil)
	}

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage convlog configuration",
		Long: `Show or create the convlog configuration file.

The file lives at $CONVLOG_CONFIG_DIR/config.yaml or ~/.convlog/config.yaml.
CONVLOG_* environment variables override values from the file.`,
	}

	cmd.AddCommand(newConfigShowCommand(deps))
	cmd.AddCommand(newConfigInitCommand())

	return cmd
}

func newConfigShowCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long: `Display the configuration after file and environment overrides.

Secrets are masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			shown := *cfg
			shown.Database.Password = credentials.MaskCredential(shown.Database.Password)
			shown.Redis.Password = credentials.MaskCredential(shown.Redis.Password)

			format := formatOf(cmd, cfg)
			if format == config.OutputFormatText {
				// The file format is the most readable rendering.
				format = config.OutputFormatYAML
			}
			return WriteOutput(cmd.OutOrStdout(), format, &shown, nil)
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration file",
		Long:  `Create a configuration file with default values if one doesn't exist.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if path == "" {
				p, err := config.ConfigPath()
				if err != nil {
					return fmt.Errorf("getting config path: %w", err)
				}
				path = p
			}

			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
				fmt.Fprintln(out, "Use 'convlog config show' to view current settings, or --force to overwrite.")
				return nil
			}

			defaults := config.DefaultConfig()
			if err := config.SaveConfig(defaults, path); err != nil {
				return fmt.Errorf("saving configuration: %w", err)
			}

			fmt.Fprintf(out, "Created configuration file: %s\n", path)
			return printConfigSummary(out, defaults)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().StringVar(&path, "path", "", "Write to this path instead of the default location")

	return cmd
}

func printConfigSummary(w io.Writer, cfg *config.Config) error {
	fmt.Fprintln(w, "\nDefault settings:")
	fmt.Fprintf(w, "  Agent markers:  %v\n", cfg.Reconciler.AgentMarkers)
	fmt.Fprintf(w, "  Lane lookup:    %s\n", cfg.Reconciler.LaneLookup)
	fmt.Fprintf(w, "  Database:       %s@%s:%d/%s\n", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	fmt.Fprintf(w, "  Redis:          %s\n", cfg.Redis.PublisherConfig().Addr())
	fmt.Fprintf(w, "  Output format:  %s\n", cfg.OutputFormat)
	return nil
}
