// Package main provides the convlog CLI entry point.
// convlog rebuilds, stores and follows the message logs of live calls.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/convlog/cmd"
	"github.com/otherjamesbrown/convlog/config"
	"github.com/otherjamesbrown/convlog/pkg/buildinfo"
)

// Global flags and state.
var (
	cfgFile      string
	outputFormat string
	debug        bool

	// cfg holds the loaded configuration.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "convlog",
	Short: "Conversation log reconciler for real-time calls",
	Long: `convlog merges live speech-to-text batches and data-channel messages from a
call into one ordered, role-attributed conversation log.

Partial transcripts are coalesced in place until they are finalized; control
envelopes on the data channel are dropped; participants whose identity carries
an agent marker are attributed to the assistant.

COMMON WORKFLOWS:
  Rebuild a log:    convlog replay call.jsonl
  Store it:         convlog migrate  →  convlog replay call.jsonl --persist
  Read it back:     convlog history <conversation-id>
  Follow sessions:  convlog watch --persist --metrics-addr :9464

Run 'convlog <command> --help' for flags and examples.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		switch c.Name() {
		case "version", "help", "completion", "init":
			return nil
		}
		_, err := loadConfig()
		return err
	},
}

// loadConfig loads the configuration once and applies global flag overrides.
func loadConfig() (*config.Config, error) {
	if cfg != nil {
		return cfg, nil
	}

	loaded, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if outputFormat != "" {
		loaded.OutputFormat = config.OutputFormat(outputFormat)
		if !loaded.OutputFormat.IsValid() {
			return nil, fmt.Errorf("invalid --output %q (must be text, json, or yaml)", outputFormat)
		}
	}
	if debug {
		loaded.Debug = true
	}

	cfg = loaded
	return cfg, nil
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of convlog.

Use --output json or --output yaml for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: func(c *cobra.Command, args []string) error {
		return printVersion(c.OutOrStdout(), config.OutputFormat(outputFormat))
	},
}

func printVersion(out io.Writer, format config.OutputFormat) error {
	info := buildinfo.Get("convlog")

	switch format {
	case config.OutputFormatJSON, config.OutputFormatYAML:
		return cmd.WriteOutput(out, format, info, nil)
	}

	fmt.Fprintf(out, "convlog version %s\n", info.Version)
	fmt.Fprintf(out, "  commit:     %s\n", info.Commit)
	fmt.Fprintf(out, "  built:      %s\n", info.BuildTime)
	fmt.Fprintf(out, "  go:         %s (%s)\n", info.GoVersion, info.Platform)
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.convlog/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	deps := cmd.DefaultDeps(loadConfig)

	rootCmd.AddCommand(cmd.NewReplayCommand(deps))
	rootCmd.AddCommand(cmd.NewHistoryCommand(deps))
	rootCmd.AddCommand(cmd.NewMigrateCommand(deps))
	rootCmd.AddCommand(cmd.NewWatchCommand(deps))
	rootCmd.AddCommand(cmd.NewConfigCommand(deps))
	rootCmd.AddCommand(cmd.NewCredentialsCommand(deps))
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Set up signal handling for graceful shutdown. The first signal cancels
	// the command context so recorders can drain; a second one exits.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		cancel()
		<-sigChan
		os.Exit(130)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
