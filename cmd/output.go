package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/convlog/config"
	"github.com/otherjamesbrown/convlog/pkg/conversation"
)

// WriteOutput renders v as JSON or YAML, or calls text for the human format.
func WriteOutput(w io.Writer, format config.OutputFormat, v interface{}, text func(io.Writer) error) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return text(w)
	}
}

// formatOf returns the effective output format: a command-local --output
// flag wins over the configured default.
func formatOf(cmd *cobra.Command, cfg *config.Config) config.OutputFormat {
	if f := cmd.Flags().Lookup("output"); f != nil && f.Changed {
		return config.OutputFormat(f.Value.String())
	}
	if cfg != nil && cfg.OutputFormat != "" {
		return cfg.OutputFormat
	}
	return config.DefaultOutputFormat
}

// printMessage writes one log entry on a single line.
func printMessage(w io.Writer, m conversation.Message) {
	state := ""
	if !m.Finalized {
		state = " (partial)"
	}
	fmt.Fprintf(w, "%s  %-9s %-16s %s%s\n",
		m.Timestamp.Format("15:04:05"), m.Role, truncate(m.SpeakerID, 16), m.Content, state)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
