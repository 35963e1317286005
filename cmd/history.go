package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/convlog/pkg/storage"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps(nil)
	}

	var (
		room  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history [conversation-id]",
		Short: "List stored messages",
		Long: `List finalized messages persisted in PostgreSQL.

With a conversation id, messages are listed oldest first. With --room instead,
the newest messages recorded in that room are listed first.

Examples:
  convlog history conv-42
  convlog history conv-42 --limit 500 --output json
  convlog history --room support-7`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && room == "" {
				return fmt.Errorf("a conversation id or --room is required")
			}

			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			ctx := cmd.Context()
			pool, err := deps.ConnectToDB(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()

			repo := storage.NewRepository(pool, deps.NewLogger(cfg))

			var msgs []storage.StoredMessage
			if len(args) == 1 {
				msgs, err = repo.ListByConversation(ctx, args[0], limit)
			} else {
				msgs, err = repo.ListByRoom(ctx, room, limit)
			}
			if err != nil {
				return fmt.Errorf("listing messages: %w", err)
			}

			return WriteOutput(cmd.OutOrStdout(), formatOf(cmd, cfg), msgs, func(w io.Writer) error {
				return printHistory(w, msgs)
			})
		},
	}

	cmd.Flags().StringVar(&room, "room", "", "List the newest messages of a room")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum messages to list (default: 50 per conversation, 20 per room)")

	return cmd
}

func printHistory(w io.Writer, msgs []storage.StoredMessage) error {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages found.")
		return nil
	}

	current := ""
	for _, m := range msgs {
		if m.ConversationID != current {
			if current != "" {
				fmt.Fprintln(w)
			}
			current = m.ConversationID
			if m.Room != "" {
				fmt.Fprintf(w, "Conversation %s (room %s)\n", current, m.Room)
			} else {
				fmt.Fprintf(w, "Conversation %s\n", current)
			}
		}
		printMessage(w, m.Message)
	}
	return nil
}
