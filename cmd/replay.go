package cmd

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/convlog/config"
	"github.com/otherjamesbrown/convlog/pkg/conversation"
	"github.com/otherjamesbrown/convlog/pkg/events"
	"github.com/otherjamesbrown/convlog/pkg/logging"
	"github.com/otherjamesbrown/convlog/pkg/observability"
	"github.com/otherjamesbrown/convlog/pkg/session"
	"github.com/otherjamesbrown/convlog/pkg/storage"
)

// Replay event kinds.
const (
	ReplayTranscription = "transcription"
	ReplayData          = "data"
	ReplaySend          = "send"
	ReplaySystem        = "system"
)

// ReplayEvent is one line of a replay file.
type ReplayEvent struct {
	Kind string `json:"kind"`

	// transcription
	Speaker  string                 `json:"speaker,omitempty"`
	Segments []conversation.Segment `json:"segments,omitempty"`

	// data: Payload is the text as sent; PayloadBase64 carries raw bytes
	// (for example invalid UTF-8) and wins when both are set.
	Sender        string `json:"sender,omitempty"`
	Payload       string `json:"payload,omitempty"`
	PayloadBase64 string `json:"payload_base64,omitempty"`

	// send, system
	Content string `json:"content,omitempty"`
}

// payload returns the raw data-channel bytes of a data event.
func (e ReplayEvent) payload() ([]byte, error) {
	if e.PayloadBase64 != "" {
		b, err := base64.StdEncoding.DecodeString(e.PayloadBase64)
		if err != nil {
			return nil, fmt.Errorf("decoding payload_base64: %w", err)
		}
		return b, nil
	}
	return []byte(e.Payload), nil
}

// ReadReplayEvents parses JSON-lines replay input. Blank lines and lines
// starting with # are skipped.
func ReadReplayEvents(r io.Reader) ([]ReplayEvent, error) {
	var out []ReplayEvent

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var ev ReplayEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		switch ev.Kind {
		case ReplayTranscription, ReplayData, ReplaySend, ReplaySystem:
		default:
			return nil, fmt.Errorf("line %d: unknown event kind %q", line, ev.Kind)
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}

	return out, nil
}

// ReplayResult is the outcome of a replay run.
type ReplayResult struct {
	ConversationID string                 `json:"conversation_id" yaml:"conversation_id"`
	Room           string                 `json:"room,omitempty" yaml:"room,omitempty"`
	Events         int                    `json:"events" yaml:"events"`
	Messages       []conversation.Message `json:"messages" yaml:"messages"`
	Persisted      bool                   `json:"persisted" yaml:"persisted"`
	Published      bool                   `json:"published" yaml:"published"`
}

// replayOptions are the flags of the replay command.
type replayOptions struct {
	conversationID string
	room           string
	laneLookup     string
	persist        bool
	publish        bool
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps(nil)
	}
	opts := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Rebuild a conversation log from recorded events",
		Long: `Replay a JSON-lines event file through a session and print the resulting log.

Each line is one event, applied in file order:
  {"kind":"transcription","speaker":"agent-7","segments":[{"text":"Hi","final":true}]}
  {"kind":"data","sender":"alice","payload":"hello"}
  {"kind":"send","content":"typed locally"}
  {"kind":"system","content":"Call connected"}

Use "-" to read events from stdin. With --persist, finalized messages are
written to PostgreSQL; with --publish, every log change is published to Redis.

Examples:
  convlog replay call.jsonl
  convlog replay call.jsonl --conversation conv-42 --persist
  cat call.jsonl | convlog replay - --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening event file: %w", err)
				}
				defer f.Close()
				in = f
			}

			evs, err := ReadReplayEvents(in)
			if err != nil {
				return err
			}

			result, err := runReplay(cmd.Context(), deps, cfg, opts, evs)
			if err != nil {
				return err
			}

			return WriteOutput(cmd.OutOrStdout(), formatOf(cmd, cfg), result, func(w io.Writer) error {
				for _, m := range result.Messages {
					printMessage(w, m)
				}
				fmt.Fprintf(w, "\n%d events, %d messages (conversation %s)\n",
					result.Events, len(result.Messages), result.ConversationID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Conversation id (default: random)")
	cmd.Flags().StringVar(&opts.room, "room", "", "Room name (default: session.room from config)")
	cmd.Flags().StringVar(&opts.laneLookup, "lane-lookup", "", "Open-entry lookup: tail or index")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "Write finalized messages to PostgreSQL")
	cmd.Flags().BoolVar(&opts.publish, "publish", false, "Publish log changes to Redis")

	return cmd
}

func runReplay(ctx context.Context, deps *CommandDeps, cfg *config.Config, opts *replayOptions, evs []ReplayEvent) (*ReplayResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := deps.NewLogger(cfg)

	rcfg := cfg.Reconciler
	if opts.laneLookup != "" {
		rcfg.LaneLookup = conversation.LaneLookup(opts.laneLookup)
		if err := rcfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --lane-lookup: %w", err)
		}
	}

	scfg := cfg.Session
	if opts.conversationID != "" {
		scfg.ConversationID = opts.conversationID
	}
	if scfg.ConversationID == "" {
		scfg.ConversationID = uuid.NewString()
	}
	if opts.room != "" {
		scfg.Room = opts.room
	}

	ctx = logging.ContextWithConversation(ctx, scfg.ConversationID, scfg.Room)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	sessOpts := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(metrics),
	}

	result := &ReplayResult{
		ConversationID: scfg.ConversationID,
		Room:           scfg.Room,
		Events:         len(evs),
	}

	if opts.persist {
		pool, err := deps.ConnectToDB(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		repo := storage.NewRepository(pool, logger)
		recorder := storage.NewRecorder(cfg.Recorder.StorageConfig(repo, logger, metrics))
		// Close drains the buffer before the pool goes away.
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error("Failed to flush recorded messages", logging.Err(err))
			}
		}()
		sessOpts = append(sessOpts, session.WithRecorder(recorder))
		result.Persisted = true
	}

	if opts.publish {
		client, err := deps.ConnectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		publisher := events.NewPublisher(client, logger)
		defer publisher.Close()
		sessOpts = append(sessOpts, session.WithEventPublisher(publisher))
		result.Published = true
	}

	rec := conversation.NewReconciler(rcfg, conversation.WithLogger(logger))
	sess := session.New(scfg, rec, sessOpts...)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	for i, ev := range evs {
		if err := applyReplayEvent(ctx, sess, ev); err != nil {
			sess.Close()
			<-runErr
			return nil, fmt.Errorf("event %d (%s): %w", i+1, ev.Kind, err)
		}
	}

	msgs, err := sess.Messages(ctx)
	sess.Close()
	if rerr := <-runErr; rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return nil, err
	}

	result.Messages = msgs
	return result, nil
}

func applyReplayEvent(ctx context.Context, s *session.Session, ev ReplayEvent) error {
	switch ev.Kind {
	case ReplayTranscription:
		return s.HandleTranscription(ctx, ev.Segments, ev.Speaker)
	case ReplayData:
		payload, err := ev.payload()
		if err != nil {
			return err
		}
		return s.HandleData(ctx, payload, ev.Sender)
	case ReplaySend:
		// Blank content is a no-op, like a disabled send button.
		if strings.TrimSpace(ev.Content) == "" {
			return nil
		}
		_, err := s.SendMessage(ctx, ev.Content)
		return err
	case ReplaySystem:
		if strings.TrimSpace(ev.Content) == "" {
			return nil
		}
		_, err := s.AppendSystem(ctx, ev.Content)
		return err
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
