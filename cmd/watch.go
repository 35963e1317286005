package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/convlog/config"
	"github.com/otherjamesbrown/convlog/pkg/buildinfo"
	"github.com/otherjamesbrown/convlog/pkg/db"
	"github.com/otherjamesbrown/convlog/pkg/events"
	"github.com/otherjamesbrown/convlog/pkg/logging"
	"github.com/otherjamesbrown/convlog/pkg/observability"
	"github.com/otherjamesbrown/convlog/pkg/storage"
)

// watchOptions are the flags of the watch command.
type watchOptions struct {
	conversationID string
	persist        bool
	metricsAddr    string
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(deps *CommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultDeps(nil)
	}
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live conversation log changes",
		Long: `Subscribe to the Redis change-event channel and print every log change.

With --persist, finalized messages from the stream are written to PostgreSQL,
which lets one watcher archive every session publishing to the broker.
With --metrics-addr, Prometheus metrics are served on /metrics, build info on
/version and database health on /healthz.

Runs until interrupted.

Examples:
  convlog watch
  convlog watch --conversation conv-42 --output json
  convlog watch --persist --metrics-addr :9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			return runWatch(cmd.Context(), deps, cfg, opts, cmd.OutOrStdout(), formatOf(cmd, cfg))
		},
	}

	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "Only show changes of this conversation")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "Write finalized messages to PostgreSQL")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics, /version and /healthz on this address")

	return cmd
}

func runWatch(ctx context.Context, deps *CommandDeps, cfg *config.Config, opts *watchOptions, out io.Writer, format config.OutputFormat) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := deps.NewLogger(cfg).With(logging.F("component", "watch"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	client, err := deps.ConnectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	var (
		pool     *pgxpool.Pool
		recorder *storage.Recorder
	)
	if opts.persist {
		pool, err = deps.ConnectToDB(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if _, err := db.RegisterPoolStatsCollector(reg, pool, "watch"); err != nil {
			return fmt.Errorf("registering pool metrics: %w", err)
		}

		repo := storage.NewRepository(pool, logger)
		recorder = storage.NewRecorder(cfg.Recorder.StorageConfig(repo, logger, metrics))
		defer func() {
			if err := recorder.Close(); err != nil {
				logger.Error("Failed to flush recorded messages", logging.Err(err))
			}
		}()
	}

	if opts.metricsAddr != "" {
		srv := newMetricsServer(opts.metricsAddr, reg, pool)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", logging.Err(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("Serving metrics", logging.F("addr", opts.metricsAddr))
	}

	printer := newEventPrinter(out, format)
	handler := func(ev events.MessageEvent) {
		metrics.RecordEvent(observability.SourceBroker, outcomeOf(ev))
		if err := printer.print(ev); err != nil {
			logger.Warn("Failed to print event", logging.Err(err))
		}
		if recorder != nil {
			if rec, ok := recordFromEvent(ev); ok {
				recorder.Record(rec)
			}
		}
	}

	logger.Info("Watching conversation changes",
		logging.F("channel", events.ChannelConversationMessage),
		logging.F("conversation_id", opts.conversationID))

	return events.Watch(ctx, client, opts.conversationID, handler, logger)
}

// newMetricsServer serves the watcher's operational endpoints.
func newMetricsServer(addr string, reg *prometheus.Registry, pool *pgxpool.Pool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/version", buildinfo.Handler("convlog-watch"))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if pool == nil {
			_, _ = w.Write([]byte(`{"healthy":true}` + "\n"))
			return
		}
		status := db.Check(r.Context(), pool)
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// recordFromEvent turns a finalized message event into a storage record.
func recordFromEvent(ev events.MessageEvent) (storage.Record, bool) {
	if !ev.Message.Finalized || ev.ConversationID == "" {
		return storage.Record{}, false
	}
	return storage.Record{
		ConversationID: ev.ConversationID,
		Room:           ev.Room,
		Seq:            ev.Index,
		Message:        ev.Message,
		Metadata:       map[string]any{"source": "watch", "event_type": ev.EventType},
	}, true
}

func outcomeOf(ev events.MessageEvent) string {
	switch ev.EventType {
	case events.EventMessageAppended:
		return observability.OutcomeAppended
	case events.EventMessageUpdated:
		return observability.OutcomeUpdated
	case events.EventMessageFinalized:
		return observability.OutcomeFinalized
	default:
		return observability.OutcomeIgnored
	}
}

// eventPrinter writes events as they arrive. JSON output is one object per
// line; YAML output is a stream of documents.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	format config.OutputFormat
}

func newEventPrinter(out io.Writer, format config.OutputFormat) *eventPrinter {
	return &eventPrinter{out: out, format: format}
}

func (p *eventPrinter) print(ev events.MessageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.format {
	case config.OutputFormatJSON:
		return json.NewEncoder(p.out).Encode(ev)
	case config.OutputFormatYAML:
		data, err := yaml.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.out, "---\n%s", data)
		return err
	default:
		kind := strings.TrimPrefix(ev.EventType, "conversation.message.")
		fmt.Fprintf(p.out, "%-10s %-12s #%-4d ", kind, truncate(ev.ConversationID, 12), ev.Index)
		printMessage(p.out, ev.Message)
		return nil
	}
}
