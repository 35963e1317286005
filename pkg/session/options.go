package session

import (
	"context"
	"time"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	"github.com/otherjamesbrown/convlog/pkg/logging"
	"github.com/otherjamesbrown/convlog/pkg/observability"
	"github.com/otherjamesbrown/convlog/pkg/storage"
)

// DataPublisher sends bytes into the call's data channel. It is the single
// imperative control the session needs from the media transport.
type DataPublisher interface {
	PublishData(ctx context.Context, payload []byte) error
}

// DataPublisherFunc adapts a function to DataPublisher.
type DataPublisherFunc func(ctx context.Context, payload []byte) error

// PublishData calls f.
func (f DataPublisherFunc) PublishData(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Recorder receives finalized messages for persistence. It must not block.
// *storage.Recorder implements it.
type Recorder interface {
	Record(rec storage.Record) bool
}

// EventPublisher broadcasts log changes. *events.Publisher implements it.
type EventPublisher interface {
	PublishChange(ctx context.Context, conversationID, room string, c conversation.Change) error
}

// Config configures a Session.
type Config struct {
	ConversationID string `yaml:"conversation_id"`
	Room           string `yaml:"room"`
	// LocalIdentity authors optimistic echoes of outbound messages.
	LocalIdentity string `yaml:"local_identity"`
	// QueueSize bounds pending events (default: 256).
	QueueSize int `yaml:"queue_size"`
	// PublishQueueSize bounds pending change events (default: 256).
	PublishQueueSize int `yaml:"publish_queue_size"`
	// PublishTimeout bounds one change-event publish (default: 5s).
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// Defaults
const (
	DefaultQueueSize      = 256
	DefaultPublishTimeout = 5 * time.Second
	DefaultLocalIdentity  = "local"
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PublishQueueSize <= 0 {
		c.PublishQueueSize = DefaultQueueSize
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.LocalIdentity == "" {
		c.LocalIdentity = DefaultLocalIdentity
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithDataPublisher sets the outbound transport. Without one, SendMessage
// only echoes locally.
func WithDataPublisher(p DataPublisher) Option {
	return func(s *Session) { s.data = p }
}

// WithRecorder persists finalized messages.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithEventPublisher broadcasts every log change.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Session) { s.publisher = p }
}

// WithMetrics records event and delivery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTracer sets the tracer for outbound I/O spans.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Session) { s.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) { s.logger = l }
}
