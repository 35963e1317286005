// Package events publishes conversation log changes to Redis.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	"github.com/otherjamesbrown/convlog/pkg/logging"
)

// Redis channel for conversation message events
const (
	ChannelConversationMessage = "events.conversation.message"
)

// Event types, one per log change kind.
const (
	EventMessageAppended  = "conversation.message.appended"
	EventMessageUpdated   = "conversation.message.updated"
	EventMessageFinalized = "conversation.message.finalized"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventType     string    `json:"event_type" yaml:"event_type"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	CorrelationID *string   `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	Source        string    `json:"source" yaml:"source"`
	Version       string    `json:"version" yaml:"version"`
}

// NewBaseEvent creates a BaseEvent with sensible defaults.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "convlog",
		Version:   "1.0",
	}
}

// MessageEvent is published after every conversation log mutation.
type MessageEvent struct {
	BaseEvent `yaml:",inline"`

	ConversationID string `json:"conversation_id" yaml:"conversation_id"`
	Room           string `json:"room,omitempty" yaml:"room,omitempty"`

	Index      int                  `json:"index" yaml:"index"`
	PreviousID *string              `json:"previous_id,omitempty" yaml:"previous_id,omitempty"`
	Message    conversation.Message `json:"message" yaml:"message"`
}

// EventTypeFor maps a change kind to its event type.
func EventTypeFor(kind conversation.ChangeKind) string {
	switch kind {
	case conversation.ChangeUpdated:
		return EventMessageUpdated
	case conversation.ChangeFinalized:
		return EventMessageFinalized
	default:
		return EventMessageAppended
	}
}

// NewMessageEvent builds the event for a log change.
func NewMessageEvent(conversationID, room string, c conversation.Change) MessageEvent {
	event := MessageEvent{
		BaseEvent:      NewBaseEvent(EventTypeFor(c.Kind)),
		ConversationID: conversationID,
		Room:           room,
		Index:          c.Index,
		Message:        c.Message,
	}
	if c.PreviousID != "" {
		prev := c.PreviousID
		event.PreviousID = &prev
	}
	return event
}

// DecodeMessageEvent parses a payload received on ChannelConversationMessage.
func DecodeMessageEvent(payload []byte) (MessageEvent, error) {
	var event MessageEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return MessageEvent{}, fmt.Errorf("failed to decode message event: %w", err)
	}
	return event, nil
}

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher publishes conversation events to Redis.
type Publisher struct {
	client redisClient
	logger logging.Logger
}

// PublisherConfig holds Redis connection configuration.
type PublisherConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port.
func (c PublisherConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewPublisher creates a new event publisher.
func NewPublisher(client *redis.Client, logger logging.Logger) *Publisher {
	return newPublisher(client, logger)
}

func newPublisher(client redisClient, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Publisher{
		client: client,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// NewPublisherFromConfig creates a publisher with a new Redis connection.
func NewPublisherFromConfig(cfg PublisherConfig, logger logging.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPublisher(client, logger), nil
}

// PublishChange publishes one conversation log change.
func (p *Publisher) PublishChange(ctx context.Context, conversationID, room string, c conversation.Change) error {
	return p.publish(ctx, ChannelConversationMessage, NewMessageEvent(conversationID, room, c))
}

// publish serializes and publishes an event to Redis.
func (p *Publisher) publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", channel))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Event published",
		logging.F("channel", channel),
		logging.F("payload_size", len(data)))

	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
