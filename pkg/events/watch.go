package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/convlog/pkg/logging"
)

// Handler receives decoded message events.
type Handler func(MessageEvent)

// Watch subscribes to ChannelConversationMessage and calls h for every
// event whose conversation id matches filter (all events when empty). It
// returns when ctx is done. Undecodable payloads are logged and skipped.
func Watch(ctx context.Context, client *redis.Client, filter string, h Handler, logger logging.Logger) error {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	sub := client.Subscribe(ctx, ChannelConversationMessage)
	defer sub.Close()

	// Wait for confirmation so a bad connection fails fast.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ChannelConversationMessage, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			dispatch([]byte(msg.Payload), filter, h, logger)
		}
	}
}

func dispatch(payload []byte, filter string, h Handler, logger logging.Logger) {
	event, err := DecodeMessageEvent(payload)
	if err != nil {
		logger.Warn("Skipping undecodable event", logging.Err(err))
		return
	}
	if filter != "" && event.ConversationID != filter {
		return
	}
	h(event)
}
