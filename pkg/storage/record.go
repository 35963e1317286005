// Package storage persists finalized conversation messages to PostgreSQL.
package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	clerrors "github.com/otherjamesbrown/convlog/pkg/errors"
)

// Record is a message to persist together with its conversation context.
type Record struct {
	ConversationID string
	Room           string
	// Seq is the message's position in the conversation log.
	Seq      int
	Message  conversation.Message
	Metadata map[string]any
}

// StoredMessage is a persisted row.
type StoredMessage struct {
	RowID          int64  `json:"row_id" yaml:"row_id"`
	ConversationID string `json:"conversation_id" yaml:"conversation_id"`
	Room           string `json:"room,omitempty" yaml:"room,omitempty"`
	Seq            int    `json:"seq" yaml:"seq"`

	conversation.Message `yaml:",inline"`

	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
}

// BatchResult summarizes a SaveBatch call.
type BatchResult struct {
	// Saved rows were inserted.
	Saved int `json:"saved"`
	// Skipped rows already existed (same conversation and message id) or
	// had blank content.
	Skipped int `json:"skipped"`
	// Failed rows were rejected by validation or lost to a write error.
	Failed int `json:"failed"`
}

// Validate checks that r can be stored. Blank content yields
// ErrEmptyContent; other problems yield ErrValidation.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("%w: conversation id is required", clerrors.ErrValidation)
	}
	if r.Seq < 0 {
		return fmt.Errorf("%w: negative log position %d", clerrors.ErrValidation, r.Seq)
	}
	if r.Message.ID == "" {
		return fmt.Errorf("%w: message id is required", clerrors.ErrValidation)
	}
	switch r.Message.Role {
	case conversation.RoleUser, conversation.RoleAssistant, conversation.RoleSystem:
	default:
		return fmt.Errorf("%w: unknown role %q", clerrors.ErrValidation, r.Message.Role)
	}
	if strings.TrimSpace(r.Message.Content) == "" {
		return fmt.Errorf("message %s: %w", r.Message.ID, clerrors.ErrEmptyContent)
	}
	return nil
}

func (r Record) metadata() map[string]any {
	if r.Metadata == nil {
		return map[string]any{}
	}
	return r.Metadata
}
