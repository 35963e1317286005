// Package conversation merges live transcription batches and data-channel
// payloads from a call into a single ordered, role-attributed message log.
package conversation

import "time"

// Role attributes a message to a side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is reserved for locally generated entries such as an IVR
	// greeting. Remote events never produce it.
	RoleSystem Role = "system"
)

// Message is one entry of the conversation log.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	Role      Role      `json:"role" yaml:"role"`
	SpeakerID string    `json:"speaker_id" yaml:"speaker_id"`
	Content   string    `json:"content" yaml:"content"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"` // last content update
	Finalized bool      `json:"finalized" yaml:"finalized"`
}

// lane reports whether m belongs to the (role, speaker) lane.
func (m Message) lane(role Role, speakerID string) bool {
	return m.Role == role && m.SpeakerID == speakerID
}

// Segment is one speech-to-text fragment of a transcription batch.
type Segment struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// ChangeKind describes how the log was mutated.
type ChangeKind string

const (
	ChangeAppended  ChangeKind = "appended"
	ChangeUpdated   ChangeKind = "updated"
	ChangeFinalized ChangeKind = "finalized"
)

// Change is delivered to listeners after every log mutation.
type Change struct {
	Kind  ChangeKind
	Index int
	// Message is a copy of the entry after the mutation.
	Message Message
	// PreviousID is set when finalization rewrote the entry's id.
	PreviousID string
}

// Listener observes log mutations. It runs synchronously on the writer's
// goroutine and must not call back into the Reconciler, except to
// unsubscribe.
type Listener func(Change)
