package conversation

import (
	"strings"
	"time"

	"github.com/otherjamesbrown/convlog/pkg/logging"
)

// Reconciler owns a conversation log and applies ingestion events to it.
//
// With LaneLookupTail (the default) lane lookup only inspects the tail of
// the log: a batch coalesces into the last entry when that entry is an open
// partial of the same (role, speaker) lane. A batch from any other lane
// appends, which closes the coalescing window of every open entry behind it.
// This holds for turn-taking dialogue where one speaker's batches finalize
// before the next speaker's begin. LaneLookupIndex keeps coalescing per lane
// regardless of interleaving.
//
// A Reconciler is not safe for concurrent use; callers serialize events,
// typically through a session.Session.
type Reconciler struct {
	cfg       Config
	roles     RoleInferrer
	envelopes envelopeFilter
	ids       IDGenerator
	now       func() time.Time
	logger    logging.Logger

	messages  []Message
	open      map[laneKey]int
	listeners []subscription
	nextSubID int
}

type laneKey struct {
	role    Role
	speaker string
}

type subscription struct {
	id int
	fn Listener
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Reconciler) {
		r.ids = g
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Reconciler) {
		r.logger = l
	}
}

// NewReconciler creates a Reconciler with an empty log. Empty config fields
// take their defaults.
func NewReconciler(cfg Config, opts ...Option) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{
		cfg:       cfg,
		roles:     NewRoleInferrer(cfg.AgentMarkers),
		envelopes: newEnvelopeFilter(cfg),
		ids:       UUIDGenerator{},
		now:       time.Now,
		logger:    logging.NewNopLogger(),
		open:      make(map[laneKey]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.F("component", "reconciler"))
	return r
}

// InferRole classifies a participant identity using the configured markers.
func (r *Reconciler) InferRole(identity string) Role {
	return r.roles.Infer(identity)
}

// IngestDataChannelPayload applies one data-channel payload. Structured
// control envelopes are dropped; anything else is appended verbatim as a
// finalized message. It reports whether the log changed.
func (r *Reconciler) IngestDataChannelPayload(raw []byte, senderID string) (Message, bool) {
	text := DecodePayload(raw)

	if kind, ok := r.envelopes.match(text); ok {
		r.logger.Debug("Dropped control envelope",
			logging.F("sender_id", senderID),
			logging.F("discriminator", kind))
		return Message{}, false
	}

	if senderID == "" {
		senderID = r.cfg.UnknownSender
	}

	msg := Message{
		ID:        dataIDPrefix + r.ids.NewID(),
		Role:      r.roles.Infer(senderID),
		SpeakerID: senderID,
		Content:   text,
		Timestamp: r.now(),
		Finalized: true,
	}
	r.append(msg)
	return msg, true
}

// IngestTranscriptionBatch applies one batch of speech-to-text segments from
// speakerID. Partial batches coalesce into the open tail entry of the same
// lane; a final batch closes it. Whitespace-only batches are ignored. It
// reports whether the log changed.
func (r *Reconciler) IngestTranscriptionBatch(segments []Segment, speakerID string) (Message, bool) {
	texts := make([]string, len(segments))
	isFinal := false
	for i, s := range segments {
		texts[i] = s.Text
		if s.Final {
			isFinal = true
		}
	}
	text := strings.Join(texts, " ")
	if strings.TrimSpace(text) == "" {
		return Message{}, false
	}

	role := r.roles.Infer(speakerID)
	if speakerID == "" {
		speakerID = r.cfg.UserPlaceholder
	}
	now := r.now()

	key := laneKey{role: role, speaker: speakerID}
	if idx, ok := r.openEntry(key); ok {
		entry := &r.messages[idx]
		entry.Content = text
		entry.Timestamp = now
		if !isFinal {
			r.logger.Debug("Coalesced partial transcript",
				logging.F("message_id", entry.ID),
				logging.F("speaker_id", speakerID))
			r.notify(Change{Kind: ChangeUpdated, Index: idx, Message: *entry})
			return *entry, true
		}

		prev := entry.ID
		entry.ID = DeriveFinalID(entry.ID, r.cfg.FinalIDSuffix)
		entry.Finalized = true
		delete(r.open, key)
		r.logger.Debug("Finalized transcript",
			logging.F("message_id", entry.ID),
			logging.F("speaker_id", speakerID))
		r.notify(Change{Kind: ChangeFinalized, Index: idx, Message: *entry, PreviousID: prev})
		return *entry, true
	}

	id := transcriptIDPrefix + r.ids.NewID()
	if isFinal {
		id = DeriveFinalID(id, r.cfg.FinalIDSuffix)
	}
	msg := Message{
		ID:        id,
		Role:      role,
		SpeakerID: speakerID,
		Content:   text,
		Timestamp: now,
		Finalized: isFinal,
	}
	r.append(msg)
	if !isFinal {
		r.open[key] = len(r.messages) - 1
	}
	return msg, true
}

// AppendOutboundMessage records a locally composed message as a finalized
// user entry before the transport has confirmed delivery. Whitespace-only
// content is ignored.
func (r *Reconciler) AppendOutboundMessage(content, authorID string) (Message, bool) {
	if strings.TrimSpace(content) == "" {
		return Message{}, false
	}
	if authorID == "" {
		authorID = r.cfg.UserPlaceholder
	}
	msg := Message{
		ID:        localIDPrefix + r.ids.NewID(),
		Role:      RoleUser,
		SpeakerID: authorID,
		Content:   content,
		Timestamp: r.now(),
		Finalized: true,
	}
	r.append(msg)
	return msg, true
}

// AppendSystemMessage records a locally generated informational entry.
func (r *Reconciler) AppendSystemMessage(content string) (Message, bool) {
	if strings.TrimSpace(content) == "" {
		return Message{}, false
	}
	msg := Message{
		ID:        systemIDPrefix + r.ids.NewID(),
		Role:      RoleSystem,
		SpeakerID: string(RoleSystem),
		Content:   content,
		Timestamp: r.now(),
		Finalized: true,
	}
	r.append(msg)
	return msg, true
}

// Subscribe registers l for every subsequent mutation. The returned
// function removes it.
func (r *Reconciler) Subscribe(l Listener) (unsubscribe func()) {
	id := r.nextSubID
	r.nextSubID++
	r.listeners = append(r.listeners, subscription{id: id, fn: l})
	return func() {
		// notify may be ranging over the current slice, so never edit it in place.
		kept := make([]subscription, 0, len(r.listeners))
		for _, s := range r.listeners {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		r.listeners = kept
	}
}

// Messages returns a copy of the log in insertion order.
func (r *Reconciler) Messages() []Message {
	return append([]Message(nil), r.messages...)
}

// Len returns the number of log entries.
func (r *Reconciler) Len() int {
	return len(r.messages)
}

// Tail returns the most recently appended entry.
func (r *Reconciler) Tail() (Message, bool) {
	if len(r.messages) == 0 {
		return Message{}, false
	}
	return r.messages[len(r.messages)-1], true
}

// openEntry returns the index of the entry a batch for key should mutate.
func (r *Reconciler) openEntry(key laneKey) (int, bool) {
	if r.cfg.LaneLookup == LaneLookupIndex {
		idx, ok := r.open[key]
		return idx, ok
	}

	idx := len(r.messages) - 1
	if idx < 0 {
		return 0, false
	}
	tail := r.messages[idx]
	if !tail.lane(key.role, key.speaker) || tail.Finalized {
		return 0, false
	}
	return idx, true
}

func (r *Reconciler) append(msg Message) {
	r.messages = append(r.messages, msg)
	r.notify(Change{Kind: ChangeAppended, Index: len(r.messages) - 1, Message: msg})
}

func (r *Reconciler) notify(c Change) {
	for _, s := range r.listeners {
		s.fn(c)
	}
}
