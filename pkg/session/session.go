// Package session runs a conversation Reconciler on a single goroutine and
// connects it to the outbound transport, persistence and change events.
//
// SDK callbacks may call Handle* from any goroutine; events are applied one
// at a time in arrival order.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	clerrors "github.com/otherjamesbrown/convlog/pkg/errors"
	"github.com/otherjamesbrown/convlog/pkg/events"
	"github.com/otherjamesbrown/convlog/pkg/logging"
	"github.com/otherjamesbrown/convlog/pkg/observability"
	"github.com/otherjamesbrown/convlog/pkg/storage"
)

type eventKind int

const (
	kindTranscription eventKind = iota
	kindData
	kindOutbound
	kindSystem
	kindSnapshot
)

func (k eventKind) source() string {
	switch k {
	case kindTranscription:
		return observability.SourceTranscription
	case kindData:
		return observability.SourceData
	case kindOutbound:
		return observability.SourceOutbound
	default:
		return observability.SourceSystem
	}
}

type result struct {
	msg      conversation.Message
	ok       bool
	snapshot []conversation.Message
}

type event struct {
	kind     eventKind
	segments []conversation.Segment
	payload  []byte
	identity string
	content  string
	reply    chan result
}

// Session serializes events into a Reconciler.
type Session struct {
	cfg        Config
	reconciler *conversation.Reconciler

	data      DataPublisher
	recorder  Recorder
	publisher EventPublisher
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    logging.Logger

	events    chan event
	changes   chan conversation.Change
	done      chan struct{}
	closeOnce sync.Once
	running   atomic.Bool

	// current is the source of the event being applied; loop goroutine only.
	current eventKind
}

// New creates a session around r. Call Run to start processing.
func New(cfg Config, r *conversation.Reconciler, opts ...Option) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:        cfg,
		reconciler: r,
		logger:     logging.NewNopLogger(),
		events:     make(chan event, cfg.QueueSize),
		changes:    make(chan conversation.Change, cfg.PublishQueueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = observability.NewTracer()
	}
	s.logger = s.logger.With(
		logging.F("component", "session"),
		logging.F("conversation_id", cfg.ConversationID),
		logging.F("room", cfg.Room))

	r.Subscribe(s.onChange)
	return s
}

// ConversationID returns the id the session persists and publishes under.
func (s *Session) ConversationID() string {
	return s.cfg.ConversationID
}

// Run applies queued events until ctx is done or Close is called. Events
// still queued at that point are discarded. Run returns ctx.Err() on
// cancellation and nil after Close.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: session already running", clerrors.ErrInvalidState)
	}

	var wg sync.WaitGroup
	if s.publisher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.publishLoop()
		}()
	}
	defer func() {
		close(s.changes)
		wg.Wait()
	}()

	s.logger.Debug("Session started")
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return ctx.Err()
		case <-s.done:
			return nil
		case ev := <-s.events:
			s.apply(ev)
			s.metrics.SetQueueDepth(len(s.events))
		}
	}
}

// Close stops the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// HandleTranscription queues a transcription batch from speakerID.
func (s *Session) HandleTranscription(ctx context.Context, segments []conversation.Segment, speakerID string) error {
	return s.enqueue(ctx, event{kind: kindTranscription, segments: segments, identity: speakerID})
}

// HandleData queues a data-channel payload from senderID. The payload is
// copied, so callers may reuse the buffer.
func (s *Session) HandleData(ctx context.Context, payload []byte, senderID string) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return s.enqueue(ctx, event{kind: kindData, payload: buf, identity: senderID})
}

// SendMessage appends an optimistic echo of content and then publishes it
// to the data channel. A publish failure is returned but the echo stays in
// the log. Whitespace-only content is rejected with ErrEmptyContent.
func (s *Session) SendMessage(ctx context.Context, content string) (conversation.Message, error) {
	if strings.TrimSpace(content) == "" {
		return conversation.Message{}, clerrors.ErrEmptyContent
	}

	res, err := s.call(ctx, event{kind: kindOutbound, content: content, identity: s.cfg.LocalIdentity})
	if err != nil {
		return conversation.Message{}, err
	}
	if !res.ok {
		return conversation.Message{}, clerrors.ErrEmptyContent
	}

	if s.data == nil {
		return res.msg, nil
	}

	payload := []byte(content)
	sendCtx, span := s.tracer.StartSendSpan(ctx, s.cfg.ConversationID, len(payload))
	err = s.data.PublishData(sendCtx, payload)
	if de := clerrors.Classify(err, observability.SinkDataChannel); de != nil {
		observability.EndSpan(span, err, string(de.Code), de.Retryable())
		s.metrics.RecordDeliveryFailure(observability.SinkDataChannel, string(de.Code))
		s.logger.WithContext(ctx).Warn("Failed to publish outbound message",
			logging.Err(err),
			logging.F("message_id", res.msg.ID))
		return res.msg, fmt.Errorf("failed to publish message %s: %w", res.msg.ID, de)
	}
	observability.EndSpan(span, nil, "", false)

	return res.msg, nil
}

// AppendSystem appends a local informational message.
func (s *Session) AppendSystem(ctx context.Context, content string) (conversation.Message, error) {
	res, err := s.call(ctx, event{kind: kindSystem, content: content})
	if err != nil {
		return conversation.Message{}, err
	}
	if !res.ok {
		return conversation.Message{}, clerrors.ErrEmptyContent
	}
	return res.msg, nil
}

// Messages returns a snapshot of the log taken after every event queued
// before the call has been applied.
func (s *Session) Messages(ctx context.Context) ([]conversation.Message, error) {
	res, err := s.call(ctx, event{kind: kindSnapshot})
	if err != nil {
		return nil, err
	}
	return res.snapshot, nil
}

func (s *Session) enqueue(ctx context.Context, ev event) error {
	select {
	case <-s.done:
		return clerrors.ErrSessionClosed
	default:
	}

	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return clerrors.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call queues ev and waits for the loop to apply it.
func (s *Session) call(ctx context.Context, ev event) (result, error) {
	ev.reply = make(chan result, 1)
	if err := s.enqueue(ctx, ev); err != nil {
		return result{}, err
	}

	select {
	case res := <-ev.reply:
		return res, nil
	case <-s.done:
		return result{}, clerrors.ErrSessionClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

func (s *Session) apply(ev event) {
	s.current = ev.kind

	var res result
	switch ev.kind {
	case kindTranscription:
		res.msg, res.ok = s.reconciler.IngestTranscriptionBatch(ev.segments, ev.identity)
	case kindData:
		res.msg, res.ok = s.reconciler.IngestDataChannelPayload(ev.payload, ev.identity)
	case kindOutbound:
		res.msg, res.ok = s.reconciler.AppendOutboundMessage(ev.content, ev.identity)
	case kindSystem:
		res.msg, res.ok = s.reconciler.AppendSystemMessage(ev.content)
	case kindSnapshot:
		res.snapshot = s.reconciler.Messages()
		res.ok = true
	}

	if !res.ok {
		s.metrics.RecordEvent(ev.kind.source(), observability.OutcomeIgnored)
	}
	if ev.reply != nil {
		ev.reply <- res
	}
}

// onChange runs on the loop goroutine for every log mutation.
func (s *Session) onChange(c conversation.Change) {
	s.metrics.RecordEvent(s.current.source(), string(c.Kind))

	if c.Message.Finalized && s.recorder != nil {
		s.recorder.Record(storage.Record{
			ConversationID: s.cfg.ConversationID,
			Room:           s.cfg.Room,
			Seq:            c.Index,
			Message:        c.Message,
			Metadata:       map[string]any{"source": s.current.source()},
		})
	}

	if s.publisher == nil {
		return
	}
	select {
	case s.changes <- c:
	default:
		s.metrics.RecordDeliveryFailure(observability.SinkRedis, "queue_full")
		s.logger.Warn("Change queue full, dropping event",
			logging.F("message_id", c.Message.ID),
			logging.F("kind", string(c.Kind)))
	}
}

// publishLoop delivers queued changes until the queue is closed.
func (s *Session) publishLoop() {
	for c := range s.changes {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
		ctx, span := s.tracer.StartPublishSpan(ctx, events.ChannelConversationMessage)

		err := s.publisher.PublishChange(ctx, s.cfg.ConversationID, s.cfg.Room, c)
		if de := clerrors.Classify(err, observability.SinkRedis); de != nil {
			observability.EndSpan(span, err, string(de.Code), de.Retryable())
			s.metrics.RecordDeliveryFailure(observability.SinkRedis, string(de.Code))
			s.logger.Warn("Failed to publish change",
				logging.Err(err),
				logging.F("message_id", c.Message.ID))
		} else {
			observability.EndSpan(span, nil, "", false)
		}
		cancel()
	}
}
