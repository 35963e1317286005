package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/convlog/pkg/conversation"
	clerrors "github.com/otherjamesbrown/convlog/pkg/errors"
	"github.com/otherjamesbrown/convlog/pkg/observability"
	"github.com/otherjamesbrown/convlog/pkg/storage"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%d", g.n)
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []storage.Record
}

func (f *fakeRecorder) Record(rec storage.Record) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return true
}

func (f *fakeRecorder) all() []storage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Record(nil), f.records...)
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []conversation.Change
	err     error
}

func (f *fakePublisher) PublishChange(_ context.Context, conversationID, room string, c conversation.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conversationID != "conv-1" || room != "room-1" {
		return fmt.Errorf("unexpected target %s/%s", conversationID, room)
	}
	f.changes = append(f.changes, c)
	return f.err
}

func (f *fakePublisher) all() []conversation.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]conversation.Change(nil), f.changes...)
}

type fakeData struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeData) PublishData(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return f.err
}

func testConfig() Config {
	return Config{ConversationID: "conv-1", Room: "room-1", LocalIdentity: "visitor"}
}

func newReconciler() *conversation.Reconciler {
	return conversation.NewReconciler(conversation.DefaultConfig(),
		conversation.WithIDGenerator(&seqIDs{}))
}

// startSession runs s and returns a stop func that closes it and waits for
// Run to return.
func startSession(t *testing.T, s *Session) func() error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			s.Close()
			select {
			case runErr = <-errc:
			case <-time.After(5 * time.Second):
				t.Fatal("Run did not return")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func partial(text string) []conversation.Segment {
	return []conversation.Segment{{Text: text}}
}

func final(text string) []conversation.Segment {
	return []conversation.Segment{{Text: text, Final: true}}
}

func TestSession_AppliesEventsInOrder(t *testing.T) {
	s := New(testConfig(), newReconciler())
	startSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.HandleTranscription(ctx, partial("hel"), "agent-1"))
	require.NoError(t, s.HandleTranscription(ctx, partial("hello"), "agent-1"))
	require.NoError(t, s.HandleTranscription(ctx, final("hello there"), "agent-1"))
	require.NoError(t, s.HandleData(ctx, []byte("hi!"), "customer"))
	require.NoError(t, s.HandleData(ctx, []byte(`{"event_type":"conversation.utterance"}`), "agent-1"))

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "transcript-1-final", msgs[0].ID)
	assert.Equal(t, conversation.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.True(t, msgs[0].Finalized)

	assert.Equal(t, conversation.RoleUser, msgs[1].Role)
	assert.Equal(t, "hi!", msgs[1].Content)
}

func TestSession_HandleDataCopiesPayload(t *testing.T) {
	s := New(testConfig(), newReconciler())
	startSession(t, s)
	ctx := context.Background()

	buf := []byte("first")
	require.NoError(t, s.HandleData(ctx, buf, "customer"))
	copy(buf, "XXXXX")

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "first", msgs[0].Content)
}

func TestSession_SendMessage(t *testing.T) {
	data := &fakeData{}
	s := New(testConfig(), newReconciler(), WithDataPublisher(data))
	startSession(t, s)
	ctx := context.Background()

	msg, err := s.SendMessage(ctx, "book me in")
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleUser, msg.Role)
	assert.Equal(t, "visitor", msg.SpeakerID)
	assert.True(t, msg.Finalized)

	data.mu.Lock()
	require.Len(t, data.sent, 1)
	assert.Equal(t, "book me in", string(data.sent[0]))
	data.mu.Unlock()

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
}

func TestSession_SendMessage_PublishFailureKeepsEcho(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	data := &fakeData{err: errors.New("connection refused")}
	s := New(testConfig(), newReconciler(), WithDataPublisher(data), WithMetrics(metrics))
	startSession(t, s)
	ctx := context.Background()

	msg, err := s.SendMessage(ctx, "are you there?")
	require.Error(t, err)
	assert.NotEmpty(t, msg.ID)

	var de *clerrors.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, clerrors.CodeUnavailable, de.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.DeliveryFailures.WithLabelValues(observability.SinkDataChannel, string(clerrors.CodeUnavailable))))

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "are you there?", msgs[0].Content)
}

func TestSession_SendMessage_Whitespace(t *testing.T) {
	data := &fakeData{}
	s := New(testConfig(), newReconciler(), WithDataPublisher(data))
	startSession(t, s)

	_, err := s.SendMessage(context.Background(), "  \t")
	assert.True(t, clerrors.IsEmptyContent(err))
	assert.Empty(t, data.sent)

	msgs, err := s.Messages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSession_SendMessage_LocalOnly(t *testing.T) {
	s := New(testConfig(), newReconciler())
	startSession(t, s)

	msg, err := s.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Content)
}

func TestSession_AppendSystem(t *testing.T) {
	s := New(testConfig(), newReconciler())
	startSession(t, s)

	msg, err := s.AppendSystem(context.Background(), "Welcome to the clinic")
	require.NoError(t, err)
	assert.Equal(t, conversation.RoleSystem, msg.Role)

	_, err = s.AppendSystem(context.Background(), " ")
	assert.True(t, clerrors.IsEmptyContent(err))
}

func TestSession_RecordsOnlyFinalizedMessages(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(testConfig(), newReconciler(), WithRecorder(rec))
	stop := startSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.HandleTranscription(ctx, partial("one"), "tavus-replica"))
	require.NoError(t, s.HandleTranscription(ctx, partial("one two"), "tavus-replica"))
	require.NoError(t, s.HandleTranscription(ctx, final("one two three"), "tavus-replica"))
	require.NoError(t, s.HandleData(ctx, []byte("chat"), "customer"))
	require.NoError(t, stopAfterDrain(ctx, s, stop))

	records := rec.all()
	require.Len(t, records, 2)
	assert.Equal(t, "transcript-1-final", records[0].Message.ID)
	assert.Equal(t, "conv-1", records[0].ConversationID)
	assert.Equal(t, "room-1", records[0].Room)
	assert.Equal(t, observability.SourceTranscription, records[0].Metadata["source"])
	assert.Equal(t, observability.SourceData, records[1].Metadata["source"])
}

// stopAfterDrain waits for every queued event to be applied, then stops.
func stopAfterDrain(ctx context.Context, s *Session, stop func() error) error {
	if _, err := s.Messages(ctx); err != nil {
		return err
	}
	return stop()
}

func TestSession_PublishesEveryChange(t *testing.T) {
	pub := &fakePublisher{}
	s := New(testConfig(), newReconciler(), WithEventPublisher(pub))
	stop := startSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.HandleTranscription(ctx, partial("a"), "agent"))
	require.NoError(t, s.HandleTranscription(ctx, partial("a b"), "agent"))
	require.NoError(t, s.HandleTranscription(ctx, final("a b c"), "agent"))
	require.NoError(t, stopAfterDrain(ctx, s, stop))

	changes := pub.all()
	require.Len(t, changes, 3)
	assert.Equal(t, conversation.ChangeAppended, changes[0].Kind)
	assert.Equal(t, conversation.ChangeUpdated, changes[1].Kind)
	assert.Equal(t, conversation.ChangeFinalized, changes[2].Kind)
	assert.Equal(t, "transcript-1", changes[2].PreviousID)
}

func TestSession_PublishFailureDoesNotBlock(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pub := &fakePublisher{err: errors.New("redis: client is closed")}
	s := New(testConfig(), newReconciler(), WithEventPublisher(pub), WithMetrics(metrics))
	stop := startSession(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.HandleData(ctx, []byte(fmt.Sprintf("m%d", i)), "customer"))
	}
	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
	require.NoError(t, stop())

	assert.Equal(t, 3.0, testutil.ToFloat64(
		metrics.DeliveryFailures.WithLabelValues(observability.SinkRedis, string(clerrors.CodeUnavailable))))
}

func TestSession_Metrics(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	s := New(testConfig(), newReconciler(), WithMetrics(metrics))
	stop := startSession(t, s)
	ctx := context.Background()

	require.NoError(t, s.HandleTranscription(ctx, partial("x"), "agent"))
	require.NoError(t, s.HandleTranscription(ctx, final("x y"), "agent"))
	require.NoError(t, s.HandleTranscription(ctx, partial("  "), "agent"))
	require.NoError(t, s.HandleData(ctx, []byte(`{"message_type":"system"}`), "agent"))
	require.NoError(t, stopAfterDrain(ctx, s, stop))

	events := metrics.EventsTotal
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues(observability.SourceTranscription, observability.OutcomeAppended)))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues(observability.SourceTranscription, observability.OutcomeFinalized)))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues(observability.SourceTranscription, observability.OutcomeIgnored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues(observability.SourceData, observability.OutcomeIgnored)))
}

func TestSession_ClosedRejectsEvents(t *testing.T) {
	s := New(testConfig(), newReconciler())
	stop := startSession(t, s)
	require.NoError(t, stop())

	ctx := context.Background()
	assert.ErrorIs(t, s.HandleData(ctx, []byte("late"), "x"), clerrors.ErrSessionClosed)
	assert.ErrorIs(t, s.HandleTranscription(ctx, partial("late"), "x"), clerrors.ErrSessionClosed)
	_, err := s.SendMessage(ctx, "late")
	assert.ErrorIs(t, err, clerrors.ErrSessionClosed)
	_, err = s.Messages(ctx)
	assert.ErrorIs(t, err, clerrors.ErrSessionClosed)

	s.Close()
}

func TestSession_RunStopsOnContextCancel(t *testing.T) {
	s := New(testConfig(), newReconciler())
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, s.HandleData(context.Background(), []byte("x"), "y"), clerrors.ErrSessionClosed)
}

func TestSession_RunTwice(t *testing.T) {
	s := New(testConfig(), newReconciler())
	startSession(t, s)

	// The first Run may not have started yet; wait until it serves requests.
	_, err := s.Messages(context.Background())
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.True(t, clerrors.IsInvalidState(err))
}

func TestSession_EnqueueHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	s := New(cfg, newReconciler())
	// Not running, so the queue fills up.
	require.NoError(t, s.HandleData(context.Background(), []byte("a"), "x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.HandleData(ctx, []byte("b"), "x"), context.DeadlineExceeded)
}

func TestSession_ConcurrentProducers(t *testing.T) {
	s := New(testConfig(), newReconciler())
	startSession(t, s)
	ctx := context.Background()

	const producers, perProducer = 8, 25
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, s.HandleData(ctx, []byte(fmt.Sprintf("p%d-%d", p, i)), fmt.Sprintf("user-%d", p)))
			}
		}(p)
	}
	wg.Wait()

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, producers*perProducer)

	seen := make(map[string]bool)
	lastBySender := make(map[string]int)
	for _, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true

		var p, i int
		_, err := fmt.Sscanf(m.Content, "p%d-%d", &p, &i)
		require.NoError(t, err)
		if last, ok := lastBySender[m.SpeakerID]; ok {
			assert.Greater(t, i, last, "per-producer order preserved")
		}
		lastBySender[m.SpeakerID] = i
	}
}
