package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

type memTraces struct {
	mu   sync.Mutex
	fail bool
	got  []models.EventEnvelope
}

func (m *memTraces) SaveEventTrace(_ context.Context, e models.EventEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("trace store offline")
	}
	m.got = append(m.got, e)
	return nil
}

type collectSink struct {
	mu  sync.Mutex
	got []models.EventEnvelope
}

func (c *collectSink) Emit(_ context.Context, e models.EventEnvelope) {
	c.mu.Lock()
	c.got = append(c.got, e)
	c.mu.Unlock()
}

func TestJournalSequencesFromOne(t *testing.T) {
	store := &memTraces{}
	sink := &collectSink{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	j := NewJournal(JournalConfig{
		SubmissionID: "sub-1",
		ChatUUID:     "chat-1",
		Store:        store,
		Sink:         sink,
		Metrics:      metrics,
	})

	types := []models.EventType{
		models.EventRequestBuilt, models.EventRequestSent, models.EventStreamStarted,
		models.EventStreamChunk, models.EventStreamCompleted, models.EventSubmissionCompleted,
	}
	for _, typ := range types {
		j.Emit(context.Background(), typ, nil)
	}

	if len(sink.got) != len(types) || len(store.got) != len(types) {
		t.Fatalf("delivered %d, stored %d, want %d", len(sink.got), len(store.got), len(types))
	}
	for i, e := range sink.got {
		if e.Sequence != uint64(i+1) {
			t.Errorf("event %d sequence = %d", i, e.Sequence)
		}
		if e.Type != types[i] || e.SubmissionID != "sub-1" || e.ChatUUID != "chat-1" {
			t.Errorf("event %d = %+v", i, e)
		}
	}
	if j.Sequence() != uint64(len(types)) {
		t.Errorf("Sequence() = %d", j.Sequence())
	}
	if got := testutil.ToFloat64(metrics.EventCounter.WithLabelValues(string(models.EventStreamChunk))); got != 1 {
		t.Errorf("event counter = %v", got)
	}
}

func TestJournalConcurrentEmitsHaveNoGaps(t *testing.T) {
	sink := &collectSink{}
	j := NewJournal(JournalConfig{SubmissionID: "sub-2", Sink: sink})

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.Emit(context.Background(), models.EventToolExecStarted, nil)
		}()
	}
	wg.Wait()

	if len(sink.got) != n {
		t.Fatalf("delivered %d events", len(sink.got))
	}
	for i, e := range sink.got {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("delivery %d has sequence %d", i, e.Sequence)
		}
	}
}

func TestJournalToleratesStoreFailureAndMissingSink(t *testing.T) {
	j := NewJournal(JournalConfig{SubmissionID: "sub-3", Store: &memTraces{fail: true}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env := j.Record(ctx, models.EventSubmissionAborted, map[string]string{"reason": "cancelled"})
	if env.Sequence != 1 {
		t.Errorf("sequence = %d", env.Sequence)
	}

	j.SetChat(9, "chat-9")
	if env := j.Record(context.Background(), models.EventSubmissionFailed, nil); env.ChatID != 9 || env.ChatUUID != "chat-9" {
		t.Errorf("chat identity not applied: %+v", env)
	}
}

func TestSeparateJournalsCountIndependently(t *testing.T) {
	a := NewJournal(JournalConfig{SubmissionID: "a"})
	b := NewJournal(JournalConfig{SubmissionID: "b"})
	a.Emit(context.Background(), models.EventRequestBuilt, nil)
	a.Emit(context.Background(), models.EventRequestSent, nil)
	if env := b.Record(context.Background(), models.EventRequestBuilt, nil); env.Sequence != 1 {
		t.Errorf("second journal started at %d", env.Sequence)
	}
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()

	// no subscribers: silently skipped
	b.Publish(ChannelChat, models.EventEnvelope{Type: models.EventRequestBuilt})

	chat, cancelChat := b.Subscribe(ChannelChat, 1)
	sched, cancelSched := b.Subscribe(ChannelSchedule, 4)
	defer cancelSched()

	j := NewJournal(JournalConfig{SubmissionID: "s", Sink: b.Sink(ChannelChat)})
	j.Emit(context.Background(), models.EventRequestBuilt, nil)
	j.Emit(context.Background(), models.EventRequestSent, nil) // buffer of 1: dropped

	select {
	case e := <-chat:
		if e.Type != models.EventRequestBuilt {
			t.Errorf("chat got %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no chat event")
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d", b.Dropped())
	}

	sj := NewSchedulerJournal(b.Sink(ChannelSchedule))
	sj.Emit(context.Background(), models.EventScheduleUpdated, nil)
	sj.Emit(context.Background(), models.EventMessageCreated, nil)
	for want := uint64(1); want <= 2; want++ {
		e := <-sched
		if e.Sequence != want {
			t.Errorf("scheduler sequence = %d, want %d", e.Sequence, want)
		}
	}

	cancelChat()
	cancelChat()
	if _, open := <-chat; open {
		t.Error("channel still open after cancel")
	}
	if b.Subscribers(ChannelChat) != 0 || b.Subscribers(ChannelSchedule) != 1 {
		t.Error("subscriber counts wrong")
	}
	b.Publish(ChannelChat, models.EventEnvelope{})
}

func TestMultiSinkSkipsNil(t *testing.T) {
	var got []string
	first := NewCallbackSink(func(_ context.Context, e models.EventEnvelope) { got = append(got, "first") })
	second := NewCallbackSink(func(_ context.Context, e models.EventEnvelope) { got = append(got, "second") })
	NewMultiSink(first, nil, second).Emit(context.Background(), models.EventEnvelope{})
	if len(got) != 2 || got[0] != "first" {
		t.Errorf("got %v", got)
	}

	ch := make(chan models.EventEnvelope)
	NewChanSink(ch).Emit(context.Background(), models.EventEnvelope{}) // unbuffered, no reader: dropped
}
