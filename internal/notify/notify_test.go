package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse/internal/platform/kafka/producer"
	"gatehouse/pkg/platform/circuit"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// blockingSink holds deliveries until release is closed.
type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(_ context.Context, e Event) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func TestDispatcher_DeliversToEverySink(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	d := NewDispatcher([]Sink{a, b}, WithLogger(discardLogger()))

	d.Emit(context.Background(), Event{Kind: KindStagePassed, CandidateID: "c-1"})
	d.Close()

	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	assert.False(t, a.Events()[0].OccurredAt.IsZero())
}

func TestDispatcher_DropsWhenFullWithoutBlocking(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	m := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher([]Sink{sink}, WithBuffer(1), WithMetrics(m), WithLogger(discardLogger()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10 {
			d.Emit(context.Background(), Event{Kind: KindReminderDue, CandidateID: "c-1"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}

	close(sink.release)
	d.Close()

	dropped := testutil.ToFloat64(m.Dropped.WithLabelValues(string(KindReminderDue)))
	emitted := testutil.ToFloat64(m.Emitted.WithLabelValues(string(KindReminderDue)))
	assert.Equal(t, float64(10), dropped+emitted)
	assert.GreaterOrEqual(t, dropped, float64(8))
	assert.Len(t, sink.got, int(emitted))
}

func TestDispatcher_EmitAfterCloseIsDropped(t *testing.T) {
	rec := NewRecorder()
	d := NewDispatcher([]Sink{rec}, WithLogger(discardLogger()))
	d.Close()
	d.Close()

	d.Emit(context.Background(), Event{Kind: KindCandidateHired})
	assert.Empty(t, rec.Events())
}

func TestEvent_LogValueRedactsSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger)

	require.NoError(t, sink.Deliver(context.Background(), Event{
		Kind:        KindStageStarted,
		CandidateID: "c-1",
		Secret:      "gk_super-secret",
	}))
	assert.NotContains(t, buf.String(), "gk_super-secret")
	assert.Contains(t, buf.String(), `"carries_secret":true`)
}

type fakeProducer struct {
	err  error
	msgs []*producer.Message
}

func (p *fakeProducer) Produce(_ context.Context, msg *producer.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func TestKafkaSink_PublishesKeyedJSON(t *testing.T) {
	p := &fakeProducer{}
	sink := NewKafkaSink(p, "gatehouse.notifications")

	require.NoError(t, sink.Deliver(context.Background(), Event{Kind: KindGrantExpired, CandidateID: "c-9", Stage: "stage2"}))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "gatehouse.notifications", p.msgs[0].Topic)
	assert.Equal(t, []byte("c-9"), p.msgs[0].Key)
	assert.Equal(t, "grant_expired", p.msgs[0].Headers["kind"])
	assert.JSONEq(t, `{"kind":"grant_expired","candidate_id":"c-9","stage":"stage2","occurred_at":"0001-01-01T00:00:00Z"}`, string(p.msgs[0].Value))
}

func TestKafkaSink_BreakerFallsBack(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	fallback := NewRecorder()
	breaker := circuit.New("kafka", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))
	sink := NewKafkaSink(p, "", WithBreaker(breaker), WithFallback(fallback))

	for range 3 {
		require.NoError(t, sink.Deliver(context.Background(), Event{Kind: KindReminderDue, CandidateID: "c"}))
	}
	assert.Equal(t, circuit.StateOpen, breaker.State())
	assert.Len(t, fallback.Events(), 3)
}

func TestKafkaSink_ErrorWithoutFallback(t *testing.T) {
	sink := NewKafkaSink(&fakeProducer{err: errors.New("broker down")}, "")
	assert.Error(t, sink.Deliver(context.Background(), Event{Kind: KindReminderDue}))
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{}, nil
}

func TestAsynqSink_EnqueuesDecodableTask(t *testing.T) {
	q := &fakeEnqueuer{}
	sink := NewAsynqSink(q, "")

	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, sink.Deliver(context.Background(), Event{Kind: KindReminderDue, CandidateID: "c-2", Offset: 3 * time.Hour, Offsets: []time.Duration{3 * time.Hour, 24 * time.Hour}, OccurredAt: at}))

	require.Len(t, q.tasks, 1)
	got, err := DecodeTask(q.tasks[0])
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, got.Offset)
	assert.Equal(t, []time.Duration{3 * time.Hour, 24 * time.Hour}, got.Offsets)
	assert.Equal(t, at, got.OccurredAt)

	_, err = DecodeTask(asynq.NewTask("other", nil))
	assert.Error(t, err)
}
