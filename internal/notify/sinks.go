package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"gatehouse/internal/platform/kafka/producer"
	"gatehouse/pkg/platform/circuit"
)

// LogSink writes events to the structured log. Secrets are redacted by Event.LogValue.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, "notification", "event", event)
	return nil
}

// Producer is the subset of the Kafka producer used by KafkaSink.
type Producer interface {
	Produce(ctx context.Context, msg *producer.Message) error
}

// ErrCircuitOpen is returned while the Kafka circuit is open and no fallback is set.
var ErrCircuitOpen = errors.New("kafka circuit open")

// KafkaSink publishes events as JSON keyed by candidate, so one candidate's
// events stay ordered within a partition.
type KafkaSink struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
	fallback Sink
}

type KafkaOption func(*KafkaSink)

// WithBreaker short-circuits publishing while the broker keeps failing.
func WithBreaker(b *circuit.Breaker) KafkaOption {
	return func(s *KafkaSink) {
		s.breaker = b
	}
}

// WithFallback receives events the breaker refuses or Kafka rejects.
func WithFallback(sink Sink) KafkaOption {
	return func(s *KafkaSink) {
		s.fallback = sink
	}
}

// NewKafkaSink publishes to topic; an empty topic uses the producer default.
func NewKafkaSink(p Producer, topic string, opts ...KafkaOption) *KafkaSink {
	s := &KafkaSink{producer: p, topic: topic}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, event Event) error {
	if s.breaker != nil && !s.breaker.Allow() {
		return s.fallbackOr(ctx, event, ErrCircuitOpen)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	err = s.producer.Produce(ctx, &producer.Message{
		Topic:   s.topic,
		Key:     []byte(event.CandidateID),
		Value:   body,
		Headers: map[string]string{"kind": string(event.Kind)},
	})
	if s.breaker != nil {
		if err != nil {
			s.breaker.RecordFailure()
		} else {
			s.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return s.fallbackOr(ctx, event, err)
	}
	return nil
}

func (s *KafkaSink) fallbackOr(ctx context.Context, event Event, err error) error {
	if s.fallback == nil {
		return err
	}
	if ferr := s.fallback.Deliver(ctx, event); ferr != nil {
		return errors.Join(err, ferr)
	}
	return nil
}

// TaskNotification is the Asynq task type carrying one event.
const TaskNotification = "notification:deliver"

// Enqueuer is satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSink hands events to a background worker queue, where the mail
// delivery collaborator picks them up with its own retry policy.
type AsynqSink struct {
	client Enqueuer
	queue  string
}

func NewAsynqSink(client Enqueuer, queue string) *AsynqSink {
	if queue == "" {
		queue = "notifications"
	}
	return &AsynqSink{client: client, queue: queue}
}

func (s *AsynqSink) Name() string { return "asynq" }

func (s *AsynqSink) Deliver(ctx context.Context, event Event) error {
	task, err := NewTask(event)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, asynq.Queue(s.queue), asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// NewTask encodes event as an Asynq task.
func NewTask(event Event) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return asynq.NewTask(TaskNotification, body), nil
}

// DecodeTask is the consumer-side inverse of NewTask.
func DecodeTask(task *asynq.Task) (Event, error) {
	var event Event
	if task.Type() != TaskNotification {
		return event, fmt.Errorf("unexpected task type %q", task.Type())
	}
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return event, fmt.Errorf("decode notification: %w", err)
	}
	return event, nil
}
