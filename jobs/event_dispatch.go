package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/lodestar-wms/lodestar/internal/jobs"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

// TaskEventDispatch drains the domain event outbox.
const TaskEventDispatch = "events:dispatch"

// EventDispatchPayload carries scheduling metadata.
type EventDispatchPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	BatchSize    int       `json:"batch_size"`
}

// NewEventDispatchTask constructs the outbox drain task.
func NewEventDispatchTask(batchSize int) (*asynq.Task, error) {
	body, err := json.Marshal(EventDispatchPayload{ScheduledFor: time.Now().UTC(), BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskEventDispatch, body, asynq.Queue(QueueDefault)), nil
}

// EventDispatchJob hands undispatched events to downstream consumers. The
// current consumer is the structured log; the outbox keeps the contract so a
// broker can be attached without touching the writers.
type EventDispatchJob struct {
	sink    *shared.EventSink
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewEventDispatchJob constructs the job. metrics may be nil.
func NewEventDispatchJob(sink *shared.EventSink, logger *slog.Logger, metrics *jobmetrics.Metrics) *EventDispatchJob {
	return &EventDispatchJob{sink: sink, logger: logger, metrics: metrics}
}

// Handle processes one drain run. Events are marked dispatched one by one so
// a failure mid-batch never re-delivers the earlier ones.
func (j *EventDispatchJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload EventDispatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.metrics.Track(TaskEventDispatch).End(j.drain(ctx, payload))
}

func (j *EventDispatchJob) drain(ctx context.Context, payload EventDispatchPayload) error {
	events, err := j.sink.ListUndispatched(ctx, payload.BatchSize)
	if err != nil {
		return err
	}
	for _, event := range events {
		j.logger.Info("domain event",
			slog.String("event", event.EventName),
			slog.String("aggregate_type", event.AggregateType),
			slog.String("aggregate_id", event.AggregateID.String()),
			slog.String("correlation_id", event.CorrelationID.String()),
		)
		if err := j.sink.MarkDispatched(ctx, event.ID); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		j.logger.Info("outbox drained", slog.Int("count", len(events)))
	}
	return nil
}
