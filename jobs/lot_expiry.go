package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lodestar-wms/lodestar/internal/catalog"
	jobmetrics "github.com/lodestar-wms/lodestar/internal/jobs"
)

// TaskLotExpirySweep deactivates lots past their expiration date.
const TaskLotExpirySweep = "catalog:lot_expiry_sweep"

// LotExpiryPayload carries scheduling metadata.
type LotExpiryPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	Limit        int       `json:"limit"`
}

// NewLotExpiryTask constructs the sweep task.
func NewLotExpiryTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(LotExpiryPayload{ScheduledFor: time.Now().UTC(), Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLotExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// LotExpiryJob marks expired lots inactive so allocation stops offering them.
type LotExpiryJob struct {
	catalog *catalog.Repository
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewLotExpiryJob constructs the job. metrics may be nil.
func NewLotExpiryJob(repo *catalog.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) *LotExpiryJob {
	return &LotExpiryJob{catalog: repo, logger: logger, metrics: metrics}
}

// Handle runs one sweep. Each lot is deactivated independently so one broken
// row does not stall the rest.
func (j *LotExpiryJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LotExpiryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	return j.metrics.Track(TaskLotExpirySweep).End(j.sweep(ctx, payload))
}

func (j *LotExpiryJob) sweep(ctx context.Context, payload LotExpiryPayload) error {
	lots, err := j.catalog.ListExpiredActiveLots(ctx, time.Now().UTC(), payload.Limit)
	if err != nil {
		return err
	}
	swept := 0
	for _, lot := range lots {
		if err := j.catalog.DeactivateLot(ctx, lot.ID); err != nil {
			j.logger.Warn("lot deactivation failed",
				slog.String("lot_id", lot.ID.String()), slog.Any("error", err))
			continue
		}
		swept++
	}
	if swept > 0 {
		j.logger.Info("expired lots deactivated", slog.Int("count", swept))
	}
	return nil
}
