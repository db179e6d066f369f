package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"taskdesk/internal/domain"
	"taskdesk/internal/repo"
)

// DelayTracker keeps at most one open delay per task.
type DelayTracker struct {
	Repo repo.Repo
	Now  func() time.Time
}

type DelayOptions struct {
	DelayFor  int64
	DelayedBy string
	Reason    string
	Snoozed   *bool
}

// OpenDelay closes the current open delay, if any, and opens a new one.
func (d DelayTracker) OpenDelay(ctx context.Context, tx *sqlx.Tx, taskID string, opts DelayOptions) (domain.DelayedTask, error) {
	if err := d.CloseOpenDelay(ctx, tx, taskID); err != nil {
		return domain.DelayedTask{}, err
	}
	delay := domain.DelayedTask{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		DelayFor:  opts.DelayFor,
		DelayedAt: d.Now(),
		DelayedBy: opts.DelayedBy,
		Snoozed:   opts.Snoozed,
	}
	if opts.Reason != "" {
		reason := opts.Reason
		delay.Reason = &reason
	}
	if err := d.Repo.InsertDelay(ctx, tx, delay); err != nil {
		return domain.DelayedTask{}, err
	}
	return delay, nil
}

// CloseOpenDelay expires the open delay, overwriting delay_for with the
// realized duration in seconds. It does nothing when no delay is open.
func (d DelayTracker) CloseOpenDelay(ctx context.Context, tx *sqlx.Tx, taskID string) error {
	open, err := d.Repo.OpenDelay(ctx, tx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := d.Now()
	return d.Repo.ExpireDelay(ctx, tx, open.ID, now, realized(open.DelayedAt, now))
}

func realized(from, to time.Time) int64 {
	elapsed := to.Sub(from).Round(time.Second)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / time.Second)
}
