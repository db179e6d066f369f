package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"taskdesk/internal/domain"
)

const delayColumns = `id,task_id,delay_for,delayed_at,delayed_by,reason,snoozed,expired`

type delayRow struct {
	ID        string         `db:"id"`
	TaskID    string         `db:"task_id"`
	DelayFor  int64          `db:"delay_for"`
	DelayedAt string         `db:"delayed_at"`
	DelayedBy string         `db:"delayed_by"`
	Reason    sql.NullString `db:"reason"`
	Snoozed   sql.NullBool   `db:"snoozed"`
	Expired   sql.NullString `db:"expired"`
}

func (row delayRow) delay() domain.DelayedTask {
	d := domain.DelayedTask{
		ID:        row.ID,
		TaskID:    row.TaskID,
		DelayFor:  row.DelayFor,
		DelayedAt: parseTime(row.DelayedAt),
		DelayedBy: row.DelayedBy,
		Reason:    stringPtr(row.Reason),
		Expired:   timePtr(row.Expired),
	}
	if row.Snoozed.Valid {
		v := row.Snoozed.Bool
		d.Snoozed = &v
	}
	return d
}

// OpenDelay returns the unexpired delay of a task, or domain.ErrNotFound.
func (r Repo) OpenDelay(ctx context.Context, q sqlx.QueryerContext, taskID string) (domain.DelayedTask, error) {
	var row delayRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+delayColumns+` FROM delayed_tasks WHERE task_id=? AND expired IS NULL`, taskID)
	if err != nil {
		if isNoRows(err) {
			return domain.DelayedTask{}, domain.NotFound("open delay for task", taskID)
		}
		return domain.DelayedTask{}, err
	}
	return row.delay(), nil
}

func (r Repo) InsertDelay(ctx context.Context, tx *sqlx.Tx, d domain.DelayedTask) error {
	var snoozed sql.NullBool
	if d.Snoozed != nil {
		snoozed = sql.NullBool{Bool: *d.Snoozed, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO delayed_tasks(`+delayColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.TaskID, d.DelayFor, formatTime(d.DelayedAt), d.DelayedBy, nullString(d.Reason), snoozed, nullTime(d.Expired))
	return err
}

// ExpireDelay closes an open delay, recording the realized duration.
func (r Repo) ExpireDelay(ctx context.Context, tx *sqlx.Tx, id string, expired time.Time, delayFor int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE delayed_tasks SET expired=?, delay_for=? WHERE id=? AND expired IS NULL`,
		formatTime(expired), delayFor, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ListDelays returns every delay of a task, oldest first.
func (r Repo) ListDelays(ctx context.Context, taskID string) ([]domain.DelayedTask, error) {
	var rows []delayRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+delayColumns+` FROM delayed_tasks WHERE task_id=? ORDER BY delayed_at, rowid`, taskID); err != nil {
		return nil, err
	}
	out := make([]domain.DelayedTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.delay())
	}
	return out, nil
}
