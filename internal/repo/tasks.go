package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"taskdesk/internal/domain"
)

const taskColumns = `id,org_id,title,status,assignee_id,priority,created_by,created_at,started_at,finished_by,finished_at,
status_changed_at,priority_changed_at,scheduled_for,scheduled_notification_period,display_order,label_1,label_2,label_3,version`

type taskRow struct {
	ID                          string         `db:"id"`
	OrgID                       string         `db:"org_id"`
	Title                       string         `db:"title"`
	Status                      string         `db:"status"`
	AssigneeID                  sql.NullString `db:"assignee_id"`
	Priority                    int            `db:"priority"`
	CreatedBy                   string         `db:"created_by"`
	CreatedAt                   string         `db:"created_at"`
	StartedAt                   sql.NullString `db:"started_at"`
	FinishedBy                  sql.NullString `db:"finished_by"`
	FinishedAt                  sql.NullString `db:"finished_at"`
	StatusChangedAt             string         `db:"status_changed_at"`
	PriorityChangedAt           string         `db:"priority_changed_at"`
	ScheduledFor                sql.NullString `db:"scheduled_for"`
	ScheduledNotificationPeriod sql.NullInt64  `db:"scheduled_notification_period"`
	DisplayOrder                int            `db:"display_order"`
	Label1                      sql.NullString `db:"label_1"`
	Label2                      sql.NullString `db:"label_2"`
	Label3                      sql.NullString `db:"label_3"`
	Version                     int64          `db:"version"`
}

func (row taskRow) task() domain.Task {
	t := domain.Task{
		ID:                row.ID,
		OrgID:             row.OrgID,
		Title:             row.Title,
		Status:            domain.TaskStatus(row.Status),
		AssigneeID:        stringPtr(row.AssigneeID),
		Priority:          domain.Priority(row.Priority),
		CreatedBy:         row.CreatedBy,
		CreatedAt:         parseTime(row.CreatedAt),
		StartedAt:         timePtr(row.StartedAt),
		FinishedBy:        stringPtr(row.FinishedBy),
		FinishedAt:        timePtr(row.FinishedAt),
		StatusChangedAt:   parseTime(row.StatusChangedAt),
		PriorityChangedAt: parseTime(row.PriorityChangedAt),
		ScheduledFor:      timePtr(row.ScheduledFor),
		DisplayOrder:      row.DisplayOrder,
		Version:           row.Version,
	}
	if row.ScheduledNotificationPeriod.Valid {
		p := int(row.ScheduledNotificationPeriod.Int64)
		t.ScheduledNotificationPeriod = &p
	}
	for _, l := range []sql.NullString{row.Label1, row.Label2, row.Label3} {
		if l.Valid {
			t.LabelIDs = append(t.LabelIDs, l.String)
		}
	}
	return t
}

func labelArgs(ids []string) [3]sql.NullString {
	var out [3]sql.NullString
	for i := 0; i < len(ids) && i < 3; i++ {
		out[i] = sql.NullString{String: ids[i], Valid: ids[i] != ""}
	}
	return out
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func (r Repo) InsertTask(ctx context.Context, tx *sqlx.Tx, t domain.Task) error {
	labels := labelArgs(t.LabelIDs)
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, string(t.Status), nullString(t.AssigneeID), int(t.Priority), t.CreatedBy, formatTime(t.CreatedAt),
		nullTime(t.StartedAt), nullString(t.FinishedBy), nullTime(t.FinishedAt), formatTime(t.StatusChangedAt),
		formatTime(t.PriorityChangedAt), nullTime(t.ScheduledFor), nullInt(t.ScheduledNotificationPeriod), t.DisplayOrder,
		labels[0], labels[1], labels[2], t.Version)
	return err
}

// UpdateTask writes t if the stored version still equals t.Version, then
// bumps t.Version. A stale version yields domain.ErrConflict.
func (r Repo) UpdateTask(ctx context.Context, tx *sqlx.Tx, t *domain.Task) error {
	labels := labelArgs(t.LabelIDs)
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, status=?, assignee_id=?, priority=?, started_at=?, finished_by=?, finished_at=?,
status_changed_at=?, priority_changed_at=?, scheduled_for=?, scheduled_notification_period=?, display_order=?,
label_1=?, label_2=?, label_3=?, version=version+1 WHERE id=? AND version=?`,
		t.Title, string(t.Status), nullString(t.AssigneeID), int(t.Priority), nullTime(t.StartedAt), nullString(t.FinishedBy),
		nullTime(t.FinishedAt), formatTime(t.StatusChangedAt), formatTime(t.PriorityChangedAt), nullTime(t.ScheduledFor),
		nullInt(t.ScheduledNotificationPeriod), t.DisplayOrder, labels[0], labels[1], labels[2], t.ID, t.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrConflict
	}
	t.Version++
	return nil
}

// GetTask loads a task through q, which may be the DB or an open transaction.
func (r Repo) GetTask(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Task, error) {
	if q == nil {
		q = r.DB
	}
	var row taskRow
	if err := sqlx.GetContext(ctx, q, &row, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id); err != nil {
		if isNoRows(err) {
			return domain.Task{}, domain.NotFound("task", id)
		}
		return domain.Task{}, err
	}
	return row.task(), nil
}

type TaskFilters struct {
	OrgID      string
	Status     domain.TaskStatus
	AssigneeID string
	Unassigned bool
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	} else if f.Unassigned {
		clauses = append(clauses, "assignee_id IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY org_id, display_order, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []taskRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.task())
	}
	return tasks, nil
}

// DueScheduled lists SCHEDULED tasks whose scheduled_for is not after now.
func (r Repo) DueScheduled(ctx context.Context, now time.Time) ([]domain.Task, error) {
	var rows []taskRow
	err := r.DB.SelectContext(ctx, &rows, `SELECT `+taskColumns+` FROM tasks
WHERE status=? AND scheduled_for IS NOT NULL AND scheduled_for <= ? ORDER BY scheduled_for, id`,
		string(domain.StatusScheduled), formatTime(now))
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, row := range rows {
		tasks = append(tasks, row.task())
	}
	return tasks, nil
}

// NextDisplayOrder returns the next free display slot in the tenant.
func (r Repo) NextDisplayOrder(ctx context.Context, tx *sqlx.Tx, orgID string) (int, error) {
	var next int
	err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(display_order), 0) + 1 FROM tasks WHERE org_id=?`, orgID)
	return next, err
}
