package repo

import (
	"context"

	"taskdesk/internal/domain"
)

func (r Repo) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO activity(id,org_id,name,summary,occurred_at) VALUES (?,?,?,?,?)`,
		a.ID, a.OrgID, a.Name, a.Summary, formatTime(a.OccurredAt))
	return err
}

// ListActivity returns the tenant feed, newest first.
func (r Repo) ListActivity(ctx context.Context, orgID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []struct {
		ID         string `db:"id"`
		OrgID      string `db:"org_id"`
		Name       string `db:"name"`
		Summary    string `db:"summary"`
		OccurredAt string `db:"occurred_at"`
	}
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id,org_id,name,summary,occurred_at FROM activity WHERE org_id=? ORDER BY occurred_at DESC, rowid DESC LIMIT ?`, orgID, limit); err != nil {
		return nil, err
	}
	out := make([]domain.Activity, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Activity{ID: row.ID, OrgID: row.OrgID, Name: row.Name, Summary: row.Summary, OccurredAt: parseTime(row.OccurredAt)})
	}
	return out, nil
}
