package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskdesk/internal/domain"
)

type auditRow struct {
	ID         string         `db:"id"`
	OrgID      string         `db:"org_id"`
	ActorID    string         `db:"actor_id"`
	Operation  string         `db:"operation"`
	Resource   string         `db:"resource"`
	ResourceID sql.NullString `db:"resource_id"`
	CreatedAt  string         `db:"created_at"`
}

// InsertAudit appends one entry. Entries are never updated or deleted.
func (r Repo) InsertAudit(ctx context.Context, e domain.AuditLogEntry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO audit_log(id,org_id,actor_id,operation,resource,resource_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.OrgID, e.ActorID, e.Operation, e.Resource, nullString(e.ResourceID), formatTime(e.CreatedAt))
	return err
}

type AuditFilters struct {
	OrgID      string
	ActorID    string
	Resource   string
	ResourceID string
	Limit      int
}

// ListAudit returns matching entries, most recent first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditLogEntry, error) {
	var clauses []string
	var args []any
	add := func(col, v string) {
		if v != "" {
			clauses = append(clauses, col+"=?")
			args = append(args, v)
		}
	}
	add("org_id", f.OrgID)
	add("actor_id", f.ActorID)
	add("resource", f.Resource)
	add("resource_id", f.ResourceID)
	query := `SELECT id,org_id,actor_id,operation,resource,resource_id,created_at FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []auditRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.AuditLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.AuditLogEntry{
			ID:         row.ID,
			OrgID:      row.OrgID,
			ActorID:    row.ActorID,
			Operation:  row.Operation,
			Resource:   row.Resource,
			ResourceID: stringPtr(row.ResourceID),
			CreatedAt:  parseTime(row.CreatedAt),
		})
	}
	return out, nil
}
