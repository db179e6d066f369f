package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"taskdesk/internal/domain"
	"taskdesk/internal/engine/auth"
)

func (r Repo) EnsureOrg(ctx context.Context, tx *sqlx.Tx, orgID, name string, now time.Time) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organisations(id, name, created_at) VALUES (?,?,?)`, orgID, name, formatTime(now))
	return err
}

func (r Repo) GetOrg(ctx context.Context, orgID string) (domain.Organisation, error) {
	var row struct {
		ID        string `db:"id"`
		Name      string `db:"name"`
		CreatedAt string `db:"created_at"`
	}
	if err := r.DB.GetContext(ctx, &row, `SELECT id,name,created_at FROM organisations WHERE id=?`, orgID); err != nil {
		if isNoRows(err) {
			return domain.Organisation{}, domain.NotFound("organisation", orgID)
		}
		return domain.Organisation{}, err
	}
	return domain.Organisation{ID: row.ID, Name: row.Name, CreatedAt: parseTime(row.CreatedAt)}, nil
}

// ReplacePermissions reseeds the role and permission tables.
func (r Repo) ReplacePermissions(ctx context.Context, tx *sqlx.Tx, perms []auth.Permission) error {
	for _, role := range auth.Roles() {
		if _, err := tx.ExecContext(ctx, `INSERT INTO roles(id, rank) VALUES (?,?) ON CONFLICT(id) DO UPDATE SET rank=excluded.rank`,
			string(role), role.Rank()); err != nil {
			return fmt.Errorf("upsert role %s: %w", role, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions`); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `INSERT INTO permissions(role_id, operation, resource, scope) VALUES (?,?,?,?)`,
			string(p.Role), string(p.Operation), string(p.Resource), string(p.Scope)); err != nil {
			return fmt.Errorf("insert permission %s for %s: %w", p, p.Role, err)
		}
	}
	return nil
}

// ListPermissions implements auth.PermissionSource.
func (r Repo) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	var rows []struct {
		Role      string `db:"role_id"`
		Operation string `db:"operation"`
		Resource  string `db:"resource"`
		Scope     string `db:"scope"`
	}
	if err := r.DB.SelectContext(ctx, &rows, `SELECT role_id, operation, resource, scope FROM permissions`); err != nil {
		return nil, err
	}
	out := make([]auth.Permission, 0, len(rows))
	for _, row := range rows {
		p, err := auth.ParsePermission(auth.Role(row.Role), row.Operation+":"+row.Resource+":"+row.Scope)
		if err != nil {
			return nil, fmt.Errorf("stored permission for %s: %w", row.Role, err)
		}
		out = append(out, p)
	}
	return out, nil
}

const userColumns = `id,org_id,role,name,email,enabled,created_at`

type userRow struct {
	ID        string         `db:"id"`
	OrgID     string         `db:"org_id"`
	Role      string         `db:"role"`
	Name      sql.NullString `db:"name"`
	Email     sql.NullString `db:"email"`
	Enabled   bool           `db:"enabled"`
	CreatedAt string         `db:"created_at"`
}

func (row userRow) user() domain.User {
	return domain.User{
		ID:        row.ID,
		OrgID:     row.OrgID,
		Role:      row.Role,
		Name:      row.Name.String,
		Email:     row.Email.String,
		Enabled:   row.Enabled,
		CreatedAt: parseTime(row.CreatedAt),
	}
}

func (r Repo) InsertUser(ctx context.Context, tx *sqlx.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.OrgID, u.Role, nullable(u.Name), nullable(u.Email), u.Enabled, formatTime(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, q sqlx.QueryerContext, id string) (domain.User, error) {
	if q == nil {
		q = r.DB
	}
	var row userRow
	if err := sqlx.GetContext(ctx, q, &row, `SELECT `+userColumns+` FROM users WHERE id=?`, id); err != nil {
		if isNoRows(err) {
			return domain.User{}, domain.NotFound("user", id)
		}
		return domain.User{}, err
	}
	return row.user(), nil
}

func (r Repo) SetUserRole(ctx context.Context, tx *sqlx.Tx, userID, role string) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET role=? WHERE id=?`, role, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("user", userID)
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context, orgID string) ([]domain.User, error) {
	var rows []userRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+userColumns+` FROM users WHERE org_id=? ORDER BY id`, orgID); err != nil {
		return nil, err
	}
	out := make([]domain.User, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.user())
	}
	return out, nil
}

// OrgOf implements auth.OrgResolver.
func (r Repo) OrgOf(ctx context.Context, userID string) (string, error) {
	var orgID string
	if err := r.DB.GetContext(ctx, &orgID, `SELECT org_id FROM users WHERE id=?`, userID); err != nil {
		if isNoRows(err) {
			return "", domain.NotFound("user", userID)
		}
		return "", err
	}
	return orgID, nil
}

// TenantUsers lists the enabled users of a tenant.
func (r Repo) TenantUsers(ctx context.Context, orgID string) ([]string, error) {
	var ids []string
	err := r.DB.SelectContext(ctx, &ids, `SELECT id FROM users WHERE org_id=? AND enabled=1 ORDER BY id`, orgID)
	return ids, err
}

func (r Repo) InsertLabel(ctx context.Context, tx *sqlx.Tx, l domain.Label) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO labels(id, org_id, name) VALUES (?,?,?)`, l.ID, l.OrgID, l.Name)
	return err
}

// CountOrgLabels counts how many of ids exist in the tenant.
func (r Repo) CountOrgLabels(ctx context.Context, q sqlx.QueryerContext, orgID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`SELECT COUNT(*) FROM labels WHERE org_id=? AND id IN (?)`, orgID, ids)
	if err != nil {
		return 0, err
	}
	var n int
	err = sqlx.GetContext(ctx, q, &n, query, args...)
	return n, err
}
