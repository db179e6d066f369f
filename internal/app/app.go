// Package app wires the database, permission table, outbound queue and
// engine for the CLI and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/domain"
	"taskdesk/internal/engine"
	"taskdesk/internal/engine/auth"
	"taskdesk/internal/events"
	"taskdesk/internal/migrate"
	"taskdesk/internal/notify"
	"taskdesk/internal/repo"
)

type Options struct {
	Workspace         string
	BusyTimeoutMillis int
	Config            *config.Config
	Log               *zap.Logger
}

// Runtime is an opened workspace.
type Runtime struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Config *config.Config
	Perms  *auth.PermissionStore
	Queue  *events.Queue
	Engine engine.Engine
	Log    *zap.Logger
}

// Open migrates the workspace database and builds the engine. Permissions
// are read from the database; an empty table is seeded from the config.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	log := opts.Log
	if log == nil {
		log = zap.L()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace, BusyTimeoutMillis: opts.BusyTimeoutMillis})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn.DB); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	perms, err := auth.LoadPermissionStore(ctx, r)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	if len(perms.Permissions()) == 0 {
		if err := SeedPermissions(ctx, r, cfg); err != nil {
			conn.Close()
			return nil, err
		}
		if err := perms.Reload(ctx, r); err != nil {
			conn.Close()
			return nil, err
		}
	}
	catalog, err := notify.New(cfg.Locale)
	if err != nil {
		conn.Close()
		return nil, err
	}

	queue := events.NewQueue(cfg.Queue.Size, log)
	queue.AddEventSink(events.ActivitySink{Repo: r})
	queue.AddEventSink(events.LogSink{Log: log.Named("activity")})
	queue.AddNotificationSink(events.LogSink{Log: log.Named("notify")})
	if hooks := events.NewWebhookSink(cfg.Webhooks, nil); !hooks.Empty() {
		queue.AddEventSink(hooks)
		queue.AddNotificationSink(hooks)
	}

	eng := engine.New(conn, perms, queue, log)
	eng.Messages = catalog
	return &Runtime{
		DB:     conn,
		Repo:   r,
		Config: cfg,
		Perms:  perms,
		Queue:  queue,
		Engine: eng,
		Log:    log,
	}, nil
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// Start runs the outbound dispatcher and, when interval is positive, the
// scheduled-task releaser until ctx is done. The returned channel closes
// once the queue has drained.
func (rt *Runtime) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		rt.Queue.Run(ctx)
		close(done)
	}()
	if interval > 0 {
		go rt.releaseLoop(ctx, interval)
	}
	return done
}

func (rt *Runtime) releaseLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := rt.Engine.ReleaseDueScheduled(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				rt.Log.Warn("release scheduled tasks", zap.Error(err))
			}
			if len(released) > 0 {
				rt.Log.Info("released scheduled tasks", zap.Int("count", len(released)))
			}
		}
	}
}

// SeedPermissions replaces the role and permission tables with the config's.
func SeedPermissions(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	perms, err := cfg.Permissions()
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.ReplacePermissions(ctx, tx, perms); err != nil {
		return fmt.Errorf("seed permissions: %w", err)
	}
	return tx.Commit()
}

type SeedOptions struct {
	AdminID   string
	AdminRole string
	AdminName string
}

// Seed creates the configured organisation and its first administrator if
// missing, and reseeds permissions. It bypasses authorization: it is how
// the first actor comes to exist.
func (rt *Runtime) Seed(ctx context.Context, opts SeedOptions) (domain.User, error) {
	if opts.AdminID == "" {
		opts.AdminID = "admin"
	}
	if opts.AdminRole == "" {
		opts.AdminRole = string(auth.RoleAdmin)
	}
	role, err := auth.ParseRole(opts.AdminRole)
	if err != nil {
		return domain.User{}, err
	}
	if err := SeedPermissions(ctx, rt.Repo, rt.Config); err != nil {
		return domain.User{}, err
	}
	if err := rt.Perms.Reload(ctx, rt.Repo); err != nil {
		return domain.User{}, err
	}
	now := time.Now().UTC()
	tx, err := rt.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := rt.Repo.EnsureOrg(ctx, tx, rt.Config.Org.ID, rt.Config.Org.Name, now); err != nil {
		return domain.User{}, fmt.Errorf("ensure org: %w", err)
	}
	u, err := rt.Repo.GetUser(ctx, tx, opts.AdminID)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		u = domain.User{
			ID:        opts.AdminID,
			OrgID:     rt.Config.Org.ID,
			Role:      string(role),
			Name:      opts.AdminName,
			Enabled:   true,
			CreatedAt: now,
		}
		if err := rt.Repo.InsertUser(ctx, tx, u); err != nil {
			return domain.User{}, fmt.Errorf("insert admin: %w", err)
		}
		rt.Log.Info("seeded admin", zap.String("user_id", u.ID), zap.String("org_id", u.OrgID), zap.String("role", u.Role))
	default:
		return domain.User{}, err
	}
	return u, tx.Commit()
}

// Actor resolves a user id to the identity the engine acts for.
func (rt *Runtime) Actor(ctx context.Context, userID string) (domain.Actor, error) {
	u, err := rt.Repo.GetUser(ctx, nil, userID)
	if err != nil {
		return domain.Actor{}, err
	}
	if !u.Enabled {
		return domain.Actor{}, fmt.Errorf("user %s is disabled", userID)
	}
	return u.Actor(), nil
}
