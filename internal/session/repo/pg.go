package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"previewd/internal/session"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/redis/go-redis/v9"
)

var _ session.Repository = (*Repository)(nil)

type Repository struct {
	db     *pg.DB
	redis  redis.Cmdable
	logger *slog.Logger
	now    func() time.Time
}

// NewRepository 创建 Postgres 仓库。rdb 可以为 nil，此时不使用读缓存
func NewRepository(db *pg.DB, rdb redis.Cmdable, logger *slog.Logger) *Repository {
	return &Repository{
		db:     db,
		redis:  rdb,
		logger: logger.With("component", "session-repo"),
		now:    time.Now,
	}
}

func (r *Repository) EnsureSchema(ctx context.Context) error {
	err := r.db.ModelContext(ctx, (*sessionModel)(nil)).CreateTable(&orm.CreateTableOptions{IfNotExists: true})
	if err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	// 同一 claim key 同时只能有一个存活会话
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS preview_sessions_live_claim_idx
			ON preview_sessions (claim_key) WHERE status IN ('creating', 'active')`,
		`CREATE INDEX IF NOT EXISTS preview_sessions_status_expires_idx ON preview_sessions (status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS preview_sessions_user_idx ON preview_sessions (user_id, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create sessions index: %w", err)
		}
	}
	return nil
}

func (r *Repository) ClaimAndCreate(ctx context.Context, s *session.Session) error {
	res, err := r.db.ModelContext(ctx, toModel(s)).OnConflict("DO NOTHING").Insert()
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}

	existing, err := r.FindByClaimKey(ctx, s.ClaimKey)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// 冲突的会话刚好结束，交给调用方重试
			return session.ErrSessionInFlight
		}
		return err
	}
	return &session.ClaimConflictError{Existing: existing}
}

// FindByClaimKey 返回持有 key 的存活会话
func (r *Repository) FindByClaimKey(ctx context.Context, key string) (*session.Session, error) {
	m := new(sessionModel)
	err := r.db.ModelContext(ctx, m).
		Where("claim_key = ?", key).
		Where("status IN (?)", pg.In(liveStatuses)).
		Limit(1).
		Select()
	if err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return m.toSession(), nil
}

func (r *Repository) Get(ctx context.Context, id string) (*session.Session, error) {
	if r.redis != nil {
		val, err := r.redis.Get(ctx, sessionCacheKey(id)).Bytes()
		if err == nil {
			var cached sessionModel
			if err := json.Unmarshal(val, &cached); err == nil {
				return cached.toSession(), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			r.logger.Warn("Session cache read failed", "session_id", id, "error", err)
		}
	}

	m := &sessionModel{ID: id}
	if err := r.db.ModelContext(ctx, m).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}

	if r.redis != nil {
		if b, err := json.Marshal(m); err == nil {
			_ = r.redis.Set(ctx, sessionCacheKey(id), b, sessionCacheTTL).Err()
		}
	}
	return m.toSession(), nil
}

func (r *Repository) MarkActive(ctx context.Context, id, machineID, url string) error {
	return r.transition(ctx, id, []session.Status{session.StatusCreating}, func(q *orm.Query) *orm.Query {
		return q.Set("status = ?", session.StatusActive).
			Set("machine_id = ?", machineID).
			Set("machine_url = ?", url)
	})
}

func (r *Repository) MarkError(ctx context.Context, id, message, machineID string) error {
	return r.transition(ctx, id, liveStatuses, func(q *orm.Query) *orm.Query {
		q = q.Set("status = ?", session.StatusError).Set("error_message = ?", message)
		if machineID != "" {
			q = q.Set("machine_id = ?", machineID)
		}
		return q
	})
}

func (r *Repository) MarkEnded(ctx context.Context, id string) error {
	now := r.now()
	return r.transition(ctx, id, liveStatuses, func(q *orm.Query) *orm.Query {
		return q.Set("status = ?", session.StatusEnded).Set("ended_at = ?", now)
	})
}

func (r *Repository) ReleaseMachine(ctx context.Context, id, machineID string) error {
	return r.transition(ctx, id, []session.Status{session.StatusError}, func(q *orm.Query) *orm.Query {
		return q.Set("machine_id = NULL").Where("machine_id = ?", machineID)
	})
}

// transition runs a conditional update. Zero affected rows mean either the
// session is missing or it is no longer in one of the from statuses.
func (r *Repository) transition(ctx context.Context, id string, from []session.Status, apply func(*orm.Query) *orm.Query) error {
	q := r.db.ModelContext(ctx, (*sessionModel)(nil)).
		Set("updated_at = ?", r.now()).
		Where("id = ?", id).
		Where("status IN (?)", pg.In(from))

	res, err := apply(q).Update()
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	r.invalidate(ctx, id)

	if res.RowsAffected() > 0 {
		return nil
	}
	exists, err := r.db.ModelContext(ctx, (*sessionModel)(nil)).Where("id = ?", id).Exists()
	if err != nil {
		return fmt.Errorf("check session %s: %w", id, err)
	}
	if !exists {
		return session.ErrSessionNotFound
	}
	return session.ErrTransitionConflict
}

func (r *Repository) invalidate(ctx context.Context, id string) {
	if r.redis == nil {
		return
	}
	// 缓存失效
	if err := r.redis.Del(ctx, sessionCacheKey(id)).Err(); err != nil {
		r.logger.Warn("Session cache invalidation failed", "session_id", id, "error", err)
	}
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]*session.Session, error) {
	var models []sessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("status IN (?)", pg.In(liveStatuses)).
		Where("expires_at < ?", now).
		Order("expires_at ASC").
		Select()
	if err != nil {
		return nil, err
	}
	return toSessions(models), nil
}

func (r *Repository) ListActiveOrCreating(ctx context.Context) ([]*session.Session, error) {
	var models []sessionModel
	err := r.db.ModelContext(ctx, &models).
		Where("status IN (?)", pg.In(liveStatuses)).
		Order("created_at DESC").
		Select()
	if err != nil {
		return nil, err
	}
	return toSessions(models), nil
}

func (r *Repository) Owners(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []sessionModel
	err := r.db.ModelContext(ctx, &models).
		Column("id", "user_id").
		Where("id IN (?)", pg.In(ids)).
		Select()
	if err != nil {
		return nil, fmt.Errorf("select session owners: %w", err)
	}
	for _, m := range models {
		out[m.ID] = m.UserID
	}
	return out, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]*session.Session, error) {
	var models []sessionModel
	q := r.db.ModelContext(ctx, &models).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Select(); err != nil {
		return nil, err
	}
	return toSessions(models), nil
}
