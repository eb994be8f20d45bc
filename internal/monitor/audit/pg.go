package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
)

var _ Store = (*PGStore)(nil)

type auditModel struct {
	tableName struct{} `pg:"preview_audit"`

	ID        string         `pg:"id,pk"`
	Kind      Kind           `pg:"kind,notnull"`
	Type      string         `pg:"type,notnull"`
	Severity  string         `pg:"severity,notnull"`
	Message   string         `pg:"message"`
	Payload   map[string]any `pg:"payload,type:jsonb"`
	CreatedAt time.Time      `pg:"created_at,notnull"`
}

// PGStore 把审计记录写入会话所在的 Postgres
type PGStore struct {
	db *pg.DB
}

func NewPGStore(db *pg.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	err := s.db.ModelContext(ctx, (*auditModel)(nil)).CreateTable(&orm.CreateTableOptions{IfNotExists: true})
	if err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS preview_audit_created_at_idx ON preview_audit (created_at DESC)`)
	if err != nil {
		return fmt.Errorf("create audit index: %w", err)
	}
	return nil
}

func (s *PGStore) Save(ctx context.Context, rec Record) error {
	m := &auditModel{
		ID:        rec.ID,
		Kind:      rec.Kind,
		Type:      rec.Type,
		Severity:  rec.Severity,
		Message:   rec.Message,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}
	if _, err := s.db.ModelContext(ctx, m).OnConflict("(id) DO NOTHING").Insert(); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PGStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	var models []auditModel
	err := s.db.ModelContext(ctx, &models).
		Order("created_at DESC").
		Limit(limit).
		Select()
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(models))
	for _, m := range models {
		out = append(out, Record{
			ID:        m.ID,
			Kind:      m.Kind,
			Type:      m.Type,
			Severity:  m.Severity,
			Message:   m.Message,
			Payload:   m.Payload,
			CreatedAt: m.CreatedAt,
		})
	}
	return out, nil
}

// Close 不做任何事，数据库连接由 server 持有
func (s *PGStore) Close() error { return nil }
