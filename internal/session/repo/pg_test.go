package repo_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"previewd/internal/session"
	"previewd/internal/session/repo"
	"previewd/internal/tier"

	"github.com/go-pg/pg/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupRepository(t *testing.T) *repo.Repository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("TEST_POSTGRES_ADDR")
	if addr == "" {
		t.Skip("TEST_POSTGRES_ADDR not set")
	}

	db := pg.Connect(&pg.Options{
		Addr:     addr,
		User:     "test",
		Password: "test",
		Database: "testdb",
	})
	t.Cleanup(func() { db.Close() })

	var rdb redis.Cmdable
	if raddr := os.Getenv("TEST_REDIS_ADDR"); raddr != "" {
		client := redis.NewClient(&redis.Options{Addr: raddr})
		t.Cleanup(func() { client.Close() })
		rdb = client
	}

	r := repo.NewRepository(db, rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return r
}

func newSession(claimKey string) *session.Session {
	now := time.Now().UTC().Truncate(time.Millisecond)
	t := tier.Get(tier.Basic)
	return &session.Session{
		ID:        uuid.NewString(),
		UserID:    "user-" + claimKey,
		ProjectID: "project",
		Status:    session.StatusCreating,
		Tier:      t.Name,
		ClaimKey:  claimKey,
		Limits:    session.LimitsFromTier(t),
		ExpiresAt: now.Add(t.MaxDuration),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestRepositoryLifecycle(t *testing.T) {
	r := setupRepository(t)
	ctx := context.Background()
	s := newSession(uuid.NewString())

	if err := r.ClaimAndCreate(ctx, s); err != nil {
		t.Fatalf("ClaimAndCreate: %v", err)
	}
	got, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != session.StatusCreating || got.Limits != s.Limits || got.ClaimKey != s.ClaimKey {
		t.Errorf("stored = %+v", got)
	}

	if err := r.MarkActive(ctx, s.ID, "m-1", "https://previews.fly.dev"); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	// 缓存已失效，读到新状态
	got, _ = r.Get(ctx, s.ID)
	if got.Status != session.StatusActive || got.MachineID != "m-1" {
		t.Errorf("after MarkActive = %+v", got)
	}

	if err := r.MarkActive(ctx, s.ID, "m-2", ""); !errors.Is(err, session.ErrTransitionConflict) {
		t.Errorf("second MarkActive err = %v, want ErrTransitionConflict", err)
	}

	if err := r.MarkEnded(ctx, s.ID); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}
	if err := r.MarkEnded(ctx, s.ID); !errors.Is(err, session.ErrTransitionConflict) {
		t.Errorf("second MarkEnded err = %v", err)
	}
	got, _ = r.Get(ctx, s.ID)
	if got.Status != session.StatusEnded || got.EndedAt == nil {
		t.Errorf("after MarkEnded = %+v", got)
	}

	if err := r.MarkEnded(ctx, uuid.NewString()); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
	if _, err := r.Get(ctx, uuid.NewString()); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("Get missing err = %v", err)
	}
}

func TestRepositoryClaimConflict(t *testing.T) {
	r := setupRepository(t)
	ctx := context.Background()
	key := uuid.NewString()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for range 8 {
		wg.Go(func() {
			err := r.ClaimAndCreate(ctx, newSession(key))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, session.ErrSessionInFlight):
				conflicts++
			default:
				t.Errorf("ClaimAndCreate: %v", err)
			}
		})
	}
	wg.Wait()

	if won != 1 || conflicts != 7 {
		t.Fatalf("won = %d conflicts = %d", won, conflicts)
	}

	existing, err := r.FindByClaimKey(ctx, key)
	if err != nil {
		t.Fatalf("FindByClaimKey: %v", err)
	}
	var cc *session.ClaimConflictError
	if err := r.ClaimAndCreate(ctx, newSession(key)); !errors.As(err, &cc) || cc.Existing.ID != existing.ID {
		t.Errorf("conflict err = %v", err)
	}

	// 结束后 claim key 可重用
	if err := r.MarkEnded(ctx, existing.ID); err != nil {
		t.Fatal(err)
	}
	if err := r.ClaimAndCreate(ctx, newSession(key)); err != nil {
		t.Errorf("claim after end: %v", err)
	}
}

func TestRepositoryErrorAndRelease(t *testing.T) {
	r := setupRepository(t)
	ctx := context.Background()
	s := newSession(uuid.NewString())
	if err := r.ClaimAndCreate(ctx, s); err != nil {
		t.Fatal(err)
	}

	if err := r.MarkError(ctx, s.ID, "machine did not become ready", "m-9"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, _ := r.Get(ctx, s.ID)
	if got.Status != session.StatusError || got.MachineID != "m-9" || got.ErrorMessage == "" {
		t.Errorf("after MarkError = %+v", got)
	}
	if err := r.MarkEnded(ctx, s.ID); !errors.Is(err, session.ErrTransitionConflict) {
		t.Errorf("ending an error session err = %v", err)
	}

	if err := r.ReleaseMachine(ctx, s.ID, "other"); !errors.Is(err, session.ErrTransitionConflict) {
		t.Errorf("release with wrong machine err = %v", err)
	}
	if err := r.ReleaseMachine(ctx, s.ID, "m-9"); err != nil {
		t.Fatalf("ReleaseMachine: %v", err)
	}
	got, _ = r.Get(ctx, s.ID)
	if got.Status != session.StatusError || got.MachineID != "" {
		t.Errorf("after release = %+v", got)
	}
}

func TestRepositoryListings(t *testing.T) {
	r := setupRepository(t)
	ctx := context.Background()

	expired := newSession(uuid.NewString())
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	fresh := newSession(uuid.NewString())
	for _, s := range []*session.Session{expired, fresh} {
		if err := r.ClaimAndCreate(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	list, err := r.ListExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("ListExpired: %v", err)
	}
	if !containsID(list, expired.ID) || containsID(list, fresh.ID) {
		t.Errorf("ListExpired returned wrong sessions")
	}

	live, err := r.ListActiveOrCreating(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !containsID(live, expired.ID) || !containsID(live, fresh.ID) {
		t.Error("ListActiveOrCreating missing sessions")
	}

	mine, err := r.ListByUser(ctx, fresh.UserID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 1 || mine[0].ID != fresh.ID {
		t.Errorf("ListByUser = %d sessions", len(mine))
	}
}

func containsID(list []*session.Session, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
}
