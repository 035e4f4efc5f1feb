package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	libdb "prepaidmeter/backend/libs/db"
	"prepaidmeter/backend/services/meter-service/internal/ledger"
)

// Runs against a real database only when METER_TEST_POSTGRES_DSN is set.
func setupRepo(t *testing.T) *SessionRepository {
	t.Helper()
	dsn := os.Getenv("METER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("METER_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := libdb.NewPostgresDB(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	repo := NewSessionRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return repo
}

func TestSessionRepositoryLifecycle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Microsecond)
	s := ledger.Session{
		ID:              uuid.Must(uuid.NewV7()).String(),
		AmountPaid:      2000,
		EnergyStart:     13.3,
		EnergyRemaining: 13.3,
		Running:         true,
		StartedAt:       at,
		LastUpdatedAt:   at,
	}
	if err := repo.Upsert(ctx, s); err != nil {
		t.Fatalf("insert: %v", err)
	}

	s.EnergyRemaining = 0
	s.Running = false
	if err := repo.Upsert(ctx, s); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := repo.MarkRetired(ctx, s.ID, at.Add(time.Minute)); err != nil {
		t.Fatalf("retire: %v", err)
	}

	recent, err := repo.ListRecent(ctx, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var found *ArchivedSession
	for i := range recent {
		if recent[i].ID == s.ID {
			found = &recent[i]
		}
	}
	if found == nil {
		t.Fatalf("archived session %s not listed", s.ID)
	}
	if found.EnergyRemaining != 0 || found.Running || !found.Retired || found.RetiredAt == nil {
		t.Fatalf("unexpected archived row %+v", found)
	}
}

func TestMarkRetiredUnknownSession(t *testing.T) {
	repo := setupRepo(t)
	err := repo.MarkRetired(context.Background(), "missing-"+uuid.NewString(), time.Now())
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
