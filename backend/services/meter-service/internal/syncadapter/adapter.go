package syncadapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"prepaidmeter/backend/services/meter-service/internal/docstore"
	"prepaidmeter/backend/services/meter-service/internal/ledger"
)

// DocumentStore is the remote collection the adapter transports sessions to and from.
type DocumentStore interface {
	AddDocument(ctx context.Context, id string, fields map[string]string) (string, error)
	UpdateDocument(ctx context.Context, id string, fields map[string]string) error
	Snapshot(ctx context.Context) ([]docstore.Document, error)
	Subscribe(ctx context.Context, onChange func([]docstore.Document)) (func(), error)
}

// Adapter moves ledger sessions into the document store and feeds store snapshots back.
// It never computes session values itself.
type Adapter struct {
	store  DocumentStore
	logger *zap.Logger
}

// NewAdapter builds an adapter over store.
func NewAdapter(store DocumentStore, logger *zap.Logger) *Adapter {
	return &Adapter{
		store:  store,
		logger: logger.Named("syncadapter"),
	}
}

// Subscribe calls onChange with the full set of live sessions whenever the collection
// changes, including changes made through this adapter. Retired and malformed documents are
// left out. The returned function cancels the subscription without touching the store.
func (a *Adapter) Subscribe(ctx context.Context, onChange func([]ledger.Session)) (func(), error) {
	return a.store.Subscribe(ctx, func(docs []docstore.Document) {
		onChange(a.decode(docs))
	})
}

// Sessions loads the live sessions once.
func (a *Adapter) Sessions(ctx context.Context) ([]ledger.Session, error) {
	docs, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return a.decode(docs), nil
}

func (a *Adapter) decode(docs []docstore.Document) []ledger.Session {
	sessions := make([]ledger.Session, 0, len(docs))
	for _, doc := range docs {
		s, retired, err := decodeSession(doc)
		if err != nil {
			a.logger.Warn("skipping malformed session document", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		if retired {
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// Create persists a new session and returns the id confirmed by the store.
func (a *Adapter) Create(ctx context.Context, s ledger.Session) (string, error) {
	id, err := a.store.AddDocument(ctx, s.ID, encodeSession(s))
	if err != nil {
		return "", fmt.Errorf("sync: create session: %w", err)
	}
	return id, nil
}

// Update persists a partial update of an existing session.
func (a *Adapter) Update(ctx context.Context, id string, fields Fields) error {
	if err := a.store.UpdateDocument(ctx, id, fields.encode()); err != nil {
		return fmt.Errorf("sync: update session: %w", err)
	}
	return nil
}

// Save writes fields onto the session's document, creating the full document from s when the
// store has never seen it, e.g. after its create failed.
func (a *Adapter) Save(ctx context.Context, s ledger.Session, fields Fields) error {
	err := a.Update(ctx, s.ID, fields)
	if !errors.Is(err, docstore.ErrNotFound) {
		return err
	}
	a.logger.Info("session document missing, creating it", zap.String("id", s.ID))
	doc := encodeSession(s)
	for k, v := range fields.encode() {
		doc[k] = v
	}
	if _, err := a.store.AddDocument(ctx, s.ID, doc); err != nil {
		return fmt.Errorf("sync: create session: %w", err)
	}
	return nil
}

// Retire marks a session stopped and excluded from future snapshots. The document is kept,
// and written already retired when the store never received it.
func (a *Adapter) Retire(ctx context.Context, s ledger.Session, at time.Time) error {
	return a.Save(ctx, s, RetireFields(at))
}
