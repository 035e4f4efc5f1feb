package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func setupCollection(t *testing.T) (*Collection, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewCollection(client, "test-sessions", zaptest.NewLogger(t)), mr
}

func TestCollectionAddAndSnapshotKeepsOrder(t *testing.T) {
	c, _ := setupCollection(t)
	ctx := context.Background()

	ids := []string{"b", "a", "c"}
	for _, id := range ids {
		got, err := c.AddDocument(ctx, id, map[string]string{"value": id})
		if err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		if got != id {
			t.Fatalf("expected store to confirm id %s, got %s", id, got)
		}
	}

	generated, err := c.AddDocument(ctx, "", map[string]string{"value": "auto"})
	if err != nil {
		t.Fatalf("add without id: %v", err)
	}
	if generated == "" {
		t.Fatalf("expected generated id")
	}

	docs, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(docs) != 4 {
		t.Fatalf("expected 4 documents, got %d", len(docs))
	}
	for i, id := range append(ids, generated) {
		if docs[i].ID != id {
			t.Fatalf("expected document %d to be %s, got %s", i, id, docs[i].ID)
		}
	}
	if _, err := docs[0].CreatedAt(); err != nil {
		t.Fatalf("expected server creation stamp: %v", err)
	}
}

func TestCollectionUpdateIsPartial(t *testing.T) {
	c, _ := setupCollection(t)
	ctx := context.Background()

	if _, err := c.AddDocument(ctx, "doc-1", map[string]string{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.UpdateDocument(ctx, "doc-1", map[string]string{"b": "20", "c": "30"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	docs, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	fields := docs[0].Fields
	if fields["a"] != "1" || fields["b"] != "20" || fields["c"] != "30" {
		t.Fatalf("unexpected fields after partial update: %v", fields)
	}
	if fields[FieldUpdatedAt] == "" {
		t.Fatalf("expected updated stamp")
	}
}

func TestCollectionUpdateMissingDocument(t *testing.T) {
	c, mr := setupCollection(t)

	err := c.UpdateDocument(context.Background(), "ghost", map[string]string{"a": "1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if mr.Exists("test-sessions:doc:ghost") {
		t.Fatalf("update must not create documents")
	}
}

func TestCollectionSubscribeDeliversSnapshots(t *testing.T) {
	c, _ := setupCollection(t)
	ctx := context.Background()

	if _, err := c.AddDocument(ctx, "first", map[string]string{"n": "1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	var (
		mu        sync.Mutex
		snapshots [][]Document
	)
	cancel, err := c.Subscribe(ctx, func(docs []Document) {
		mu.Lock()
		defer mu.Unlock()
		snapshots = append(snapshots, docs)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	mu.Lock()
	if len(snapshots) != 1 || len(snapshots[0]) != 1 {
		mu.Unlock()
		t.Fatalf("expected initial snapshot with one document, got %v", snapshots)
	}
	mu.Unlock()

	if _, err := c.AddDocument(ctx, "second", map[string]string{"n": "2"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := snapshots[len(snapshots)-1]
		return len(last) == 2 && last[1].ID == "second"
	})

	cancel()
	mu.Lock()
	count := len(snapshots)
	mu.Unlock()

	if _, err := c.AddDocument(ctx, "third", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(snapshots) != count {
		t.Fatalf("expected no deliveries after cancel, got %d more", len(snapshots)-count)
	}
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
