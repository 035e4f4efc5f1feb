package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server-assigned bookkeeping fields present on every document.
const (
	FieldCreatedAt = "_created_at"
	FieldUpdatedAt = "_updated_at"
)

// ErrNotFound is returned when updating a document that does not exist.
var ErrNotFound = errors.New("docstore: document not found")

// Document is one stored record: an id plus flat string fields.
type Document struct {
	ID     string
	Fields map[string]string
}

// Collection is a named document collection kept in redis. Each document is a hash,
// insertion order is kept in a sorted set, and every write is announced on a pub/sub
// channel so subscribers can reload the snapshot.
type Collection struct {
	client *redis.Client
	name   string
	logger *zap.Logger
	now    func() time.Time
}

// NewCollection returns a handle for the named collection.
func NewCollection(client *redis.Client, name string, logger *zap.Logger) *Collection {
	if name == "" {
		name = "sessions"
	}
	return &Collection{
		client: client,
		name:   name,
		logger: logger.Named("docstore").With(zap.String("collection", name)),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) docKey(id string) string {
	return fmt.Sprintf("%s:doc:%s", c.name, id)
}

func (c *Collection) indexKey() string {
	return fmt.Sprintf("%s:index", c.name)
}

func (c *Collection) seqKey() string {
	return fmt.Sprintf("%s:seq", c.name)
}

func (c *Collection) channel() string {
	return fmt.Sprintf("%s:changes", c.name)
}

// AddDocument stores a new document and returns its id. An empty id is assigned by the store.
// Server timestamps are stamped from the wall clock at call time.
func (c *Collection) AddDocument(ctx context.Context, id string, fields map[string]string) (string, error) {
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	seq, err := c.client.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return "", fmt.Errorf("docstore: allocate sequence: %w", err)
	}

	stamp := c.now().Format(time.RFC3339Nano)
	values := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		values[k] = v
	}
	values[FieldCreatedAt] = stamp
	values[FieldUpdatedAt] = stamp

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.docKey(id), values)
		pipe.ZAddNX(ctx, c.indexKey(), redis.Z{Score: float64(seq), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("docstore: add %s: %w", id, err)
	}

	c.publish(ctx, id)
	return id, nil
}

// UpdateDocument writes the given fields onto an existing document. Fields not named are left
// untouched; nothing is read back first, so concurrent writers race and the last one wins.
func (c *Collection) UpdateDocument(ctx context.Context, id string, fields map[string]string) error {
	args := make([]interface{}, 0, 2*len(fields)+2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	args = append(args, FieldUpdatedAt, c.now().Format(time.RFC3339Nano))

	updated, err := updateScript.Run(ctx, c.client, []string{c.docKey(id)}, args...).Int()
	if err != nil {
		return fmt.Errorf("docstore: update %s: %w", id, err)
	}
	if updated == 0 {
		return fmt.Errorf("docstore: update %s: %w", id, ErrNotFound)
	}

	c.publish(ctx, id)
	return nil
}

// Snapshot returns every document in insertion order.
func (c *Collection) Snapshot(ctx context.Context) ([]Document, error) {
	ids, err := c.client.ZRange(ctx, c.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("docstore: list index: %w", err)
	}
	if len(ids) == 0 {
		return []Document{}, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, c.docKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("docstore: load documents: %w", err)
	}

	docs := make([]Document, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}
		docs = append(docs, Document{ID: ids[i], Fields: data})
	}
	return docs, nil
}

// Subscribe delivers the current snapshot immediately and again after every change
// notification, until the returned cancel function is called or ctx ends. Bursts of
// notifications collapse into a single reload. Callbacks run on one goroutine, in order, and
// must not call the cancel function themselves.
func (c *Collection) Subscribe(ctx context.Context, onChange func([]Document)) (func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := c.client.Subscribe(subCtx, c.channel())
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("docstore: subscribe %s: %w", c.channel(), err)
	}

	initial, err := c.Snapshot(subCtx)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}
	onChange(initial)

	done := make(chan struct{})
	messages := pubsub.Channel()
	go func() {
		defer close(done)
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				drain(messages)
				docs, err := c.Snapshot(subCtx)
				if err != nil {
					if subCtx.Err() == nil {
						c.logger.Warn("reload snapshot failed", zap.Error(err))
					}
					continue
				}
				onChange(docs)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func drain(ch <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (c *Collection) publish(ctx context.Context, id string) {
	if err := c.client.Publish(ctx, c.channel(), id).Err(); err != nil {
		c.logger.Warn("publish change failed", zap.String("id", id), zap.Error(err))
	}
}

// CreatedAt parses the server creation stamp of a document.
func (d Document) CreatedAt() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, d.Fields[FieldCreatedAt])
}
