package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/observability"
	"github.com/antoniostano/secondbrain/internal/reliability"
)

const (
	snapshotKeyPrefix   = "voice_session:"
	defaultMirrorQueue  = 1024
	mirrorMaxAttempts   = 3
	mirrorBackoffBase   = 50 * time.Millisecond
	mirrorBackoffCap    = 2 * time.Second
	mirrorWriteDeadline = 3 * time.Second
)

// Mirror receives session snapshots after every change. Implementations must
// not block the caller.
type Mirror interface {
	Save(VoiceSession)
	Remove(id string)
}

type NopMirror struct{}

func (NopMirror) Save(VoiceSession) {}
func (NopMirror) Remove(string)     {}

// SnapshotStore is the shared store other gateway replicas read from.
type SnapshotStore interface {
	Put(ctx context.Context, s VoiceSession, ttl time.Duration) error
	Get(ctx context.Context, id string) (*VoiceSession, error)
	Delete(ctx context.Context, id string) error
}

// RedisSnapshotStore keeps one JSON document per session.
type RedisSnapshotStore struct {
	client *redis.Client
}

func NewRedisSnapshotStore(client *redis.Client) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client}
}

func (s *RedisSnapshotStore) Put(ctx context.Context, snap VoiceSession, ttl time.Duration) error {
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.client.Set(ctx, snapshotKey(snap.ID), val, ttl).Err()
}

// Get returns ErrNotFound for missing keys.
func (s *RedisSnapshotStore) Get(ctx context.Context, id string) (*VoiceSession, error) {
	val, err := s.client.Get(ctx, snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap VoiceSession
	if err := json.Unmarshal(val, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, snapshotKey(id)).Err()
}

func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}

func snapshotKey(id string) string {
	return snapshotKeyPrefix + id
}

type mirrorOp struct {
	id     string
	snap   VoiceSession
	delete bool
}

// AsyncMirror writes snapshots behind the manager through a bounded queue.
// When the queue is full the snapshot is dropped; the next change of the same
// session carries the newer state anyway.
type AsyncMirror struct {
	store   SnapshotStore
	ttl     time.Duration
	queue   chan mirrorOp
	log     *zap.Logger
	metrics *observability.Metrics
}

func NewAsyncMirror(store SnapshotStore, ttl time.Duration, metrics *observability.Metrics, log *zap.Logger) *AsyncMirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &AsyncMirror{
		store:   store,
		ttl:     ttl,
		queue:   make(chan mirrorOp, defaultMirrorQueue),
		log:     log,
		metrics: metrics,
	}
}

func (m *AsyncMirror) Save(s VoiceSession) {
	m.enqueue(mirrorOp{id: s.ID, snap: s})
}

func (m *AsyncMirror) Remove(id string) {
	m.enqueue(mirrorOp{id: id, delete: true})
}

// Lookup reads a snapshot written by any replica.
func (m *AsyncMirror) Lookup(ctx context.Context, id string) (*VoiceSession, error) {
	return m.store.Get(ctx, id)
}

func (m *AsyncMirror) enqueue(op mirrorOp) {
	select {
	case m.queue <- op:
	default:
		m.count(op, "dropped")
		m.log.Warn("session mirror queue full", zap.String("session_id", op.id))
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left
// with a bounded deadline.
func (m *AsyncMirror) Run(ctx context.Context) error {
	for {
		select {
		case op := <-m.queue:
			m.apply(ctx, op)
		case <-ctx.Done():
			m.drain()
			return nil
		}
	}
}

func (m *AsyncMirror) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteDeadline)
	defer cancel()
	for {
		select {
		case op := <-m.queue:
			m.apply(ctx, op)
		default:
			return
		}
	}
}

func (m *AsyncMirror) apply(ctx context.Context, op mirrorOp) {
	var err error
	for attempt := 0; attempt < mirrorMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(reliability.ExponentialBackoff(attempt-1, mirrorBackoffBase, mirrorBackoffCap)):
			case <-ctx.Done():
				m.count(op, "error")
				return
			}
		}
		// A write already started finishes even during shutdown.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorWriteDeadline)
		if op.delete {
			err = m.store.Delete(writeCtx, op.id)
		} else {
			err = m.store.Put(writeCtx, op.snap, m.ttl)
		}
		cancel()
		if err == nil {
			m.count(op, "ok")
			return
		}
	}
	m.count(op, "error")
	m.log.Warn("session mirror write failed",
		zap.String("session_id", op.id),
		zap.Bool("delete", op.delete),
		zap.Error(err))
}

func (m *AsyncMirror) count(op mirrorOp, result string) {
	if m.metrics == nil {
		return
	}
	kind := "put"
	if op.delete {
		kind = "delete"
	}
	m.metrics.MirrorWrites.WithLabelValues(kind, result).Inc()
}
