// ABOUTME: Best-effort durable mirror of shared state on a bbolt key-value file
// ABOUTME: Fire-and-forget writes via a flush loop; failures are logged and counted

package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// Mirror bucket names.
const (
	workflowBucket = "workflows"
	eventBucket    = "events"
)

// mirrorQueueSize bounds the write backlog. When full, writes are dropped and
// counted rather than blocking the mutation path.
const mirrorQueueSize = 256

type recordKind int

const (
	kindWorkflow recordKind = iota
	kindEvent
)

// mirrorRecord is one queued write.
type mirrorRecord struct {
	kind recordKind
	key  string
	data []byte
}

// workflowRecord is the persisted form of a WorkflowEntry.
type workflowRecord struct {
	WorkflowEntry
	ExpiresAt time.Time `json:"expires_at"`
}

// eventRecord is the persisted form of a ContextEntry.
type eventRecord struct {
	ContextEntry
	ExpiresAt time.Time `json:"expires_at"`
}

// Mirror writes shared-state entries to a bbolt file with a short expiry so a
// restarted process can recover recent state. The in-memory store remains
// authoritative; every failure here is logged, counted, and otherwise ignored.
type Mirror struct {
	db     *bbolt.DB
	expiry time.Duration
	queue  chan mirrorRecord
	logger *slog.Logger

	failures  atomic.Uint64
	onFailure func()
}

// OpenMirror opens (or creates) the bbolt file and its buckets.
// onFailure, if non-nil, is invoked once per failed or dropped write so the
// caller can count mirror degradation; pass nil to only log.
func OpenMirror(path string, expiry time.Duration, onFailure func(), logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening mirror db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(workflowBucket)); err != nil {
			return fmt.Errorf("create workflow bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(eventBucket)); err != nil {
			return fmt.Errorf("create event bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Mirror{
		db:        db,
		expiry:    expiry,
		queue:     make(chan mirrorRecord, mirrorQueueSize),
		logger:    logger.With("component", "mirror"),
		onFailure: onFailure,
	}, nil
}

// EnqueueWorkflow queues a workflow entry for mirroring. Never blocks; a full
// queue drops the write and counts it.
func (m *Mirror) EnqueueWorkflow(workflowID string, entry WorkflowEntry) {
	data, err := json.Marshal(workflowRecord{WorkflowEntry: entry, ExpiresAt: time.Now().Add(m.expiry)})
	if err != nil {
		m.recordFailure("marshal workflow", workflowID, err)
		return
	}
	m.enqueue(mirrorRecord{kind: kindWorkflow, key: workflowID, data: data})
}

// EnqueueEvent queues a collaboration event entry for mirroring.
func (m *Mirror) EnqueueEvent(eventType string, entry ContextEntry) {
	data, err := json.Marshal(eventRecord{ContextEntry: entry, ExpiresAt: time.Now().Add(m.expiry)})
	if err != nil {
		m.recordFailure("marshal event", eventType, err)
		return
	}
	m.enqueue(mirrorRecord{kind: kindEvent, key: eventType, data: data})
}

func (m *Mirror) enqueue(rec mirrorRecord) {
	select {
	case m.queue <- rec:
	default:
		m.recordFailure("queue full", rec.key, nil)
	}
}

// Run drains the write queue until ctx is cancelled, then flushes whatever is
// still queued. Intended to run as one of the bridge's background tasks.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case rec := <-m.queue:
			m.write(rec)
		case <-ctx.Done():
			m.drain()
			return
		}
	}
}

// drain writes any queued records after shutdown has been requested.
func (m *Mirror) drain() {
	for {
		select {
		case rec := <-m.queue:
			m.write(rec)
		default:
			return
		}
	}
}

func (m *Mirror) write(rec mirrorRecord) {
	bucket := workflowBucket
	if rec.kind == kindEvent {
		bucket = eventBucket
	}

	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(rec.key), rec.data)
	})
	if err != nil {
		m.recordFailure("write", rec.key, err)
	}
}

// Load returns all unexpired mirrored entries and deletes expired ones.
// Used once at startup for cross-process recovery; a failure here is
// reported to the caller, who logs and continues without recovered state.
func (m *Mirror) Load() (map[string]WorkflowEntry, map[string]ContextEntry, error) {
	workflows := make(map[string]WorkflowEntry)
	events := make(map[string]ContextEntry)
	now := time.Now()

	err := m.db.Update(func(tx *bbolt.Tx) error {
		wb := tx.Bucket([]byte(workflowBucket))
		var expired [][]byte
		err := wb.ForEach(func(k, v []byte) error {
			var rec workflowRecord
			if err := json.Unmarshal(v, &rec); err != nil || now.After(rec.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			workflows[string(k)] = rec.WorkflowEntry
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := wb.Delete(k); err != nil {
				return err
			}
		}

		eb := tx.Bucket([]byte(eventBucket))
		expired = expired[:0]
		err = eb.ForEach(func(k, v []byte) error {
			var rec eventRecord
			if err := json.Unmarshal(v, &rec); err != nil || now.After(rec.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
				return nil
			}
			events[string(k)] = rec.ContextEntry
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := eb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("loading mirror: %w", err)
	}
	return workflows, events, nil
}

// Failures returns the number of failed or dropped mirror writes.
func (m *Mirror) Failures() uint64 {
	return m.failures.Load()
}

// Close closes the underlying bbolt file.
func (m *Mirror) Close() error {
	return m.db.Close()
}

func (m *Mirror) recordFailure(op, key string, err error) {
	m.failures.Add(1)
	if m.onFailure != nil {
		m.onFailure()
	}
	m.logger.Warn("mirror write degraded",
		"op", op,
		"key", key,
		"error", err,
		"total_failures", m.failures.Load(),
	)
}
