// Package lock implements the exactly-once admission safeguard. Queue
// delivery is at-least-once, so every stage first races to insert a lock
// row keyed by the document's content version; only the winner processes.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/corfid/docpipe/internal/model"
	"github.com/corfid/docpipe/pkg/objstore"
)

// Status is the lifecycle state of a lock row.
type Status string

const (
	StatusProcessing Status = "PROCESSING"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
)

// DefaultRetention is how long completed lock rows are kept before
// cleanup. Long enough to audit reprocessing questions, short enough
// that the table stays small.
const DefaultRetention = 30 * 24 * time.Hour

// Record is one lock row.
type Record struct {
	Key         string
	Container   string
	ObjectKey   string
	Version     string
	Path        string
	Status      Status
	AcquiredAt  time.Time
	ExpiresAt   time.Time
	CompletedAt *time.Time
}

// Backend is the conditional-write storage underneath the manager.
type Backend interface {
	// TryInsert atomically inserts rec if no row with rec.Key exists.
	// Returns false when another worker already holds the key.
	TryInsert(ctx context.Context, rec *Record) (bool, error)
	// UpdateStatus marks an existing row DONE or FAILED.
	UpdateStatus(ctx context.Context, key string, status Status, completedAt time.Time) error
	// Get fetches a row for diagnostics. Returns nil when absent.
	Get(ctx context.Context, key string) (*Record, error)
	// DeleteExpired removes rows past their expiry.
	DeleteExpired(ctx context.Context) (int64, error)
}

// Options tune the manager.
type Options struct {
	// Retention sets lock row lifetime. Zero means DefaultRetention.
	Retention time.Duration
	// FailClosed makes Acquire return an error when the lock backend is
	// unreachable, instead of proceeding without the safeguard. The
	// default trades duplicate risk for availability: a storage outage
	// should degrade deduplication, not halt document intake.
	FailClosed bool
}

// Manager coordinates lock acquisition across pipeline workers.
type Manager struct {
	backend    Backend
	store      objstore.Store
	retention  time.Duration
	failClosed bool
}

// NewManager creates a Manager. backend may be nil, in which case every
// acquisition proceeds unguarded (single-worker deployments).
func NewManager(backend Backend, store objstore.Store, opts Options) *Manager {
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		backend:    backend,
		store:      store,
		retention:  retention,
		failClosed: opts.FailClosed,
	}
}

// Acquisition reports the outcome of an Acquire call. Key is retained so
// Release addresses the exact row this acquisition created, even if the
// object's version changes mid-run.
type Acquisition struct {
	Acquired bool
	Key      string
	Reason   string
}

// Acquire races to claim ref for processing. Exactly one concurrent
// caller per (container, key, version) gets Acquired=true; the rest must
// skip the document. Version changes produce a fresh key, so an updated
// document is processed again.
func (m *Manager) Acquire(ctx context.Context, ref model.DocumentRef) (*Acquisition, error) {
	if m.backend == nil {
		zap.L().Warn("lock backend not configured, proceeding without admission lock",
			zap.String("path", ref.Path()))
		return &Acquisition{Acquired: true, Reason: "lock backend not configured"}, nil
	}

	version := m.resolveVersion(ctx, ref)
	key := LockKey(ref.Container, ref.Key, version)
	now := time.Now().UTC()

	rec := &Record{
		Key:        key,
		Container:  ref.Container,
		ObjectKey:  ref.Key,
		Version:    version,
		Path:       ref.Path(),
		Status:     StatusProcessing,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.retention),
	}

	won, err := m.backend.TryInsert(ctx, rec)
	if err != nil {
		if m.failClosed {
			return nil, eris.Wrapf(err, "lock: acquire %s", key)
		}
		// Err on the side of processing so a lock-store outage cannot
		// silently drop documents.
		zap.L().Error("lock acquisition failed, proceeding anyway",
			zap.String("key", key), zap.Error(err))
		return &Acquisition{Acquired: true, Key: key, Reason: "lock error, processed unguarded"}, nil
	}

	if !won {
		reason := "already being processed"
		if existing, getErr := m.backend.Get(ctx, key); getErr == nil && existing != nil {
			reason = fmt.Sprintf("already being processed (status: %s, acquired at: %s)",
				existing.Status, existing.AcquiredAt.Format(time.RFC3339))
		}
		zap.L().Info("admission lock held elsewhere",
			zap.String("key", key), zap.String("reason", reason))
		return &Acquisition{Acquired: false, Key: key, Reason: reason}, nil
	}

	zap.L().Debug("admission lock acquired", zap.String("key", key))
	return &Acquisition{Acquired: true, Key: key, Reason: "lock acquired"}, nil
}

// Release marks the acquired lock DONE or FAILED. Errors are logged, not
// returned: the document's outcome is already decided and a missed
// status update only delays cleanup.
func (m *Manager) Release(ctx context.Context, acq *Acquisition, success bool) {
	if m.backend == nil || acq == nil || acq.Key == "" {
		return
	}
	status := StatusDone
	if !success {
		status = StatusFailed
	}
	if err := m.backend.UpdateStatus(ctx, acq.Key, status, time.Now().UTC()); err != nil {
		zap.L().Warn("lock release failed",
			zap.String("key", acq.Key), zap.String("status", string(status)), zap.Error(err))
		return
	}
	zap.L().Debug("admission lock released",
		zap.String("key", acq.Key), zap.String("status", string(status)))
}

// Cleanup removes expired lock rows and reports how many were deleted.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	if m.backend == nil {
		return 0, nil
	}
	n, err := m.backend.DeleteExpired(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "lock: cleanup")
	}
	return n, nil
}

// resolveVersion returns the content version that keys this acquisition.
// The inbound event's hint wins; otherwise the object store is asked.
// When neither works a timestamped placeholder keeps the document
// processable at the cost of deduplication for that one delivery.
func (m *Manager) resolveVersion(ctx context.Context, ref model.DocumentRef) string {
	if ref.VersionHint != "" {
		return ref.VersionHint
	}
	if m.store != nil {
		info, err := m.store.Head(ctx, ref.Container, ref.Key)
		if err == nil && info.Version != "" {
			return info.Version
		}
		zap.L().Warn("could not resolve object version",
			zap.String("path", ref.Path()), zap.Error(err))
	}
	return fmt.Sprintf("unknown_%d", time.Now().UTC().Unix())
}

// LockKey builds the composite admission key. Including the version
// means a rewritten object gets a new key and is processed again, while
// redeliveries of the same revision collapse onto one row.
func LockKey(container, key, version string) string {
	return container + "#" + key + "#" + version
}
