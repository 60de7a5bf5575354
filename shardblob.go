package shardblob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/shardblob/clustermap"
	"github.com/hupe1980/shardblob/internal/compaction"
	"github.com/hupe1980/shardblob/internal/resource"
	"github.com/hupe1980/shardblob/internal/store"
	"github.com/hupe1980/shardblob/metrics"
	"github.com/hupe1980/shardblob/model"
	"github.com/hupe1980/shardblob/replication"
)

// PartitionConfig places one partition on disk.
type PartitionConfig struct {
	ID  clustermap.PartitionID
	Dir string
}

// Blob is a live blob returned by Get.
type Blob struct {
	Partition clustermap.PartitionID
	Key       string
	Payload   []byte
	CreatedAt time.Time
	// ExpiresAt is zero for blobs that never expire.
	ExpiresAt time.Time
	LSN       uint64
}

// PartitionStats describes one partition.
type PartitionStats = store.Stats

// CompactionResult describes one compacted segment.
type CompactionResult = compaction.Result

// DB serves a fixed set of partitions of one node.
type DB struct {
	logger  *Logger
	metrics *metrics.Registry
	rc      *resource.Controller

	// Immutable after Open.
	partitions map[clustermap.PartitionID]*store.Store
	ids        []clustermap.PartitionID

	closed atomic.Bool
}

var _ replication.PartitionSource = (*DB)(nil)

// Open opens the given partitions under dir, one sub-directory each, and
// creates the ones that do not exist yet.
func Open(ctx context.Context, dir string, ids []clustermap.PartitionID, optFns ...Option) (*DB, error) {
	parts := make([]PartitionConfig, len(ids))
	for i, id := range ids {
		parts[i] = PartitionConfig{ID: id, Dir: PartitionDir(dir, id)}
	}
	return OpenPartitions(ctx, parts, optFns...)
}

// PartitionDir returns the directory Open uses for partition id.
func PartitionDir(root string, id clustermap.PartitionID) string {
	return filepath.Join(root, "partition-"+id.String())
}

// OpenPartitions opens every partition in parallel. If any fails the ones
// already opened are closed again.
func OpenPartitions(ctx context.Context, parts []PartitionConfig, optFns ...Option) (*DB, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	seen := make(map[clustermap.PartitionID]bool, len(parts))
	for _, p := range parts {
		if seen[p.ID] {
			return nil, fmt.Errorf("%w: partition %s listed twice", ErrInvalidArgument, p.ID)
		}
		if p.Dir == "" {
			return nil, fmt.Errorf("%w: partition %s has no directory", ErrInvalidArgument, p.ID)
		}
		seen[p.ID] = true
	}

	db := &DB{
		logger:     opts.logger,
		metrics:    opts.metrics,
		rc:         resource.NewController(opts.rc),
		partitions: make(map[clustermap.PartitionID]*store.Store, len(parts)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.openConcurrency, 1))
	for _, p := range parts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			st, err := store.Open(p.Dir, uint64(p.ID), opts.storeOptions(p.ID, db.rc)...)
			if err != nil {
				db.logger.LogRecovery(gctx, p.ID, 0, time.Since(start), err)
				return fmt.Errorf("open partition %s: %w", p.ID, err)
			}
			db.logger.LogRecovery(gctx, p.ID, st.Stats().Keys, time.Since(start), nil)
			mu.Lock()
			db.partitions[p.ID] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, st := range db.partitions {
			_ = st.Close()
		}
		return nil, err
	}

	for id := range db.partitions {
		db.ids = append(db.ids, id)
	}
	slices.Sort(db.ids)
	limits := db.rc.Config()
	db.logger.Info("db opened",
		slog.Int("partitions", len(db.ids)),
		slog.Int64("background_workers", limits.MaxBackgroundWorkers),
		slog.Int64("compaction_io_bytes_per_sec", limits.IOLimitBytesPerSec))
	return db, nil
}

// NewBlobID returns a new time-ordered blob key.
func NewBlobID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (db *DB) store(p clustermap.PartitionID) (*store.Store, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	st, ok := db.partitions[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartition, p)
	}
	return st, nil
}

// Put stores payload under key. Keys are write-once: a key that was ever
// written, even if deleted since, is rejected with ErrAlreadyExists.
// A zero expiresAt never expires.
func (db *DB) Put(ctx context.Context, p clustermap.PartitionID, key string, payload []byte, expiresAt time.Time) (model.Location, error) {
	st, err := db.store(p)
	if err != nil {
		return model.Location{}, err
	}
	start := time.Now()
	loc, err := st.Put(ctx, key, payload, model.ExpiresAt(expiresAt))
	db.metrics.ObserveOperation("put", time.Since(start), err)
	db.logger.LogPut(ctx, p, key, len(payload), err)
	return loc, translateError(uint64(p), err)
}

// Get returns a live blob. Deleted and expired blobs fail with
// ErrDeletedOrExpired, unknown ones with ErrNotFound.
func (db *DB) Get(ctx context.Context, p clustermap.PartitionID, key string) (Blob, error) {
	st, err := db.store(p)
	if err != nil {
		return Blob{}, err
	}
	start := time.Now()
	b, err := st.Get(ctx, key)
	db.metrics.ObserveOperation("get", time.Since(start), err)
	if err != nil {
		return Blob{}, translateError(uint64(p), err)
	}
	out := Blob{
		Partition: p,
		Key:       b.Key,
		Payload:   b.Payload,
		CreatedAt: b.CreatedAt,
		LSN:       b.LSN,
	}
	if b.ExpiresAt != model.Never {
		out.ExpiresAt = time.UnixMilli(b.ExpiresAt)
	}
	return out, nil
}

// Delete removes a blob. Deleting an expired blob is allowed.
func (db *DB) Delete(ctx context.Context, p clustermap.PartitionID, key string) error {
	st, err := db.store(p)
	if err != nil {
		return err
	}
	start := time.Now()
	err = st.Delete(ctx, key)
	db.metrics.ObserveOperation("delete", time.Since(start), err)
	db.logger.LogDelete(ctx, p, key, err)
	return translateError(uint64(p), err)
}

// UpdateTTL replaces the expiration of a live blob. A zero expiresAt
// removes it.
func (db *DB) UpdateTTL(ctx context.Context, p clustermap.PartitionID, key string, expiresAt time.Time) error {
	st, err := db.store(p)
	if err != nil {
		return err
	}
	start := time.Now()
	err = st.UpdateTTL(ctx, key, model.ExpiresAt(expiresAt))
	db.metrics.ObserveOperation("update_ttl", time.Since(start), err)
	return translateError(uint64(p), err)
}

// Partition returns the replication view of partition id.
func (db *DB) Partition(id clustermap.PartitionID) (replication.Partition, bool) {
	st, ok := db.partitions[id]
	if !ok {
		return nil, false
	}
	return partition{st}, true
}

// Partitions returns the ids this DB serves, in ascending order.
func (db *DB) Partitions() []clustermap.PartitionID {
	return slices.Clone(db.ids)
}

// Stats returns the stats of every partition, in id order.
func (db *DB) Stats() []PartitionStats {
	out := make([]PartitionStats, 0, len(db.ids))
	for _, id := range db.ids {
		out = append(out, db.partitions[id].Stats())
	}
	return out
}

// CompactAll compacts every partition that has candidates under the
// configured policy and returns what was compacted.
func (db *DB) CompactAll(ctx context.Context) ([]CompactionResult, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	var (
		mu  sync.Mutex
		out []CompactionResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range db.ids {
		st := db.partitions[id]
		g.Go(func() error {
			res, err := st.Compact(gctx)
			var reclaimed int64
			for _, r := range res {
				reclaimed += r.BytesReclaimed
			}
			db.logger.LogCompaction(gctx, id, len(res), reclaimed, err)
			mu.Lock()
			out = append(out, res...)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("compact partition %s: %w", id, translateError(uint64(id), err))
			}
			return nil
		})
	}
	err := g.Wait()
	return out, err
}

// Checkpoint writes a checkpoint of every partition.
func (db *DB) Checkpoint(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range db.ids {
		st := db.partitions[id]
		g.Go(func() error {
			if err := st.Checkpoint(gctx); err != nil {
				return fmt.Errorf("checkpoint partition %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Sync flushes the appends of every partition to stable storage. It only
// matters with DurabilityAsync.
func (db *DB) Sync(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	g, _ := errgroup.WithContext(ctx)
	for _, id := range db.ids {
		st := db.partitions[id]
		g.Go(func() error {
			if err := st.Sync(); err != nil {
				return fmt.Errorf("sync partition %s: %w", id, translateError(uint64(id), err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every partition. It writes a final checkpoint of each.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, id := range db.ids {
		st := db.partitions[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close partition %s: %w", id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
