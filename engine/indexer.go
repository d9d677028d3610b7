package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/graph"
	"github.com/BaSui01/memflow/internal/metrics"
	"github.com/BaSui01/memflow/internal/pool"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vector"
)

const (
	reconcileInterval = 5 * time.Second
	reconcileBackoff  = time.Second
	reconcileMaxWait  = time.Minute
	reconcileAttempts = 8
)

// indexer publishes records to the vector and graph indexes off the
// write path. A failed publish parks the work for the reconciler, which
// retries with exponential backoff until it lands or the attempt budget
// runs out. Writes never fail because an index was down.
type indexer struct {
	workers   *pool.WorkerPool
	vectors   *vector.Index
	graph     *graph.Index
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingIndex

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

type pendingIndex struct {
	record      *types.MemoryRecord
	fact        *types.Fact
	attempts    int
	nextAttempt time.Time
}

func newIndexer(vectors *vector.Index, gix *graph.Index, collector *metrics.Collector, logger *zap.Logger) *indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ix := &indexer{
		workers:   pool.New(pool.DefaultConfig(), logger),
		vectors:   vectors,
		graph:     gix,
		collector: collector,
		logger:    logger.With(zap.String("component", "indexer")),
		pending:   make(map[string]*pendingIndex),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go ix.reconcileLoop()
	return ix
}

// Publish submits index publication for one record. A full worker queue
// parks the work directly instead of blocking the caller.
func (ix *indexer) Publish(record *types.MemoryRecord, fact *types.Fact) {
	record = record.Clone()
	err := ix.workers.Submit(context.Background(), func(ctx context.Context) error {
		if err := ix.publish(ctx, record, fact); err != nil {
			ix.park(record, fact, err)
		}
		return nil
	})
	if err != nil {
		ix.park(record, fact, err)
	}
}

// Forget drops any parked work for a deleted record.
func (ix *indexer) Forget(id string) {
	ix.mu.Lock()
	delete(ix.pending, id)
	ix.mu.Unlock()
}

// Stats exposes the worker pool counters.
func (ix *indexer) Stats() pool.Stats {
	return ix.workers.Stats()
}

// Close stops the reconciler and drains in-flight publications.
func (ix *indexer) Close() {
	ix.stopOnce.Do(func() {
		close(ix.stop)
		<-ix.done
		ix.workers.Close()
	})
}

func (ix *indexer) publish(ctx context.Context, record *types.MemoryRecord, fact *types.Fact) error {
	opCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if len(record.Embedding) > 0 {
		scope := record.Scope
		err := ix.vectors.Upsert(opCtx, record.ID, record.Embedding, vector.Filters{
			TenantID:   record.TenantID,
			Scope:      &scope,
			Level:      record.Level,
			MemoryType: record.MemoryType,
		})
		if err != nil {
			// A dimension mismatch will never succeed on retry.
			if types.IsCode(err, types.ErrValidation) {
				ix.logger.Error("embedding rejected by vector index",
					zap.String("id", record.ID), zap.Error(err))
			} else {
				return err
			}
		}
	}

	if fact != nil {
		if len(fact.Entities) > 0 {
			if err := ix.graph.AddEntities(opCtx, fact.Entities); err != nil {
				return err
			}
		}
		if len(fact.Relations) > 0 {
			if err := ix.graph.AddRelations(opCtx, fact.Relations); err != nil {
				return err
			}
		}
	}
	return nil
}

func (ix *indexer) park(record *types.MemoryRecord, fact *types.Fact, cause error) {
	ix.logger.Warn("index publish failed, parking for reconciliation",
		zap.String("id", record.ID), zap.Error(cause))
	if ix.collector != nil {
		ix.collector.RecordIndexPending()
	}

	ix.mu.Lock()
	entry, ok := ix.pending[record.ID]
	if !ok {
		entry = &pendingIndex{record: record, fact: fact}
		ix.pending[record.ID] = entry
	}
	entry.attempts++
	entry.nextAttempt = time.Now().Add(backoffFor(entry.attempts))
	ix.mu.Unlock()
}

func (ix *indexer) reconcileLoop() {
	defer close(ix.done)
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ix.stop:
			return
		case <-ticker.C:
			ix.reconcile()
		}
	}
}

func (ix *indexer) reconcile() {
	now := time.Now()

	ix.mu.Lock()
	due := make([]*pendingIndex, 0, len(ix.pending))
	for _, entry := range ix.pending {
		if !entry.nextAttempt.After(now) {
			due = append(due, entry)
		}
	}
	ix.mu.Unlock()

	for _, entry := range due {
		err := ix.publish(context.Background(), entry.record, entry.fact)

		ix.mu.Lock()
		if err == nil {
			delete(ix.pending, entry.record.ID)
			ix.mu.Unlock()
			ix.logger.Info("parked index publish reconciled", zap.String("id", entry.record.ID))
			continue
		}
		entry.attempts++
		if entry.attempts > reconcileAttempts {
			delete(ix.pending, entry.record.ID)
			ix.mu.Unlock()
			ix.logger.Error("giving up on index publish",
				zap.String("id", entry.record.ID),
				zap.Int("attempts", entry.attempts),
				zap.Error(err))
			continue
		}
		entry.nextAttempt = time.Now().Add(backoffFor(entry.attempts))
		ix.mu.Unlock()
	}
}

func backoffFor(attempts int) time.Duration {
	wait := reconcileBackoff
	for i := 1; i < attempts; i++ {
		wait *= 2
		if wait >= reconcileMaxWait {
			return reconcileMaxWait
		}
	}
	return wait
}
