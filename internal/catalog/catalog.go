// Package catalog implements the bucket catalog: the registry that routes
// time-series measurements into open buckets, hands out shared write batches,
// grants commit rights to one caller per batch, and invalidates buckets while
// commits may be in flight.
//
// Lock order is registry (Catalog.mu) before bucket (bucket.mu). No path
// takes the registry lock while holding a bucket lock.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/metrics"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/validation"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// OptionsProvider resolves the time-series options of a collection
type OptionsProvider interface {
	Lookup(ns model.Namespace) (model.TimeseriesOptions, bool)
}

// Catalog is the process-wide bucket registry
type Catalog struct {
	provider OptionsProvider
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu          sync.Mutex
	open        map[bucketKey]*bucket
	byID        map[BucketID]*bucket
	byNamespace map[model.Namespace]map[BucketID]*bucket
	// unreachable buckets whose clear has not completed; later clears of
	// the same bucket, namespace or database must wait on them too
	clearing map[BucketID]*bucket

	statsMu sync.Mutex
	stats   map[model.Namespace]*executionStats

	epoch       atomic.Uint64
	nextBatchID atomic.Uint64
}

// New creates an empty catalog. m may be nil.
func New(provider OptionsProvider, m *metrics.Metrics, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		provider:    provider,
		metrics:     m,
		logger:      logger,
		open:        make(map[bucketKey]*bucket),
		byID:        make(map[BucketID]*bucket),
		byNamespace: make(map[model.Namespace]map[BucketID]*bucket),
		clearing:    make(map[BucketID]*bucket),
		stats:       make(map[model.Namespace]*executionStats),
	}
}

// Insert routes doc into the open bucket for its grouping and returns the
// bucket's active batch, which concurrent inserters may share.
func (c *Catalog) Insert(ctx context.Context, ns model.Namespace, doc model.Document) (*WriteBatch, error) {
	opts, ok := c.provider.Lookup(ns)
	if !ok {
		return nil, errors.NamespaceNotFound(ns.String())
	}
	opts = opts.WithDefaults()
	if err := validation.ValidateMeasurement(opts, doc); err != nil {
		return nil, err
	}

	metadata := extractMetadata(opts, doc)
	canonical := metadata.Canonical()
	key := bucketKey{ns: ns, meta: string(canonical)}
	fingerprint := xxhash.Sum64(canonical)
	stats := c.statsFor(ns)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		b := c.openBucket(key, metadata, fingerprint, opts.BucketMaxCount, stats)

		b.mu.Lock()
		if !b.acceptingLocked() {
			// cleared or rolled over after lookup
			b.mu.Unlock()
			continue
		}
		if b.fullLocked() {
			b.mu.Unlock()
			c.rollover(b, stats)
			continue
		}
		batch := b.activeBatchLocked(c.nextBatchID.Inc)
		batch.addLocked(doc, opts.MetaField)
		b.numMeasurements++
		b.mu.Unlock()

		c.metrics.RecordInsert(ns.String())
		return batch, nil
	}
}

// PrepareCommit freezes batch for writing. The caller must hold commit
// rights. It waits while another batch of the same bucket is prepared.
//
// It returns false if the batch was aborted because its bucket was cleared;
// the batch is then finished with ErrBucketCleared and the caller must
// neither write it nor call Finish.
func (c *Catalog) PrepareCommit(batch *WriteBatch) bool {
	if !batch.commitRights.Load() {
		panic(fmt.Sprintf("catalog: PrepareCommit on batch %d without commit rights", batch.id))
	}

	b := batch.bucket
	b.mu.Lock()
	defer b.mu.Unlock()

	if batch.state == batchPrepared {
		panic(fmt.Sprintf("catalog: batch %d prepared twice", batch.id))
	}

	for batch.state == batchActive && b.preparedBatch != nil && !b.cleared {
		b.cond.Wait()
	}

	if batch.state == batchFinished {
		return false
	}
	if b.cleared {
		batch.abortLocked()
		c.metrics.RecordBatchAborted(b.ns.String())
		return false
	}

	batch.state = batchPrepared
	if b.activeBatch == batch {
		b.activeBatch = nil
	}
	b.preparedBatch = batch
	batch.numPreviouslyCommittedMeasurements = b.numCommittedMeasurements
	batch.newFieldNames = b.claimNewFieldsLocked(batch.fieldNames)
	return true
}

// Finish records the outcome of a prepared batch and wakes every holder.
// A failed write leaves the bucket's stored state unknown, so the bucket is
// cleared.
func (c *Catalog) Finish(batch *WriteBatch, info CommitInfo) {
	b := batch.bucket
	if !info.OK() {
		// stop routing inserts here before waiters wake
		c.mu.Lock()
		if c.open[b.key] == b {
			delete(c.open, b.key)
		}
		c.mu.Unlock()
	}

	b.mu.Lock()
	if batch.state != batchPrepared {
		state := batch.state
		b.mu.Unlock()
		panic(fmt.Sprintf("catalog: Finish on batch %d in state %s", batch.id, state))
	}

	size := len(batch.measurements)
	numPrevious := batch.numPreviouslyCommittedMeasurements
	if b.preparedBatch == batch {
		b.preparedBatch = nil
	}
	if info.OK() {
		b.numCommittedMeasurements += size
	}
	invalidate := !info.OK() && !b.cleared
	if invalidate {
		// no waiter may prepare against unknown stored state
		b.cleared = true
	}
	batch.finishLocked(info)

	retire := b.superseded && b.idleLocked()
	b.mu.Unlock()

	stats := c.statsFor(b.ns)
	stats.numCommits.Inc()
	if info.OK() {
		stats.numMeasurementsCommitted.Add(int64(size))
		if numPrevious == 0 {
			stats.numBucketInserts.Inc()
		} else {
			stats.numBucketUpdates.Inc()
		}
	}
	c.metrics.RecordCommit(b.ns.String(), size, info.OK())

	switch {
	case invalidate:
		c.logger.Warn("Clearing bucket after failed commit",
			zap.String("namespace", b.ns.String()),
			zap.String("bucket_id", b.id.String()),
			zap.Uint64("batch_id", batch.id),
			zap.Error(info.Err))
		c.Clear(b.id)
	case retire:
		c.mu.Lock()
		c.forgetLocked(b)
		c.mu.Unlock()
	}
}

// Clear invalidates one bucket. Unknown IDs are ignored. If another clear
// of the same bucket is still waiting on an in-flight commit, Clear waits
// for it as well.
func (c *Catalog) Clear(id BucketID) {
	c.mu.Lock()
	b, ok := c.byID[id]
	if ok {
		c.forgetLocked(b)
		c.clearing[id] = b
		c.epoch.Inc()
	} else {
		b, ok = c.clearing[id]
	}
	c.mu.Unlock()

	if ok {
		c.clearBucket(b)
	}
}

// ClearNamespace invalidates every bucket of a collection
func (c *Catalog) ClearNamespace(ns model.Namespace) {
	c.clearWhere(func(candidate model.Namespace) bool {
		return candidate == ns
	})
}

// ClearDatabase invalidates every bucket of every collection in db
func (c *Catalog) ClearDatabase(db string) {
	c.clearWhere(func(candidate model.Namespace) bool {
		return candidate.DB == db
	})
}

func (c *Catalog) clearWhere(match func(model.Namespace) bool) {
	c.mu.Lock()
	var targets []*bucket
	for ns, buckets := range c.byNamespace {
		if !match(ns) {
			continue
		}
		for _, b := range buckets {
			targets = append(targets, b)
		}
	}
	for _, b := range targets {
		c.forgetLocked(b)
		c.clearing[b.id] = b
	}
	if len(targets) > 0 {
		c.epoch.Inc()
	}
	for _, b := range c.clearing {
		if match(b.ns) && !containsBucket(targets, b) {
			targets = append(targets, b)
		}
	}
	c.mu.Unlock()

	for _, b := range targets {
		c.clearBucket(b)
	}
}

func containsBucket(buckets []*bucket, b *bucket) bool {
	for _, candidate := range buckets {
		if candidate == b {
			return true
		}
	}
	return false
}

// clearBucket marks b cleared, waits out an in-flight commit, then aborts
// the active batch. b must already be unreachable from the registry and
// listed in c.clearing, which it leaves once the clear completes.
func (c *Catalog) clearBucket(b *bucket) {
	b.mu.Lock()
	b.cleared = true
	waited := false
	for b.preparedBatch != nil {
		waited = true
		b.cond.Wait()
	}
	aborted := b.activeBatch
	if aborted != nil {
		aborted.abortLocked()
	}
	b.mu.Unlock()

	c.mu.Lock()
	if c.clearing[b.id] == b {
		delete(c.clearing, b.id)
	}
	c.mu.Unlock()

	if waited {
		c.statsFor(b.ns).numWaits.Inc()
	}
	c.metrics.RecordBucketCleared(b.ns.String(), waited, aborted != nil)

	fields := []zap.Field{
		zap.String("namespace", b.ns.String()),
		zap.String("bucket_id", b.id.String()),
		zap.Bool("waited", waited),
	}
	if aborted != nil {
		fields = append(fields, zap.Uint64("aborted_batch_id", aborted.id))
	}
	c.logger.Debug("Bucket cleared", fields...)
}

// GetMetadata returns the grouping key of a bucket, or an empty document if
// the bucket is gone or the collection has no meta field.
func (c *Catalog) GetMetadata(id BucketID) model.Document {
	c.mu.Lock()
	b, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return b.metadata
}

// AppendExecutionStats writes the counters of ns to sink
func (c *Catalog) AppendExecutionStats(ns model.Namespace, sink StatsSink) {
	c.statsMu.Lock()
	stats, ok := c.stats[ns]
	c.statsMu.Unlock()
	if ok {
		stats.appendTo(sink)
	} else {
		(&executionStats{}).appendTo(sink)
	}

	c.mu.Lock()
	var open, draining int64
	for _, b := range c.byNamespace[ns] {
		if c.open[b.key] == b {
			open++
		} else {
			draining++
		}
	}
	c.mu.Unlock()
	sink.Append("numOpenBuckets", open)
	sink.Append("numDrainingBuckets", draining)
}

// Epoch increases every time a bucket is rolled over or cleared
func (c *Catalog) Epoch() uint64 {
	return c.epoch.Load()
}

func (c *Catalog) openBucket(key bucketKey, metadata model.Document, fingerprint uint64, maxCount int, stats *executionStats) *bucket {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.open[key]; ok {
		return b
	}
	b := c.allocateLocked(key, metadata, fingerprint, 0, maxCount)
	stats.numBucketsOpenedDueToMetadata.Inc()
	c.metrics.RecordBucketOpened(key.ns.String(), "metadata")
	return b
}

// rollover replaces a full bucket with the next generation, unless another
// inserter already did.
func (c *Catalog) rollover(old *bucket, stats *executionStats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.open[old.key] != old {
		return
	}

	old.mu.Lock()
	old.superseded = true
	retire := old.idleLocked()
	old.mu.Unlock()
	if retire {
		c.forgetLocked(old)
	}

	b := c.allocateLocked(old.key, old.metadata, old.fingerprint, old.generation+1, old.maxCount)
	c.epoch.Inc()
	stats.numBucketsClosedDueToCount.Inc()
	c.metrics.RecordBucketClosed(old.ns.String(), "count")
	c.metrics.RecordBucketOpened(old.ns.String(), "rollover")

	c.logger.Debug("Bucket rolled over",
		zap.String("namespace", old.ns.String()),
		zap.String("old_bucket_id", old.id.String()),
		zap.String("new_bucket_id", b.id.String()),
		zap.Uint64("generation", b.generation))
}

func (c *Catalog) allocateLocked(key bucketKey, metadata model.Document, fingerprint, generation uint64, maxCount int) *bucket {
	b := newBucket(key, metadata, fingerprint, generation, maxCount)
	c.open[key] = b
	c.byID[b.id] = b
	set, ok := c.byNamespace[key.ns]
	if !ok {
		set = make(map[BucketID]*bucket)
		c.byNamespace[key.ns] = set
	}
	set[b.id] = b
	return b
}

// forgetLocked removes b from every registry map it is still in
func (c *Catalog) forgetLocked(b *bucket) {
	if c.byID[b.id] != b {
		return
	}
	delete(c.byID, b.id)
	if c.open[b.key] == b {
		delete(c.open, b.key)
	}
	if set, ok := c.byNamespace[b.ns]; ok {
		delete(set, b.id)
		if len(set) == 0 {
			delete(c.byNamespace, b.ns)
		}
	}
	c.metrics.RecordBucketForgotten()
}

func (c *Catalog) statsFor(ns model.Namespace) *executionStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats, ok := c.stats[ns]
	if !ok {
		stats = &executionStats{}
		c.stats[ns] = stats
	}
	return stats
}

// extractMetadata returns {metaField: value}, with null for a missing value,
// or nil when the collection groups nothing.
func extractMetadata(opts model.TimeseriesOptions, doc model.Document) model.Document {
	if !opts.HasMetaField() {
		return nil
	}
	value, _ := doc.Get(opts.MetaField)
	return model.Document{{Name: opts.MetaField, Value: value}}
}
