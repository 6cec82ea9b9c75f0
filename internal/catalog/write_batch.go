package catalog

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"go.uber.org/atomic"
)

type batchState int

const (
	batchActive batchState = iota
	batchPrepared
	batchFinished
)

func (s batchState) String() string {
	switch s {
	case batchActive:
		return "active"
	case batchPrepared:
		return "prepared"
	case batchFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// CommitInfo is the outcome of a batch. Err is nil on success.
type CommitInfo struct {
	Result model.WriteResult
	Err    error
}

// OK reports whether the batch was written
func (c CommitInfo) OK() bool {
	return c.Err == nil
}

// WriteBatch is the set of measurements committed to storage in one write.
// It is shared by every inserter routed to it; exactly one of them claims
// commit rights and drives PrepareCommit, the write, and Finish.
type WriteBatch struct {
	id     uint64
	bucket *bucket

	commitRights atomic.Bool

	// guarded by bucket.mu
	measurements                       []model.Document
	fieldNames                         map[string]struct{}
	numPreviouslyCommittedMeasurements int
	newFieldNames                      []string
	state                              batchState

	// written once before done is closed
	info CommitInfo
	done chan struct{}
}

func newWriteBatch(id uint64, b *bucket) *WriteBatch {
	return &WriteBatch{
		id:         id,
		bucket:     b,
		fieldNames: make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the batch identifier, unique within a catalog
func (wb *WriteBatch) ID() uint64 {
	return wb.id
}

// String identifies the batch by its immutable fields only, so formatting a
// batch never reads state guarded by the bucket lock.
func (wb *WriteBatch) String() string {
	return fmt.Sprintf("batch %d (bucket %s)", wb.id, wb.bucket.id)
}

// BucketID returns the bucket the batch is bound to
func (wb *WriteBatch) BucketID() BucketID {
	return wb.bucket.id
}

// Namespace returns the collection the batch writes to
func (wb *WriteBatch) Namespace() model.Namespace {
	return wb.bucket.ns
}

// Generation returns the rollover generation of the batch's bucket
func (wb *WriteBatch) Generation() uint64 {
	return wb.bucket.generation
}

// Fingerprint returns the hash of the bucket's grouping key
func (wb *WriteBatch) Fingerprint() uint64 {
	return wb.bucket.fingerprint
}

// Metadata returns the grouping key of the batch's bucket
func (wb *WriteBatch) Metadata() model.Document {
	return wb.bucket.metadata
}

// ClaimCommitRights returns true for exactly one caller per batch
func (wb *WriteBatch) ClaimCommitRights() bool {
	return wb.commitRights.CompareAndSwap(false, true)
}

// Active reports whether the batch still accepts measurements
func (wb *WriteBatch) Active() bool {
	wb.bucket.mu.Lock()
	defer wb.bucket.mu.Unlock()
	return wb.state == batchActive
}

// Finished reports whether the batch has an outcome
func (wb *WriteBatch) Finished() bool {
	wb.bucket.mu.Lock()
	defer wb.bucket.mu.Unlock()
	return wb.state == batchFinished
}

// Measurements returns a copy of the measurements appended so far
func (wb *WriteBatch) Measurements() []model.Document {
	wb.bucket.mu.Lock()
	defer wb.bucket.mu.Unlock()
	out := make([]model.Document, len(wb.measurements))
	copy(out, wb.measurements)
	return out
}

// NumPreviouslyCommittedMeasurements is the bucket's committed count at the
// time the batch was prepared
func (wb *WriteBatch) NumPreviouslyCommittedMeasurements() int {
	wb.bucket.mu.Lock()
	defer wb.bucket.mu.Unlock()
	return wb.numPreviouslyCommittedMeasurements
}

// NewFieldNames returns, sorted, the fields this batch introduces to its
// bucket. Only meaningful once the batch is prepared.
func (wb *WriteBatch) NewFieldNames() []string {
	wb.bucket.mu.Lock()
	defer wb.bucket.mu.Unlock()
	out := make([]string, len(wb.newFieldNames))
	copy(out, wb.newFieldNames)
	return out
}

// Wait blocks until the batch is finished or ctx is done
func (wb *WriteBatch) Wait(ctx context.Context) (CommitInfo, error) {
	select {
	case <-wb.done:
		return wb.info, nil
	case <-ctx.Done():
		return CommitInfo{}, ctx.Err()
	}
}

// Result returns the outcome without blocking
func (wb *WriteBatch) Result() (CommitInfo, bool) {
	select {
	case <-wb.done:
		return wb.info, true
	default:
		return CommitInfo{}, false
	}
}

// Done is closed once the batch is finished
func (wb *WriteBatch) Done() <-chan struct{} {
	return wb.done
}

func (wb *WriteBatch) addLocked(doc model.Document, metaField string) {
	wb.measurements = append(wb.measurements, doc)
	for _, f := range doc {
		if metaField != "" && f.Name == metaField {
			continue
		}
		wb.fieldNames[f.Name] = struct{}{}
	}
}

// finishLocked records the outcome and releases every waiter
func (wb *WriteBatch) finishLocked(info CommitInfo) {
	wb.state = batchFinished
	wb.info = info
	close(wb.done)
	wb.bucket.cond.Broadcast()
}

// abortLocked finishes a batch that never reached storage
func (wb *WriteBatch) abortLocked() {
	b := wb.bucket
	if b.activeBatch == wb {
		b.activeBatch = nil
	}
	wb.finishLocked(CommitInfo{Err: errors.BucketCleared(b.id.String())})
}
