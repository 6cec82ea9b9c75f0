package catalog_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/catalog"
	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	timeField = "time"
	metaField = "meta"
)

var (
	ns1 = model.NewNamespace("bucket_catalog_test_1", "t_1")
	ns2 = model.NewNamespace("bucket_catalog_test_1", "t_2")
	ns3 = model.NewNamespace("bucket_catalog_test_2", "t_1")
)

type staticProvider map[model.Namespace]model.TimeseriesOptions

func (p staticProvider) Lookup(ns model.Namespace) (model.TimeseriesOptions, bool) {
	opts, ok := p[ns]
	return opts, ok
}

func setupCatalog(t *testing.T, withMeta bool) *catalog.Catalog {
	t.Helper()
	opts := model.TimeseriesOptions{TimeField: timeField}
	if withMeta {
		opts.MetaField = metaField
	}
	provider := staticProvider{ns1: opts, ns2: opts, ns3: opts}
	return catalog.New(provider, nil, zap.NewNop())
}

func measurement(fields ...model.Field) model.Document {
	doc := model.Document{{Name: timeField, Value: time.Now()}}
	return append(doc, fields...)
}

func insert(t *testing.T, c *catalog.Catalog, ns model.Namespace, doc model.Document) *catalog.WriteBatch {
	t.Helper()
	batch, err := c.Insert(context.Background(), ns, doc)
	require.NoError(t, err)
	return batch
}

func commit(t *testing.T, c *catalog.Catalog, batch *catalog.WriteBatch, numPreviouslyCommitted int) {
	t.Helper()
	require.True(t, batch.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch))
	assert.Len(t, batch.Measurements(), 1)
	assert.Equal(t, numPreviouslyCommitted, batch.NumPreviouslyCommittedMeasurements())
	c.Finish(batch, catalog.CommitInfo{})
}

func insertOneAndCommit(t *testing.T, c *catalog.Catalog, ns model.Namespace, numPreviouslyCommitted int) {
	t.Helper()
	commit(t, c, insert(t, c, ns, measurement()), numPreviouslyCommitted)
}

func numWaits(c *catalog.Catalog, ns model.Namespace) int64 {
	sink := catalog.MapSink{}
	c.AppendExecutionStats(ns, sink)
	return sink["numWaits"]
}

func TestCatalog_InsertIntoSameBucket(t *testing.T) {
	c := setupCatalog(t, true)

	// The first inserter can take commit rights while the batch stays active
	batch1 := insert(t, c, ns1, measurement())
	assert.True(t, batch1.ClaimCommitRights())
	assert.True(t, batch1.Active())

	// Same bucket, same batch, no second claim
	batch2 := insert(t, c, ns1, measurement())
	assert.Same(t, batch1, batch2)
	assert.False(t, batch2.ClaimCommitRights())
	assert.False(t, batch1.Finished())

	require.True(t, c.PrepareCommit(batch1))
	assert.False(t, batch1.Finished())
	assert.False(t, batch1.Active())

	assert.Len(t, batch1.Measurements(), 2)
	assert.Equal(t, 0, batch1.NumPreviouslyCommittedMeasurements())

	c.Finish(batch1, catalog.CommitInfo{Result: model.WriteResult{N: 2}})
	assert.True(t, batch2.Finished())
	info, err := batch2.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, info.OK())
	assert.Equal(t, 2, info.Result.N)
}

func TestCatalog_GetMetadataReturnsEmptyDocOnMissingBucket(t *testing.T) {
	c := setupCatalog(t, true)

	batch := insert(t, c, ns1, measurement())
	require.NotEmpty(t, c.GetMetadata(batch.BucketID()))

	c.Clear(batch.BucketID())
	assert.Empty(t, c.GetMetadata(batch.BucketID()))
}

func TestCatalog_InsertIntoDifferentBuckets(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: "123"}))
	batch2 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: model.Document{}}))
	batch3 := insert(t, c, ns2, measurement())

	assert.NotSame(t, batch1, batch2)
	assert.NotSame(t, batch1, batch3)
	assert.NotSame(t, batch2, batch3)

	assert.Equal(t, model.Document{{Name: metaField, Value: "123"}}, c.GetMetadata(batch1.BucketID()))
	assert.Equal(t, model.Document{{Name: metaField, Value: model.Document{}}}, c.GetMetadata(batch2.BucketID()))
	assert.Equal(t, model.Document{{Name: metaField, Value: nil}}, c.GetMetadata(batch3.BucketID()))

	// Committing one bucket does not touch the others
	for _, batch := range []*catalog.WriteBatch{batch1, batch2, batch3} {
		commit(t, c, batch, 0)
	}
}

func TestCatalog_EqualNumericMetadataSharesBucket(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: int64(1)}))
	batch2 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: float64(1)}))
	batch3 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: "1"}))

	assert.Same(t, batch1, batch2)
	assert.NotSame(t, batch1, batch3)
}

func TestCatalog_NumCommittedMeasurementsAccumulates(t *testing.T) {
	c := setupCatalog(t, true)

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns1, 1)
	insertOneAndCommit(t, c, ns1, 2)
}

func TestCatalog_TwoDocumentsThenNextCommit(t *testing.T) {
	c := setupCatalog(t, true)

	a := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: int64(1)}))
	b := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: int64(1)}))
	require.Same(t, a, b)

	require.True(t, a.ClaimCommitRights())
	require.True(t, c.PrepareCommit(a))
	assert.Len(t, a.Measurements(), 2)
	assert.Equal(t, 0, a.NumPreviouslyCommittedMeasurements())
	c.Finish(a, catalog.CommitInfo{})

	next := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: int64(1)}))
	commit(t, c, next, 2)
}

func TestCatalog_ClearNamespaceBuckets(t *testing.T) {
	c := setupCatalog(t, true)

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 0)

	c.ClearNamespace(ns1)

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 1)
}

func TestCatalog_ClearDatabaseBuckets(t *testing.T) {
	c := setupCatalog(t, true)

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 0)
	insertOneAndCommit(t, c, ns3, 0)

	c.ClearDatabase(ns1.DB)

	insertOneAndCommit(t, c, ns1, 0)
	insertOneAndCommit(t, c, ns2, 0)
	insertOneAndCommit(t, c, ns3, 1)
}

func TestCatalog_InsertBetweenPrepareAndFinish(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement())
	require.True(t, batch1.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch1))
	assert.Len(t, batch1.Measurements(), 1)
	assert.Equal(t, 0, batch1.NumPreviouslyCommittedMeasurements())

	// A second batch is live while the first is in flight
	batch2 := insert(t, c, ns1, measurement())
	assert.NotSame(t, batch1, batch2)

	c.Finish(batch1, catalog.CommitInfo{})
	assert.True(t, batch1.Finished())

	commit(t, c, batch2, 1)
}

func TestCatalog_CannotCommitWithoutRights(t *testing.T) {
	c := setupCatalog(t, true)
	batch := insert(t, c, ns1, measurement())

	assert.Panics(t, func() { c.PrepareCommit(batch) })
}

func TestCatalog_CannotFinishUnpreparedBatch(t *testing.T) {
	c := setupCatalog(t, true)
	batch := insert(t, c, ns1, measurement())
	require.True(t, batch.ClaimCommitRights())

	assert.Panics(t, func() { c.Finish(batch, catalog.CommitInfo{}) })
}

func TestCatalog_CannotFinishTwice(t *testing.T) {
	c := setupCatalog(t, true)
	batch := insert(t, c, ns1, measurement())
	require.True(t, batch.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch))
	c.Finish(batch, catalog.CommitInfo{})

	assert.Panics(t, func() { c.Finish(batch, catalog.CommitInfo{}) })
}

func TestCatalog_CannotPrepareTwice(t *testing.T) {
	c := setupCatalog(t, true)
	batch := insert(t, c, ns1, measurement())
	require.True(t, batch.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch))

	assert.Panics(t, func() { c.PrepareCommit(batch) })
}

func TestCatalog_WithoutMetadata_GetMetadataReturnsEmptyDoc(t *testing.T) {
	c := setupCatalog(t, false)

	batch := insert(t, c, ns1, measurement())
	assert.Empty(t, c.GetMetadata(batch.BucketID()))

	commit(t, c, batch, 0)
}

func TestCatalog_WithoutMetadata_AllDocumentsShareBucket(t *testing.T) {
	c := setupCatalog(t, false)

	batch1 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: "a"}))
	batch2 := insert(t, c, ns1, measurement(model.Field{Name: metaField, Value: "b"}))
	assert.Same(t, batch1, batch2)
}

func TestCatalog_WithoutMetadata_CommitReturnsNewFields(t *testing.T) {
	c := setupCatalog(t, false)

	// A new bucket reports every field of its first measurement
	batch := insert(t, c, ns1, measurement(model.Field{Name: "a", Value: int64(0)}))
	commit(t, c, batch, 0)
	assert.Equal(t, []string{"a", timeField}, batch.NewFieldNames())

	// Same fields again: nothing new
	batch = insert(t, c, ns1, measurement(model.Field{Name: "a", Value: int64(1)}))
	commit(t, c, batch, 1)
	assert.Empty(t, batch.NewFieldNames())

	// One new field
	batch = insert(t, c, ns1, measurement(
		model.Field{Name: "a", Value: int64(2)},
		model.Field{Name: "b", Value: int64(2)},
	))
	commit(t, c, batch, 2)
	assert.Equal(t, []string{"b"}, batch.NewFieldNames())

	// Fill up the bucket
	for i := 3; i < model.DefaultBucketMaxCount; i++ {
		batch = insert(t, c, ns1, measurement(model.Field{Name: "a", Value: int64(i)}))
		commit(t, c, batch, i)
		assert.Empty(t, batch.NewFieldNames(), "measurement %d", i)
	}

	// The overflow bucket starts from scratch
	epoch := c.Epoch()
	overflow := insert(t, c, ns1, measurement(model.Field{Name: "a", Value: int64(model.DefaultBucketMaxCount)}))
	assert.NotEqual(t, batch.BucketID(), overflow.BucketID())
	assert.Equal(t, batch.Generation()+1, overflow.Generation())
	assert.Greater(t, c.Epoch(), epoch)
	commit(t, c, overflow, 0)
	assert.Equal(t, []string{"a", timeField}, overflow.NewFieldNames())

	sink := catalog.MapSink{}
	c.AppendExecutionStats(ns1, sink)
	assert.Equal(t, int64(1), sink["numBucketsClosedDueToCount"])
	assert.Equal(t, int64(2), sink["numBucketInserts"])
	assert.Equal(t, int64(model.DefaultBucketMaxCount-1), sink["numBucketUpdates"])
}

func TestCatalog_MetaFieldIsNotADataField(t *testing.T) {
	c := setupCatalog(t, true)

	batch := insert(t, c, ns1, measurement(
		model.Field{Name: metaField, Value: "sensor-1"},
		model.Field{Name: "temp", Value: 21.5},
	))
	commit(t, c, batch, 0)
	assert.Equal(t, []string{"temp", timeField}, batch.NewFieldNames())
}

func TestCatalog_RolloverUsesConfiguredCapacity(t *testing.T) {
	opts := model.TimeseriesOptions{TimeField: timeField, BucketMaxCount: 2}
	c := catalog.New(staticProvider{ns1: opts}, nil, zap.NewNop())

	first := insert(t, c, ns1, measurement())
	second := insert(t, c, ns1, measurement())
	third := insert(t, c, ns1, measurement())

	assert.Same(t, first, second)
	assert.NotSame(t, first, third)
	assert.NotEqual(t, first.BucketID(), third.BucketID())

	// The superseded bucket still commits its pending batch
	commit2 := func(batch *catalog.WriteBatch, n, prev int) {
		require.True(t, batch.ClaimCommitRights())
		require.True(t, c.PrepareCommit(batch))
		assert.Len(t, batch.Measurements(), n)
		assert.Equal(t, prev, batch.NumPreviouslyCommittedMeasurements())
		c.Finish(batch, catalog.CommitInfo{})
	}
	commit2(first, 2, 0)
	commit2(third, 1, 0)

	// Once drained, the superseded bucket is no longer tracked
	sink := catalog.MapSink{}
	c.AppendExecutionStats(ns1, sink)
	assert.Equal(t, int64(1), sink["numOpenBuckets"])
	assert.Equal(t, int64(0), sink["numDrainingBuckets"])
}

func TestCatalog_DrainingBucketIsNotCountedOpen(t *testing.T) {
	opts := model.TimeseriesOptions{TimeField: timeField, BucketMaxCount: 1}
	c := catalog.New(staticProvider{ns1: opts}, nil, zap.NewNop())

	first := insert(t, c, ns1, measurement())
	second := insert(t, c, ns1, measurement())
	require.NotEqual(t, first.BucketID(), second.BucketID())

	sink := catalog.MapSink{}
	c.AppendExecutionStats(ns1, sink)
	assert.Equal(t, int64(1), sink["numOpenBuckets"])
	assert.Equal(t, int64(1), sink["numDrainingBuckets"])

	commit(t, c, first, 0)

	sink = catalog.MapSink{}
	c.AppendExecutionStats(ns1, sink)
	assert.Equal(t, int64(1), sink["numOpenBuckets"])
	assert.Equal(t, int64(0), sink["numDrainingBuckets"])
}

func TestCatalog_ClearBucketWithOutstandingInserts(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement())
	require.True(t, batch1.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch1))
	assert.Len(t, batch1.Measurements(), 1)
	assert.Equal(t, 0, batch1.NumPreviouslyCommittedMeasurements())

	batch2 := insert(t, c, ns1, measurement())
	assert.NotSame(t, batch1, batch2)

	assert.Equal(t, int64(0), numWaits(c, ns1))

	// Clearing waits for batch1, then aborts batch2
	cleared := make(chan struct{})
	go func() {
		c.Clear(batch1.BucketID())
		close(cleared)
	}()

	require.Eventually(t, func() bool {
		return len(c.GetMetadata(batch1.BucketID())) == 0
	}, time.Second, time.Millisecond)
	// let clear reach its wait
	time.Sleep(10 * time.Millisecond)

	select {
	case <-cleared:
		t.Fatal("clear finished before the in-flight commit")
	default:
	}

	c.Finish(batch1, catalog.CommitInfo{})
	assert.True(t, batch1.Finished())

	select {
	case <-cleared:
	case <-time.After(5 * time.Second):
		t.Fatal("clear did not finish after the in-flight commit")
	}

	assert.Equal(t, int64(1), numWaits(c, ns1))
	assert.True(t, batch2.Finished())
	info, ok := batch2.Result()
	require.True(t, ok)
	assert.True(t, stderrors.Is(info.Err, errors.ErrBucketCleared))
	assert.Equal(t, errors.ErrCodeBucketCleared, errors.GetCode(info.Err))

	// batch1's own outcome is untouched
	info, ok = batch1.Result()
	require.True(t, ok)
	assert.True(t, info.OK())
}

func TestCatalog_ClearWithoutPendingWorkDoesNotBlock(t *testing.T) {
	c := setupCatalog(t, true)

	batch := insert(t, c, ns1, measurement())
	epoch := c.Epoch()

	c.Clear(batch.BucketID())

	assert.Equal(t, int64(0), numWaits(c, ns1))
	assert.Greater(t, c.Epoch(), epoch)

	info, ok := batch.Result()
	require.True(t, ok)
	assert.ErrorIs(t, info.Err, errors.ErrBucketCleared)

	// The next insert lands in a fresh bucket
	next := insert(t, c, ns1, measurement())
	assert.NotEqual(t, batch.BucketID(), next.BucketID())
	commit(t, c, next, 0)
}

func TestCatalog_ClearUnknownBucketIsNoop(t *testing.T) {
	c := setupCatalog(t, true)
	epoch := c.Epoch()

	batch := insert(t, c, ns1, measurement())
	c.Clear(batch.BucketID())
	c.Clear(batch.BucketID())

	assert.Equal(t, epoch+1, c.Epoch())
}

func TestCatalog_PrepareAfterClearReturnsFalse(t *testing.T) {
	c := setupCatalog(t, true)

	batch := insert(t, c, ns1, measurement())
	require.True(t, batch.ClaimCommitRights())

	c.ClearNamespace(ns1)

	assert.False(t, c.PrepareCommit(batch))
	info, ok := batch.Result()
	require.True(t, ok)
	assert.ErrorIs(t, info.Err, errors.ErrBucketCleared)
}

func TestCatalog_PrepareCommitWaitsForPreviousBatch(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement())
	require.True(t, batch1.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch1))

	batch2 := insert(t, c, ns1, measurement())
	require.True(t, batch2.ClaimCommitRights())

	prepared := make(chan bool, 1)
	go func() {
		prepared <- c.PrepareCommit(batch2)
	}()

	select {
	case <-prepared:
		t.Fatal("second batch prepared while the first was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	c.Finish(batch1, catalog.CommitInfo{})

	select {
	case ok := <-prepared:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("second batch never prepared")
	}
	assert.Equal(t, 1, batch2.NumPreviouslyCommittedMeasurements())
	c.Finish(batch2, catalog.CommitInfo{})
}

func TestCatalog_FailedCommitClearsBucket(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement())
	require.True(t, batch1.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch1))

	batch2 := insert(t, c, ns1, measurement())

	writeErr := errors.StoreFailed("disk went away", nil)
	c.Finish(batch1, catalog.CommitInfo{Err: writeErr})

	info, ok := batch1.Result()
	require.True(t, ok)
	assert.Same(t, writeErr, info.Err)

	info, ok = batch2.Result()
	require.True(t, ok)
	assert.ErrorIs(t, info.Err, errors.ErrBucketCleared)

	assert.Empty(t, c.GetMetadata(batch1.BucketID()))
	insertOneAndCommit(t, c, ns1, 0)
}

func TestCatalog_SecondClearWaitsForInFlightCommit(t *testing.T) {
	tests := []struct {
		name  string
		clear func(c *catalog.Catalog, id catalog.BucketID)
	}{
		{"bucket", func(c *catalog.Catalog, id catalog.BucketID) { c.Clear(id) }},
		{"namespace", func(c *catalog.Catalog, _ catalog.BucketID) { c.ClearNamespace(ns1) }},
		{"database", func(c *catalog.Catalog, _ catalog.BucketID) { c.ClearDatabase(ns1.DB) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := setupCatalog(t, true)

			batch1 := insert(t, c, ns1, measurement())
			require.True(t, batch1.ClaimCommitRights())
			require.True(t, c.PrepareCommit(batch1))
			batch2 := insert(t, c, ns1, measurement())

			first := make(chan struct{})
			go func() {
				c.Clear(batch1.BucketID())
				close(first)
			}()
			require.Eventually(t, func() bool {
				return len(c.GetMetadata(batch1.BucketID())) == 0
			}, time.Second, time.Millisecond)

			second := make(chan struct{})
			go func() {
				tt.clear(c, batch1.BucketID())
				close(second)
			}()

			select {
			case <-second:
				t.Fatal("second clear returned while the bucket still had a commit in flight")
			case <-time.After(20 * time.Millisecond):
			}
			assert.False(t, batch2.Finished())

			c.Finish(batch1, catalog.CommitInfo{})

			for _, done := range []chan struct{}{first, second} {
				select {
				case <-done:
				case <-time.After(5 * time.Second):
					t.Fatal("clear did not finish after the in-flight commit")
				}
			}

			info, ok := batch2.Result()
			require.True(t, ok)
			assert.ErrorIs(t, info.Err, errors.ErrBucketCleared)
		})
	}
}

func TestCatalog_ClearNamespaceWaitsForInFlightCommit(t *testing.T) {
	c := setupCatalog(t, true)

	batch1 := insert(t, c, ns1, measurement())
	require.True(t, batch1.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch1))
	batch2 := insert(t, c, ns1, measurement())

	cleared := make(chan struct{})
	go func() {
		c.ClearNamespace(ns1)
		close(cleared)
	}()

	select {
	case <-cleared:
		t.Fatal("clear finished before the in-flight commit")
	case <-time.After(20 * time.Millisecond):
	}

	c.Finish(batch1, catalog.CommitInfo{})

	select {
	case <-cleared:
	case <-time.After(5 * time.Second):
		t.Fatal("clear did not finish after the in-flight commit")
	}
	assert.Equal(t, int64(1), numWaits(c, ns1))
	assert.True(t, batch2.Finished())

	// Nothing is left pending, so another clear returns at once
	c.ClearNamespace(ns1)
	assert.Equal(t, int64(1), numWaits(c, ns1))
}

func TestCatalog_InsertAfterFailedCommitOpensFreshBucket(t *testing.T) {
	c := setupCatalog(t, true)
	opened := func() int64 {
		sink := catalog.MapSink{}
		c.AppendExecutionStats(ns1, sink)
		return sink["numBucketsOpenedDueToMetadata"]
	}

	batch := insert(t, c, ns1, measurement())
	require.True(t, batch.ClaimCommitRights())
	require.True(t, c.PrepareCommit(batch))
	require.Equal(t, int64(1), opened())

	c.Finish(batch, catalog.CommitInfo{Err: errors.StoreFailed("disk went away", nil)})

	next := insert(t, c, ns1, measurement())
	assert.NotEqual(t, batch.BucketID(), next.BucketID())
	assert.Equal(t, int64(2), opened())
	commit(t, c, next, 0)
}

func TestCatalog_InsertsRacingFailedCommitComplete(t *testing.T) {
	c := setupCatalog(t, true)

	failed := insert(t, c, ns1, measurement())
	require.True(t, failed.ClaimCommitRights())
	require.True(t, c.PrepareCommit(failed))

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				batch, err := c.Insert(ctx, ns1, measurement())
				if err != nil {
					return err
				}
				if batch.ClaimCommitRights() && c.PrepareCommit(batch) {
					c.Finish(batch, catalog.CommitInfo{})
				}
				if _, err := batch.Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	c.Finish(failed, catalog.CommitInfo{Err: errors.StoreFailed("disk went away", nil)})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("inserters stalled after a failed commit")
	}
}

func TestWriteBatch_StringUsesImmutableFields(t *testing.T) {
	c := setupCatalog(t, true)
	batch := insert(t, c, ns1, measurement())

	assert.Equal(t, fmt.Sprintf("batch %d (bucket %s)", batch.ID(), batch.BucketID()), batch.String())

	// Formatting while other inserters join the batch must not touch
	// guarded state.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, _ = c.Insert(context.Background(), ns1, measurement())
		}
	}()
	for i := 0; i < 50; i++ {
		assert.NotEmpty(t, fmt.Sprintf("%v", batch))
	}
	wg.Wait()
}

func TestCatalog_InsertErrors(t *testing.T) {
	c := setupCatalog(t, true)
	ctx := context.Background()

	tests := []struct {
		name     string
		ns       model.Namespace
		doc      model.Document
		wantCode errors.ErrorCode
	}{
		{
			name:     "unknown namespace",
			ns:       model.NewNamespace("nope", "nope"),
			doc:      measurement(),
			wantCode: errors.ErrCodeNamespaceNotFound,
		},
		{
			name:     "missing time field",
			ns:       ns1,
			doc:      model.Document{{Name: "a", Value: int64(1)}},
			wantCode: errors.ErrCodeInvalidArgument,
		},
		{
			name:     "time field is not a date",
			ns:       ns1,
			doc:      model.Document{{Name: timeField, Value: "yesterday"}},
			wantCode: errors.ErrCodeInvalidArgument,
		},
		{
			name:     "empty document",
			ns:       ns1,
			doc:      model.Document{},
			wantCode: errors.ErrCodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := c.Insert(ctx, tt.ns, tt.doc)
			require.Error(t, err)
			assert.Nil(t, batch)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestCatalog_ConcurrentInsertsShareBatch(t *testing.T) {
	c := setupCatalog(t, true)

	const inserters = 64
	batches := make([]*catalog.WriteBatch, inserters)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < inserters; i++ {
		g.Go(func() error {
			batch, err := c.Insert(ctx, ns1, measurement(model.Field{Name: metaField, Value: "shared"}))
			batches[i] = batch
			return err
		})
	}
	require.NoError(t, g.Wait())

	for _, batch := range batches[1:] {
		assert.Same(t, batches[0], batch)
	}
	assert.Len(t, batches[0].Measurements(), inserters)

	// Exactly one claimant
	var claims sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for _, batch := range batches {
		claims.Add(1)
		go func(b *catalog.WriteBatch) {
			defer claims.Done()
			if b.ClaimCommitRights() {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(batch)
	}
	claims.Wait()
	assert.Equal(t, 1, granted)
}

func TestCatalog_ConcurrentCommitAndClear(t *testing.T) {
	c := setupCatalog(t, true)
	ctx := context.Background()

	const writers = 16
	const perWriter = 50

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		g.Go(func() error {
			for i := 0; i < perWriter; i++ {
				batch, err := c.Insert(gctx, ns1, measurement(model.Field{Name: metaField, Value: int64(w % 4)}))
				if err != nil {
					return err
				}
				if batch.ClaimCommitRights() && c.PrepareCommit(batch) {
					c.Finish(batch, catalog.CommitInfo{})
				}
				if _, err := batch.Wait(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			c.ClearNamespace(ns1)
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("writers and clears deadlocked")
	}
}
