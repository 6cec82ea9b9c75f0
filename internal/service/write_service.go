// Package service drives the bucket catalog's commit protocol on behalf of
// insert requests and owns the collection lifecycle.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/catalog"
	"github.com/devrev/pairdb/tsbucket/internal/collection"
	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/metrics"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/util/workerpool"
	"github.com/devrev/pairdb/tsbucket/internal/validation"
	"go.uber.org/zap"
)

// BatchWriter persists a prepared write batch
type BatchWriter interface {
	Write(ctx context.Context, batch *catalog.WriteBatch) (model.WriteResult, error)
}

// Config holds write service settings
type Config struct {
	// MaxRetries bounds re-inserts of measurements whose batch was cleared
	MaxRetries     int
	CommitTimeout  time.Duration
	IdempotencyTTL time.Duration
}

// InsertRequest is one client insert into a collection
type InsertRequest struct {
	Namespace      model.Namespace
	Documents      []model.Document
	IdempotencyKey string
}

// InsertResult summarizes the commits an insert request waited for
type InsertResult struct {
	N       int `json:"n"`
	Batches int `json:"batches"`
	Inserts int `json:"bucket_inserts"`
	Updates int `json:"bucket_updates"`
	Retries int `json:"retries"`
}

// WriteService is the upstream caller of the bucket catalog
type WriteService struct {
	collections *collection.Catalog
	buckets     *catalog.Catalog
	writer      BatchWriter
	pool        *workerpool.WorkerPool
	idempotency IdempotencyStore
	metrics     *metrics.Metrics
	config      Config
	logger      *zap.Logger
}

// NewWriteService creates a write service. pool, idempotency and m may be
// nil; without a pool commits run on the caller's goroutine.
func NewWriteService(
	collections *collection.Catalog,
	buckets *catalog.Catalog,
	writer BatchWriter,
	pool *workerpool.WorkerPool,
	idempotency IdempotencyStore,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *WriteService {
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}
	return &WriteService{
		collections: collections,
		buckets:     buckets,
		writer:      writer,
		pool:        pool,
		idempotency: idempotency,
		metrics:     m,
		config:      cfg,
		logger:      logger,
	}
}

// Insert routes every document into the bucket catalog, commits the batches
// it obtains commit rights for, and waits until every batch holding one of
// its documents is finished.
func (s *WriteService) Insert(ctx context.Context, req *InsertRequest) (*InsertResult, error) {
	if len(req.Documents) == 0 {
		return nil, errors.InvalidArgument("insert requires at least one document", nil)
	}
	if len(req.Documents) > validation.MaxDocumentsPerInsert {
		return nil, errors.ResourceExhausted("documents per insert", len(req.Documents), validation.MaxDocumentsPerInsert)
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		cached, err := s.idempotency.Get(ctx, s.idempotencyKey(req))
		if err == nil {
			s.logger.Debug("Returning cached insert result",
				zap.String("namespace", req.Namespace.String()),
				zap.String("idempotency_key", req.IdempotencyKey))
			return cached, nil
		}
		if !stderrors.Is(err, ErrIdempotencyKeyNotFound) {
			s.logger.Warn("Idempotency lookup failed", zap.Error(err))
		}
	}

	opts, ok := s.collections.Lookup(req.Namespace)
	if !ok {
		return nil, errors.NamespaceNotFound(req.Namespace.String())
	}

	pending := make([]model.Document, len(req.Documents))
	for i, doc := range req.Documents {
		normalized, err := normalizeTime(opts.TimeField, doc)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("document %d: %v", i, err), nil).
				WithDetail("index", i)
		}
		if err := validation.ValidateMeasurement(opts, normalized); err != nil {
			return nil, err
		}
		pending[i] = normalized
	}

	result := &InsertResult{}
	for attempt := 0; ; attempt++ {
		retry, err := s.insertAndCommit(ctx, req.Namespace, pending, result)
		if err != nil {
			return nil, err
		}
		if len(retry) == 0 {
			break
		}
		if attempt >= s.config.MaxRetries {
			s.logger.Warn("Giving up on cleared batches",
				zap.String("namespace", req.Namespace.String()),
				zap.Int("documents", len(retry)),
				zap.Int("attempts", attempt+1))
			return nil, errors.NewStorageError(errors.ErrCodeBucketCleared,
				"measurements were not committed: buckets kept being cleared", nil).
				WithDetail("attempts", attempt+1)
		}
		result.Retries++
		pending = retry
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		if err := s.idempotency.Set(ctx, s.idempotencyKey(req), result, s.config.IdempotencyTTL); err != nil {
			s.logger.Warn("Failed to store idempotency result", zap.Error(err))
		}
	}

	return result, nil
}

// insertAndCommit runs one round of the commit protocol and returns the
// documents whose batch was cleared before it was written.
func (s *WriteService) insertAndCommit(
	ctx context.Context,
	ns model.Namespace,
	docs []model.Document,
	result *InsertResult,
) ([]model.Document, error) {
	var batches []*catalog.WriteBatch
	groups := make(map[*catalog.WriteBatch][]model.Document)

	var insertErr error
	for _, doc := range docs {
		batch, err := s.buckets.Insert(ctx, ns, doc)
		if err != nil {
			insertErr = err
			break
		}
		if _, seen := groups[batch]; !seen {
			batches = append(batches, batch)
		}
		groups[batch] = append(groups[batch], doc)
	}

	// Batches already joined must still be driven to completion
	for _, batch := range batches {
		if batch.ClaimCommitRights() {
			s.commit(ctx, batch)
		}
	}
	if insertErr != nil {
		// Joined batches are written regardless, so the caller learns how
		// many documents landed and a blind retry may duplicate them.
		return nil, withCommitted(insertErr, result.N+s.awaitCommitted(ctx, batches, groups))
	}

	var retry []model.Document
	var firstErr error
	for _, batch := range batches {
		info, err := batch.Wait(ctx)
		if err != nil {
			return nil, err
		}

		switch {
		case stderrors.Is(info.Err, errors.ErrBucketCleared):
			retry = append(retry, groups[batch]...)
		case info.Err != nil:
			if firstErr == nil {
				firstErr = info.Err
			}
		default:
			result.N += len(groups[batch])
			result.Batches++
			if info.Result.Op == model.WriteOpInsert {
				result.Inserts++
			} else {
				result.Updates++
			}
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return retry, nil
}

// awaitCommitted waits, past the caller's cancellation but no longer than
// one commit timeout, for batches joined before an insert failed and counts
// the documents they wrote. Batches still pending at the deadline are not
// counted.
func (s *WriteService) awaitCommitted(
	ctx context.Context,
	batches []*catalog.WriteBatch,
	groups map[*catalog.WriteBatch][]model.Document,
) int {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.CommitTimeout)
	defer cancel()

	committed := 0
	for _, batch := range batches {
		info, err := batch.Wait(ctx)
		if err != nil {
			break
		}
		if info.OK() {
			committed += len(groups[batch])
		}
	}
	return committed
}

// withCommitted annotates err with the number of documents of the request
// that were already committed.
func withCommitted(err error, committed int) error {
	var se *errors.StorageError
	if !stderrors.As(err, &se) {
		return errors.NewStorageError(errors.ErrCodeInternal, "insert interrupted", err).
			WithDetail("committed", committed)
	}
	out := errors.NewStorageError(se.Code, se.Message, se.Cause)
	for k, v := range se.Details {
		out.Details[k] = v
	}
	return out.WithDetail("committed", committed)
}

// commit runs the commit of a batch this caller holds rights for on the
// pool, or inline when the pool is saturated.
func (s *WriteService) commit(ctx context.Context, batch *catalog.WriteBatch) {
	task := workerpool.Task{
		ID:      fmt.Sprintf("commit-%d", batch.ID()),
		Context: context.WithoutCancel(ctx),
		Fn: func(taskCtx context.Context) error {
			return s.commitBatch(taskCtx, batch)
		},
	}

	if s.pool != nil && s.pool.TrySubmit(task) {
		return
	}

	s.metrics.RecordCommitInline()
	if err := s.commitBatch(task.Context, batch); err != nil {
		s.logger.Error("Inline commit failed",
			zap.Uint64("batch_id", batch.ID()),
			zap.Error(err))
	}
}

func (s *WriteService) commitBatch(ctx context.Context, batch *catalog.WriteBatch) error {
	if !s.buckets.PrepareCommit(batch) {
		s.logger.Debug("Batch aborted before commit",
			zap.Uint64("batch_id", batch.ID()),
			zap.String("bucket_id", batch.BucketID().String()))
		return nil
	}

	finished := false
	defer func() {
		// a panicking writer must not strand the batch's waiters
		if !finished {
			s.buckets.Finish(batch, catalog.CommitInfo{Err: errors.InternalError("commit aborted", nil)})
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.config.CommitTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.writer.Write(ctx, batch)
	finished = true
	s.buckets.Finish(batch, catalog.CommitInfo{Result: result, Err: err})

	if err != nil {
		s.logger.Error("Batch commit failed",
			zap.String("namespace", batch.Namespace().String()),
			zap.String("bucket_id", batch.BucketID().String()),
			zap.Uint64("batch_id", batch.ID()),
			zap.Error(err))
		return err
	}

	s.logger.Debug("Batch committed",
		zap.String("namespace", batch.Namespace().String()),
		zap.String("bucket_id", batch.BucketID().String()),
		zap.Uint64("batch_id", batch.ID()),
		zap.String("op", string(result.Op)),
		zap.Int("measurements", result.N),
		zap.Duration("latency", time.Since(start)))
	return nil
}

func (s *WriteService) idempotencyKey(req *InsertRequest) string {
	return req.Namespace.String() + ":" + req.IdempotencyKey
}

// Epoch milliseconds outside the years RFC 3339 can express are rejected.
var (
	minEpochMillis = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxEpochMillis = time.Date(9999, time.December, 31, 23, 59, 59, 999999999, time.UTC).UnixMilli()
)

// normalizeTime converts RFC 3339 strings and epoch milliseconds in the time
// field to time.Time. Other fields are untouched.
func normalizeTime(timeField string, doc model.Document) (model.Document, error) {
	out := make(model.Document, len(doc))
	copy(out, doc)

	for i, f := range out {
		if f.Name != timeField {
			continue
		}
		switch v := f.Value.(type) {
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("time field '%s' is not an RFC 3339 date: %w", timeField, err)
			}
			out[i].Value = t.UTC()
		case int64:
			if v < minEpochMillis || v > maxEpochMillis {
				return nil, fmt.Errorf("time field '%s' is out of range: %d ms", timeField, v)
			}
			out[i].Value = time.UnixMilli(v).UTC()
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("time field '%s' is not a finite number", timeField)
			}
			if v < float64(minEpochMillis) || v > float64(maxEpochMillis) {
				return nil, fmt.Errorf("time field '%s' is out of range: %g ms", timeField, v)
			}
			out[i].Value = time.UnixMilli(int64(v)).UTC()
		}
		return out, nil
	}
	return out, nil
}

// CreateCollection registers a time-series collection
func (s *WriteService) CreateCollection(ctx context.Context, ns model.Namespace, opts model.TimeseriesOptions) (collection.Collection, error) {
	return s.collections.Create(ctx, ns, opts)
}

// DropCollection removes a collection and clears its buckets
func (s *WriteService) DropCollection(ctx context.Context, ns model.Namespace) error {
	if err := s.collections.Drop(ctx, ns); err != nil {
		return err
	}
	s.buckets.ClearNamespace(ns)
	return nil
}

// DropDatabase removes every collection of db and clears their buckets
func (s *WriteService) DropDatabase(ctx context.Context, db string) ([]model.Namespace, error) {
	dropped, err := s.collections.DropDatabase(ctx, db)
	// buckets of collections dropped before a failure are stale too
	s.buckets.ClearDatabase(db)
	return dropped, err
}

// ListCollections returns every registered collection
func (s *WriteService) ListCollections() []collection.Collection {
	return s.collections.List()
}

// Stats returns the bucket catalog counters of a collection
func (s *WriteService) Stats(ns model.Namespace) (map[string]int64, error) {
	if _, ok := s.collections.Lookup(ns); !ok {
		return nil, errors.NamespaceNotFound(ns.String())
	}
	sink := catalog.MapSink{}
	s.buckets.AppendExecutionStats(ns, sink)
	return sink, nil
}

// BucketMetadata returns the grouping key of a live bucket
func (s *WriteService) BucketMetadata(id string) (model.Document, error) {
	bucketID, err := catalog.ParseBucketID(id)
	if err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("malformed bucket id '%s'", id), err)
	}
	return s.buckets.GetMetadata(bucketID), nil
}
