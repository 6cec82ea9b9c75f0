// Package store persists committed write batches as bucket records in
// append-only segment files.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/catalog"
	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/metrics"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/store/diskmanager"
	"github.com/devrev/pairdb/tsbucket/internal/util"
	"github.com/devrev/pairdb/tsbucket/internal/validation"
	"go.uber.org/zap"
)

const (
	segmentPattern = "segment-*.log"
	segmentFormat  = "segment-%020d.log"

	// maxRecordSize bounds one line on replay
	maxRecordSize = 64 << 20
)

// Config holds bucket store configuration
type Config struct {
	DataDir     string
	SegmentSize int64
	SyncWrites  bool
}

// Record is one committed batch as written to a segment
type Record struct {
	Seq          uint64           `json:"seq"`
	Op           model.WriteOp    `json:"op"`
	BucketID     string           `json:"bucket_id"`
	Namespace    model.Namespace  `json:"namespace"`
	Generation   uint64           `json:"generation"`
	Fingerprint  uint64           `json:"fingerprint"`
	Metadata     model.Document   `json:"metadata,omitempty"`
	NumPrevious  int              `json:"num_previous"`
	NewFields    []string         `json:"new_fields"`
	Measurements []model.Document `json:"measurements"`
	CommittedAt  time.Time        `json:"committed_at"`
}

// ReplayStats summarizes a replay
type ReplayStats struct {
	Segments  int
	Records   int
	Corrupted int
}

// BucketStore appends bucket records to size-rotated segment files
type BucketStore struct {
	config  *Config
	disk    *diskmanager.DiskManager
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu          sync.Mutex
	currentFile *os.File
	currentSize int64
	segmentID   uint64
	seq         uint64
	closed      bool
}

// Open opens the store in cfg.DataDir, recovering the last sequence number
// from existing segments. disk and m may be nil.
func Open(ctx context.Context, cfg *Config, disk *diskmanager.DiskManager, m *metrics.Metrics, logger *zap.Logger) (*BucketStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &BucketStore{
		config:  cfg,
		disk:    disk,
		metrics: m,
		logger:  logger,
	}

	segments, err := s.segments()
	if err != nil {
		return nil, err
	}
	if len(segments) > 0 {
		last := filepath.Base(segments[len(segments)-1])
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(last, "segment-"), ".log"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse segment name %q: %w", last, err)
		}
		s.segmentID = id
	}

	stats, err := s.Replay(ctx, func(rec *Record) error {
		if rec.Seq > s.seq {
			s.seq = rec.Seq
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Bucket store opened",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("segments", stats.Segments),
		zap.Int("records", stats.Records),
		zap.Int("corrupted", stats.Corrupted),
		zap.Uint64("last_seq", s.seq))

	return s, nil
}

// Write persists a prepared batch and reports what it turned into. The first
// batch of a bucket is an insert, later ones are updates.
func (s *BucketStore) Write(ctx context.Context, batch *catalog.WriteBatch) (model.WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return model.WriteResult{}, err
	}

	measurements := batch.Measurements()
	if s.disk != nil {
		if err := s.disk.CheckBeforeWrite(validation.EstimateBatchSize(measurements)); err != nil {
			return model.WriteResult{}, err
		}
	}

	op := model.WriteOpUpdate
	if batch.NumPreviouslyCommittedMeasurements() == 0 {
		op = model.WriteOpInsert
	}

	record := &Record{
		Op:           op,
		BucketID:     batch.BucketID().String(),
		Namespace:    batch.Namespace(),
		Generation:   batch.Generation(),
		Fingerprint:  batch.Fingerprint(),
		Metadata:     batch.Metadata(),
		NumPrevious:  batch.NumPreviouslyCommittedMeasurements(),
		NewFields:    batch.NewFieldNames(),
		Measurements: measurements,
		CommittedAt:  time.Now().UTC(),
	}

	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.WriteResult{}, errors.Unavailable("bucket store is closed", nil)
	}

	record.Seq = s.seq + 1
	payload, err := json.Marshal(record)
	if err != nil {
		return model.WriteResult{}, errors.StoreFailed("failed to encode bucket record", err)
	}
	line := util.EncodeLine(payload)

	if err := s.ensureSegmentLocked(int64(len(line))); err != nil {
		return model.WriteResult{}, errors.StoreFailed("failed to open segment", err)
	}

	n, err := s.currentFile.Write(line)
	s.currentSize += int64(n)
	if err != nil {
		return model.WriteResult{}, errors.StoreFailed("failed to append bucket record", err)
	}
	if s.config.SyncWrites {
		if err := s.currentFile.Sync(); err != nil {
			return model.WriteResult{}, errors.StoreFailed("failed to sync segment", err)
		}
	}
	s.seq = record.Seq

	s.metrics.RecordStoreWrite(len(line), time.Since(start))

	return model.WriteResult{Op: op, N: len(measurements), Seq: record.Seq}, nil
}

// ensureSegmentLocked opens the first segment or rotates when the next
// record would overflow the current one.
func (s *BucketStore) ensureSegmentLocked(next int64) error {
	if s.currentFile != nil && (s.currentSize == 0 || s.currentSize+next <= s.config.SegmentSize) {
		return nil
	}

	if s.currentFile != nil {
		s.logger.Info("Rotating segment due to size",
			zap.Int64("size", s.currentSize),
			zap.Int64("threshold", s.config.SegmentSize))
		if err := s.currentFile.Close(); err != nil {
			s.logger.Warn("Failed to close segment", zap.Error(err))
		}
		s.currentFile = nil
	}

	s.segmentID++
	path := filepath.Join(s.config.DataDir, fmt.Sprintf(segmentFormat, s.segmentID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	s.currentFile = file
	s.currentSize = 0
	s.metrics.RecordSegmentOpened()
	s.logger.Info("Opened new segment", zap.String("path", path))
	return nil
}

// Replay calls fn for every intact record in write order. Lines that fail
// their checksum or do not decode are skipped and counted.
func (s *BucketStore) Replay(ctx context.Context, fn func(*Record) error) (ReplayStats, error) {
	var stats ReplayStats

	segments, err := s.segments()
	if err != nil {
		return stats, err
	}

	for _, path := range segments {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.replaySegment(ctx, path, fn, &stats); err != nil {
			return stats, err
		}
		stats.Segments++
	}

	return stats, nil
}

func (s *BucketStore) replaySegment(ctx context.Context, path string, fn func(*Record) error, stats *ReplayStats) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.StoreFailed("failed to open segment", err).WithDetail("path", path)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++

		payload, err := util.DecodeLine(scanner.Bytes())
		if err != nil {
			stats.Corrupted++
			s.logger.Warn("Skipping corrupted bucket record",
				zap.String("segment", path),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}

		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			stats.Corrupted++
			s.logger.Warn("Skipping undecodable bucket record",
				zap.String("segment", path),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}

		if err := fn(&rec); err != nil {
			return err
		}
		stats.Records++
	}

	if err := scanner.Err(); err != nil {
		return errors.CorruptedData("failed to read segment", err).WithDetail("path", path)
	}
	return nil
}

func (s *BucketStore) segments() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.config.DataDir, segmentPattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	// zero-padded names sort in write order
	sort.Strings(paths)
	return paths, nil
}

// LastSeq returns the sequence number of the last written record
func (s *BucketStore) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close closes the current segment. Later writes fail.
func (s *BucketStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.currentFile == nil {
		return nil
	}
	err := s.currentFile.Close()
	s.currentFile = nil
	return err
}
