package catalog

import "go.uber.org/atomic"

// StatsSink receives named counters
type StatsSink interface {
	Append(name string, value int64)
}

// MapSink collects counters into a map
type MapSink map[string]int64

// Append implements StatsSink
func (s MapSink) Append(name string, value int64) {
	s[name] = value
}

// executionStats are the per-namespace counters of a catalog
type executionStats struct {
	numBucketInserts              atomic.Int64
	numBucketUpdates              atomic.Int64
	numBucketsOpenedDueToMetadata atomic.Int64
	numBucketsClosedDueToCount    atomic.Int64
	numCommits                    atomic.Int64
	numWaits                      atomic.Int64
	numMeasurementsCommitted      atomic.Int64
}

func (s *executionStats) appendTo(sink StatsSink) {
	commits := s.numCommits.Load()
	committed := s.numMeasurementsCommitted.Load()

	sink.Append("numBucketInserts", s.numBucketInserts.Load())
	sink.Append("numBucketUpdates", s.numBucketUpdates.Load())
	sink.Append("numBucketsOpenedDueToMetadata", s.numBucketsOpenedDueToMetadata.Load())
	sink.Append("numBucketsClosedDueToCount", s.numBucketsClosedDueToCount.Load())
	sink.Append("numCommits", commits)
	sink.Append("numWaits", s.numWaits.Load())
	sink.Append("numMeasurementsCommitted", committed)
	if commits > 0 {
		sink.Append("avgNumMeasurementsPerCommit", committed/commits)
	}
}
