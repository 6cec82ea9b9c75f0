package catalog

import (
	"sort"
	"sync"

	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/google/uuid"
)

// BucketID uniquely identifies one bucket instance. A rolled over bucket
// gets a fresh ID.
type BucketID uuid.UUID

// ParseBucketID parses the string form returned by BucketID.String
func ParseBucketID(s string) (BucketID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return BucketID{}, err
	}
	return BucketID(id), nil
}

func (id BucketID) String() string {
	return uuid.UUID(id).String()
}

// bucketKey is the registry key for the open bucket of a grouping
type bucketKey struct {
	ns   model.Namespace
	meta string
}

// bucket accumulates the measurements of one (namespace, metadata) grouping.
// Every mutable field is guarded by mu, including the state of the batches
// bound to this bucket.
type bucket struct {
	id          BucketID
	key         bucketKey
	ns          model.Namespace
	metadata    model.Document
	fingerprint uint64
	generation  uint64
	maxCount    int

	mu   sync.Mutex
	cond *sync.Cond

	// fields already persisted, or about to be by the prepared batch
	fieldNames map[string]struct{}

	numCommittedMeasurements int
	// committed plus pending
	numMeasurements int

	activeBatch   *WriteBatch
	preparedBatch *WriteBatch

	cleared    bool
	superseded bool
}

func newBucket(key bucketKey, metadata model.Document, fingerprint, generation uint64, maxCount int) *bucket {
	b := &bucket{
		id:          BucketID(uuid.New()),
		key:         key,
		ns:          key.ns,
		metadata:    metadata,
		fingerprint: fingerprint,
		generation:  generation,
		maxCount:    maxCount,
		fieldNames:  make(map[string]struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *bucket) fullLocked() bool {
	return b.numMeasurements >= b.maxCount
}

func (b *bucket) idleLocked() bool {
	return b.activeBatch == nil && b.preparedBatch == nil
}

// acceptingLocked reports whether inserts may still route here
func (b *bucket) acceptingLocked() bool {
	return !b.cleared && !b.superseded
}

func (b *bucket) activeBatchLocked(nextID func() uint64) *WriteBatch {
	if b.activeBatch == nil {
		b.activeBatch = newWriteBatch(nextID(), b)
	}
	return b.activeBatch
}

// claimNewFieldsLocked returns the names in fields that the bucket has not
// seen and records all of them as known.
func (b *bucket) claimNewFieldsLocked(fields map[string]struct{}) []string {
	var fresh []string
	for name := range fields {
		if _, known := b.fieldNames[name]; known {
			continue
		}
		fresh = append(fresh, name)
		b.fieldNames[name] = struct{}{}
	}
	sort.Strings(fresh)
	return fresh
}
