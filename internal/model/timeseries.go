package model

// DefaultBucketMaxCount is the number of measurements a bucket accepts
// before it is rolled over into a new generation.
const DefaultBucketMaxCount = 1000

// TimeseriesOptions are the per-collection settings the bucket catalog
// reads when it creates a bucket.
type TimeseriesOptions struct {
	TimeField      string `json:"time_field" yaml:"time_field"`
	MetaField      string `json:"meta_field,omitempty" yaml:"meta_field,omitempty"`
	BucketMaxCount int    `json:"bucket_max_count" yaml:"bucket_max_count"`
}

// HasMetaField reports whether documents are grouped by a metadata field
func (o TimeseriesOptions) HasMetaField() bool {
	return o.MetaField != ""
}

// WithDefaults fills unset options with their defaults
func (o TimeseriesOptions) WithDefaults() TimeseriesOptions {
	if o.BucketMaxCount == 0 {
		o.BucketMaxCount = DefaultBucketMaxCount
	}
	return o
}

// WriteOp is the kind of storage write a committed batch turned into
type WriteOp string

const (
	WriteOpInsert WriteOp = "insert"
	WriteOpUpdate WriteOp = "update"
)

// WriteResult is what the storage engine reports for one committed batch
type WriteResult struct {
	Op  WriteOp `json:"op"`
	N   int     `json:"n"`
	Seq uint64  `json:"seq"`
}
