package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/model"
)

const (
	// Size limits
	MaxDBNameSize    = 64
	MaxNamespaceSize = 255
	MaxFieldNameSize = 1024

	// Bucket capacity limits
	MinBucketMaxCount = 1
	MaxBucketMaxCount = 100000

	// MaxDocumentsPerInsert bounds a single insert request
	MaxDocumentsPerInsert = 100000
)

// ValidateNamespace validates a namespace
func ValidateNamespace(ns model.Namespace) error {
	if ns.DB == "" {
		return errors.InvalidNamespace(ns.String(), "database name cannot be empty")
	}
	if ns.Coll == "" {
		return errors.InvalidNamespace(ns.String(), "collection name cannot be empty")
	}
	if len(ns.DB) > MaxDBNameSize {
		return errors.InvalidNamespace(ns.String(), fmt.Sprintf("database name exceeds maximum size of %d bytes", MaxDBNameSize))
	}
	if len(ns.String()) > MaxNamespaceSize {
		return errors.InvalidNamespace(ns.String(), fmt.Sprintf("namespace exceeds maximum size of %d bytes", MaxNamespaceSize))
	}

	// '.' separates database and collection
	if strings.ContainsAny(ns.DB, ". /\\\"$") {
		return errors.InvalidNamespace(ns.String(), "database name contains an invalid character")
	}
	if strings.HasPrefix(ns.Coll, ".") || strings.HasSuffix(ns.Coll, ".") || strings.Contains(ns.Coll, "$") {
		return errors.InvalidNamespace(ns.String(), "collection name contains an invalid character")
	}

	for _, r := range ns.String() {
		if r == 0 || unicode.IsControl(r) {
			return errors.InvalidNamespace(ns.String(), "namespace cannot contain control characters")
		}
	}

	return nil
}

// ValidateOptions validates time-series options after defaults are applied
func ValidateOptions(opts model.TimeseriesOptions) error {
	if err := validateFieldName(opts.TimeField); err != nil {
		return errors.InvalidTimeseriesOptions(fmt.Sprintf("time_field: %v", err))
	}
	if opts.MetaField != "" {
		if err := validateFieldName(opts.MetaField); err != nil {
			return errors.InvalidTimeseriesOptions(fmt.Sprintf("meta_field: %v", err))
		}
		if opts.MetaField == opts.TimeField {
			return errors.InvalidTimeseriesOptions("meta_field and time_field must differ")
		}
	}
	if opts.BucketMaxCount < MinBucketMaxCount || opts.BucketMaxCount > MaxBucketMaxCount {
		return errors.InvalidTimeseriesOptions(
			fmt.Sprintf("bucket_max_count must be between %d and %d", MinBucketMaxCount, MaxBucketMaxCount))
	}
	return nil
}

// ValidateMeasurement checks a document against the collection's options.
// The time field must be present and hold a time.Time.
func ValidateMeasurement(opts model.TimeseriesOptions, doc model.Document) error {
	if len(doc) == 0 {
		return errors.InvalidArgument("measurement cannot be empty", nil)
	}

	seen := make(map[string]struct{}, len(doc))
	for _, f := range doc {
		if f.Name == "" {
			return errors.InvalidArgument("measurement has an empty field name", nil)
		}
		if _, dup := seen[f.Name]; dup {
			return errors.InvalidArgument(fmt.Sprintf("measurement has duplicate field '%s'", f.Name), nil)
		}
		seen[f.Name] = struct{}{}
	}

	value, ok := doc.Get(opts.TimeField)
	if !ok {
		return errors.InvalidArgument(fmt.Sprintf("measurement is missing time field '%s'", opts.TimeField), nil).
			WithDetail("time_field", opts.TimeField)
	}
	if _, ok := value.(time.Time); !ok {
		return errors.InvalidArgument(
			fmt.Sprintf("time field '%s' must be a date, got %T", opts.TimeField, value), nil).
			WithDetail("time_field", opts.TimeField)
	}

	return nil
}

func validateFieldName(name string) error {
	if name == "" {
		return fmt.Errorf("field name cannot be empty")
	}
	if len(name) > MaxFieldNameSize {
		return fmt.Errorf("field name exceeds maximum size of %d bytes", MaxFieldNameSize)
	}
	if strings.HasPrefix(name, "$") {
		return fmt.Errorf("field name cannot start with '$'")
	}
	if strings.Contains(name, ".") {
		return fmt.Errorf("field name cannot contain '.'")
	}
	if strings.Contains(name, "\x00") {
		return fmt.Errorf("field name cannot contain null bytes")
	}
	return nil
}

// EstimateBatchSize estimates the bytes a committed batch will take on disk.
// The disk manager uses it to check available space.
func EstimateBatchSize(measurements []model.Document) uint64 {
	var total uint64
	for _, doc := range measurements {
		for _, f := range doc {
			// name, value and framing
			total += uint64(len(f.Name)) + 32
			if s, ok := f.Value.(string); ok {
				total += uint64(len(s))
			}
		}
	}
	// 20% safety margin plus record header
	return total + total/5 + 256
}
