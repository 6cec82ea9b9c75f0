package collection

import (
	"context"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/model"
)

// Collection is a registered time-series collection
type Collection struct {
	Namespace model.Namespace         `json:"namespace" yaml:"namespace"`
	Options   model.TimeseriesOptions `json:"options" yaml:"options"`
	CreatedAt time.Time               `json:"created_at" yaml:"created_at"`
}

// Store persists collection definitions
type Store interface {
	Load(ctx context.Context) ([]Collection, error)
	Save(ctx context.Context, c Collection) error
	Delete(ctx context.Context, ns model.Namespace) error
	Close() error
}
