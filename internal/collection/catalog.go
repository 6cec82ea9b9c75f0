// Package collection tracks the time-series collections a node serves and
// their bucketing options.
package collection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/errors"
	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/devrev/pairdb/tsbucket/internal/validation"
	"go.uber.org/zap"
)

// Catalog is the in-memory view of every registered collection, written
// through to a Store. It serves options lookups for the bucket catalog.
type Catalog struct {
	store  Store
	logger *zap.Logger

	mu          sync.RWMutex
	collections map[model.Namespace]Collection
}

// NewCatalog creates an empty catalog. A nil store keeps definitions in
// memory only.
func NewCatalog(store Store, logger *zap.Logger) *Catalog {
	return &Catalog{
		store:       store,
		logger:      logger,
		collections: make(map[model.Namespace]Collection),
	}
}

// Load replaces the in-memory view with the store's contents
func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}

	loaded, err := c.store.Load(ctx)
	if err != nil {
		return errors.Unavailable("failed to load collections", err)
	}

	collections := make(map[model.Namespace]Collection, len(loaded))
	for _, coll := range loaded {
		coll.Options = coll.Options.WithDefaults()
		if err := validation.ValidateOptions(coll.Options); err != nil {
			c.logger.Warn("Skipping collection with invalid options",
				zap.String("namespace", coll.Namespace.String()),
				zap.Error(err))
			continue
		}
		collections[coll.Namespace] = coll
	}

	c.mu.Lock()
	c.collections = collections
	c.mu.Unlock()
	return nil
}

// Create registers a new collection
func (c *Catalog) Create(ctx context.Context, ns model.Namespace, opts model.TimeseriesOptions) (Collection, error) {
	if err := validation.ValidateNamespace(ns); err != nil {
		return Collection{}, err
	}
	opts = opts.WithDefaults()
	if err := validation.ValidateOptions(opts); err != nil {
		return Collection{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.collections[ns]; exists {
		return Collection{}, errors.NamespaceExists(ns.String())
	}

	coll := Collection{Namespace: ns, Options: opts, CreatedAt: time.Now().UTC()}
	if c.store != nil {
		if err := c.store.Save(ctx, coll); err != nil {
			return Collection{}, errors.StoreFailed("failed to persist collection", err)
		}
	}
	c.collections[ns] = coll

	c.logger.Info("Created time-series collection",
		zap.String("namespace", ns.String()),
		zap.String("time_field", opts.TimeField),
		zap.String("meta_field", opts.MetaField),
		zap.Int("bucket_max_count", opts.BucketMaxCount))

	return coll, nil
}

// Drop removes a collection
func (c *Catalog) Drop(ctx context.Context, ns model.Namespace) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.collections[ns]; !exists {
		return errors.NamespaceNotFound(ns.String())
	}
	if err := c.dropLocked(ctx, ns); err != nil {
		return err
	}

	c.logger.Info("Dropped time-series collection", zap.String("namespace", ns.String()))
	return nil
}

// DropDatabase removes every collection of db and returns their namespaces
func (c *Catalog) DropDatabase(ctx context.Context, db string) ([]model.Namespace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []model.Namespace
	for ns := range c.collections {
		if ns.DB != db {
			continue
		}
		if err := c.dropLocked(ctx, ns); err != nil {
			return dropped, err
		}
		dropped = append(dropped, ns)
	}

	c.logger.Info("Dropped database",
		zap.String("db", db),
		zap.Int("collections", len(dropped)))

	return dropped, nil
}

func (c *Catalog) dropLocked(ctx context.Context, ns model.Namespace) error {
	if c.store != nil {
		if err := c.store.Delete(ctx, ns); err != nil {
			return errors.StoreFailed("failed to delete collection", err)
		}
	}
	delete(c.collections, ns)
	return nil
}

// Lookup returns the options of a collection
func (c *Catalog) Lookup(ns model.Namespace) (model.TimeseriesOptions, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	coll, ok := c.collections[ns]
	return coll.Options, ok
}

// Get returns a collection definition
func (c *Catalog) Get(ns model.Namespace) (Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	coll, ok := c.collections[ns]
	return coll, ok
}

// List returns every collection ordered by namespace
func (c *Catalog) List() []Collection {
	c.mu.RLock()
	out := make([]Collection, 0, len(c.collections))
	for _, coll := range c.collections {
		out = append(out, coll)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Namespace.String() < out[j].Namespace.String()
	})
	return out
}

// Close closes the underlying store
func (c *Catalog) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
