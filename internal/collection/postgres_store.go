package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/tsbucket/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const createCollectionsTable = `
	CREATE TABLE IF NOT EXISTS timeseries_collections (
		db               TEXT        NOT NULL,
		coll             TEXT        NOT NULL,
		time_field       TEXT        NOT NULL,
		meta_field       TEXT        NOT NULL DEFAULT '',
		bucket_max_count INTEGER     NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (db, coll)
	)
`

// PostgresConfig holds the connection settings of a PostgresStore
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int
	MinConns int
}

// PostgresStore keeps collection definitions in PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and creates the collections table
// if it does not exist.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConns, cfg.MinConns,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, createCollectionsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create collections table: %w", err)
	}

	logger.Info("Connected to PostgreSQL collection store",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database))

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Load reads every collection
func (s *PostgresStore) Load(ctx context.Context) ([]Collection, error) {
	query := `
		SELECT db, coll, time_field, meta_field, bucket_max_count, created_at
		FROM timeseries_collections
		ORDER BY db, coll
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var collections []Collection
	for rows.Next() {
		var c Collection
		var createdAt time.Time
		if err := rows.Scan(
			&c.Namespace.DB,
			&c.Namespace.Coll,
			&c.Options.TimeField,
			&c.Options.MetaField,
			&c.Options.BucketMaxCount,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		c.CreatedAt = createdAt
		collections = append(collections, c)
	}

	return collections, rows.Err()
}

// Save adds or replaces a collection
func (s *PostgresStore) Save(ctx context.Context, c Collection) error {
	query := `
		INSERT INTO timeseries_collections (db, coll, time_field, meta_field, bucket_max_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (db, coll) DO UPDATE
		SET time_field = $3, meta_field = $4, bucket_max_count = $5, created_at = $6
	`

	_, err := s.pool.Exec(ctx, query,
		c.Namespace.DB,
		c.Namespace.Coll,
		c.Options.TimeField,
		c.Options.MetaField,
		c.Options.BucketMaxCount,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save collection: %w", err)
	}
	return nil
}

// Delete removes a collection. Unknown namespaces are ignored.
func (s *PostgresStore) Delete(ctx context.Context, ns model.Namespace) error {
	query := `DELETE FROM timeseries_collections WHERE db = $1 AND coll = $2`
	if _, err := s.pool.Exec(ctx, query, ns.DB, ns.Coll); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
