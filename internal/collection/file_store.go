package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/devrev/pairdb/tsbucket/internal/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileContents is the on-disk layout of a FileStore
type fileContents struct {
	Collections []Collection `yaml:"collections"`
}

// FileStore keeps collection definitions in a single YAML file. Every change
// rewrites the file through a temporary file and a rename.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu          sync.Mutex
	collections map[model.Namespace]Collection
}

// NewFileStore creates a store backed by path. The file is created on the
// first Save.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create collection directory: %w", err)
	}
	return &FileStore{
		path:        path,
		logger:      logger,
		collections: make(map[model.Namespace]Collection),
	}, nil
}

// Load reads every collection from the file
func (s *FileStore) Load(ctx context.Context) ([]Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read collection file: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse collection file: %w", err)
	}

	s.collections = make(map[model.Namespace]Collection, len(contents.Collections))
	for _, c := range contents.Collections {
		s.collections[c.Namespace] = c
	}

	s.logger.Info("Loaded collections from file",
		zap.String("path", s.path),
		zap.Int("count", len(contents.Collections)))

	return contents.Collections, nil
}

// Save adds or replaces a collection
func (s *FileStore) Save(ctx context.Context, c Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.collections[c.Namespace]
	s.collections[c.Namespace] = c
	if err := s.flushLocked(); err != nil {
		if existed {
			s.collections[c.Namespace] = previous
		} else {
			delete(s.collections, c.Namespace)
		}
		return err
	}
	return nil
}

// Delete removes a collection. Unknown namespaces are ignored.
func (s *FileStore) Delete(ctx context.Context, ns model.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.collections[ns]
	if !ok {
		return nil
	}
	delete(s.collections, ns)
	if err := s.flushLocked(); err != nil {
		s.collections[ns] = previous
		return err
	}
	return nil
}

// Close is a no-op
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) flushLocked() error {
	contents := fileContents{Collections: make([]Collection, 0, len(s.collections))}
	for _, c := range s.collections {
		contents.Collections = append(contents.Collections, c)
	}
	sort.Slice(contents.Collections, func(i, j int) bool {
		return contents.Collections[i].Namespace.String() < contents.Collections[j].Namespace.String()
	})

	data, err := yaml.Marshal(&contents)
	if err != nil {
		return fmt.Errorf("failed to encode collections: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write collection file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace collection file: %w", err)
	}
	return nil
}
