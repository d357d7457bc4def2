package widget

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/location-weather/internal/models"
	"github.com/kjstillabower/location-weather/internal/observability"
)

// fileFormat is the YAML document layout of the widgets file.
type fileFormat struct {
	Widgets []models.WidgetConfig `yaml:"widgets"`
}

// FileStore serves widgets from a YAML file. Reloads swap the whole catalog atomically; a
// reload that fails validation keeps the previous catalog.
type FileStore struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[catalog]
}

// NewFileStore loads path. The initial load must succeed.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &FileStore{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup implements Store.
func (s *FileStore) Lookup(id string) (*models.WidgetConfig, error) {
	return s.current.Load().lookup(id)
}

// List implements Store. Widgets are ordered by id.
func (s *FileStore) List() []*models.WidgetConfig {
	return s.current.Load().list()
}

// ReadFile parses a widgets YAML file without validating its entries.
func ReadFile(path string) ([]models.WidgetConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read widgets file: %w", err)
	}
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse widgets file: %w", err)
	}
	return doc.Widgets, nil
}

// Reload re-reads the file and swaps in the new catalog.
func (s *FileStore) Reload() error {
	configs, err := ReadFile(s.path)
	if err != nil {
		observability.WidgetStoreReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	cat, err := newCatalog(configs)
	if err != nil {
		observability.WidgetStoreReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("widgets file %s: %w", s.path, err)
	}
	s.current.Store(cat)
	observability.WidgetStoreReloadsTotal.WithLabelValues("success").Inc()
	s.logger.Info("widgets loaded", zap.String("path", s.path), zap.Int("count", len(cat.sorted)))
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", s.path, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("widgets reload failed, keeping previous configuration", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("widgets watcher error", zap.Error(err))
		}
	}
}
