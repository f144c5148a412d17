package roadmap

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the roadmap file looked up in a system's root.
const DefaultFileName = "roadmap.yaml"

// fileDocument is the on-disk layout of roadmap.yaml.
type fileDocument struct {
	Modules []Module `yaml:"modules"`
}

// FileRoadmap is a Roadmap backed by a YAML file. Status updates rewrite the file.
type FileRoadmap struct {
	path string

	mu  sync.RWMutex
	cat *catalog

	// onReload is called after an external edit has been loaded.
	onReload func()
}

// LoadFile reads and validates the roadmap at path.
func LoadFile(path string) (*FileRoadmap, error) {
	f := &FileRoadmap{path: path}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file.
func (f *FileRoadmap) Path() string {
	return f.path
}

// Reload re-reads the file. On error the previous contents are kept.
func (f *FileRoadmap) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read roadmap: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse roadmap %s: %w", f.path, err)
	}
	cat, err := newCatalog(doc.Modules)
	if err != nil {
		return fmt.Errorf("load roadmap %s: %w", f.path, err)
	}
	f.mu.Lock()
	f.cat = cat
	f.mu.Unlock()
	return nil
}

func (f *FileRoadmap) GetRoadmap(ctx context.Context) ([]Module, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cat.all(), nil
}

func (f *FileRoadmap) GetNextAvailableModules(ctx context.Context) ([]Module, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cat.available(), nil
}

func (f *FileRoadmap) CalculateLeverageScores(ctx context.Context) ([]LeverageScore, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cat.scores(), nil
}

// UpdateModuleStatus records the status and rewrites the file.
func (f *FileRoadmap) UpdateModuleStatus(ctx context.Context, moduleID string, status ModuleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cat.setStatus(moduleID, status); err != nil {
		return err
	}
	return f.writeLocked()
}

// writeLocked replaces the file through a temp file and rename.
func (f *FileRoadmap) writeLocked() error {
	data, err := yaml.Marshal(fileDocument{Modules: f.cat.all()})
	if err != nil {
		return fmt.Errorf("encode roadmap: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".roadmap-*.yaml")
	if err != nil {
		return fmt.Errorf("write roadmap: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write roadmap: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write roadmap: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write roadmap: %w", err)
	}
	return nil
}

// OnReload registers fn to run after Watch loads an external edit.
func (f *FileRoadmap) OnReload(fn func()) {
	f.mu.Lock()
	f.onReload = fn
	f.mu.Unlock()
}

// Watch reloads the roadmap whenever the file changes on disk, until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
// A file that fails to parse is logged and the previous contents kept.
func (f *FileRoadmap) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch roadmap: %w", err)
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch roadmap: %w", err)
	}

	name := filepath.Clean(f.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := f.Reload(); err != nil {
					log.Printf("[roadmap] WARNING: reload failed: %v", err)
					continue
				}
				f.mu.RLock()
				fn := f.onReload
				f.mu.RUnlock()
				if fn != nil {
					fn()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[roadmap] WARNING: watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Verify FileRoadmap implements Roadmap at compile time.
var _ Roadmap = (*FileRoadmap)(nil)
