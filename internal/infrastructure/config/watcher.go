package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watcher re-reads retrieval tunables when the local config file changes,
// so search weights can be adjusted without a restart.
type Watcher struct {
	mu       sync.RWMutex
	current  RetrievalConfig
	onChange func(RetrievalConfig)
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// NewWatcher starts watching the first local config file found. onChange is
// invoked from the watcher goroutine; it must not block.
func NewWatcher(initial RetrievalConfig, onChange func(RetrievalConfig), logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		current:  initial,
		onChange: onChange,
		watcher:  fsw,
		logger:   logger,
		done:     make(chan struct{}),
	}

	var path string
	for _, localDir := range []string{"./config", "."} {
		p := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(p); err == nil {
			path = p
			break
		}
	}
	if path == "" {
		// Nothing to watch; the watcher stays idle.
		go w.loop("")
		return w, nil
	}

	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop(path)
	return w, nil
}

// Current returns the latest retrieval config.
func (w *Watcher) Current() RetrievalConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop(path string) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if path == "" || filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload(path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload(path string) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		w.logger.Warn("Config reload failed", zap.Error(err))
		return
	}

	updated := w.Current()
	if v.IsSet("retrieval.max_memories") {
		updated.MaxMemories = v.GetInt("retrieval.max_memories")
	}
	if v.IsSet("retrieval.max_link_traversal_depth") {
		updated.MaxLinkTraversalDepth = v.GetInt("retrieval.max_link_traversal_depth")
	}
	if v.IsSet("retrieval.min_importance_score") {
		updated.MinImportanceScore = v.GetFloat64("retrieval.min_importance_score")
	}
	if v.IsSet("retrieval.similarity_threshold") {
		updated.SimilarityThreshold = v.GetFloat64("retrieval.similarity_threshold")
	}

	w.mu.Lock()
	w.current = updated
	w.mu.Unlock()

	w.logger.Info("Retrieval config reloaded",
		zap.Int("max_memories", updated.MaxMemories),
		zap.Float64("min_importance", updated.MinImportanceScore),
	)
	if w.onChange != nil {
		w.onChange(updated)
	}
}
