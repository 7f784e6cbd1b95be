package tenants

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// KeyWatcher reloads tenant signing keys when the development key file
// changes on disk. Only used when the service runs without SK; in that mode
// every tenant signs with the site-admin key, so a single file drives all of
// them.
type KeyWatcher struct {
	watcher  *fsnotify.Watcher
	keyPath  string
	cache    *Cache
	logger   *zap.Logger
	debounce time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	stopChan chan struct{}
}

// NewKeyWatcher creates a watcher for the dev signing key file.
func NewKeyWatcher(keyPath string, cache *Cache, logger *zap.Logger) (*KeyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &KeyWatcher{
		watcher:  w,
		keyPath:  keyPath,
		cache:    cache,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopChan: make(chan struct{}),
	}, nil
}

// Watch blocks, applying debounced key reloads until the context is done.
func (kw *KeyWatcher) Watch(ctx context.Context) error {
	if err := kw.watcher.Add(kw.keyPath); err != nil {
		return err
	}
	defer kw.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-kw.stopChan:
			return nil
		case event, ok := <-kw.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			kw.scheduleReload()
		case err, ok := <-kw.watcher.Errors:
			if !ok {
				return nil
			}
			kw.logger.Warn("key watcher error", zap.Error(err))
		}
	}
}

// Stop terminates a running Watch.
func (kw *KeyWatcher) Stop() {
	close(kw.stopChan)
}

func (kw *KeyWatcher) scheduleReload() {
	kw.mu.Lock()
	defer kw.mu.Unlock()
	if kw.timer != nil {
		kw.timer.Stop()
	}
	kw.timer = time.AfterFunc(kw.debounce, kw.reloadKeys)
}

func (kw *KeyWatcher) reloadKeys() {
	raw, err := os.ReadFile(kw.keyPath)
	if err != nil {
		kw.logger.Error("reload of dev signing key failed", zap.Error(err))
		return
	}
	pem := string(raw)
	for _, t := range kw.cache.All() {
		if err := kw.cache.SetSigningKey(t.TenantID, pem); err != nil {
			kw.logger.Error("swap of dev signing key failed",
				zap.String("tenant_id", t.TenantID), zap.Error(err))
		}
	}
	kw.logger.Info("dev signing key reloaded", zap.String("path", kw.keyPath))
}
