// Package watcher provides file system monitoring for the Pool Proxy API.
// It watches the configuration file and hot-reloads it on change: the live
// configuration snapshot is replaced and the key pool is reconciled against
// the edited gemini-keys list through the actor's own messages.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
)

// debounceDelay coalesces editor write bursts into one reload.
const debounceDelay = 200 * time.Millisecond

// Watcher watches the configuration file for changes.
type Watcher struct {
	configPath string
	pool       *keypool.Pool
	watcher    *fsnotify.Watcher
	lastHash   string
}

// NewWatcher creates a watcher for the given configuration file.
func NewWatcher(configPath string, pool *keypool.Pool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath: configPath,
		pool:       pool,
		watcher:    fsWatcher,
		lastHash:   hashFile(configPath),
	}, nil
}

// Start begins watching. It returns after registering the watch; event
// processing runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	go w.processEvents(ctx)
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() {
	_ = w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("config watcher error: %v", err)
		}
	}
}

// reload re-reads the configuration, replaces the live snapshot, and
// reconciles the pool membership. Cooldown state of keys the file still
// carries is left to the pool, which owns it.
func (w *Watcher) reload() {
	hash := hashFile(w.configPath)
	if hash == "" || hash == w.lastHash {
		return
	}
	w.lastHash = hash

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload failed: %v", err)
		return
	}

	// Preserve the pool's in-memory key state: membership diffs go through
	// the actor, which will persist them in turn.
	pooled := w.pool.Status()
	pooledSet := make(map[string]bool, len(pooled))
	for i := range pooled {
		pooledSet[pooled[i].Key] = true
	}
	fileSet := make(map[string]bool, len(cfg.GeminiKeys))
	for i := range cfg.GeminiKeys {
		fileSet[cfg.GeminiKeys[i].Key] = true
	}

	added, removed := 0, 0
	for i := range cfg.GeminiKeys {
		if !pooledSet[cfg.GeminiKeys[i].Key] {
			w.pool.Submit(cfg.GeminiKeys[i])
			added++
		}
	}
	for i := range pooled {
		if !fileSet[pooled[i].Key] {
			if err = w.pool.Delete(pooled[i]); err == nil {
				removed++
			}
		}
	}

	cfg.GeminiKeys = w.pool.Status()
	config.Replace(cfg)
	log.Infof("config reloaded: %d keys added, %d keys removed", added, removed)
}

func hashFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
