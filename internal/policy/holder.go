package policy

import (
	"context"
	"log"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Holder serves the active policy to concurrent readers. A run pins the
// policy it started with by recording its hash.
type Holder struct {
	current atomic.Pointer[LoadedPolicy]
}

func NewHolder(initial LoadedPolicy) *Holder {
	h := &Holder{}
	h.current.Store(&initial)
	return h
}

func (h *Holder) Current() LoadedPolicy {
	return *h.current.Load()
}

func (h *Holder) Swap(next LoadedPolicy) {
	h.current.Store(&next)
}

// Reload re-reads path; on failure the previous policy stays active.
func (h *Holder) Reload(path string) error {
	loaded, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	h.Swap(loaded)
	return nil
}

// Watch reloads the policy whenever path is written or replaced. The
// directory is watched so editors that rename over the file are seen.
func (h *Holder) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := h.Reload(path); err != nil {
					log.Printf("policy reload failed path=%s err=%v", path, err)
					continue
				}
				log.Printf("policy reloaded path=%s hash=%s", path, h.Current().Hash)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("policy watcher error: %v", err)
			}
		}
	}()
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return err
	}
	return nil
}
