// ABOUTME: Hot-reloadable configuration snapshots backed by fsnotify
// ABOUTME: Every request reads the current snapshot so changes apply without restart

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Provider holds the live configuration snapshot. Snapshot is read per
// request and never cached across requests, so auth-mode or trusted-proxy
// changes take effect without a restart.
type Provider struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewProvider loads the config at path and returns a provider serving it.
func NewProvider(path string, logger *slog.Logger) (*Provider, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Provider{path: path, logger: logger}
	p.current.Store(cfg)
	return p, nil
}

// NewStaticProvider wraps an already-parsed config. Used by tests and by
// callers that manage reloads themselves.
func NewStaticProvider(cfg *Config) *Provider {
	p := &Provider{logger: slog.Default()}
	p.current.Store(cfg)
	return p
}

// Snapshot returns the current configuration. The returned value must be
// treated as immutable.
func (p *Provider) Snapshot() *Config {
	return p.current.Load()
}

// Replace swaps in a new snapshot.
func (p *Provider) Replace(cfg *Config) {
	p.current.Store(cfg)
}

// Reload re-reads the config file and swaps the snapshot. A file that no
// longer parses or validates leaves the previous snapshot in place.
func (p *Provider) Reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		return fmt.Errorf("reloading config: %w", err)
	}
	p.current.Store(cfg)
	return nil
}

// Watch blocks watching the config file for changes until ctx is canceled.
// Editors often replace rather than write the file, so the parent directory
// is watched and events are filtered by name.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}

	base := filepath.Base(p.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("config reload failed, keeping previous snapshot", "error", err)
				continue
			}
			p.logger.Info("config reloaded", "path", p.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("config watcher error", "error", err)
		}
	}
}
