package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PromptFile serves the default system prompt from a file, falling back to
// an inline prompt when the file is unset, missing or empty.
type PromptFile struct {
	path     string
	fallback string
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	current string

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPromptFile loads cfg.SystemFile once. Call Watch to follow changes.
func NewPromptFile(cfg PromptsConfig, logger *slog.Logger) *PromptFile {
	if logger == nil {
		logger = slog.Default()
	}
	p := &PromptFile{
		path:     strings.TrimSpace(cfg.SystemFile),
		fallback: cfg.System,
		logger:   logger.With("component", "prompts"),
		debounce: 250 * time.Millisecond,
	}
	if err := p.Reload(); err != nil {
		p.logger.Warn("system prompt file unreadable, using inline prompt", "path", p.path, "error", err)
	}
	return p
}

// SystemPrompt returns the current prompt.
func (p *PromptFile) SystemPrompt() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current != "" {
		return p.current
	}
	return p.fallback
}

// Reload rereads the prompt file. A failed read keeps the previous prompt.
func (p *PromptFile) Reload() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read system prompt: %w", err)
	}
	p.mu.Lock()
	p.current = strings.TrimSpace(string(data))
	p.mu.Unlock()
	return nil
}

// Watch reloads the prompt whenever the file changes until ctx is done or
// Close is called. The directory is watched so editors that replace the
// file by rename are followed.
func (p *PromptFile) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	if p.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	p.watcher = watcher
	p.cancel = cancel
	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching.
func (p *PromptFile) Close() error {
	p.watchMu.Lock()
	cancel := p.cancel
	watcher := p.watcher
	p.cancel = nil
	p.watcher = nil
	p.watchMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	p.wg.Wait()
	return nil
}

func (p *PromptFile) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	target := filepath.Clean(p.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		if err := p.Reload(); err != nil {
			p.logger.Warn("system prompt reload failed", "path", p.path, "error", err)
			return
		}
		p.logger.Info("system prompt reloaded", "path", p.path)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(p.debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("system prompt watch error", "error", err)
		}
	}
}
