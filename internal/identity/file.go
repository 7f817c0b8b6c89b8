package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/afero"
)

// FileProvider reads the session user from a JSON file of the form
// {"id": "...", "username": "...", "avatar_url": "..."}. Writing the file logs
// a user in; removing it logs them out.
type FileProvider struct {
	fs     afero.Fs
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	user    domain.User
	watcher *fsnotify.Watcher

	changes   chan Change
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewFileProvider reads path from fs. A missing file means nobody is logged in.
func NewFileProvider(fs afero.Fs, path string) (*FileProvider, error) {
	p := &FileProvider{
		fs:      fs,
		path:    filepath.Clean(path),
		logger:  slog.Default().With("component", "identity"),
		changes: make(chan Change, 8),
		done:    make(chan struct{}),
	}
	user, err := p.read()
	if err != nil {
		return nil, err
	}
	p.user = user
	return p, nil
}

func (p *FileProvider) CurrentUser() (domain.User, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.user, !p.user.IsZero()
}

func (p *FileProvider) Changes() <-chan Change { return p.changes }

// Reload re-reads the session file and emits a change if the user differs.
// An unreadable file keeps the current user.
func (p *FileProvider) Reload() {
	user, err := p.read()
	if err != nil {
		p.logger.Warn("Ignoring unreadable session file", "path", p.path, "error", err)
		return
	}

	p.mu.Lock()
	prev := p.user
	p.user = user
	p.mu.Unlock()

	switch {
	case user == prev:
		return
	case user.IsZero():
		p.logger.Info("Session ended", "userID", prev.ID)
		p.emit(Change{Kind: LoggedOut})
	default:
		if !prev.IsZero() && prev.ID != user.ID {
			p.emit(Change{Kind: LoggedOut})
		}
		p.logger.Info("Session started", "userID", user.ID)
		p.emit(Change{Kind: LoggedIn, User: user})
	}
}

// StartWatcher watches the session file's directory for changes. It needs
// a real filesystem; with an in-memory fs call Reload instead.
func (p *FileProvider) StartWatcher(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file system watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	p.watcher = watcher

	p.wg.Add(1)
	go p.watch(ctx, watcher)
	p.logger.Debug("Watching session file", "path", p.path)
	return nil
}

// Close stops the watcher and closes Changes.
func (p *FileProvider) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		if p.watcher != nil {
			p.watcher.Close()
		}
		p.mu.Unlock()
		p.wg.Wait()
		close(p.changes)
	})
	return nil
}

func (p *FileProvider) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				p.Reload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("File system watcher error", "error", err)
		}
	}
}

func (p *FileProvider) emit(c Change) {
	select {
	case p.changes <- c:
	case <-p.done:
	}
}

func (p *FileProvider) read() (domain.User, error) {
	data, err := afero.ReadFile(p.fs, p.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.User{}, nil
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("read session file: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return domain.User{}, nil
	}
	var u domain.User
	if err := json.Unmarshal(data, &u); err != nil {
		return domain.User{}, fmt.Errorf("parse session file: %w", err)
	}
	u.ID = strings.TrimSpace(u.ID)
	return u, nil
}
