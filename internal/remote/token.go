package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrNoCredential means no remote credential is configured. Callers treat it
// as a fatal precondition for any pass that would touch the remote.
var ErrNoCredential = errors.New("remote credential is not configured")

type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticTokenSource struct {
	token string
}

func StaticTokenSource(token string) TokenSource {
	return &staticTokenSource{token: strings.TrimSpace(token)}
}

func (s *staticTokenSource) Token(context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoCredential
	}
	return s.token, nil
}

// FileTokenSource reads the credential from a file and keeps it current via
// an fsnotify watch on the parent directory, so a credential dropped in after
// startup becomes visible without a restart. Token returns ErrNoCredential
// until the file exists and is non-empty.
type FileTokenSource struct {
	path string

	mu    sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewFileTokenSource(path string) (*FileTokenSource, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("credential file path is required")
	}
	source := &FileTokenSource{
		path: filepath.Clean(path),
		done: make(chan struct{}),
	}
	source.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors and secret managers replace
	// the file by rename, which drops a direct file watch.
	if err := watcher.Add(filepath.Dir(source.path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	source.watcher = watcher
	go source.watch()
	return source, nil
}

func (s *FileTokenSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}

// Ready reports whether a credential is currently loaded.
func (s *FileTokenSource) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != ""
}

func (s *FileTokenSource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileTokenSource) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.reload()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *FileTokenSource) reload() {
	data, err := os.ReadFile(s.path)
	token := ""
	if err == nil {
		token = strings.TrimSpace(string(data))
	}
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}
