package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultRecheckInterval is how often a TokenFile re-reads its token to
// notice expiry.
const DefaultRecheckInterval = time.Minute

// TokenFile derives the identity from a JWT stored in a file. Writing a
// token signs in as its subject; removing the file, emptying it or letting
// the token expire signs out.
type TokenFile struct {
	path    string
	logger  zerolog.Logger
	now     func() time.Time
	watcher *fsnotify.Watcher
	changes chan string
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	id    string
	token string
}

// OpenTokenFile reads path and starts watching it. The file need not exist.
func OpenTokenFile(path string, recheck time.Duration, logger zerolog.Logger) (*TokenFile, error) {
	return openTokenFile(path, recheck, time.Now, logger)
}

func openTokenFile(path string, recheck time.Duration, now func() time.Time, logger zerolog.Logger) (*TokenFile, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: token file path is empty", ErrNoIdentity)
	}
	if recheck <= 0 {
		recheck = DefaultRecheckInterval
	}
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory: the file itself may not exist yet and is
	// replaced by rename.
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch token directory %s: %w", dir, err)
	}

	t := &TokenFile{
		path:    path,
		logger:  logger.With().Str("component", "identity").Logger(),
		now:     now,
		watcher: watcher,
		changes: make(chan string, 1),
		done:    make(chan struct{}),
	}
	t.reload()

	t.wg.Add(1)
	go t.processEvents(recheck)
	return t, nil
}

// Identity implements Provider.
func (t *TokenFile) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// Changes implements Provider.
func (t *TokenFile) Changes() <-chan string {
	return t.changes
}

// Token implements Provider.
func (t *TokenFile) Token(_ context.Context, id string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id == "" || t.id != id {
		return "", ErrNoIdentity
	}
	return t.token, nil
}

// Close stops watching. It blocks until the watch goroutine has exited.
func (t *TokenFile) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	err := t.watcher.Close()
	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (t *TokenFile) processEvents(recheck time.Duration) {
	defer t.wg.Done()
	ticker := time.NewTicker(recheck)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return

		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != t.path {
				continue
			}
			t.reloadAndNotify()

		case <-ticker.C:
			t.reloadAndNotify()

		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Warn().Err(err).Str("path", t.path).Msg("token watch error")
		}
	}
}

func (t *TokenFile) reloadAndNotify() {
	id, changed := t.reload()
	if !changed {
		return
	}
	t.logger.Info().Str("identity", id).Msg("identity changed")
	select {
	case t.changes <- id:
	default:
		select {
		case <-t.changes:
		default:
		}
		t.changes <- id
	}
}

// reload re-reads the file and reports whether the identity changed.
func (t *TokenFile) reload() (string, bool) {
	var id, token string
	data, err := os.ReadFile(t.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		t.logger.Warn().Err(err).Str("path", t.path).Msg("read token file")
	default:
		token = strings.TrimSpace(string(data))
		if token != "" {
			id, err = subjectUnverified(token, t.now())
			if err != nil {
				t.logger.Debug().Err(err).Str("path", t.path).Msg("token not usable")
				id, token = "", ""
			}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	changed := id != t.id
	t.id, t.token = id, token
	return id, changed
}

// ReadToken returns the token stored at path when its subject is id and it
// has not expired. It returns "" when the file is missing or holds a token
// for someone else.
func ReadToken(path, id string, now time.Time) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", nil
	}
	sub, err := subjectUnverified(token, now)
	if err != nil || sub != id {
		return "", nil
	}
	return token, nil
}

// WriteTokenFile atomically stores token at path with owner-only
// permissions.
func WriteTokenFile(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(token + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
