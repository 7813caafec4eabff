package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/schema"
)

// DirMirror stores each identity's document as <dir>/<id>.json. Any process
// sharing the directory (a synced folder, a network mount) sees the others'
// pushes through fsnotify.
type DirMirror struct {
	dir    string
	logger zerolog.Logger

	// Now stamps UpdatedAtField. Defaults to time.Now.
	Now func() time.Time
}

// NewDirMirror creates the directory if needed.
func NewDirMirror(dir string, logger zerolog.Logger) (*DirMirror, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: dir backend needs a directory", ErrNotConfigured)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &DirMirror{
		dir:    dir,
		logger: logger.With().Str("component", "mirror").Str("backend", "dir").Logger(),
	}, nil
}

// Path returns the file holding id's document.
func (m *DirMirror) Path(id string) string {
	return filepath.Join(m.dir, id+".json")
}

// Pull implements Mirror.
func (m *DirMirror) Pull(ctx context.Context, id string) ([]byte, bool, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(m.Path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read remote document: %w", err)
	}
	return data, true, nil
}

// Push implements Mirror. The file is replaced atomically so watchers never
// read a partial document.
func (m *DirMirror) Push(ctx context.Context, id string, doc schema.Document) error {
	existing, _, err := m.Pull(ctx, id)
	if err != nil {
		return err
	}

	body, err := Merge(existing, doc, m.now())
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(m.dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, m.Path(id)); err != nil {
		return fmt.Errorf("failed to replace remote document: %w", err)
	}
	return nil
}

// Subscribe implements Mirror. Create, write and rename events on id's file
// are turned into changes; identical consecutive contents are delivered once.
func (m *DirMirror) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch mirror directory %s: %w", m.dir, err)
	}

	// The baseline is the current content, so the feed only reports
	// changes made after Subscribe.
	last, _, _ := m.Pull(ctx, id)

	sub := newSubscription(func() { _ = watcher.Close() })
	target := m.Path(id)

	sub.goFeed(func() {
		for {
			select {
			case <-sub.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}

				data, err := os.ReadFile(target)
				if err != nil {
					m.logger.Debug().Err(err).Str("path", target).Msg("read changed document")
					continue
				}
				if bytes.Equal(data, last) {
					continue
				}
				last = data
				sub.send(Change{Data: data})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				sub.fail(fmt.Errorf("watch %s: %w", m.dir, err))
				return
			}
		}
	})

	return sub, nil
}

// Close implements Mirror.
func (m *DirMirror) Close() error {
	return nil
}

func (m *DirMirror) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
