// Package remote provides the optional cloud mirror of the document.
//
// A Mirror holds exactly one JSON document per identity. It supports a point
// read, an overwrite-merge write and a push-based change feed. Each
// notification on the feed carries the whole remote document, never a delta;
// changes written by the subscriber itself are delivered too.
//
// Backends:
//   - MemoryMirror: in-process, for tests and single-process setups
//   - DirMirror: one file per identity in a shared folder, fsnotify feed
//   - RedisMirror: string key per identity, pub/sub feed
//   - PostgresMirror: JSONB row per identity, LISTEN/NOTIFY feed
//   - HTTPMirror: client of a mirror server, websocket feed
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/quittances/quittances/internal/schema"
)

var (
	// ErrInvalidIdentity is returned for identity ids that cannot address a
	// document.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrNotConfigured is returned by Open when a backend lacks the settings
	// it needs.
	ErrNotConfigured = errors.New("remote backend not configured")
)

// UpdatedAtField is the server-set timestamp added to every pushed document.
const UpdatedAtField = "updatedAt"

// Mirror is a single-document-per-identity remote store.
type Mirror interface {
	// Pull returns the raw remote document. ok is false when no document
	// has ever been written for id.
	Pull(ctx context.Context, id string) (data []byte, ok bool, err error)

	// Push merges the four document sections over the remote document and
	// stamps it with UpdatedAtField.
	Push(ctx context.Context, id string, doc schema.Document) error

	// Subscribe starts a change feed for id. The caller must Close the
	// subscription before subscribing again for another identity.
	Subscribe(ctx context.Context, id string) (*Subscription, error)

	// Close releases backend connections.
	Close() error
}

// Change is one notification from a change feed.
type Change struct {
	// Data is the raw JSON of the whole remote document.
	Data []byte
}

// changeBuffer bounds how many undelivered changes a slow consumer keeps.
// When full, the oldest change is dropped: each change is a full snapshot,
// so only the newest matters.
const changeBuffer = 16

// Subscription is a cancellable change feed.
type Subscription struct {
	changes chan Change
	errors  chan error
	done    chan struct{}

	mu     sync.Mutex
	closed bool

	stop func()
	wg   sync.WaitGroup
}

func newSubscription(stop func()) *Subscription {
	if stop == nil {
		stop = func() {}
	}
	return &Subscription{
		changes: make(chan Change, changeBuffer),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
		stop:    stop,
	}
}

// Changes returns the channel of remote changes. It is closed by Close.
func (s *Subscription) Changes() <-chan Change {
	return s.changes
}

// Errors returns the channel of feed failures. A feed that reported an
// error delivers no further changes. It is closed by Close.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Done is closed when the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close cancels the feed and waits for its goroutines. Safe to call more
// than once.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.changes)
	close(s.errors)
	s.mu.Unlock()

	s.stop()
	s.wg.Wait()
	return nil
}

// send delivers c without blocking, dropping the oldest queued change if the
// buffer is full.
func (s *Subscription) send(c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.changes <- c:
			return
		default:
			select {
			case <-s.changes:
			default:
			}
		}
	}
}

// fail reports a terminal feed error. Only the first error is kept.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errors <- err:
	default:
	}
}

// goFeed runs fn as a feed goroutine that Close waits for.
func (s *Subscription) goFeed(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// ValidateIdentity checks that id can address a remote document in every
// backend (file name, key, URL segment).
func ValidateIdentity(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidIdentity)
	}
	if len(id) > 256 {
		return fmt.Errorf("%w: id longer than 256 bytes", ErrInvalidIdentity)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidIdentity, id, r)
		}
	}
	return nil
}

// Merge overlays the four sections of doc and a fresh UpdatedAtField on the
// existing remote JSON object. Other top-level fields of existing survive.
// An existing value that is not a JSON object is discarded.
func Merge(existing []byte, doc schema.Document, now time.Time) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &fields); err != nil || fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	sections := map[string]any{
		"landlord":     doc.Landlord,
		"tenants":      nonNil(doc.Tenants),
		"receipts":     nonNil(doc.Receipts),
		"payments":     nonNil(doc.Payments),
		UpdatedAtField: now.UnixMilli(),
	}
	for name, v := range sections {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", name, err)
		}
		fields[name] = raw
	}

	return json.Marshal(fields)
}

// sectionsJSON encodes only the four document sections, for backends that
// merge on the server side.
func sectionsJSON(doc schema.Document) ([]byte, error) {
	return json.Marshal(map[string]any{
		"landlord": doc.Landlord,
		"tenants":  nonNil(doc.Tenants),
		"receipts": nonNil(doc.Receipts),
		"payments": nonNil(doc.Payments),
	})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
