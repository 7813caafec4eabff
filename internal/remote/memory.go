package remote

import (
	"context"
	"sync"
	"time"

	"github.com/quittances/quittances/internal/schema"
)

// MemoryMirror keeps documents in process memory. Push notifies every
// subscriber of the identity synchronously, including the pusher itself.
type MemoryMirror struct {
	mu      sync.Mutex
	docs    map[string][]byte
	subs    map[string]map[*Subscription]struct{}
	pushErr error
	pulls   int
	pushes  int

	// Now stamps UpdatedAtField. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryMirror creates an empty MemoryMirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{
		docs: make(map[string][]byte),
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Pull implements Mirror.
func (m *MemoryMirror) Pull(ctx context.Context, id string) ([]byte, bool, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulls++
	data, ok := m.docs[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// Push implements Mirror.
func (m *MemoryMirror) Push(ctx context.Context, id string, doc schema.Document) error {
	if err := ValidateIdentity(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes++
	if m.pushErr != nil {
		return m.pushErr
	}

	body, err := Merge(m.docs[id], doc, m.now())
	if err != nil {
		return err
	}
	m.docs[id] = body
	m.notifyLocked(id, body)
	return nil
}

// Set overwrites the raw document of id and notifies subscribers, as a
// write from another device would.
func (m *MemoryMirror) Set(id string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body := append([]byte(nil), data...)
	m.docs[id] = body
	m.notifyLocked(id, body)
}

// Subscribe implements Mirror.
func (m *MemoryMirror) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(func() {
		m.mu.Lock()
		delete(m.subs[id], sub)
		m.mu.Unlock()
	})
	if m.subs[id] == nil {
		m.subs[id] = make(map[*Subscription]struct{})
	}
	m.subs[id][sub] = struct{}{}
	return sub, nil
}

// FailPushes makes every following Push return err. nil restores pushes.
func (m *MemoryMirror) FailPushes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushErr = err
}

// Disconnect reports err on every subscription of id.
func (m *MemoryMirror) Disconnect(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[id] {
		sub.fail(err)
	}
}

// Pushes returns the number of Push calls, failed ones included.
func (m *MemoryMirror) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

// Pulls returns the number of Pull calls.
func (m *MemoryMirror) Pulls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pulls
}

// Subscribers returns the number of open subscriptions for id.
func (m *MemoryMirror) Subscribers(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[id])
}

// Close implements Mirror.
func (m *MemoryMirror) Close() error {
	return nil
}

func (m *MemoryMirror) notifyLocked(id string, body []byte) {
	for sub := range m.subs[id] {
		sub.send(Change{Data: append([]byte(nil), body...)})
	}
}

func (m *MemoryMirror) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
