package sync

import (
	"sort"

	"github.com/quittances/quittances/internal/schema"
)

// EventKind identifies what a listener is told about.
type EventKind int

const (
	// EventReplaced means the working document was replaced by remote
	// content. Event.Doc holds the new document.
	EventReplaced EventKind = iota
	// EventBound means the change feed for Event.Identity is active.
	EventBound
	// EventUnbound means the session ended. Event.Err is set when it ended
	// because of a failure.
	EventUnbound
	// EventPushed means a push to the mirror completed.
	EventPushed
	// EventRemoteError reports a non-fatal mirror failure.
	EventRemoteError
	// EventLocalError reports a failed local save.
	EventLocalError
)

// String returns a human-readable representation of the kind.
func (k EventKind) String() string {
	switch k {
	case EventReplaced:
		return "replaced"
	case EventBound:
		return "bound"
	case EventUnbound:
		return "unbound"
	case EventPushed:
		return "pushed"
	case EventRemoteError:
		return "remote_error"
	case EventLocalError:
		return "local_error"
	default:
		return "unknown"
	}
}

// Event is delivered to listeners.
type Event struct {
	Kind     EventKind
	Identity string
	Doc      schema.Document
	Err      error
}

// Listener receives events on the controller's loop goroutine. It must
// return quickly and must not call Commit, Replace, SetIdentity or Flush.
type Listener func(Event)

// Subscribe registers l and returns a function that removes it.
func (c *Controller) Subscribe(l Listener) (cancel func()) {
	c.listenersMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = l
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// emit calls listeners in registration order.
func (c *Controller) emit(ev Event) {
	c.listenersMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, c.listeners[id])
	}
	c.listenersMu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}
