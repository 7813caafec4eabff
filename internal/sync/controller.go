package sync

import (
	"context"
	"errors"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
)

// ErrClosed is returned by calls made after Run has returned.
var ErrClosed = errors.New("sync controller stopped")

var errAlreadyRunning = errors.New("sync controller already running")

// DefaultPushTimeout bounds one push to the mirror.
const DefaultPushTimeout = 30 * time.Second

// Local is the system of record. *store.Store satisfies it.
type Local interface {
	Load(ctx context.Context) schema.Document
	Save(ctx context.Context, doc schema.Document) error
}

// Mutator edits a private copy of the working document. Returning an error
// discards the edit.
type Mutator func(doc *schema.Document) error

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithRegisterer registers the controller's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) { c.reg = reg }
}

// WithPushTimeout bounds each push. Non-positive values keep the default.
func WithPushTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pushTimeout = d
		}
	}
}

// WithRebindInterval makes the controller bind again d after a failed bind
// or a broken change feed. Zero disables rebinding.
func WithRebindInterval(d time.Duration) Option {
	return func(c *Controller) { c.rebindInterval = d }
}

// Controller owns the working document. See the package documentation.
type Controller struct {
	local          Local
	mirror         remote.Mirror
	logger         zerolog.Logger
	reg            prometheus.Registerer
	metrics        *metrics
	pushTimeout    time.Duration
	rebindInterval time.Duration

	inbox    chan func()
	stopping chan struct{}
	running  atomic.Bool
	runCtx   context.Context
	wg       gosync.WaitGroup

	// Owned by the loop goroutine.
	doc       schema.Document
	session   session
	identity  string
	echoes    echoSet
	pending   int
	flushers  []chan struct{}
	rebindSeq uint64

	// Published copies for Get and Phase.
	mu    gosync.RWMutex
	snap  schema.Document
	phase Phase

	listenersMu  gosync.Mutex
	listeners    map[int]Listener
	nextListener int
}

// New creates a Controller holding the document loaded from local. mirror
// may be nil, in which case the controller never leaves PhaseUnbound.
// Nothing happens until Run is called.
func New(local Local, mirror remote.Mirror, opts ...Option) *Controller {
	c := &Controller{
		local:       local,
		mirror:      mirror,
		logger:      zerolog.Nop(),
		pushTimeout: DefaultPushTimeout,
		inbox:       make(chan func()),
		stopping:    make(chan struct{}),
		listeners:   make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "sync").Logger()
	c.metrics = newMetrics(c.reg)

	c.doc = local.Load(context.Background())
	c.snap = c.doc
	return c
}

// Run processes requests until ctx is cancelled. On return the session is
// unbound and every background push has completed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	c.runCtx = ctx
	c.logger.Debug().Msg("controller started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.logger.Debug().Msg("controller stopped")
			return nil
		case fn := <-c.inbox:
			fn()
		}
	}
}

func (c *Controller) shutdown() {
	close(c.stopping)
	c.rebindSeq++
	c.unbind(nil)
	c.wg.Wait()
}

// Get returns a copy of the working document.
func (c *Controller) Get() schema.Document {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Clone()
}

// Phase returns the current session phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// Commit applies mutate to a copy of the document, normalizes the result
// and saves it locally. The working document changes only if the save
// succeeds; save errors are returned. When bound, the new document is then
// pushed in the background; push failures are reported as events only.
//
// A document committed while the session is still binding is not pushed,
// and is overwritten if the remote already holds a document.
func (c *Controller) Commit(ctx context.Context, mutate Mutator) error {
	return c.do(ctx, func() error { return c.commit(ctx, mutate) })
}

// Replace substitutes the whole document, as an import or reset does.
func (c *Controller) Replace(ctx context.Context, doc schema.Document) error {
	doc = doc.Clone()
	return c.Commit(ctx, func(d *schema.Document) error {
		*d = doc
		return nil
	})
}

// SetIdentity binds the session to id, unbinding any previous identity
// first. An empty id signs out; the document is kept.
func (c *Controller) SetIdentity(ctx context.Context, id string) error {
	if id != "" {
		if err := remote.ValidateIdentity(id); err != nil {
			return err
		}
	}
	return c.do(ctx, func() error {
		c.setIdentity(id)
		return nil
	})
}

// Flush waits until no bind and no push is in flight.
func (c *Controller) Flush(ctx context.Context) error {
	idle := make(chan struct{})
	err := c.do(ctx, func() error {
		if c.pending == 0 {
			close(idle)
		} else {
			c.flushers = append(c.flushers, idle)
		}
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopping:
		return ErrClosed
	}
}

// do runs fn on the loop and returns its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- func() { reply <- fn() }:
	case <-c.stopping:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// post queues fn on the loop. It reports false if the loop stopped or ctx
// ended first.
func (c *Controller) post(ctx context.Context, fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.stopping:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) commit(ctx context.Context, mutate Mutator) error {
	next := c.doc.Clone()
	if err := mutate(&next); err != nil {
		return err
	}
	next = schema.Canonical(next)

	if err := c.save(ctx, next); err != nil {
		c.emit(Event{Kind: EventLocalError, Identity: c.session.id, Err: err})
		return err
	}
	c.setDoc(next)

	if c.session.phase == PhaseBound {
		c.push(next)
	}
	return nil
}

func (c *Controller) save(ctx context.Context, doc schema.Document) error {
	if err := c.local.Save(ctx, doc); err != nil {
		c.logger.Error().Err(err).Msg("local save failed")
		return err
	}
	c.metrics.localSaves.Inc()
	return nil
}

func (c *Controller) setDoc(doc schema.Document) {
	c.doc = doc
	c.mu.Lock()
	c.snap = doc
	c.mu.Unlock()
}

func (c *Controller) setPhase(p Phase) {
	c.session.phase = p
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

func (c *Controller) setIdentity(id string) {
	if id == c.identity && (id == "" || c.session.phase != PhaseUnbound) {
		return
	}
	c.identity = id
	c.rebindSeq++

	c.unbind(nil)
	if id == "" {
		return
	}
	if c.mirror == nil {
		c.logger.Info().Str("identity", id).Msg("no remote mirror configured, staying local")
		return
	}
	c.bind(id)
}

// bind starts a session: subscribe first so no change is missed, then pull.
func (c *Controller) bind(id string) {
	gen := c.session.gen + 1
	ctx, cancel := context.WithCancel(c.runCtx)
	c.session = session{id: id, gen: gen, ctx: ctx, cancel: cancel}
	c.setPhase(PhaseBinding)
	c.pending++

	c.logger.Info().Str("identity", id).Uint64("gen", gen).Msg("binding")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		sub, err := c.mirror.Subscribe(ctx, id)
		var (
			data []byte
			ok   bool
		)
		if err == nil {
			data, ok, err = c.mirror.Pull(ctx, id)
			if err != nil {
				_ = sub.Close()
				sub = nil
			}
		}

		delivered := c.post(context.Background(), func() { c.bound(gen, sub, data, ok, err) })
		if !delivered && sub != nil {
			_ = sub.Close()
		}
	}()
}

// bound completes a bind. Remote content wins over local content.
func (c *Controller) bound(gen uint64, sub *remote.Subscription, data []byte, ok bool, err error) {
	c.pending--
	defer c.releaseFlushers()

	if gen != c.session.gen || c.session.phase != PhaseBinding {
		if sub != nil {
			_ = sub.Close()
		}
		return
	}

	id := c.session.id
	if err != nil {
		c.logger.Warn().Err(err).Str("identity", id).Msg("bind failed")
		c.emit(Event{Kind: EventRemoteError, Identity: id, Err: err})
		c.unbind(err)
		c.scheduleRebind(id)
		return
	}

	c.session.sub = sub
	c.setPhase(PhaseBound)
	c.forward(gen, sub)

	c.logger.Info().Str("identity", id).Uint64("gen", gen).Bool("remote_found", ok).Msg("bound")
	c.emit(Event{Kind: EventBound, Identity: id})

	if !ok {
		c.push(c.doc)
		return
	}
	incoming := schema.NormalizeJSON(data)
	if !schema.Equal(incoming, c.doc) {
		c.absorb(incoming)
	}
}

// forward relays the feed to the loop, tagged with the session generation.
func (c *Controller) forward(gen uint64, sub *remote.Subscription) {
	ctx := c.session.ctx

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ch, ok := <-sub.Changes():
				if !ok {
					return
				}
				if !c.post(ctx, func() { c.remoteChanged(gen, ch.Data) }) {
					return
				}
			case err, ok := <-sub.Errors():
				if !ok {
					return
				}
				c.post(ctx, func() { c.feedFailed(gen, err) })
				return
			}
		}
	}()
}

func (c *Controller) remoteChanged(gen uint64, data []byte) {
	if gen != c.session.gen || c.session.phase != PhaseBound {
		c.metrics.remoteChanges.WithLabelValues(changeStale).Inc()
		return
	}

	incoming := schema.NormalizeJSON(data)
	if c.echoes.consume(schema.Fingerprint(incoming)) {
		c.metrics.remoteChanges.WithLabelValues(changeEcho).Inc()
		return
	}
	if schema.Equal(incoming, c.doc) {
		c.metrics.remoteChanges.WithLabelValues(changeUnchanged).Inc()
		return
	}

	c.metrics.remoteChanges.WithLabelValues(changeApplied).Inc()
	c.absorb(incoming)
}

// absorb replaces the working document with remote content. It never
// pushes. A queued push is dropped: it holds a document the remote content
// supersedes. Pending echoes are forgotten so that a push still in flight,
// landing after this change, is applied when it comes back.
func (c *Controller) absorb(doc schema.Document) {
	if c.session.queued != nil {
		c.session.queued = nil
		c.pending--
	}
	c.echoes.reset()

	c.setPhase(PhaseAbsorbing)
	c.setDoc(doc)
	if err := c.save(c.runCtx, doc); err != nil {
		c.emit(Event{Kind: EventLocalError, Identity: c.session.id, Err: err})
	}
	c.setPhase(PhaseBound)

	c.logger.Info().Str("identity", c.session.id).Msg("applied remote document")
	c.emit(Event{Kind: EventReplaced, Identity: c.session.id, Doc: doc.Clone()})
}

func (c *Controller) feedFailed(gen uint64, err error) {
	if !c.session.active(gen) {
		return
	}
	id := c.session.id
	c.logger.Warn().Err(err).Str("identity", id).Msg("change feed failed")
	c.emit(Event{Kind: EventRemoteError, Identity: id, Err: err})
	c.unbind(err)
	c.scheduleRebind(id)
}

// push sends doc now, or queues it behind the push in flight. Only the
// latest queued document is kept, so pushes reach the mirror in commit
// order.
func (c *Controller) push(doc schema.Document) {
	if c.session.pushing {
		if c.session.queued == nil {
			c.pending++
		}
		c.session.queued = &doc
		return
	}
	c.startPush(doc)
}

func (c *Controller) startPush(doc schema.Document) {
	gen, id := c.session.gen, c.session.id
	fp := schema.Fingerprint(doc)
	c.echoes.add(fp)
	c.session.pushing = true
	c.pending++

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.pushTimeout)
		err := c.mirror.Push(ctx, id, doc)
		cancel()
		c.post(context.Background(), func() { c.pushed(gen, fp, err) })
	}()
}

func (c *Controller) pushed(gen uint64, fp string, err error) {
	c.pending--
	defer c.releaseFlushers()

	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.pushes.WithLabelValues(result).Inc()

	if !c.session.active(gen) {
		c.logger.Debug().Uint64("gen", gen).Msg("ignoring push result of ended session")
		return
	}

	c.session.pushing = false
	id := c.session.id
	if err != nil {
		c.echoes.consume(fp)
		c.logger.Warn().Err(err).Str("identity", id).Msg("push failed")
		c.emit(Event{Kind: EventRemoteError, Identity: id, Err: err})
	} else {
		c.logger.Debug().Str("identity", id).Msg("pushed")
		c.emit(Event{Kind: EventPushed, Identity: id})
	}

	if next := c.session.queued; next != nil {
		c.session.queued = nil
		c.pending--
		c.startPush(*next)
	}
}

// unbind ends the session. The working document is left untouched.
func (c *Controller) unbind(cause error) {
	if c.session.phase == PhaseUnbound {
		return
	}

	id := c.session.id
	if c.session.cancel != nil {
		c.session.cancel()
	}
	if c.session.sub != nil {
		_ = c.session.sub.Close()
	}
	if c.session.queued != nil {
		c.pending--
	}
	c.echoes.reset()
	c.session = session{gen: c.session.gen}
	c.setPhase(PhaseUnbound)
	c.releaseFlushers()

	c.logger.Info().Str("identity", id).AnErr("cause", cause).Msg("unbound")
	c.emit(Event{Kind: EventUnbound, Identity: id, Err: cause})
}

func (c *Controller) scheduleRebind(id string) {
	if c.rebindInterval <= 0 || id != c.identity {
		return
	}
	c.rebindSeq++
	seq := c.rebindSeq
	ctx := c.runCtx

	c.logger.Info().Str("identity", id).Dur("in", c.rebindInterval).Msg("rebind scheduled")
	time.AfterFunc(c.rebindInterval, func() {
		c.post(ctx, func() {
			if seq != c.rebindSeq || c.identity != id || c.session.phase != PhaseUnbound {
				return
			}
			c.bind(id)
		})
	})
}

func (c *Controller) releaseFlushers() {
	if c.pending > 0 {
		return
	}
	for _, ch := range c.flushers {
		close(ch)
	}
	c.flushers = nil
}
