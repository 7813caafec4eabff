package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quittances/quittances/internal/db"
	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
	"github.com/quittances/quittances/internal/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// memLocal is an in-memory Local with failure injection.
type memLocal struct {
	mu    gosync.Mutex
	doc   schema.Document
	saves int
	err   error
}

func newMemLocal(doc schema.Document) *memLocal {
	return &memLocal{doc: doc}
}

func (l *memLocal) Load(context.Context) schema.Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Clone()
}

func (l *memLocal) Save(_ context.Context, doc schema.Document) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return fmt.Errorf("%w: %w", store.ErrSave, l.err)
	}
	l.doc = doc.Clone()
	l.saves++
	return nil
}

func (l *memLocal) failWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *memLocal) saveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saves
}

func (l *memLocal) saved() schema.Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Clone()
}

// recorder collects events.
type recorder struct {
	mu     gosync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) identities(kind EventKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, ev := range r.events {
		if ev.Kind == kind {
			ids = append(ids, ev.Identity)
		}
	}
	return ids
}

// gatedMirror holds every Push until gate is closed.
type gatedMirror struct {
	*remote.MemoryMirror
	gate chan struct{}
}

func (g *gatedMirror) Push(ctx context.Context, id string, doc schema.Document) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MemoryMirror.Push(ctx, id, doc)
}

// startController runs c until the test ends and records its events.
func startController(t *testing.T, c *Controller) *recorder {
	t.Helper()
	rec := &recorder{}
	c.Subscribe(rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func docNamed(name string) schema.Document {
	return schema.Normalize(map[string]any{
		"landlord": map[string]any{"fullName": name},
		"tenants": []any{map[string]any{
			"id": "t1", "fullName": "Jean",
			"properties": []any{map[string]any{"id": "p1", "label": "Studio", "rentHc": 500}},
		}},
	})
}

func mustJSON(t *testing.T, doc schema.Document) []byte {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	return data
}

func bindAndWait(t *testing.T, c *Controller, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, c.SetIdentity(ctx, id))
	require.NoError(t, c.Flush(ctx))
	require.Equal(t, PhaseBound, c.Phase())
}

func setCity(city string) Mutator {
	return func(d *schema.Document) error {
		d.Landlord.City = city
		return nil
	}
}

func counter(c prometheus.Collector) float64 {
	return testutil.ToFloat64(c)
}

func TestCommit_UnboundSavesLocally(t *testing.T) {
	ctx := context.Background()
	local := newMemLocal(docNamed("Marie"))
	c := New(local, remote.NewMemoryMirror())
	startController(t, c)

	require.NoError(t, c.Commit(ctx, setCity("Lyon")))

	assert.Equal(t, "Lyon", c.Get().Landlord.City)
	assert.Equal(t, "Lyon", local.saved().Landlord.City)
	assert.Equal(t, 1, local.saveCount())
	assert.Equal(t, PhaseUnbound, c.Phase())
	assert.Equal(t, 1.0, counter(c.metrics.localSaves))
}

func TestCommit_Normalizes(t *testing.T) {
	ctx := context.Background()
	c := New(newMemLocal(schema.Normalize(nil)), nil)
	startController(t, c)

	require.NoError(t, c.Commit(ctx, func(d *schema.Document) error {
		d.Tenants = append(d.Tenants, schema.Tenant{FullName: "Paul"})
		return nil
	}))

	doc := c.Get()
	require.Len(t, doc.Tenants, 1)
	assert.NotEmpty(t, doc.Tenants[0].ID)
	assert.Equal(t, schema.DefaultPaymentMethod, doc.Tenants[0].PaymentMethod)
	require.Len(t, doc.Tenants[0].Properties, 1)
}

func TestCommit_FailuresLeaveDocumentUnchanged(t *testing.T) {
	ctx := context.Background()
	local := newMemLocal(docNamed("Marie"))
	c := New(local, nil)
	rec := startController(t, c)

	errBoom := errors.New("boom")
	err := c.Commit(ctx, func(d *schema.Document) error {
		d.Landlord.City = "Nice"
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, c.Get().Landlord.City)

	local.failWith(errors.New("quota exceeded"))
	err = c.Commit(ctx, setCity("Lyon"))
	assert.ErrorIs(t, err, store.ErrSave)
	assert.Empty(t, c.Get().Landlord.City)
	assert.Equal(t, 1, rec.count(EventLocalError))
	assert.Equal(t, 0, local.saveCount())
}

func TestBind_RemoteWins(t *testing.T) {
	local := newMemLocal(docNamed("Local A"))
	mirror := remote.NewMemoryMirror()
	remoteDoc := docNamed("Remote B")
	mirror.Set("u1", mustJSON(t, remoteDoc))

	c := New(local, mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	assert.True(t, schema.Equal(remoteDoc, c.Get()), schema.Diff(remoteDoc, c.Get()))
	assert.True(t, schema.Equal(remoteDoc, local.saved()))
	assert.Equal(t, 1, rec.count(EventBound))
	assert.Equal(t, 1, rec.count(EventReplaced))
	assert.Equal(t, 0, mirror.Pushes())
}

func TestBind_EqualRemoteIsNotReplaced(t *testing.T) {
	doc := docNamed("Same")
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, doc))

	local := newMemLocal(doc)
	c := New(local, mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	assert.Equal(t, 0, rec.count(EventReplaced))
	assert.Equal(t, 0, local.saveCount())
}

func TestBind_AbsentRemoteIsInitialized(t *testing.T) {
	ctx := context.Background()
	doc := docNamed("Local A")
	mirror := remote.NewMemoryMirror()
	c := New(newMemLocal(doc), mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	data, ok, err := mirror.Pull(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, schema.Equal(doc, schema.NormalizeJSON(data)))
	assert.Equal(t, 1, mirror.Pushes())
	assert.Equal(t, 1, rec.count(EventPushed))
	assert.Equal(t, 0, rec.count(EventReplaced))
}

func TestCommit_EchoCausesSingleLocalWrite(t *testing.T) {
	ctx := context.Background()
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	local := newMemLocal(docNamed("Local"))
	c := New(local, mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")
	savesAfterBind := local.saveCount()

	require.NoError(t, c.Commit(ctx, setCity("Lyon")))
	require.NoError(t, c.Flush(ctx))

	require.Eventually(t, func() bool {
		return counter(c.metrics.remoteChanges.WithLabelValues(changeEcho)) == 1
	}, waitFor, tick)

	assert.Equal(t, savesAfterBind+1, local.saveCount())
	assert.Equal(t, 1, mirror.Pushes())
	assert.Equal(t, 1, rec.count(EventReplaced)) // the bind only
	assert.Equal(t, 0.0, counter(c.metrics.remoteChanges.WithLabelValues(changeApplied)))
}

func TestCommit_RapidCommitsIgnoreOwnEchoes(t *testing.T) {
	ctx := context.Background()
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	c := New(newMemLocal(schema.Normalize(nil)), mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	for _, city := range []string{"Lyon", "Nice", "Brest"} {
		require.NoError(t, c.Commit(ctx, setCity(city)))
	}
	require.NoError(t, c.Flush(ctx))

	require.Eventually(t, func() bool {
		return counter(c.metrics.remoteChanges.WithLabelValues(changeEcho)) == float64(mirror.Pushes())
	}, waitFor, tick)
	assert.Equal(t, "Brest", c.Get().Landlord.City)
	assert.Equal(t, 1, rec.count(EventReplaced))
}

func TestRemoteChange_Applied(t *testing.T) {
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	local := newMemLocal(schema.Normalize(nil))
	c := New(local, mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	other := docNamed("Other device")
	mirror.Set("u1", mustJSON(t, other))

	require.Eventually(t, func() bool {
		return rec.count(EventReplaced) == 2
	}, waitFor, tick)
	assert.True(t, schema.Equal(other, c.Get()))
	assert.True(t, schema.Equal(other, local.saved()))
	assert.Equal(t, 0, mirror.Pushes())
}

func TestRemoteChange_DeepEqualIsDropped(t *testing.T) {
	doc := docNamed("Same")
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, doc))

	local := newMemLocal(doc)
	c := New(local, mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	// Same content with a fresh server timestamp and an unknown field.
	body, err := remote.Merge([]byte(`{"theme":"dark"}`), doc, time.Now())
	require.NoError(t, err)
	mirror.Set("u1", body)

	require.Eventually(t, func() bool {
		return counter(c.metrics.remoteChanges.WithLabelValues(changeUnchanged)) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, rec.count(EventReplaced))
	assert.Equal(t, 0, local.saveCount())
}

func TestPushFailure_DoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	local := newMemLocal(schema.Normalize(nil))
	c := New(local, mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	mirror.FailPushes(errors.New("network down"))
	require.NoError(t, c.Commit(ctx, setCity("Lyon")))
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, "Lyon", c.Get().Landlord.City)
	assert.Equal(t, "Lyon", local.saved().Landlord.City)
	assert.Equal(t, 1, rec.count(EventRemoteError))
	assert.Equal(t, PhaseBound, c.Phase())
	assert.Equal(t, 1.0, counter(c.metrics.pushes.WithLabelValues("error")))

	// The next successful push reconciles the mirror.
	mirror.FailPushes(nil)
	require.NoError(t, c.Commit(ctx, setCity("Nice")))
	require.NoError(t, c.Flush(ctx))

	data, _, err := mirror.Pull(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Nice", schema.NormalizeJSON(data).Landlord.City)
}

func TestSignOut_KeepsDocument(t *testing.T) {
	ctx := context.Background()
	remoteDoc := docNamed("Remote")
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, remoteDoc))

	c := New(newMemLocal(schema.Normalize(nil)), mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	require.NoError(t, c.SetIdentity(ctx, ""))
	assert.Equal(t, PhaseUnbound, c.Phase())
	assert.True(t, schema.Equal(remoteDoc, c.Get()))
	assert.Equal(t, 0, mirror.Subscribers("u1"))
	assert.Equal(t, 1, rec.count(EventUnbound))

	require.NoError(t, c.Commit(ctx, setCity("Offline")))
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 0, mirror.Pushes())
}

func TestSwitchIdentity_StalePushIgnored(t *testing.T) {
	ctx := context.Background()
	mirror := &gatedMirror{MemoryMirror: remote.NewMemoryMirror(), gate: make(chan struct{})}
	mirror.Set("u1", mustJSON(t, docNamed("One")))
	mirror.Set("u2", mustJSON(t, docNamed("Two")))

	c := New(newMemLocal(schema.Normalize(nil)), mirror)
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	require.NoError(t, c.Commit(ctx, setCity("Lyon")))
	require.NoError(t, c.SetIdentity(ctx, "u2"))
	close(mirror.gate)
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, PhaseBound, c.Phase())
	assert.Equal(t, "Two", c.Get().Landlord.FullName)
	assert.Empty(t, rec.identities(EventPushed))
	assert.Equal(t, 0, rec.count(EventRemoteError))
	assert.Equal(t, []string{"u1", "u2"}, rec.identities(EventBound))

	// The push itself was not cancelled.
	data, _, err := mirror.Pull(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Lyon", schema.NormalizeJSON(data).Landlord.City)
}

func TestPushes_CoalesceInCommitOrder(t *testing.T) {
	ctx := context.Background()
	mirror := &gatedMirror{MemoryMirror: remote.NewMemoryMirror(), gate: make(chan struct{})}
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	c := New(newMemLocal(schema.Normalize(nil)), mirror)
	startController(t, c)
	bindAndWait(t, c, "u1")

	for _, city := range []string{"Lyon", "Nice", "Brest"} {
		require.NoError(t, c.Commit(ctx, setCity(city)))
	}
	close(mirror.gate)
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, 2, mirror.Pushes())
	data, _, err := mirror.Pull(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Brest", schema.NormalizeJSON(data).Landlord.City)
}

func TestFeedFailure_UnbindsAndRebinds(t *testing.T) {
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	c := New(newMemLocal(schema.Normalize(nil)), mirror, WithRebindInterval(10*time.Millisecond))
	rec := startController(t, c)
	bindAndWait(t, c, "u1")

	mirror.Disconnect("u1", errors.New("connection reset"))

	require.Eventually(t, func() bool {
		return rec.count(EventBound) == 2 && c.Phase() == PhaseBound
	}, waitFor, tick)
	assert.Equal(t, 1, rec.count(EventUnbound))
	assert.Equal(t, 1, rec.count(EventRemoteError))
	assert.Equal(t, 1, mirror.Subscribers("u1"))
}

func TestFeedFailure_StaysUnboundWithoutRebind(t *testing.T) {
	mirror := remote.NewMemoryMirror()
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	c := New(newMemLocal(schema.Normalize(nil)), mirror)
	startController(t, c)
	bindAndWait(t, c, "u1")

	mirror.Disconnect("u1", errors.New("connection reset"))
	require.Eventually(t, func() bool { return c.Phase() == PhaseUnbound }, waitFor, tick)
	assert.Equal(t, "Remote", c.Get().Landlord.FullName)

	// Setting the same identity again binds.
	bindAndWait(t, c, "u1")
}

func TestSetIdentity_Invalid(t *testing.T) {
	c := New(newMemLocal(schema.Normalize(nil)), remote.NewMemoryMirror())
	startController(t, c)

	err := c.SetIdentity(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, remote.ErrInvalidIdentity)
}

func TestNoMirror_StaysLocal(t *testing.T) {
	ctx := context.Background()
	c := New(newMemLocal(schema.Normalize(nil)), nil)
	startController(t, c)

	require.NoError(t, c.SetIdentity(ctx, "u1"))
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, PhaseUnbound, c.Phase())
	require.NoError(t, c.Commit(ctx, setCity("Lyon")))
}

func TestStopped(t *testing.T) {
	c := New(newMemLocal(schema.Normalize(nil)), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, c.Commit(context.Background(), setCity("x")), ErrClosed)
	assert.ErrorIs(t, c.Flush(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Run(context.Background()), errAlreadyRunning)
}

func TestListenerCancel(t *testing.T) {
	ctx := context.Background()
	local := newMemLocal(schema.Normalize(nil))
	local.failWith(errors.New("full"))
	c := New(local, nil)
	startController(t, c)

	calls := 0
	cancel := c.Subscribe(func(Event) { calls++ })
	_ = c.Commit(ctx, setCity("a"))
	cancel()
	_ = c.Commit(ctx, setCity("b"))
	assert.Equal(t, 1, calls)
}

func TestTwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	mirror := remote.NewMemoryMirror()

	phone := New(newMemLocal(docNamed("Phone")), mirror)
	startController(t, phone)
	bindAndWait(t, phone, "u1")

	laptop := New(newMemLocal(docNamed("Laptop")), mirror)
	startController(t, laptop)
	bindAndWait(t, laptop, "u1")

	// The first device initialized the remote, the second adopted it.
	assert.Equal(t, "Phone", laptop.Get().Landlord.FullName)

	require.NoError(t, laptop.Commit(ctx, setCity("Lyon")))
	require.Eventually(t, func() bool {
		return phone.Get().Landlord.City == "Lyon"
	}, waitFor, tick)

	require.NoError(t, phone.Commit(ctx, setCity("Nice")))
	require.Eventually(t, func() bool {
		return laptop.Get().Landlord.City == "Nice"
	}, waitFor, tick)
}

func TestWithSQLiteStore(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	mirror := remote.NewMemoryMirror()
	remoteDoc := docNamed("Remote")
	mirror.Set("u1", mustJSON(t, remoteDoc))

	reg := prometheus.NewRegistry()
	local := store.New(database, zerolog.Nop())
	c := New(local, mirror, WithRegisterer(reg), WithLogger(zerolog.Nop()))
	startController(t, c)
	bindAndWait(t, c, "u1")

	assert.True(t, schema.Equal(remoteDoc, local.Load(ctx)))

	n, err := testutil.GatherAndCount(reg, "qt_local_saves_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEchoSet(t *testing.T) {
	var e echoSet
	for i := 0; i < maxEchoes+3; i++ {
		e.add(fmt.Sprint(i))
	}
	assert.Equal(t, maxEchoes, e.len())
	assert.False(t, e.consume("0"))
	assert.True(t, e.consume("3"))
	assert.False(t, e.consume("3"))

	e.add("x")
	e.add("x")
	assert.True(t, e.consume("x"))
	assert.True(t, e.consume("x"))

	e.reset()
	assert.Equal(t, 0, e.len())
}

func TestPhaseAndEventStrings(t *testing.T) {
	assert.Equal(t, "absorbing", PhaseAbsorbing.String())
	assert.Equal(t, "remote_error", EventRemoteError.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestRemoteChangeDuringPush_ConvergesOnRemote(t *testing.T) {
	ctx := context.Background()
	mirror := &gatedMirror{MemoryMirror: remote.NewMemoryMirror(), gate: make(chan struct{})}
	mirror.Set("u1", mustJSON(t, docNamed("Remote")))

	c := New(newMemLocal(schema.Normalize(nil)), mirror)
	startController(t, c)
	bindAndWait(t, c, "u1")

	require.NoError(t, c.Commit(ctx, setCity("Lyon")))
	require.NoError(t, c.Commit(ctx, setCity("Nice")))

	// Another device writes while Lyon is in flight and Nice is queued.
	mirror.Set("u1", mustJSON(t, docNamed("Other")))
	require.Eventually(t, func() bool {
		return c.Get().Landlord.FullName == "Other"
	}, waitFor, tick)

	close(mirror.gate)
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 1, mirror.Pushes())

	// Lyon lands after Other and must come back as a change.
	require.Eventually(t, func() bool {
		data, _, err := mirror.Pull(ctx, "u1")
		return err == nil && schema.Equal(schema.NormalizeJSON(data), c.Get())
	}, waitFor, tick)
	assert.Equal(t, "Lyon", c.Get().Landlord.City)
}

// oversizedMirror refuses to hand out documents, as the HTTP client does for
// documents past remote.MaxDocumentSize.
type oversizedMirror struct {
	*remote.MemoryMirror
}

func (m *oversizedMirror) Pull(context.Context, string) ([]byte, bool, error) {
	return nil, false, remote.ErrDocumentTooLarge
}

func TestBind_OversizedRemoteKeepsLocal(t *testing.T) {
	ctx := context.Background()
	local := newMemLocal(docNamed("Local A"))
	mirror := &oversizedMirror{MemoryMirror: remote.NewMemoryMirror()}

	c := New(local, mirror)
	rec := startController(t, c)
	require.NoError(t, c.SetIdentity(ctx, "u1"))
	require.NoError(t, c.Flush(ctx))

	assert.Equal(t, PhaseUnbound, c.Phase())
	assert.Equal(t, "Local A", c.Get().Landlord.FullName)
	assert.Equal(t, 0, local.saveCount())
	assert.Equal(t, 1, rec.count(EventRemoteError))
	assert.Equal(t, 0, rec.count(EventReplaced))
	assert.Equal(t, 0, mirror.Pushes())
	assert.Equal(t, 0, mirror.Subscribers("u1"))
}
