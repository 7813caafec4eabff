package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quittances/quittances/internal/schema"
)

func sampleDoc(name string) schema.Document {
	return schema.Normalize(map[string]any{
		"landlord": map[string]any{"fullName": name},
		"tenants":  []any{map[string]any{"id": "t1", "fullName": "Jean"}},
	})
}

// waitChange returns the next change or fails after a timeout.
func waitChange(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		require.True(t, ok, "changes channel closed")
		return c
	case err := <-sub.Errors():
		t.Fatalf("subscription failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

// testMirror runs the behavior every backend must share.
func testMirror(t *testing.T, m Mirror) {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("user-%d", time.Now().UnixNano())

	t.Run("PullAbsent", func(t *testing.T) {
		_, ok, err := m.Pull(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PushPull", func(t *testing.T) {
		doc := sampleDoc("Marie")
		require.NoError(t, m.Push(ctx, id, doc))

		data, ok, err := m.Pull(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, schema.Equal(doc, schema.NormalizeJSON(data)))

		var fields map[string]any
		require.NoError(t, json.Unmarshal(data, &fields))
		assert.Contains(t, fields, UpdatedAtField)
	})

	t.Run("SubscribeSeesPush", func(t *testing.T) {
		sub, err := m.Subscribe(ctx, id)
		require.NoError(t, err)
		defer sub.Close()

		doc := sampleDoc("Paul")
		require.NoError(t, m.Push(ctx, id, doc))

		c := waitChange(t, sub)
		assert.True(t, schema.Equal(doc, schema.NormalizeJSON(c.Data)))
	})

	t.Run("InvalidIdentity", func(t *testing.T) {
		_, _, err := m.Pull(ctx, "../etc")
		assert.True(t, errors.Is(err, ErrInvalidIdentity))
		err = m.Push(ctx, "", sampleDoc("x"))
		assert.True(t, errors.Is(err, ErrInvalidIdentity))
		_, err = m.Subscribe(ctx, "a b")
		assert.True(t, errors.Is(err, ErrInvalidIdentity))
	})
}

func TestMemoryMirror(t *testing.T) {
	testMirror(t, NewMemoryMirror())
}

func TestDirMirror(t *testing.T) {
	m, err := NewDirMirror(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	testMirror(t, m)
}

func TestRedisMirror(t *testing.T) {
	url := os.Getenv("QT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("QT_TEST_REDIS_URL not set")
	}
	m, err := OpenRedisMirror(context.Background(), url, "qt-test:", zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	testMirror(t, m)
}

func TestPostgresMirror(t *testing.T) {
	url := os.Getenv("QT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("QT_TEST_POSTGRES_URL not set")
	}
	m, err := OpenPostgresMirror(context.Background(), url, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	testMirror(t, m)
}

func TestValidateIdentity(t *testing.T) {
	for _, id := range []string{"u1", "abc-DEF_123", "user@example.com"} {
		assert.NoError(t, ValidateIdentity(id), id)
	}
	for _, id := range []string{"", "  ", ".", "..", "a/b", `a\b`, "a\nb", "a b"} {
		assert.ErrorIs(t, ValidateIdentity(id), ErrInvalidIdentity, "%q", id)
	}
}

func TestMerge_KeepsUnknownFields(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	existing := []byte(`{"landlord":{"fullName":"Old"},"settings":{"theme":"dark"},"updatedAt":1}`)

	body, err := Merge(existing, sampleDoc("New"), now)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Equal(t, map[string]any{"theme": "dark"}, fields["settings"])
	assert.Equal(t, float64(1700000000000), fields[UpdatedAtField])
	assert.Equal(t, "New", fields["landlord"].(map[string]any)["fullName"])
	assert.Equal(t, []any{}, fields["payments"])
}

func TestMerge_DiscardsNonObject(t *testing.T) {
	body, err := Merge([]byte(`[1,2,3]`), schema.Document{}, time.Now())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body, &fields))
	assert.Len(t, fields, 5)
}

func TestSubscription_DropsOldestWhenFull(t *testing.T) {
	sub := newSubscription(nil)
	for i := 0; i < changeBuffer+5; i++ {
		sub.send(Change{Data: []byte(fmt.Sprint(i))})
	}

	first := <-sub.Changes()
	assert.Equal(t, "5", string(first.Data))

	var last Change
	for i := 1; i < changeBuffer; i++ {
		last = <-sub.Changes()
	}
	assert.Equal(t, fmt.Sprint(changeBuffer+4), string(last.Data))
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	stops := 0
	sub := newSubscription(func() { stops++ })
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, 1, stops)

	// Sends after Close are ignored.
	sub.send(Change{Data: []byte("x")})
	sub.fail(errors.New("late"))
	_, ok := <-sub.Changes()
	assert.False(t, ok)
}

func TestMemoryMirror_Helpers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMirror()

	sub, err := m.Subscribe(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Subscribers("u1"))

	m.Set("u1", []byte(`{"landlord":{"fullName":"Other device"}}`))
	c := waitChange(t, sub)
	assert.Equal(t, "Other device", schema.NormalizeJSON(c.Data).Landlord.FullName)

	m.FailPushes(errors.New("offline"))
	assert.Error(t, m.Push(ctx, "u1", sampleDoc("x")))
	m.FailPushes(nil)
	assert.NoError(t, m.Push(ctx, "u1", sampleDoc("x")))
	assert.Equal(t, 2, m.Pushes())

	m.Disconnect("u1", errors.New("gone"))
	select {
	case err := <-sub.Errors():
		assert.EqualError(t, err, "gone")
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
	}

	require.NoError(t, sub.Close())
	assert.Equal(t, 0, m.Subscribers("u1"))
}

func TestDirMirror_IgnoresOtherIdentities(t *testing.T) {
	ctx := context.Background()
	m, err := NewDirMirror(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	sub, err := m.Subscribe(ctx, "alice")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Push(ctx, "bob", sampleDoc("Bob")))
	require.NoError(t, m.Push(ctx, "alice", sampleDoc("Alice")))

	c := waitChange(t, sub)
	assert.Equal(t, "Alice", schema.NormalizeJSON(c.Data).Landlord.FullName)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	m, err := Open(ctx, Config{Backend: BackendNone}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = Open(ctx, Config{Backend: BackendMemory}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryMirror{}, m)

	m, err = Open(ctx, Config{Backend: BackendDir, Dir: t.TempDir()}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &DirMirror{}, m)

	m, err = Open(ctx, Config{Backend: BackendDir}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Nil(t, m)

	_, err = Open(ctx, Config{Backend: "carrier-pigeon"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = Open(ctx, Config{Backend: BackendHTTP, URL: "ftp://x"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

// paddedDocument returns a valid document of exactly size bytes.
func paddedDocument(t *testing.T, size int) []byte {
	t.Helper()
	head := `{"landlord":{"fullName":"Alice"},"tenants":[{"id":"t1","fullName":"Jean"}],"pad":"`
	tail := `"}`
	require.Greater(t, size, len(head)+len(tail))
	return []byte(head + strings.Repeat("x", size-len(head)-len(tail)) + tail)
}

func TestHTTPMirror_PullSizeLimit(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	m, err := NewHTTPMirror(srv.URL, nil, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()
	ctx := context.Background()

	body = paddedDocument(t, MaxDocumentSize)
	data, ok, err := m.Pull(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	doc := schema.NormalizeJSON(data)
	assert.Equal(t, "Alice", doc.Landlord.FullName)
	assert.Len(t, doc.Tenants, 1)

	// One byte more must fail rather than come back cut short.
	body = paddedDocument(t, MaxDocumentSize+1)
	data, ok, err = m.Pull(ctx, "u1")
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
	assert.False(t, ok)
	assert.Nil(t, data)
}
