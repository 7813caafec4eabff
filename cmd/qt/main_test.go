package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quittances/quittances/internal/mirrorserver"
	"github.com/quittances/quittances/internal/remote"
	"github.com/quittances/quittances/internal/schema"
)

// device is one qt installation: its own data file and environment.
type device struct {
	t   *testing.T
	env map[string]string
}

func newDevice(t *testing.T, env map[string]string) *device {
	t.Helper()
	d := &device{t: t, env: map[string]string{
		"QT_DATA_PATH":         filepath.Join(t.TempDir(), "qt.db"),
		"QT_LOG_LEVEL":         "error",
		"QT_SYNC_PUSH_TIMEOUT": "5s",
	}}
	for k, v := range env {
		d.env[k] = v
	}
	return d
}

// run executes qt with args and returns its standard output.
func (d *device) run(args ...string) (string, error) {
	d.t.Helper()
	for k, v := range d.env {
		d.t.Setenv(k, v)
	}
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (d *device) mustRun(args ...string) string {
	d.t.Helper()
	out, err := d.run(args...)
	require.NoError(d.t, err, out)
	return out
}

func isolateHome(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
}

func TestCLI_LocalWorkflow(t *testing.T) {
	isolateHome(t)
	d := newDevice(t, map[string]string{"QT_REMOTE_BACKEND": "none"})

	d.mustRun("landlord", "set", "--name", "Marie Martin", "--city", "Lyon")
	d.mustRun("tenant", "add", "--name", "Jean Dupont", "--unit-address", "1 rue Basse", "--rent", "500", "--charges", "50")
	d.mustRun("tenant", "add-property", "Jean Dupont", "--address", "Garage 4", "--rent", "80")
	out := d.mustRun("receipt", "new", "--tenant", "jean dupont", "--year", "2025", "--month", "1", "--date", "2025-01-31", "--adj", "Remise=-20")
	assert.Contains(t, out, "Q-2025-01-Jean_Dupont")
	assert.Contains(t, out, "Janvier 2025")
	assert.Contains(t, out, "530,00 €")
	d.mustRun("payment", "set", "--tenant", "Jean Dupont", "--year", "2025", "--month", "1", "--status", "late")

	out = d.mustRun("show", "--year", "2025")
	assert.Contains(t, out, "Marie Martin")
	assert.Contains(t, out, "Jean Dupont")
	assert.Contains(t, out, "Logement 2")
	assert.Contains(t, out, "530,00 €")

	export := filepath.Join(t.TempDir(), "out.json")
	d.mustRun("export", export)
	doc, err := schema.ReadImportFile(export)
	require.NoError(t, err)
	require.Len(t, doc.Tenants, 1)
	assert.Len(t, doc.Tenants[0].Properties, 2)
	require.Len(t, doc.Receipts, 1)
	assert.Equal(t, 530.0, doc.Receipts[0].Total)
	require.Len(t, doc.Payments, 1)
	assert.Equal(t, schema.StatusLate, doc.Payments[0].Status)

	d.mustRun("reset", "--yes")
	out = d.mustRun("show")
	assert.NotContains(t, out, "Jean Dupont")

	d.mustRun("import", export)
	out = d.mustRun("show")
	assert.Contains(t, out, "Jean Dupont")

	d.mustRun("tenant", "rm", "Jean Dupont")
	d.mustRun("export", export)
	doc, err = schema.ReadImportFile(export)
	require.NoError(t, err)
	assert.Empty(t, doc.Tenants)
	assert.Empty(t, doc.Receipts)
}

func TestCLI_Errors(t *testing.T) {
	isolateHome(t)
	d := newDevice(t, nil)

	_, err := d.run("receipt", "new", "--tenant", "nobody")
	assert.Error(t, err)
	_, err = d.run("tenant", "add")
	assert.Error(t, err)
	_, err = d.run("receipt", "new", "--tenant", "x", "--month", "13")
	assert.Error(t, err)
	_, err = d.run("import", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
	_, err = d.run("sync")
	assert.ErrorContains(t, err, "no remote backend")
}

func TestCLI_TwoDevicesShareDirBackend(t *testing.T) {
	isolateHome(t)
	shared := map[string]string{
		"QT_REMOTE_BACKEND": "dir",
		"QT_REMOTE_DIR":     t.TempDir(),
		"QT_IDENTITY_ID":    "user-1",
	}
	laptop := newDevice(t, shared)
	phone := newDevice(t, shared)

	laptop.mustRun("tenant", "add", "--name", "Jean Dupont")

	out := phone.mustRun("show")
	assert.Contains(t, out, "Jean Dupont")
	assert.Contains(t, out, "sync: bound")

	phone.mustRun("tenant", "add", "--name", "Paul Durand")
	out = laptop.mustRun("show")
	assert.Contains(t, out, "Paul Durand")

	// Offline shows the local copy only.
	out = laptop.mustRun("show", "--offline")
	assert.Contains(t, out, "sync: unbound")
}

func TestCLI_AuthAndMirrorToken(t *testing.T) {
	isolateHome(t)
	tokenFile := filepath.Join(t.TempDir(), "token")
	d := newDevice(t, map[string]string{
		"QT_MIRROR_SECRET":       "s3cret",
		"QT_IDENTITY_TOKEN_FILE": tokenFile,
	})

	out := d.mustRun("auth", "status")
	assert.Contains(t, out, "Signed out")

	token := d.mustRun("mirror", "token", "user-9")
	out = d.mustRun("auth", "login", token)
	assert.Contains(t, out, "user-9")

	out = d.mustRun("auth", "status")
	assert.Contains(t, out, "user-9")

	d.mustRun("auth", "logout")
	_, err := os.Stat(tokenFile)
	assert.True(t, os.IsNotExist(err))

	_, err = d.run("auth", "login", "garbage")
	assert.Error(t, err)

	d.mustRun("mirror", "token", "user-9", "--login")
	out = d.mustRun("auth", "status")
	assert.Contains(t, out, "user-9")
}

func TestCLI_FixedIdentityUsesTokenFile(t *testing.T) {
	isolateHome(t)
	secret := "s3cret"
	backend := remote.NewMemoryMirror()
	srv := mirrorserver.NewServer(backend, &mirrorserver.Config{
		Secret:   []byte(secret),
		Registry: prometheus.NewRegistry(),
		Logger:   zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Stop()
		ts.Close()
	})

	d := newDevice(t, map[string]string{
		"QT_REMOTE_BACKEND":      "http",
		"QT_REMOTE_URL":          ts.URL,
		"QT_MIRROR_SECRET":       secret,
		"QT_IDENTITY_ID":         "user-1",
		"QT_IDENTITY_TOKEN_FILE": filepath.Join(t.TempDir(), "token"),
	})

	// No token yet: the server refuses the identity.
	out := d.mustRun("show")
	assert.Contains(t, out, "sync: unbound")

	d.mustRun("mirror", "token", "user-1", "--login")
	d.mustRun("tenant", "add", "--name", "Jean Dupont")
	out = d.mustRun("show")
	assert.Contains(t, out, "sync: bound")

	data, ok, err := backend.Pull(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Jean Dupont", schema.NormalizeJSON(data).Tenants[0].FullName)
}

func TestCLI_Bench(t *testing.T) {
	isolateHome(t)
	d := newDevice(t, nil)

	out := d.mustRun("bench", "--devices", "2", "--commits", "3", "--json")
	var res struct {
		Converged bool
		Commits   struct{ TotalCommits, Errors int }
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Converged)
	assert.Equal(t, 6, res.Commits.TotalCommits)
	assert.Equal(t, 0, res.Commits.Errors)

	_, err := d.run("bench", "--devices", "0")
	assert.ErrorContains(t, err, "--devices")
	_, err = d.run("bench", "--remote")
	assert.ErrorContains(t, err, "no remote backend")
}
