package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/config"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/identity"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

func TestRun_Dispatch(t *testing.T) {
	called := 0
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called++; return 0 }
	t.Cleanup(func() { startServer = orig })

	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"helm-dispatch"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"helm-dispatch", "serve"}, &out, &errOut))
	assert.Equal(t, 2, called)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"helm-dispatch", "version"}, &out, &errOut))
	assert.Contains(t, out.String(), Version)

	out.Reset()
	assert.Equal(t, 0, Run([]string{"helm-dispatch", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "user add")

	errOut.Reset()
	assert.Equal(t, 2, Run([]string{"helm-dispatch", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command: bogus")
}

func TestUserCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "users.db")
	t.Setenv("DATABASE_URL", "sqlite://"+dbPath)

	run := func(args ...string) (int, string) {
		var out, errOut bytes.Buffer
		code := Run(append([]string{"helm-dispatch", "user"}, args...), &out, &errOut)
		return code, out.String() + errOut.String()
	}

	code, msg := run("add", "--username", "alice", "--password", "correct horse", "--role", "analyst")
	require.Equal(t, 0, code, msg)

	code, _ = run("add", "--username", "alice", "--password", "correct horse")
	assert.Equal(t, 1, code)

	code, _ = run("add", "--username", "bob")
	assert.Equal(t, 2, code)

	code, msg = run("role", "--username", "alice", "--role", "admin")
	require.Equal(t, 0, code, msg)

	code, _ = run("role", "--username", "alice", "--role", "root")
	assert.Equal(t, 2, code)

	code, msg = run("disable", "--username", "alice")
	require.Equal(t, 0, code, msg)

	code, _ = run("disable", "--username", "nobody")
	assert.Equal(t, 1, code)

	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite://"+dbPath)
	require.NoError(t, err)
	defer db.Close()
	ident, err := store.NewSQLIdentityStore(db, dialect).GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, ident.Role)
	assert.False(t, ident.Active)
}

func TestUserCommands_RejectMemoryDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", config.DatabaseMemory)
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"helm-dispatch", "user", "disable", "--username", "alice"}, &out, &errOut))
}

func TestBootstrapAdmin_Idempotent(t *testing.T) {
	ctx := context.Background()
	ids := identity.NewMemoryStore()

	require.NoError(t, bootstrapAdmin(ctx, ids, "", ""))
	require.NoError(t, bootstrapAdmin(ctx, ids, "root", "bootstrap secret"))
	require.NoError(t, bootstrapAdmin(ctx, ids, "root", "another secret"))

	ident, err := ids.GetByUsername(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, identity.RoleAdmin, ident.Role)

	assert.Error(t, bootstrapAdmin(ctx, ids, "x", "short"))
}

func healthServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/detailed" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthCmd(t *testing.T) {
	ok := healthServer(t, `{"status":"ok","version":"0.1.0","degraded":false,"dependencies":{"database":"up","audit":"up"}}`)
	var out, errOut bytes.Buffer
	assert.Equal(t, 0, Run([]string{"helm-dispatch", "health", "--url", ok.URL}, &out, &errOut))
	assert.Contains(t, out.String(), "database")

	degraded := healthServer(t, `{"status":"degraded","degraded":true,"dependencies":{"database":"down"}}`)
	out.Reset()
	assert.Equal(t, 1, Run([]string{"helm-dispatch", "health", "--url", degraded.URL, "--json"}, &out, &errOut))
	assert.Contains(t, out.String(), `"degraded": true`)
}

func TestHealthCmd_Unreachable(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, Run([]string{"helm-dispatch", "health", "--url", "http://127.0.0.1:1"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Health check failed")
}
