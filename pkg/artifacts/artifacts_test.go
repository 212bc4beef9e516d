package artifacts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref)

	again, err := s.Put(ctx, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	missing, _ := Digest([]byte("nothing"))
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "md5:abc")
	assert.Error(t, err)

	assert.NoError(t, s.Ping(ctx))
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, s)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestParseRef(t *testing.T) {
	ref, digest := Digest([]byte("x"))
	got, err := ParseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	for _, bad := range []string{"", "sha256:", "sha256:zz", digest, "sha256:" + digest[:10]} {
		_, err := ParseRef(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(ctx, Config{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(ctx, Config{Type: StoreTypeS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET")

	_, err = NewStore(ctx, Config{Type: StoreTypeGCS})
	assert.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET")

	_, err = NewStore(ctx, Config{Type: "tape"})
	assert.ErrorContains(t, err, "unsupported")
}

func TestArchiveResult(t *testing.T) {
	ctx := context.Background()
	a := NewArchive(NewMemoryStore())
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	r := &contracts.ExecutionResult{
		ExecutionID: "e-1",
		OwnerID:     "u-1",
		Status:      contracts.StatusSucceeded,
		Result:      "done",
		Engine:      contracts.EngineDirect,
		TokensUsed:  42,
		CostUSD:     0.01,
		Attempts:    1,
		Decision:    contracts.RoutingDecision{DecisionID: "d-1", Fingerprint: "sha256:f"},
		UpdatedAt:   finished,
	}
	ref, err := a.ArchiveResult(ctx, r)
	require.NoError(t, err)

	doc, err := a.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "e-1", doc.ExecutionID)
	assert.Equal(t, "done", doc.Output)
	assert.Equal(t, "sha256:f", doc.DecisionFingerprint)
	assert.Equal(t, finished, doc.FinishedAt)

	// Same result, same ref.
	again, err := a.ArchiveResult(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	r.Status = contracts.StatusRunning
	_, err = a.ArchiveResult(ctx, r)
	assert.Error(t, err)
}
