package audit_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/audit"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/contracts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

func transition(ref, status string) contracts.AuditEntry {
	return contracts.AuditEntry{
		ActorID:  "u-1",
		Action:   contracts.ActionTransition,
		Ref:      ref,
		Outcome:  contracts.OutcomeRecorded,
		Metadata: map[string]string{"status": status},
	}
}

func TestRecorder_AppendsAndMirrors(t *testing.T) {
	var buf bytes.Buffer
	log := store.NewMemoryAuditLog()
	r := audit.NewRecorder(log, audit.WithMirror(&buf))

	require.NoError(t, r.Record(context.Background(), transition("e-1", "running")))
	assert.False(t, r.Degraded())

	line := strings.TrimSpace(buf.String())
	require.True(t, strings.HasPrefix(line, "AUDIT: "))
	var mirrored contracts.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "AUDIT: ")), &mirrored))
	assert.Equal(t, "e-1", mirrored.Ref)
	assert.Equal(t, uint64(1), mirrored.Sequence)
	assert.Equal(t, log.ChainHead(), mirrored.EntryHash)
	assert.False(t, mirrored.Timestamp.IsZero())
}

func TestRecorder_SurvivesCallerCancellation(t *testing.T) {
	log := store.NewMemoryAuditLog()
	r := audit.NewRecorder(log, audit.WithMirror(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.Record(ctx, transition("e-1", "succeeded")))

	entries, err := log.Query(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// flakyLog fails while down is set.
type flakyLog struct {
	*store.MemoryAuditLog
	down bool
}

func (f *flakyLog) Append(ctx context.Context, e *contracts.AuditEntry) error {
	if f.down {
		return errors.New("connection reset")
	}
	return f.MemoryAuditLog.Append(ctx, e)
}

// slowLog blocks until its context ends.
type slowLog struct{ *store.MemoryAuditLog }

func (slowLog) Append(ctx context.Context, _ *contracts.AuditEntry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRecorder_DegradedModeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	log := &flakyLog{MemoryAuditLog: store.NewMemoryAuditLog(), down: true}
	r := audit.NewRecorder(log, audit.WithMirror(&buf))

	require.Error(t, r.Record(context.Background(), transition("e-1", "running")))
	assert.True(t, r.Degraded())
	assert.Contains(t, r.LastError(), "connection reset")
	assert.Contains(t, buf.String(), `"ref":"e-1"`, "failed entries are still mirrored")

	log.down = false
	require.NoError(t, r.Record(context.Background(), transition("e-1", "succeeded")))
	assert.False(t, r.Degraded())
}

func TestRecorder_BoundedByTimeout(t *testing.T) {
	r := audit.NewRecorder(slowLog{store.NewMemoryAuditLog()}, audit.WithMirror(nil), audit.WithTimeout(20*time.Millisecond))

	start := time.Now()
	err := r.Record(context.Background(), transition("e-1", "running"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, r.Degraded())
}

func TestRecorder_NilLogIsDegraded(t *testing.T) {
	r := audit.NewRecorder(nil, audit.WithMirror(nil))
	require.Error(t, r.Record(context.Background(), transition("e-1", "running")))
	assert.True(t, r.Degraded())
	require.Error(t, r.Ping(context.Background()))
}

func readZip(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string][]byte)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		out[f.Name] = b
	}
	return out
}

func TestExporter_GeneratePack(t *testing.T) {
	log := store.NewMemoryAuditLog()
	r := audit.NewRecorder(log, audit.WithMirror(nil))
	ctx := context.Background()
	require.NoError(t, r.Record(ctx, transition("e-1", "running")))
	other := transition("e-2", "running")
	other.ActorID = "u-2"
	require.NoError(t, r.Record(ctx, other))

	zipBytes, checksum, err := audit.NewExporter(log).GeneratePack(ctx, audit.ExportRequest{ActorID: "u-1"})
	require.NoError(t, err)
	assert.Len(t, checksum, 64)

	files := readZip(t, zipBytes)
	var entries []contracts.AuditEntry
	require.NoError(t, json.Unmarshal(files["entries.json"], &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "e-1", entries[0].Ref)

	var manifest map[string]any
	require.NoError(t, json.Unmarshal(files["manifest.json"], &manifest))
	assert.Equal(t, true, manifest["chain_verified"])
	assert.Equal(t, float64(1), manifest["entry_count"])
}

func TestExporter_InvalidTimeRange(t *testing.T) {
	_, _, err := audit.NewExporter(store.NewMemoryAuditLog()).GeneratePack(context.Background(), audit.ExportRequest{
		StartTime: time.Now(),
		EndTime:   time.Now().Add(-time.Hour),
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTimeRange)
}

func TestExporter_FailClosedWithoutStore(t *testing.T) {
	_, _, err := audit.NewExporter(nil).GeneratePack(context.Background(), audit.ExportRequest{})
	assert.ErrorIs(t, err, audit.ErrStoreNotConfigured)
}
