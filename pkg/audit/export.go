package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/store"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrStoreNotConfigured is returned when export is invoked without a backing log.
	ErrStoreNotConfigured = errors.New("audit: store not configured (fail-closed)")
)

// ExportRequest selects entries for an evidence pack. Zero values match all.
type ExportRequest struct {
	ActorID   string    `json:"actor_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Exporter builds zipped evidence packs from the audit log.
type Exporter struct {
	log   store.AuditLog
	clock func() time.Time
}

func NewExporter(log store.AuditLog) *Exporter {
	return &Exporter{log: log, clock: time.Now}
}

// GeneratePack verifies the chain, then returns a zip holding entries.json
// and manifest.json, with the hex SHA-256 of the archive.
func (e *Exporter) GeneratePack(ctx context.Context, req ExportRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.log == nil {
		return nil, "", ErrStoreNotConfigured
	}

	chainErr := e.log.VerifyChain(ctx)
	if chainErr != nil && !errors.Is(chainErr, store.ErrChainBroken) {
		return nil, "", fmt.Errorf("audit: verify chain: %w", chainErr)
	}

	entries, err := e.log.Query(ctx, store.AuditFilter{ActorID: req.ActorID, Since: req.StartTime})
	if err != nil {
		return nil, "", fmt.Errorf("audit: query: %w", err)
	}
	if !req.EndTime.IsZero() {
		kept := entries[:0]
		for _, en := range entries {
			if !en.Timestamp.After(req.EndTime) {
				kept = append(kept, en)
			}
		}
		entries = kept
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal entries: %w", err)
	}

	manifest := map[string]any{
		"generated_at":   e.clock().UTC(),
		"entry_count":    len(entries),
		"chain_verified": chainErr == nil,
		"entries_sha256": sha256Hex(entriesJSON),
		"period": map[string]any{
			"start": req.StartTime,
			"end":   req.EndTime,
		},
	}
	if req.ActorID != "" {
		manifest["actor_id"] = req.ActorID
	}
	if chainErr != nil {
		manifest["chain_error"] = chainErr.Error()
	}
	if n := len(entries); n > 0 {
		manifest["first_sequence"] = entries[0].Sequence
		manifest["last_entry_hash"] = entries[n-1].EntryHash
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{"entries.json", entriesJSON},
		{"manifest.json", manifestJSON},
	} {
		fw, err := w.Create(f.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(f.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, sha256Hex(zipBytes), nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
