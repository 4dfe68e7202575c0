package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/futuresbot/internal/domain"
)

// ClosedPositionSource provides read access to closed positions for archival.
// The Postgres position store satisfies this through ListClosedBefore.
type ClosedPositionSource interface {
	ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error)
}

// Archiver implements domain.Archiver by exporting old closed positions as
// newline-delimited JSON to object storage.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here. That is a separate, explicit step executed only after the
// archive has been verified.
type Archiver struct {
	writer    domain.BlobWriter
	positions ClosedPositionSource
	audit     domain.AuditStore
}

var _ domain.Archiver = (*Archiver)(nil)

// NewArchiver creates an Archiver over the given blob writer and stores.
func NewArchiver(writer domain.BlobWriter, positions ClosedPositionSource, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:    writer,
		positions: positions,
		audit:     audit,
	}
}

// ArchiveClosedPositions queries positions closed strictly before the cutoff,
// serializes them to JSONL, and uploads the file at
// archive/positions/YYYY-MM.jsonl. The export is recorded in the audit log
// and the number of archived positions is returned. A cutoff with no matching
// positions uploads nothing.
func (a *Archiver) ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error) {
	positions, err := a.positions.ListClosedBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(positions)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions marshal: %w", err)
	}

	path := archivePath("positions", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	count := int64(len(positions))

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the object key for an archive file, partitioned by the
// year-month of the cutoff time: archive/positions/2026-08.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON, one compact
// line per record.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
