package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
)

// ArchiveImpl snapshots terminal provisioning jobs and agent activity to
// object storage as JSONL files. The in-memory tables stay authoritative;
// the archive is the only record that survives a restart besides the audit
// log, so it runs on terminal state rather than on a retention cutoff.
//
// Removal of archived jobs from the live table is intentionally NOT
// performed here; that is a separate, explicit step.
type ArchiveImpl struct {
	writer domain.BlobWriter
	jobs   domain.JobStore
	agents domain.AgentStore
	audit  domain.AuditStore // optional
}

// NewArchiver creates a new ArchiveImpl. audit may be nil.
func NewArchiver(writer domain.BlobWriter, jobs domain.JobStore, agents domain.AgentStore, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		jobs:   jobs,
		agents: agents,
		audit:  audit,
	}
}

// ArchiveJobs uploads every terminal job last touched before the cutoff to
// archive/jobs/YYYY-MM.jsonl and returns the archived count.
func (a *ArchiveImpl) ArchiveJobs(ctx context.Context, before time.Time) (int64, error) {
	jobs, err := a.jobs.List(ctx, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive jobs query: %w", err)
	}

	var terminal []domain.ProvisioningJob
	for _, j := range jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			terminal = append(terminal, j)
		}
	}
	if len(terminal) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(terminal)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive jobs marshal: %w", err)
	}

	path := archivePath("jobs", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive jobs upload: %w", err)
	}

	count := int64(len(terminal))
	a.auditLog(ctx, "archive.jobs", path, count, before)
	return count, nil
}

// ArchiveActivity uploads every activity record emitted before the cutoff,
// across all agents, to archive/activity/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveActivity(ctx context.Context, before time.Time) (int64, error) {
	agents, err := a.agents.List(ctx, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive activity query: %w", err)
	}

	var records []domain.ActivityRecord
	for _, ag := range agents {
		for _, rec := range ag.Activity {
			if rec.At.Before(before) {
				records = append(records, rec)
			}
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(records)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive activity marshal: %w", err)
	}

	path := archivePath("activity", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive activity upload: %w", err)
	}

	count := int64(len(records))
	a.auditLog(ctx, "archive.activity", path, count, before)
	return count, nil
}

func (a *ArchiveImpl) auditLog(ctx context.Context, event, path string, count int64, before time.Time) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	})
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/jobs/2026-08.jsonl
//	archive/activity/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
