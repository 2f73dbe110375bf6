package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// JobStore is the provisioning-job repository. Mutators follow
// append-or-replace-by-id semantics so concurrent readers never observe a
// partially updated job.
type JobStore interface {
	Create(ctx context.Context, job ProvisioningJob) error
	Get(ctx context.Context, id string) (ProvisioningJob, error)
	List(ctx context.Context, opts ListOpts) ([]ProvisioningJob, error)
	// Update replaces the stored job under mutate's result. mutate runs with
	// the store's current copy; the replacement is atomic per id.
	Update(ctx context.Context, id string, mutate func(*ProvisioningJob)) (ProvisioningJob, error)
	Remove(ctx context.Context, id string) error
}

// MarketStore is the market repository.
type MarketStore interface {
	Upsert(ctx context.Context, m Market) error
	Get(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, opts ListOpts) ([]Market, error)
	Remove(ctx context.Context, id string) error
}

// AgentStore is the agent repository.
type AgentStore interface {
	Create(ctx context.Context, a Agent) error
	Get(ctx context.Context, id string) (Agent, error)
	List(ctx context.Context, opts ListOpts) ([]Agent, error)
	ListByMarket(ctx context.Context, marketID string) ([]Agent, error)
	Update(ctx context.Context, id string, mutate func(*Agent)) (Agent, error)
}

// AuditEntry is one row of the optional reconciliation trail.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only reconciliation log (settled spends,
// jobs that failed after payment). Optional; a nil store disables it.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
