package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
)

func TestJobStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()

	job := domain.ProvisioningJob{
		ID:          "job-1",
		AssetName:   "Acme Corp",
		AssetSymbol: "ACME",
		Status:      domain.JobRunning,
		Steps:       []domain.Step{{Name: domain.StepPayment, Status: domain.StepPending}},
		CreatedAt:   time.Now(),
	}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, job); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("duplicate Create err = %v, want ErrAlreadyExists", err)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AssetSymbol != "ACME" {
		t.Errorf("AssetSymbol = %q", got.AssetSymbol)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}

	updated, err := s.Update(ctx, "job-1", func(j *domain.ProvisioningJob) {
		j.Status = domain.JobSucceeded
		j.Steps[0].Status = domain.StepSuccess
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != domain.JobSucceeded {
		t.Errorf("Status = %q, want succeeded", updated.Status)
	}
	if updated.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not set by Update")
	}

	if err := s.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "job-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
}

func TestJobStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()

	job := domain.ProvisioningJob{
		ID:    "job-1",
		Steps: []domain.Step{{Name: domain.StepPayment, Status: domain.StepPending}},
	}
	if err := s.Create(ctx, job); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Mutating the returned copy must not reach the stored job.
	got, _ := s.Get(ctx, "job-1")
	got.Steps[0].Status = domain.StepFailed

	fresh, _ := s.Get(ctx, "job-1")
	if fresh.Steps[0].Status != domain.StepPending {
		t.Errorf("stored step mutated through returned copy: %q", fresh.Steps[0].Status)
	}
}

func TestJobStoreListOrderAndPagination(t *testing.T) {
	ctx := context.Background()
	s := NewJobStore()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		job := domain.ProvisioningJob{
			ID:        fmt.Sprintf("job-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Create(ctx, job); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	// Newest first.
	all, err := s.List(ctx, domain.ListOpts{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 5 || all[0].ID != "job-4" || all[4].ID != "job-0" {
		t.Errorf("List order wrong: %v", ids(all))
	}

	page, err := s.List(ctx, domain.ListOpts{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "job-3" || page[1].ID != "job-2" {
		t.Errorf("page = %v, want [job-3 job-2]", ids(page))
	}

	empty, err := s.List(ctx, domain.ListOpts{Offset: 10})
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("offset past end returned %d items", len(empty))
	}
}

func ids(jobs []domain.ProvisioningJob) []string {
	out := make([]string, len(jobs))
	for i := range jobs {
		out[i] = jobs[i].ID
	}
	return out
}

func TestMarketStoreUpsertAndResearchIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMarketStore()

	m := domain.Market{
		ID:          "mkt-1",
		AssetName:   "Acme Corp",
		AssetSymbol: "ACME",
		Research: []domain.PriceSource{
			{Kind: domain.SourceFixedFeed, FeedID: "feed-a"},
		},
		CreatedAt: time.Now(),
	}
	if err := s.Upsert(ctx, m); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Get(ctx, "mkt-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Research[0].FeedID = "tampered"

	fresh, _ := s.Get(ctx, "mkt-1")
	if fresh.Research[0].FeedID != "feed-a" {
		t.Errorf("research mutated through returned copy: %q", fresh.Research[0].FeedID)
	}

	// Upsert replaces by id.
	m.FeeBps = 30
	if err := s.Upsert(ctx, m); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	fresh, _ = s.Get(ctx, "mkt-1")
	if fresh.FeeBps != 30 {
		t.Errorf("FeeBps = %d after upsert, want 30", fresh.FeeBps)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}
}

func TestAgentStoreListByMarket(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	agents := []domain.Agent{
		{ID: "a-1", MarketID: "mkt-1", Role: domain.RoleMarketMaker, CreatedAt: base},
		{ID: "a-2", MarketID: "mkt-1", Role: domain.RoleArbitrageur, CreatedAt: base.Add(time.Second)},
		{ID: "a-3", MarketID: "mkt-2", Role: domain.RoleMarketMaker, CreatedAt: base.Add(2 * time.Second)},
	}
	for _, a := range agents {
		if err := s.Create(ctx, a); err != nil {
			t.Fatalf("Create %s: %v", a.ID, err)
		}
	}

	got, err := s.ListByMarket(ctx, "mkt-1")
	if err != nil {
		t.Fatalf("ListByMarket: %v", err)
	}
	// Spawn order, oldest first.
	if len(got) != 2 || got[0].ID != "a-1" || got[1].ID != "a-2" {
		t.Errorf("ListByMarket = %+v", got)
	}

	none, err := s.ListByMarket(ctx, "mkt-9")
	if err != nil {
		t.Fatalf("ListByMarket empty: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("unexpected agents for unknown market: %+v", none)
	}
}

func TestAgentStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewAgentStore()

	if err := s.Create(ctx, domain.Agent{ID: "a-1", Status: domain.AgentRunning, BudgetUSD: 100}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Update(ctx, "a-1", func(a *domain.Agent) {
		a.SpentUSD += 40
		a.Activity = append(a.Activity, domain.ActivityRecord{ID: "act-1", Action: "swap"})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got.Remaining() != 60 {
		t.Errorf("Remaining() = %v, want 60", got.Remaining())
	}
	if len(got.Activity) != 1 {
		t.Errorf("len(Activity) = %d, want 1", len(got.Activity))
	}

	if _, err := s.Update(ctx, "nope", func(*domain.Agent) {}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update missing err = %v, want ErrNotFound", err)
	}
}
