// Package memory provides the in-process repositories backing the job,
// market, and agent tables. Every method hands out deep copies so callers
// never share mutable state across goroutines.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abhaydee/atlas/internal/domain"
)

var (
	_ domain.JobStore    = (*JobStore)(nil)
	_ domain.MarketStore = (*MarketStore)(nil)
	_ domain.AgentStore  = (*AgentStore)(nil)
)

// JobStore is the in-memory provisioning-job repository.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.ProvisioningJob
}

// NewJobStore creates an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]domain.ProvisioningJob)}
}

func (s *JobStore) Create(_ context.Context, job domain.ProvisioningJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("memory: job %s: %w", job.ID, domain.ErrAlreadyExists)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *JobStore) Get(_ context.Context, id string) (domain.ProvisioningJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ProvisioningJob{}, fmt.Errorf("memory: job %s: %w", id, domain.ErrNotFound)
	}
	return job.Clone(), nil
}

func (s *JobStore) List(_ context.Context, opts domain.ListOpts) ([]domain.ProvisioningJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ProvisioningJob, 0, len(s.jobs))
	for id := range s.jobs {
		job := s.jobs[id]
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

// Update applies mutate to a copy of the stored job and swaps the result in
// atomically. The whole read-mutate-replace runs under the store lock, so
// concurrent updates to the same id serialize.
func (s *JobStore) Update(_ context.Context, id string, mutate func(*domain.ProvisioningJob)) (domain.ProvisioningJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok {
		return domain.ProvisioningJob{}, fmt.Errorf("memory: job %s: %w", id, domain.ErrNotFound)
	}

	job := stored.Clone()
	mutate(&job)
	job.UpdatedAt = time.Now()
	s.jobs[id] = job

	return job.Clone(), nil
}

func (s *JobStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("memory: job %s: %w", id, domain.ErrNotFound)
	}
	delete(s.jobs, id)
	return nil
}

// MarketStore is the in-memory market repository.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[string]domain.Market
}

// NewMarketStore creates an empty MarketStore.
func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[string]domain.Market)}
}

func (s *MarketStore) Upsert(_ context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MarketStore) Get(_ context.Context, id string) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return cloneMarket(m), nil
}

func (s *MarketStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Market, 0, len(s.markets))
	for id := range s.markets {
		out = append(out, cloneMarket(s.markets[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *MarketStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[id]; !ok {
		return fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	delete(s.markets, id)
	return nil
}

// AgentStore is the in-memory agent repository.
type AgentStore struct {
	mu     sync.RWMutex
	agents map[string]domain.Agent
}

// NewAgentStore creates an empty AgentStore.
func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]domain.Agent)}
}

func (s *AgentStore) Create(_ context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("memory: agent %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

func (s *AgentStore) Get(_ context.Context, id string) (domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("memory: agent %s: %w", id, domain.ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *AgentStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Agent, 0, len(s.agents))
	for id := range s.agents {
		a := s.agents[id]
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *AgentStore) ListByMarket(_ context.Context, marketID string) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Agent
	for id := range s.agents {
		a := s.agents[id]
		if a.MarketID == marketID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *AgentStore) Update(_ context.Context, id string, mutate func(*domain.Agent)) (domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.agents[id]
	if !ok {
		return domain.Agent{}, fmt.Errorf("memory: agent %s: %w", id, domain.ErrNotFound)
	}

	a := stored.Clone()
	mutate(&a)
	s.agents[id] = a

	return a.Clone(), nil
}

func cloneMarket(m domain.Market) domain.Market {
	out := m
	out.Research = append([]domain.PriceSource(nil), m.Research...)
	return out
}

// paginate applies offset/limit to an already sorted slice.
func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}
