package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
)

const (
	// activityMax bounds each agent's in-store activity log.
	activityMax = 100
	// defaultFailureBound is the consecutive-failure count after which an
	// agent self-stops into the error state.
	defaultFailureBound = 5
)

// ManagerConfig tunes agent spawning.
type ManagerConfig struct {
	MarketMaker MarketMakerConfig
	Arbitrageur ArbitrageurConfig
	// SettlementToken is the stable token agents trade with; the pool and
	// vault pull it, so spawn grants them allowances up front.
	SettlementToken string
	// FailureBound overrides defaultFailureBound when positive.
	FailureBound int
}

// Notifier is the alerting hook for agents that stop on repeated errors.
// May be nil.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Manager owns the live agent runners. The store holds the durable agent
// records; the manager holds only what is needed to stop a loop.
type Manager struct {
	cfg       ManagerConfig
	chain     TradingChain
	wallet    *chain.Wallet
	agents    domain.AgentStore
	bus       domain.EventBus
	notifier  Notifier
	newTicker TickerFactory
	logger    *slog.Logger

	mu      sync.Mutex
	runners map[string]*runner
	baseCtx context.Context
}

// NewManager creates a Manager. ctx bounds the lifetime of every runner it
// spawns; cancelling it stops all agents.
func NewManager(ctx context.Context, cfg ManagerConfig, tc TradingChain, wallet *chain.Wallet, agents domain.AgentStore, bus domain.EventBus, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		chain:     tc,
		wallet:    wallet,
		agents:    agents,
		bus:       bus,
		notifier:  notifier,
		newTicker: NewWallClockTicker,
		logger:    logger.With(slog.String("component", "agents")),
		runners:   make(map[string]*runner),
		baseCtx:   ctx,
	}
}

// SetTickerFactory substitutes the cycle clock, used by tests.
func (m *Manager) SetTickerFactory(f TickerFactory) {
	m.newTicker = f
}

// Spawn creates and starts one agent for the market. The agent record is
// created idle and transitions to running once its loop is up.
func (m *Manager) Spawn(ctx context.Context, market domain.Market, role domain.AgentRole, budgetUSD float64) (domain.Agent, error) {
	if m.wallet == nil {
		return domain.Agent{}, domain.ErrNoWallet
	}

	strategy, err := m.buildStrategy(role, market)
	if err != nil {
		return domain.Agent{}, err
	}

	if err := m.approveSpending(ctx, market); err != nil {
		return domain.Agent{}, err
	}

	a := domain.Agent{
		ID:        uuid.NewString(),
		Role:      role,
		MarketID:  market.ID,
		BudgetUSD: budgetUSD,
		Status:    domain.AgentIdle,
		CreatedAt: time.Now(),
	}
	if err := m.agents.Create(ctx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("agent: creating %s: %w", role, err)
	}

	bound := m.cfg.FailureBound
	if bound <= 0 {
		bound = defaultFailureBound
	}

	r := newRunner(strategy.Interval(), m.newTicker, bound,
		func(cctx context.Context) error { return m.cycle(cctx, a.ID, strategy) },
		func(fatal error) { m.onExit(a.ID, fatal) })

	m.mu.Lock()
	m.runners[a.ID] = r
	m.mu.Unlock()

	running, err := m.setStatus(ctx, a.ID, domain.AgentRunning, "")
	if err != nil {
		return a, err
	}
	r.start(m.baseCtx)

	m.logger.Info("agent spawned",
		slog.String("agent", a.ID),
		slog.String("role", string(role)),
		slog.String("market", market.ID))

	return running, nil
}

// Stop terminally stops one agent. When Stop returns, the loop has exited
// and no further activity events bearing the agent's id will be emitted.
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	m.mu.Lock()
	r, ok := m.runners[agentID]
	delete(m.runners, agentID)
	m.mu.Unlock()

	if !ok {
		a, err := m.agents.Get(ctx, agentID)
		if err != nil {
			return err
		}
		if a.Status == domain.AgentStopped || a.Status == domain.AgentError {
			return fmt.Errorf("agent %s: %w", agentID, domain.ErrAgentStopped)
		}
		return fmt.Errorf("agent %s has no live runner", agentID)
	}

	r.stop()
	_, err := m.setStatus(ctx, agentID, domain.AgentStopped, "")
	return err
}

// StopAll stops every live runner, used at shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			m.logger.Warn("stopping agent", slog.String("agent", id), slog.String("error", err.Error()))
		}
	}
}

// cycle runs one strategy decision and records its activity.
func (m *Manager) cycle(ctx context.Context, agentID string, strategy Strategy) error {
	a, err := m.agents.Get(ctx, agentID)
	if err != nil {
		return err
	}

	action, tickErr := strategy.Tick(ctx, a.Remaining())

	record := domain.ActivityRecord{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Role:    strategy.Role(),
		Action:  action.Kind,
		Detail:  action.Detail,
		TxRef:   action.TxRef,
		Outcome: domain.OutcomeOK,
		At:      time.Now(),
	}
	switch {
	case tickErr != nil:
		record.Outcome = domain.OutcomeFailed
		record.Detail = tickErr.Error()
	case action.Skipped:
		record.Outcome = domain.OutcomeSkipped
	}

	if _, err := m.agents.Update(ctx, agentID, func(j *domain.Agent) {
		j.SpentUSD += action.SpentUSD
		j.Activity = append(j.Activity, record)
		if len(j.Activity) > activityMax {
			j.Activity = j.Activity[len(j.Activity)-activityMax:]
		}
		if tickErr != nil {
			j.LastError = tickErr.Error()
		}
	}); err != nil {
		m.logger.Error("recording activity",
			slog.String("agent", agentID),
			slog.String("error", err.Error()))
	}

	m.bus.PublishActivity(domain.Event{
		Type:     domain.EventActivity,
		AgentID:  agentID,
		Activity: &record,
		At:       record.At,
	})

	return tickErr
}

// onExit handles a runner leaving its loop. A nil fatal is a clean stop or
// shutdown; a non-nil fatal is the consecutive-failure bound firing.
func (m *Manager) onExit(agentID string, fatal error) {
	if fatal == nil {
		return
	}

	m.mu.Lock()
	delete(m.runners, agentID)
	m.mu.Unlock()

	ctx := context.WithoutCancel(m.baseCtx)
	if _, err := m.setStatus(ctx, agentID, domain.AgentError, fatal.Error()); err != nil {
		m.logger.Error("marking agent errored",
			slog.String("agent", agentID),
			slog.String("error", err.Error()))
	}

	m.logger.Error("agent stopped after repeated failures",
		slog.String("agent", agentID),
		slog.String("error", fatal.Error()))

	if m.notifier != nil {
		_ = m.notifier.Notify(ctx, "agent_error", "Agent stopped",
			fmt.Sprintf("agent %s stopped after repeated failures: %s", agentID, fatal.Error()))
	}
}

// setStatus updates an agent's status and publishes the transition.
func (m *Manager) setStatus(ctx context.Context, agentID string, status domain.AgentStatus, lastError string) (domain.Agent, error) {
	updated, err := m.agents.Update(ctx, agentID, func(a *domain.Agent) {
		a.Status = status
		if lastError != "" {
			a.LastError = lastError
		}
	})
	if err != nil {
		return domain.Agent{}, err
	}

	m.bus.PublishActivity(domain.Event{
		Type:    domain.EventAgentState,
		AgentID: agentID,
		Detail:  string(status),
		At:      time.Now(),
	})
	return updated, nil
}

// approveSpending grants the allowances the market's contracts pull from
// the agent wallet: the pool takes both tokens on add-liquidity and swaps,
// the vault takes the stable side as collateral. Runs once per spawn;
// re-approving an already granted allowance is harmless.
func (m *Manager) approveSpending(ctx context.Context, market domain.Market) error {
	addrs, err := resolveAddrs(market)
	if err != nil {
		return err
	}
	stable, err := chain.ParseAddress(m.cfg.SettlementToken)
	if err != nil {
		return fmt.Errorf("agent: settlement token: %w", err)
	}

	grants := []struct {
		token   common.Address
		spender common.Address
	}{
		{addrs.token, addrs.pool},
		{stable, addrs.pool},
		{stable, addrs.vault},
	}
	for _, g := range grants {
		if _, err := m.chain.Approve(ctx, m.wallet, g.token, g.spender, chain.MaxAllowance); err != nil {
			return fmt.Errorf("agent: approving %s for %s: %w", g.token, g.spender, err)
		}
	}
	return nil
}

func (m *Manager) buildStrategy(role domain.AgentRole, market domain.Market) (Strategy, error) {
	switch role {
	case domain.RoleMarketMaker:
		return NewMarketMaker(m.cfg.MarketMaker, m.chain, m.wallet, market)
	case domain.RoleArbitrageur:
		return NewArbitrageur(m.cfg.Arbitrageur, m.chain, m.wallet, market)
	default:
		return nil, fmt.Errorf("agent: unknown role %q", role)
	}
}
