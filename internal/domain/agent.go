package domain

import "time"

// AgentRole distinguishes the two autonomous trading loops.
type AgentRole string

const (
	RoleMarketMaker AgentRole = "market-maker"
	RoleArbitrageur AgentRole = "arbitrageur"
)

// AgentStatus is the agent state machine: idle → running → {stopped, error}.
// stopped and error are terminal; a stopped agent is never resumed.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentStopped AgentStatus = "stopped"
	AgentError   AgentStatus = "error"
)

// ActivityOutcome classifies one decision cycle.
type ActivityOutcome string

const (
	OutcomeOK      ActivityOutcome = "ok"
	OutcomeSkipped ActivityOutcome = "skipped"
	OutcomeFailed  ActivityOutcome = "failed"
)

// ActivityRecord is one entry in an agent's bounded activity log. Every
// decision cycle emits exactly one record, success or not.
type ActivityRecord struct {
	ID      string          `json:"id"`
	AgentID string          `json:"agent_id"`
	Role    AgentRole       `json:"role"`
	Action  string          `json:"action"` // e.g. "add_liquidity", "swap", "hold"
	Detail  string          `json:"detail,omitempty"`
	TxRef   string          `json:"tx_ref,omitempty"`
	Outcome ActivityOutcome `json:"outcome"`
	At      time.Time       `json:"at"`
}

// Agent is one autonomous trading loop bound to a single market. Only the
// agent's own loop mutates it after spawn.
type Agent struct {
	ID        string           `json:"id"`
	Role      AgentRole        `json:"role"`
	MarketID  string           `json:"market_id"`
	BudgetUSD float64          `json:"budget_usd"`
	SpentUSD  float64          `json:"spent_usd"`
	Status    AgentStatus      `json:"status"`
	LastError string           `json:"last_error,omitempty"`
	Activity  []ActivityRecord `json:"activity,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Remaining returns the budget still available to the agent.
func (a *Agent) Remaining() float64 {
	r := a.BudgetUSD - a.SpentUSD
	if r < 0 {
		return 0
	}
	return r
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Agent) Clone() Agent {
	out := *a
	out.Activity = append([]ActivityRecord(nil), a.Activity...)
	return out
}
