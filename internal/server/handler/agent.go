package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/abhaydee/atlas/internal/domain"
)

// AgentManager defines what the agent handler requires from the agent
// manager: the ability to stop a running agent.
type AgentManager interface {
	Stop(ctx context.Context, agentID string) error
}

// AgentHandler serves trading-agent endpoints.
type AgentHandler struct {
	agents  domain.AgentStore
	manager AgentManager
	logger  *slog.Logger
}

// NewAgentHandler creates an AgentHandler with the given store and manager.
func NewAgentHandler(agents domain.AgentStore, manager AgentManager, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		agents:  agents,
		manager: manager,
		logger:  logger,
	}
}

// listAgentsResponse wraps the list endpoint output with pagination metadata.
type listAgentsResponse struct {
	Agents []domain.Agent `json:"agents"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// ListAgents returns trading agents. When market_id is provided, only agents
// bound to that market are returned (oldest first, no pagination).
// GET /api/agents?market_id=...&limit=50&offset=0
func (h *AgentHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	if marketID := r.URL.Query().Get("market_id"); marketID != "" {
		agents, err := h.agents.ListByMarket(r.Context(), marketID)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list agents by market failed",
				slog.String("market_id", marketID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list agents")
			return
		}
		writeJSON(w, http.StatusOK, listAgentsResponse{Agents: agents, Limit: len(agents)})
		return
	}

	opts := parseListOpts(r)
	agents, err := h.agents.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list agents failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	writeJSON(w, http.StatusOK, listAgentsResponse{
		Agents: agents,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetAgent returns a single agent including its recent activity log.
// GET /api/agents/{id}
func (h *AgentHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing agent id")
		return
	}

	agent, err := h.agents.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get agent failed",
			slog.String("agent_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get agent")
		return
	}

	writeJSON(w, http.StatusOK, agent)
}

// listActivityResponse wraps the activity endpoint output.
type listActivityResponse struct {
	Activity []domain.ActivityRecord `json:"activity"`
	Limit    int                     `json:"limit"`
	Offset   int                     `json:"offset"`
}

// ListActivity returns recent activity records across all agents, newest
// first. Each agent keeps a bounded in-memory log, so this is a merge of
// the tails rather than a full history.
// GET /api/activity?limit=50&offset=0
func (h *AgentHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.List(r.Context(), domain.ListOpts{Limit: 10_000})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list activity failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	var records []domain.ActivityRecord
	for i := range agents {
		records = append(records, agents[i].Activity...)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].At.After(records[j].At) })

	opts := parseListOpts(r)
	if opts.Offset >= len(records) {
		records = nil
	} else {
		records = records[opts.Offset:]
	}
	if opts.Limit < len(records) {
		records = records[:opts.Limit]
	}

	writeJSON(w, http.StatusOK, listActivityResponse{
		Activity: records,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// StopAgent stops a running agent. Stopping is terminal: once this returns
// the agent emits no further activity and cannot be resumed.
// POST /api/agents/{id}/stop
func (h *AgentHandler) StopAgent(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing agent id")
		return
	}

	if err := h.manager.Stop(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, domain.ErrAgentStopped):
			writeError(w, http.StatusConflict, "agent already stopped")
		default:
			h.logger.ErrorContext(r.Context(), "handler: stop agent failed",
				slog.String("agent_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to stop agent")
		}
		return
	}

	agent, err := h.agents.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}
