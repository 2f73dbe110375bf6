package domain

import "time"

// EventType classifies bus events.
type EventType string

const (
	EventJobStep    EventType = "job_step"    // a step changed status
	EventJobDone    EventType = "job_done"    // the job reached a terminal state
	EventActivity   EventType = "activity"    // an agent decision cycle
	EventAgentState EventType = "agent_state" // an agent changed status
	EventOracleSync EventType = "oracle_sync" // the sweep refreshed an oracle
)

// Event is the envelope published on the in-process bus. JobID is set for
// job events, AgentID for agent events; either may be empty.
type Event struct {
	Type     EventType        `json:"type"`
	JobID    string           `json:"job_id,omitempty"`
	AgentID  string           `json:"agent_id,omitempty"`
	Job      *ProvisioningJob `json:"job,omitempty"`
	Step     *Step            `json:"step,omitempty"`
	Activity *ActivityRecord  `json:"activity,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	At       time.Time        `json:"at"`
}

// Subscription is a live event feed. Events arrives in per-source emission
// order; Cancel releases the subscriber and is safe to call more than once.
// The bus closes Events when the subscribed topic terminates.
type Subscription interface {
	Events() <-chan Event
	Cancel()
}

// EventBus is the in-process publish/subscribe fabric. Publishing never
// blocks: events for slow subscribers are dropped.
type EventBus interface {
	// PublishJob emits an event on the per-job topic. Terminal job events
	// close the topic after delivery.
	PublishJob(jobID string, ev Event)
	// PublishActivity emits an event on the global agent-activity topic.
	PublishActivity(ev Event)
	// SubscribeJob subscribes to every subsequent event for one job.
	SubscribeJob(jobID string) Subscription
	// SubscribeActivity subscribes to all agent activity, open-ended.
	SubscribeActivity() Subscription
}
