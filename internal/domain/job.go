package domain

import "time"

// JobStatus is the lifecycle state of a provisioning job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// StepStatus is the state of one pipeline step. Steps only move forward:
// pending → running → {success, skipped, failed}.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepSkipped StepStatus = "skipped"
	StepFailed  StepStatus = "failed"
)

// Terminal reports whether the step can no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepSkipped || s == StepFailed
}

// Canonical step names, in declared execution order.
const (
	StepPayment      = "payment"
	StepResearch     = "research"
	StepCompile      = "compile"
	StepDeployOracle = "deploy_oracle"
	StepDeployToken  = "deploy_token"
	StepDeployVault  = "deploy_vault"
	StepDeployPool   = "deploy_pool"
	StepOraclePrime  = "oracle_prime"
	StepPoolSeed     = "pool_seed"
	StepAgentSpawn   = "agent_spawn"
	StepFaucetMint   = "faucet_mint"
	StepFinalize     = "finalize"
)

// Step is one observable unit of a provisioning job.
type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Detail string     `json:"detail,omitempty"`
	TxRef  string     `json:"tx_ref,omitempty"`
}

// PaymentRecord is the facilitator settlement attached to a job. When a job
// fails after payment settled, Failed is set so the record can be reconciled
// out of band; the settlement itself is never rolled back.
type PaymentRecord struct {
	TxRef     string    `json:"tx_ref"`
	AmountUSD float64   `json:"amount_usd"`
	Payee     string    `json:"payee"`
	SettledAt time.Time `json:"settled_at"`
	Failed    bool      `json:"failed"`
	FailError string    `json:"fail_error,omitempty"`
}

// ProvisioningJob tracks one market launch through the ordered pipeline.
type ProvisioningJob struct {
	ID          string         `json:"id"`
	AssetName   string         `json:"asset_name"`
	AssetSymbol string         `json:"asset_symbol"`
	Status      JobStatus      `json:"status"`
	Steps       []Step         `json:"steps"`
	Payment     *PaymentRecord `json:"payment,omitempty"`
	MarketID    string         `json:"market_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StepIndex returns the position of the named step, or -1.
func (j *ProvisioningJob) StepIndex(name string) int {
	for i := range j.Steps {
		if j.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to other goroutines.
func (j *ProvisioningJob) Clone() ProvisioningJob {
	out := *j
	out.Steps = append([]Step(nil), j.Steps...)
	if j.Payment != nil {
		p := *j.Payment
		out.Payment = &p
	}
	return out
}
