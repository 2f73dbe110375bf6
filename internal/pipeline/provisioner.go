// Package pipeline drives market provisioning: an ordered, individually
// observable sequence of steps from payment through agent spawn. Jobs abort
// on the first failing step and never roll back completed ones.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/crypto"
	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/governor"
	"github.com/abhaydee/atlas/internal/platform/facilitator"
	"github.com/abhaydee/atlas/internal/service"
)

// paymentDecimals is the settlement token precision used by the facilitator.
const paymentDecimals = 6

// Settler is the facilitator surface the pipeline uses. Verify is the
// preflight check; Settle moves the money.
type Settler interface {
	Verify(ctx context.Context, payment *crypto.SignedPayment, payee string) (facilitator.SettleResult, error)
	Settle(ctx context.Context, payment *crypto.SignedPayment, payee string) (facilitator.SettleResult, error)
}

// AgentSpawner starts trading agents for a freshly provisioned market.
type AgentSpawner interface {
	Spawn(ctx context.Context, m domain.Market, role domain.AgentRole, budgetUSD float64) (domain.Agent, error)
}

// OracleWriter primes a market's oracle with its first price.
type OracleWriter interface {
	Refresh(ctx context.Context, m domain.Market, dryRun bool) (domain.ResolvedPrice, *chain.TxResult, error)
}

// Notifier is the alerting hook for failed jobs. May be nil.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the provisioning pipeline.
type Config struct {
	// PaymentEnabled gates the payment step. When false the step reports
	// skipped and provisioning is free.
	PaymentEnabled bool
	// PaymentAmountUSD is the provisioning fee settled per market.
	PaymentAmountUSD float64
	// Payee receives the provisioning fee.
	Payee string
	// CompileCommand optionally rebuilds contract artifacts before deploy,
	// e.g. "npx hardhat compile". Empty skips the rebuild.
	CompileCommand string
	// ArtifactsDir holds the compiled contract artifacts.
	ArtifactsDir string
	// SettlementToken is the stable token used for vault collateral.
	SettlementToken string
	// CollateralRatioBps configures new vaults, in basis points.
	CollateralRatioBps int64
	// FeeBps is the pool fee allocation for new markets.
	FeeBps int
	// AgentBudgetUSD is the budget granted to each spawned agent.
	AgentBudgetUSD float64
	// FaucetMintUSD, when positive, mints test settlement tokens to the
	// operator wallet after deployment. Best effort.
	FaucetMintUSD float64
}

// ProvisionRequest is one market-launch request.
type ProvisionRequest struct {
	AssetName   string `json:"asset_name"`
	AssetSymbol string `json:"asset_symbol"`
}

// Validate checks the request fields.
func (r ProvisionRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.AssetName) == "" {
		problems = append(problems, "asset_name is required")
	}
	if strings.TrimSpace(r.AssetSymbol) == "" {
		problems = append(problems, "asset_symbol is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("pipeline: invalid request: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Provisioner runs provisioning jobs. One job is one goroutine walking the
// declared step order; all observable state lives in the job store and on
// the bus.
type Provisioner struct {
	cfg      Config
	gov      *governor.Governor
	signer   *crypto.Signer // nil when payments are disabled
	settler  Settler
	research *service.ResearchService
	oracle   OracleWriter
	chain    *chain.Client
	wallet   *chain.Wallet // nil means no write capability
	spawner  AgentSpawner
	jobs     domain.JobStore
	markets  domain.MarketStore
	audit    domain.AuditStore // optional
	bus      domain.EventBus
	notifier Notifier
	logger   *slog.Logger
}

// NewProvisioner wires a Provisioner. signer, wallet, spawner, audit, and
// notifier are optional; the corresponding steps degrade to skipped.
func NewProvisioner(
	cfg Config,
	gov *governor.Governor,
	signer *crypto.Signer,
	settler Settler,
	research *service.ResearchService,
	oracle OracleWriter,
	chainClient *chain.Client,
	wallet *chain.Wallet,
	spawner AgentSpawner,
	jobs domain.JobStore,
	markets domain.MarketStore,
	audit domain.AuditStore,
	bus domain.EventBus,
	notifier Notifier,
	logger *slog.Logger,
) *Provisioner {
	return &Provisioner{
		cfg:      cfg,
		gov:      gov,
		signer:   signer,
		settler:  settler,
		research: research,
		oracle:   oracle,
		chain:    chainClient,
		wallet:   wallet,
		spawner:  spawner,
		jobs:     jobs,
		markets:  markets,
		audit:    audit,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "pipeline")),
	}
}

// stepOrder is the declared execution order for every job.
var stepOrder = []string{
	domain.StepPayment,
	domain.StepResearch,
	domain.StepCompile,
	domain.StepDeployOracle,
	domain.StepDeployToken,
	domain.StepDeployVault,
	domain.StepDeployPool,
	domain.StepOraclePrime,
	domain.StepPoolSeed,
	domain.StepAgentSpawn,
	domain.StepFaucetMint,
	domain.StepFinalize,
}

// Start validates the request, registers a new running job, and launches
// the step walk in the background. The returned snapshot is the job as
// created; callers observe progress via the store or a bus subscription.
func (p *Provisioner) Start(ctx context.Context, req ProvisionRequest) (domain.ProvisioningJob, error) {
	if err := req.Validate(); err != nil {
		return domain.ProvisioningJob{}, err
	}

	now := time.Now()
	job := domain.ProvisioningJob{
		ID:          uuid.NewString(),
		AssetName:   strings.TrimSpace(req.AssetName),
		AssetSymbol: strings.ToUpper(strings.TrimSpace(req.AssetSymbol)),
		Status:      domain.JobRunning,
		Steps:       make([]domain.Step, 0, len(stepOrder)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, name := range stepOrder {
		job.Steps = append(job.Steps, domain.Step{Name: name, Status: domain.StepPending})
	}

	if err := p.jobs.Create(ctx, job); err != nil {
		return domain.ProvisioningJob{}, fmt.Errorf("pipeline: creating job: %w", err)
	}

	p.logger.Info("job started",
		slog.String("job", job.ID),
		slog.String("asset", job.AssetName),
		slog.String("symbol", job.AssetSymbol))

	// The job outlives the request that started it.
	go p.run(context.WithoutCancel(ctx), job.ID)

	return job, nil
}

// setStep moves one step to a new status and publishes the transition.
// Terminal step statuses are sticky: a later write never downgrades them.
func (p *Provisioner) setStep(ctx context.Context, jobID, name string, status domain.StepStatus, detail, txRef string) {
	updated, err := p.jobs.Update(ctx, jobID, func(j *domain.ProvisioningJob) {
		i := j.StepIndex(name)
		if i < 0 || j.Steps[i].Status.Terminal() {
			return
		}
		j.Steps[i].Status = status
		if detail != "" {
			j.Steps[i].Detail = detail
		}
		if txRef != "" {
			j.Steps[i].TxRef = txRef
		}
	})
	if err != nil {
		p.logger.Error("step update failed",
			slog.String("job", jobID),
			slog.String("step", name),
			slog.String("error", err.Error()))
		return
	}

	i := updated.StepIndex(name)
	if i < 0 {
		return
	}
	step := updated.Steps[i]
	p.bus.PublishJob(jobID, domain.Event{
		Type:  domain.EventJobStep,
		JobID: jobID,
		Job:   &updated,
		Step:  &step,
		At:    time.Now(),
	})
}

// failJob marks the offending step and the job failed, flags a settled
// payment for reconciliation, and publishes the terminal event.
func (p *Provisioner) failJob(ctx context.Context, jobID, stepName string, cause error) {
	p.setStep(ctx, jobID, stepName, domain.StepFailed, cause.Error(), "")

	updated, err := p.jobs.Update(ctx, jobID, func(j *domain.ProvisioningJob) {
		j.Status = domain.JobFailed
		j.Error = cause.Error()
		if j.Payment != nil && !j.Payment.Failed {
			// Money moved but provisioning did not complete.
			j.Payment.Failed = true
			j.Payment.FailError = fmt.Sprintf("job failed at %s: %s", stepName, cause.Error())
		}
	})
	if err != nil {
		p.logger.Error("fail update failed",
			slog.String("job", jobID),
			slog.String("error", err.Error()))
		return
	}

	p.logger.Error("job failed",
		slog.String("job", jobID),
		slog.String("step", stepName),
		slog.String("error", cause.Error()))

	if updated.Payment != nil && updated.Payment.Failed {
		p.auditLog(ctx, "payment_reconciliation", map[string]any{
			"job_id":     jobID,
			"tx_ref":     updated.Payment.TxRef,
			"amount_usd": updated.Payment.AmountUSD,
			"error":      updated.Payment.FailError,
		})
	}

	if p.notifier != nil {
		_ = p.notifier.Notify(ctx, "job_failed", "Provisioning failed",
			fmt.Sprintf("job %s (%s) failed at %s: %s", jobID, updated.AssetSymbol, stepName, cause.Error()))
	}

	p.bus.PublishJob(jobID, domain.Event{
		Type:  domain.EventJobDone,
		JobID: jobID,
		Job:   &updated,
		At:    time.Now(),
	})
}

func (p *Provisioner) auditLog(ctx context.Context, event string, detail map[string]any) {
	if p.audit == nil {
		return
	}
	if err := p.audit.Log(ctx, event, detail); err != nil {
		p.logger.Warn("audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
