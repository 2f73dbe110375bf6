package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/domain"
)

// run walks the job through the declared step order, aborting on the first
// hard failure. It is the only writer of the job's state.
func (p *Provisioner) run(ctx context.Context, jobID string) {
	job, err := p.jobs.Get(ctx, jobID)
	if err != nil {
		p.logger.Error("job vanished before run", slog.String("job", jobID))
		return
	}

	if err := p.stepPayment(ctx, jobID); err != nil {
		p.failJob(ctx, jobID, domain.StepPayment, err)
		return
	}

	sources, err := p.stepResearch(ctx, jobID, job)
	if err != nil {
		p.failJob(ctx, jobID, domain.StepResearch, err)
		return
	}

	artifacts, err := p.stepCompile(ctx, jobID)
	if err != nil {
		p.failJob(ctx, jobID, domain.StepCompile, err)
		return
	}

	contracts, failedStep, err := p.stepDeploy(ctx, jobID, job, artifacts)
	if err != nil {
		p.failJob(ctx, jobID, failedStep, err)
		return
	}

	market := domain.Market{
		ID:          uuid.NewString(),
		AssetName:   job.AssetName,
		AssetSymbol: job.AssetSymbol,
		Contracts:   contracts,
		Research:    sources,
		FeeBps:      p.cfg.FeeBps,
		CreatedAt:   time.Now(),
	}

	if err := p.stepOraclePrime(ctx, jobID, market); err != nil {
		p.failJob(ctx, jobID, domain.StepOraclePrime, err)
		return
	}

	p.stepPoolSeed(ctx, jobID, market)
	p.stepAgentSpawn(ctx, jobID, market)
	p.stepFaucetMint(ctx, jobID)

	p.stepFinalize(ctx, jobID, market)
}

// stepPayment settles the provisioning fee through the facilitator. The
// Governor must admit the spend before anything is signed; the spend is
// recorded only after settlement succeeds.
func (p *Provisioner) stepPayment(ctx context.Context, jobID string) error {
	if !p.cfg.PaymentEnabled {
		p.setStep(ctx, jobID, domain.StepPayment, domain.StepSkipped, "payments disabled", "")
		return nil
	}
	if p.signer == nil || p.settler == nil {
		return fmt.Errorf("payments enabled but no signer or facilitator configured")
	}

	p.setStep(ctx, jobID, domain.StepPayment, domain.StepRunning, "", "")

	amount := p.cfg.PaymentAmountUSD
	if err := p.gov.AssertCanSpend(amount, "market_provision"); err != nil {
		return err
	}

	now := time.Now()
	value := chain.ToBaseUnits(amount, paymentDecimals)
	payment, err := p.signer.SignPayment(p.cfg.Payee, value, now.Unix()-60, now.Add(10*time.Minute).Unix())
	if err != nil {
		return fmt.Errorf("signing payment: %w", err)
	}

	// Preflight: have the facilitator validate the authorization before any
	// money moves. A decline here fails the job with nothing settled.
	preflight, err := p.settler.Verify(ctx, payment, p.cfg.Payee)
	if err != nil {
		return fmt.Errorf("verifying payment: %w", err)
	}
	if !preflight.Success {
		return fmt.Errorf("facilitator declined payment preflight: %s", preflight.ErrorReason)
	}

	result, err := p.settler.Settle(ctx, payment, p.cfg.Payee)
	if err != nil {
		return fmt.Errorf("settling payment: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("facilitator rejected payment: %s", result.ErrorReason)
	}

	p.gov.RecordSpend(amount, "market_provision")
	p.auditLog(ctx, "spend_settled", map[string]any{
		"job_id":     jobID,
		"tx_ref":     result.TxRef,
		"amount_usd": amount,
		"payee":      p.cfg.Payee,
	})

	if _, err := p.jobs.Update(ctx, jobID, func(j *domain.ProvisioningJob) {
		j.Payment = &domain.PaymentRecord{
			TxRef:     result.TxRef,
			AmountUSD: amount,
			Payee:     p.cfg.Payee,
			SettledAt: time.Now(),
		}
	}); err != nil {
		return fmt.Errorf("recording payment: %w", err)
	}

	p.setStep(ctx, jobID, domain.StepPayment, domain.StepSuccess,
		fmt.Sprintf("settled %.2f USD", amount), result.TxRef)
	return nil
}

// stepResearch derives the ranked price-source list.
func (p *Provisioner) stepResearch(ctx context.Context, jobID string, job domain.ProvisioningJob) ([]domain.PriceSource, error) {
	p.setStep(ctx, jobID, domain.StepResearch, domain.StepRunning, "", "")

	sources, err := p.research.Research(ctx, job.AssetName, job.AssetSymbol)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(sources))
	for _, s := range sources {
		labels = append(labels, s.Label())
	}
	p.setStep(ctx, jobID, domain.StepResearch, domain.StepSuccess, strings.Join(labels, ", "), "")
	return sources, nil
}

// stepCompile optionally rebuilds the contract artifacts, then loads them.
func (p *Provisioner) stepCompile(ctx context.Context, jobID string) (*chain.ArtifactSet, error) {
	p.setStep(ctx, jobID, domain.StepCompile, domain.StepRunning, "", "")

	detail := "loaded prebuilt artifacts"
	if p.cfg.CompileCommand != "" {
		parts := strings.Fields(p.cfg.CompileCommand)
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("compile command: %w: %s", err, strings.TrimSpace(string(out)))
		}
		detail = "rebuilt artifacts"
	}

	artifacts, err := chain.LoadArtifactSet(p.cfg.ArtifactsDir)
	if err != nil {
		return nil, err
	}

	p.setStep(ctx, jobID, domain.StepCompile, domain.StepSuccess, detail, "")
	return artifacts, nil
}

// stepDeploy deploys the four contracts in order, reporting each as its
// transaction confirms. Any deploy step still running at the end is
// finalized to success.
func (p *Provisioner) stepDeploy(ctx context.Context, jobID string, job domain.ProvisioningJob, artifacts *chain.ArtifactSet) (domain.ContractAddresses, string, error) {
	if p.chain == nil || p.wallet == nil {
		return domain.ContractAddresses{}, domain.StepDeployOracle, domain.ErrNoWallet
	}

	var contracts domain.ContractAddresses

	settle, err := chain.ParseAddress(p.cfg.SettlementToken)
	if err != nil {
		return contracts, domain.StepDeployOracle, fmt.Errorf("settlement token: %w", err)
	}

	// Oracle first; everything else references it.
	p.setStep(ctx, jobID, domain.StepDeployOracle, domain.StepRunning, "", "")
	oracleAddr, tx, err := p.chain.Deploy(ctx, p.wallet, artifacts.Oracle)
	if err != nil {
		return contracts, domain.StepDeployOracle, err
	}
	contracts.Oracle = oracleAddr.Hex()
	p.setStep(ctx, jobID, domain.StepDeployOracle, domain.StepSuccess, oracleAddr.Hex(), tx.TxHash)

	p.setStep(ctx, jobID, domain.StepDeployToken, domain.StepRunning, "", "")
	tokenAddr, tx, err := p.chain.Deploy(ctx, p.wallet, artifacts.Token, job.AssetName, job.AssetSymbol)
	if err != nil {
		return contracts, domain.StepDeployToken, err
	}
	contracts.Token = tokenAddr.Hex()
	p.setStep(ctx, jobID, domain.StepDeployToken, domain.StepSuccess, tokenAddr.Hex(), tx.TxHash)

	p.setStep(ctx, jobID, domain.StepDeployVault, domain.StepRunning, "", "")
	vaultAddr, tx, err := p.chain.Deploy(ctx, p.wallet, artifacts.Vault,
		tokenAddr, oracleAddr, settle, big.NewInt(p.cfg.CollateralRatioBps))
	if err != nil {
		return contracts, domain.StepDeployVault, err
	}
	contracts.Vault = vaultAddr.Hex()
	p.setStep(ctx, jobID, domain.StepDeployVault, domain.StepSuccess, vaultAddr.Hex(), tx.TxHash)

	p.setStep(ctx, jobID, domain.StepDeployPool, domain.StepRunning, "", "")
	poolAddr, tx, err := p.chain.Deploy(ctx, p.wallet, artifacts.Pool,
		tokenAddr, settle, big.NewInt(int64(p.cfg.FeeBps)))
	if err != nil {
		return contracts, domain.StepDeployPool, err
	}
	contracts.Pool = poolAddr.Hex()
	p.setStep(ctx, jobID, domain.StepDeployPool, domain.StepSuccess, poolAddr.Hex(), tx.TxHash)

	// Finalize any deploy step a racing observer might still see running.
	for _, name := range []string{domain.StepDeployOracle, domain.StepDeployToken, domain.StepDeployVault, domain.StepDeployPool} {
		p.setStep(ctx, jobID, name, domain.StepSuccess, "", "")
	}

	return contracts, "", nil
}

// stepOraclePrime writes the market's first price. No usable source and
// resolver exhaustion are both "skipped"; only an on-chain write failure
// aborts the job.
func (p *Provisioner) stepOraclePrime(ctx context.Context, jobID string, market domain.Market) error {
	if len(market.Research) == 0 {
		p.setStep(ctx, jobID, domain.StepOraclePrime, domain.StepSkipped, "no price sources", "")
		return nil
	}

	p.setStep(ctx, jobID, domain.StepOraclePrime, domain.StepRunning, "", "")

	resolved, tx, err := p.oracle.Refresh(ctx, market, false)
	switch {
	case err == nil:
		txRef := ""
		if tx != nil {
			txRef = tx.TxHash
		}
		p.setStep(ctx, jobID, domain.StepOraclePrime, domain.StepSuccess,
			fmt.Sprintf("primed at %.6f via %s", resolved.Price, resolved.Source), txRef)
		return nil
	case isSkippable(err):
		p.setStep(ctx, jobID, domain.StepOraclePrime, domain.StepSkipped, err.Error(), "")
		return nil
	default:
		return err
	}
}

// isSkippable classifies oracle-priming errors that degrade the step to
// skipped instead of failing the job: resolver exhaustion is retryable by
// the sweep, and a missing wallet is a missing optional capability.
func isSkippable(err error) bool {
	var resolveErr *domain.ResolveError
	if errors.As(err, &resolveErr) {
		return true
	}
	return errors.Is(err, domain.ErrNoWallet)
}

// stepPoolSeed reports whether the pool can be seeded: non-blocking, pure
// status.
func (p *Provisioner) stepPoolSeed(ctx context.Context, jobID string, market domain.Market) {
	switch {
	case market.Contracts.Pool == "":
		p.setStep(ctx, jobID, domain.StepPoolSeed, domain.StepSkipped, "no pool deployed", "")
	case p.wallet == nil:
		p.setStep(ctx, jobID, domain.StepPoolSeed, domain.StepSkipped, "no funded wallet", "")
	default:
		p.setStep(ctx, jobID, domain.StepPoolSeed, domain.StepSuccess, "ready", "")
	}
}

// stepAgentSpawn starts one market maker and one arbitrageur. Spawn failure
// is skipped, never fatal.
func (p *Provisioner) stepAgentSpawn(ctx context.Context, jobID string, market domain.Market) {
	if p.spawner == nil || p.wallet == nil {
		p.setStep(ctx, jobID, domain.StepAgentSpawn, domain.StepSkipped, "no funded wallet", "")
		return
	}

	p.setStep(ctx, jobID, domain.StepAgentSpawn, domain.StepRunning, "", "")

	var spawned []string
	for _, role := range []domain.AgentRole{domain.RoleMarketMaker, domain.RoleArbitrageur} {
		agent, err := p.spawner.Spawn(ctx, market, role, p.cfg.AgentBudgetUSD)
		if err != nil {
			p.logger.Warn("agent spawn failed",
				slog.String("job", jobID),
				slog.String("role", string(role)),
				slog.String("error", err.Error()))
			continue
		}
		spawned = append(spawned, fmt.Sprintf("%s=%s", role, agent.ID))
	}

	if len(spawned) == 0 {
		p.setStep(ctx, jobID, domain.StepAgentSpawn, domain.StepSkipped, "no agent could be spawned", "")
		return
	}
	p.setStep(ctx, jobID, domain.StepAgentSpawn, domain.StepSuccess, strings.Join(spawned, ", "), "")
}

// stepFaucetMint tops up the operator wallet with test settlement tokens.
// Best effort: every failure is skipped.
func (p *Provisioner) stepFaucetMint(ctx context.Context, jobID string) {
	if p.cfg.FaucetMintUSD <= 0 || p.chain == nil || p.wallet == nil {
		p.setStep(ctx, jobID, domain.StepFaucetMint, domain.StepSkipped, "faucet disabled", "")
		return
	}

	settle, err := chain.ParseAddress(p.cfg.SettlementToken)
	if err != nil {
		p.setStep(ctx, jobID, domain.StepFaucetMint, domain.StepSkipped, err.Error(), "")
		return
	}

	p.setStep(ctx, jobID, domain.StepFaucetMint, domain.StepRunning, "", "")

	amount := chain.ToBaseUnits(p.cfg.FaucetMintUSD, chain.TokenDecimals)
	tx, err := p.chain.FaucetMint(ctx, p.wallet, settle, p.wallet.Address(), amount)
	if err != nil {
		p.setStep(ctx, jobID, domain.StepFaucetMint, domain.StepSkipped, err.Error(), "")
		return
	}

	p.setStep(ctx, jobID, domain.StepFaucetMint, domain.StepSuccess,
		fmt.Sprintf("minted %.2f", p.cfg.FaucetMintUSD), tx.TxHash)
}

// stepFinalize persists the Market record and marks the job succeeded. The
// Market exists only from this point on.
func (p *Provisioner) stepFinalize(ctx context.Context, jobID string, market domain.Market) {
	p.setStep(ctx, jobID, domain.StepFinalize, domain.StepRunning, "", "")

	if err := p.markets.Upsert(ctx, market); err != nil {
		p.failJob(ctx, jobID, domain.StepFinalize, fmt.Errorf("persisting market: %w", err))
		return
	}

	p.setStep(ctx, jobID, domain.StepFinalize, domain.StepSuccess, market.ID, "")

	updated, err := p.jobs.Update(ctx, jobID, func(j *domain.ProvisioningJob) {
		j.Status = domain.JobSucceeded
		j.MarketID = market.ID
		if j.Payment != nil {
			j.Payment.Failed = false
			j.Payment.FailError = ""
		}
	})
	if err != nil {
		p.logger.Error("finalize update failed",
			slog.String("job", jobID),
			slog.String("error", err.Error()))
		return
	}

	p.logger.Info("job succeeded",
		slog.String("job", jobID),
		slog.String("market", market.ID))

	p.bus.PublishJob(jobID, domain.Event{
		Type:  domain.EventJobDone,
		JobID: jobID,
		Job:   &updated,
		At:    time.Now(),
	})
}
