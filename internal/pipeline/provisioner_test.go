package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abhaydee/atlas/internal/bus"
	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/crypto"
	"github.com/abhaydee/atlas/internal/domain"
	"github.com/abhaydee/atlas/internal/governor"
	"github.com/abhaydee/atlas/internal/platform/facilitator"
	"github.com/abhaydee/atlas/internal/platform/pyth"
	"github.com/abhaydee/atlas/internal/service"
	"github.com/abhaydee/atlas/internal/store/memory"
)

const testPrivKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

type fakeSettler struct {
	mu           sync.Mutex
	result       facilitator.SettleResult
	err          error
	verifyResult *facilitator.SettleResult // nil means mirror result
	verifyErr    error
	settled      int
	verified     int
}

func (f *fakeSettler) Verify(ctx context.Context, payment *crypto.SignedPayment, payee string) (facilitator.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified++
	if f.verifyErr != nil {
		return facilitator.SettleResult{}, f.verifyErr
	}
	if f.verifyResult != nil {
		return *f.verifyResult, nil
	}
	return facilitator.SettleResult{Success: true}, nil
}

func (f *fakeSettler) Settle(ctx context.Context, payment *crypto.SignedPayment, payee string) (facilitator.SettleResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled++
	return f.result, f.err
}

type fakeOracle struct {
	resolved domain.ResolvedPrice
	tx       *chain.TxResult
	err      error
}

func (f *fakeOracle) Refresh(ctx context.Context, m domain.Market, dryRun bool) (domain.ResolvedPrice, *chain.TxResult, error) {
	return f.resolved, f.tx, f.err
}

type fakeSpawner struct {
	mu      sync.Mutex
	err     error
	spawned []domain.AgentRole
}

func (f *fakeSpawner) Spawn(ctx context.Context, m domain.Market, role domain.AgentRole, budgetUSD float64) (domain.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Agent{}, f.err
	}
	f.spawned = append(f.spawned, role)
	return domain.Agent{ID: "agent-" + string(role), Role: role, MarketID: m.ID}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeNotifier) Notify(ctx context.Context, event, title, message string) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeFeeds struct{}

func (fakeFeeds) SearchFeeds(ctx context.Context, query string) ([]pyth.Feed, error) {
	return nil, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (a *memAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, domain.AuditEntry{
		ID:        int64(len(a.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
	return nil
}

func (a *memAudit) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEntry(nil), a.entries...), nil
}

func (a *memAudit) eventNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i := range a.entries {
		out[i] = a.entries[i].Event
	}
	return out
}

type fixture struct {
	provisioner *Provisioner
	jobs        *memory.JobStore
	markets     *memory.MarketStore
	bus         *bus.Bus
	gov         *governor.Governor
	settler     *fakeSettler
	spawner     *fakeSpawner
	notifier    *fakeNotifier
	audit       *memAudit
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		jobs:     memory.NewJobStore(),
		markets:  memory.NewMarketStore(),
		bus:      bus.New(logger),
		settler:  &fakeSettler{result: facilitator.SettleResult{Success: true, TxRef: "0xsettle"}},
		spawner:  &fakeSpawner{},
		notifier: &fakeNotifier{},
		audit:    &memAudit{},
	}
	f.gov = governor.New(governor.Config{
		PerRequestCapUSD: 5,
		DailyCapUSD:      100,
		RateWindow:       time.Hour,
		RateMax:          100,
	}, logger)

	var signer *crypto.Signer
	if cfg.PaymentEnabled {
		var err error
		signer, err = crypto.NewSigner(testPrivKey, 31337, "0x"+strings.Repeat("aa", 20))
		if err != nil {
			t.Fatalf("NewSigner: %v", err)
		}
	}

	research := service.NewResearchService(fakeFeeds{}, logger)
	f.provisioner = NewProvisioner(cfg, f.gov, signer, f.settler, research,
		&fakeOracle{resolved: domain.ResolvedPrice{Price: 10, Source: "fixed:test"}},
		nil, nil, f.spawner, f.jobs, f.markets, f.audit, f.bus, f.notifier, logger)
	return f
}

// waitDone drains a feed subscribed before the job ran and returns the job
// carried by the terminal event.
func waitDone(t *testing.T, sub domain.Subscription) domain.ProvisioningJob {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("feed closed without a terminal event")
			}
			if ev.Type == domain.EventJobDone {
				if ev.Job == nil {
					t.Fatal("terminal event without job snapshot")
				}
				return *ev.Job
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

// pollDone waits for the stored job to reach a terminal status. Used when
// the job runs in the background and a subscription could race its start.
func pollDone(t *testing.T, jobs domain.JobStore, jobID string) domain.ProvisioningJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := jobs.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return domain.ProvisioningJob{}
}

func TestProvisionRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ProvisionRequest
		wantErr bool
	}{
		{name: "valid", req: ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "ACME"}},
		{name: "missing name", req: ProvisionRequest{AssetSymbol: "ACME"}, wantErr: true},
		{name: "missing symbol", req: ProvisionRequest{AssetName: "Acme Corp"}, wantErr: true},
		{name: "blank fields", req: ProvisionRequest{AssetName: "  ", AssetSymbol: "\t"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestStartRegistersJobWithAllStepsPending(t *testing.T) {
	f := newFixture(t, Config{ArtifactsDir: t.TempDir()})

	job, err := f.provisioner.Start(context.Background(), ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "acme"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if job.Status != domain.JobRunning {
		t.Errorf("status = %q, want running", job.Status)
	}
	if job.AssetSymbol != "ACME" {
		t.Errorf("symbol = %q, want upper-cased ACME", job.AssetSymbol)
	}
	if len(job.Steps) != len(stepOrder) {
		t.Fatalf("steps = %d, want %d", len(job.Steps), len(stepOrder))
	}
	for i, s := range job.Steps {
		if s.Name != stepOrder[i] {
			t.Errorf("step %d = %q, want %q", i, s.Name, stepOrder[i])
		}
		if s.Status != domain.StepPending {
			t.Errorf("step %q status = %q, want pending", s.Name, s.Status)
		}
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.provisioner.Start(context.Background(), ProvisionRequest{}); err == nil {
		t.Error("Start accepted an empty request")
	}
	jobs, _ := f.jobs.List(context.Background(), domain.ListOpts{})
	if len(jobs) != 0 {
		t.Errorf("invalid request still registered %d jobs", len(jobs))
	}
}

func TestJobFailsAtCompileWithPaymentsDisabled(t *testing.T) {
	// ArtifactsDir is empty, so compile is the first step that can fail.
	f := newFixture(t, Config{ArtifactsDir: t.TempDir()})

	job, err := f.provisioner.Start(context.Background(), ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "ACME"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := pollDone(t, f.jobs, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.Payment != nil {
		t.Error("payment record present although payments are disabled")
	}

	wantStatus := map[string]domain.StepStatus{
		domain.StepPayment:  domain.StepSkipped,
		domain.StepResearch: domain.StepSuccess,
		domain.StepCompile:  domain.StepFailed,
	}
	for name, want := range wantStatus {
		i := final.StepIndex(name)
		if got := final.Steps[i].Status; got != want {
			t.Errorf("step %q = %q, want %q", name, got, want)
		}
	}
	// Everything after the failing step stays pending.
	for _, name := range stepOrder[3:] {
		i := final.StepIndex(name)
		if got := final.Steps[i].Status; got != domain.StepPending {
			t.Errorf("step %q = %q, want pending after abort", name, got)
		}
	}

	if got := f.notifier.got(); len(got) != 1 || got[0] != "job_failed" {
		t.Errorf("notifications = %v, want [job_failed]", got)
	}
}

func TestSettledPaymentFlaggedWhenJobFails(t *testing.T) {
	f := newFixture(t, Config{
		PaymentEnabled:   true,
		PaymentAmountUSD: 2.5,
		Payee:            "0x" + strings.Repeat("bb", 20),
		ArtifactsDir:     t.TempDir(), // compile fails after the payment settles
	})

	job, err := f.provisioner.Start(context.Background(), ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "ACME"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := pollDone(t, f.jobs, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}

	// The settlement is never rolled back; it is flagged for reconciliation.
	if final.Payment == nil {
		t.Fatal("payment record missing")
	}
	if !final.Payment.Failed {
		t.Error("Payment.Failed = false on a failed paid job")
	}
	if final.Payment.FailError == "" {
		t.Error("Payment.FailError empty")
	}
	if final.Payment.TxRef != "0xsettle" {
		t.Errorf("TxRef = %q, want 0xsettle", final.Payment.TxRef)
	}

	// The payment step itself stays success; failure belongs to compile.
	if got := final.Steps[final.StepIndex(domain.StepPayment)].Status; got != domain.StepSuccess {
		t.Errorf("payment step = %q, want success", got)
	}

	if got := f.gov.RollingSpend(); got != 2.5 {
		t.Errorf("RollingSpend() = %v, want 2.5", got)
	}
	if got := f.audit.eventNames(); len(got) != 2 || got[0] != "spend_settled" || got[1] != "payment_reconciliation" {
		t.Errorf("audit trail = %v, want [spend_settled payment_reconciliation]", got)
	}
}

func TestGovernorRejectionAbortsBeforeSigning(t *testing.T) {
	f := newFixture(t, Config{
		PaymentEnabled:   true,
		PaymentAmountUSD: 50, // above the fixture's 5 USD per-request cap
		Payee:            "0x" + strings.Repeat("bb", 20),
		ArtifactsDir:     t.TempDir(),
	})

	job, err := f.provisioner.Start(context.Background(), ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "ACME"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := pollDone(t, f.jobs, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if got := final.Steps[final.StepIndex(domain.StepPayment)].Status; got != domain.StepFailed {
		t.Errorf("payment step = %q, want failed", got)
	}
	if !strings.Contains(final.Error, domain.GovPerRequestCap) {
		t.Errorf("job error = %q, want governor per-request code", final.Error)
	}

	f.settler.mu.Lock()
	settled := f.settler.settled
	f.settler.mu.Unlock()
	if settled != 0 {
		t.Errorf("facilitator called %d times after rejection", settled)
	}
	if got := f.gov.RollingSpend(); got != 0 {
		t.Errorf("RollingSpend() = %v after rejection, want 0", got)
	}
	if final.Payment != nil {
		t.Error("payment record present after rejection")
	}
}

func TestFacilitatorRejectionFailsJob(t *testing.T) {
	f := newFixture(t, Config{
		PaymentEnabled:   true,
		PaymentAmountUSD: 2,
		Payee:            "0x" + strings.Repeat("bb", 20),
		ArtifactsDir:     t.TempDir(),
	})
	f.settler.result = facilitator.SettleResult{Success: false, ErrorReason: "insufficient allowance"}

	job, err := f.provisioner.Start(context.Background(), ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "ACME"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := pollDone(t, f.jobs, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "insufficient allowance") {
		t.Errorf("job error = %q, want facilitator reason", final.Error)
	}
	// A rejected settlement never reaches the ledger.
	if got := f.gov.RollingSpend(); got != 0 {
		t.Errorf("RollingSpend() = %v, want 0", got)
	}
}

func TestVerifyDeclineAbortsBeforeSettle(t *testing.T) {
	f := newFixture(t, Config{
		PaymentEnabled:   true,
		PaymentAmountUSD: 2,
		Payee:            "0x" + strings.Repeat("bb", 20),
		ArtifactsDir:     t.TempDir(),
	})
	f.settler.verifyResult = &facilitator.SettleResult{Success: false, ErrorReason: "bad signature"}

	job, err := f.provisioner.Start(context.Background(), ProvisionRequest{AssetName: "Acme Corp", AssetSymbol: "ACME"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := pollDone(t, f.jobs, job.ID)
	if final.Status != domain.JobFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if !strings.Contains(final.Error, "bad signature") {
		t.Errorf("job error = %q, want preflight reason", final.Error)
	}

	f.settler.mu.Lock()
	defer f.settler.mu.Unlock()
	if f.settler.verified != 1 {
		t.Errorf("Verify calls = %d, want 1", f.settler.verified)
	}
	// The decline happens before settlement; no money moved, nothing in
	// the ledger.
	if f.settler.settled != 0 {
		t.Errorf("Settle calls = %d, want 0", f.settler.settled)
	}
	if got := f.gov.RollingSpend(); got != 0 {
		t.Errorf("RollingSpend() = %v, want 0", got)
	}
}

func TestSetStepTerminalStatusesAreSticky(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	job := newStoredJob(t, f)

	f.provisioner.setStep(ctx, job.ID, domain.StepPoolSeed, domain.StepSuccess, "done", "")
	f.provisioner.setStep(ctx, job.ID, domain.StepPoolSeed, domain.StepRunning, "late writer", "")

	got, _ := f.jobs.Get(ctx, job.ID)
	step := got.Steps[got.StepIndex(domain.StepPoolSeed)]
	if step.Status != domain.StepSuccess {
		t.Errorf("step = %q after downgrade attempt, want success", step.Status)
	}
	if step.Detail != "done" {
		t.Errorf("detail = %q, want untouched", step.Detail)
	}
}

// newStoredJob registers a running job without launching the background
// walk, so step methods can be exercised in isolation.
func newStoredJob(t *testing.T, f *fixture) domain.ProvisioningJob {
	t.Helper()
	now := time.Now()
	job := domain.ProvisioningJob{
		ID:          uuid.NewString(),
		AssetName:   "Acme Corp",
		AssetSymbol: "ACME",
		Status:      domain.JobRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, name := range stepOrder {
		job.Steps = append(job.Steps, domain.Step{Name: name, Status: domain.StepPending})
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return job
}

func stepStatus(t *testing.T, f *fixture, jobID, name string) domain.Step {
	t.Helper()
	job, err := f.jobs.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return job.Steps[job.StepIndex(name)]
}

func TestOraclePrimeSkipSemantics(t *testing.T) {
	market := domain.Market{
		ID:       "mkt-1",
		Research: []domain.PriceSource{{Kind: domain.SourceFixedFeed, FeedID: "feed-a"}},
	}

	t.Run("resolver exhaustion is skipped", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provisioner.oracle = &fakeOracle{err: &domain.ResolveError{Asset: "Acme Corp", Attempts: 2}}
		job := newStoredJob(t, f)

		if err := f.provisioner.stepOraclePrime(context.Background(), job.ID, market); err != nil {
			t.Fatalf("stepOraclePrime: %v", err)
		}
		if got := stepStatus(t, f, job.ID, domain.StepOraclePrime); got.Status != domain.StepSkipped {
			t.Errorf("step = %q, want skipped", got.Status)
		}
	})

	t.Run("missing wallet is skipped", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provisioner.oracle = &fakeOracle{err: fmt.Errorf("refresh: %w", domain.ErrNoWallet)}
		job := newStoredJob(t, f)

		if err := f.provisioner.stepOraclePrime(context.Background(), job.ID, market); err != nil {
			t.Fatalf("stepOraclePrime: %v", err)
		}
		if got := stepStatus(t, f, job.ID, domain.StepOraclePrime); got.Status != domain.StepSkipped {
			t.Errorf("step = %q, want skipped", got.Status)
		}
	})

	t.Run("no sources is skipped", func(t *testing.T) {
		f := newFixture(t, Config{})
		job := newStoredJob(t, f)

		bare := market
		bare.Research = nil
		if err := f.provisioner.stepOraclePrime(context.Background(), job.ID, bare); err != nil {
			t.Fatalf("stepOraclePrime: %v", err)
		}
		if got := stepStatus(t, f, job.ID, domain.StepOraclePrime); got.Status != domain.StepSkipped {
			t.Errorf("step = %q, want skipped", got.Status)
		}
	})

	t.Run("write failure aborts", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provisioner.oracle = &fakeOracle{err: errors.New("tx reverted")}
		job := newStoredJob(t, f)

		if err := f.provisioner.stepOraclePrime(context.Background(), job.ID, market); err == nil {
			t.Error("stepOraclePrime = nil, want write error")
		}
	})

	t.Run("success records tx ref", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.provisioner.oracle = &fakeOracle{
			resolved: domain.ResolvedPrice{Price: 12.5, Source: "fixed:feed-a"},
			tx:       &chain.TxResult{TxHash: "0xprime"},
		}
		job := newStoredJob(t, f)

		if err := f.provisioner.stepOraclePrime(context.Background(), job.ID, market); err != nil {
			t.Fatalf("stepOraclePrime: %v", err)
		}
		got := stepStatus(t, f, job.ID, domain.StepOraclePrime)
		if got.Status != domain.StepSuccess {
			t.Errorf("step = %q, want success", got.Status)
		}
		if got.TxRef != "0xprime" {
			t.Errorf("tx ref = %q, want 0xprime", got.TxRef)
		}
	})
}

func TestAgentSpawnDegradesToSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	f.spawner.err = domain.ErrNoWallet
	job := newStoredJob(t, f)

	// Spawner present but wallet nil: the step must not fail the job.
	f.provisioner.stepAgentSpawn(context.Background(), job.ID, domain.Market{ID: "mkt-1"})
	if got := stepStatus(t, f, job.ID, domain.StepAgentSpawn); got.Status != domain.StepSkipped {
		t.Errorf("step = %q, want skipped", got.Status)
	}
}

func TestFinalizePersistsMarketAndClosesJob(t *testing.T) {
	f := newFixture(t, Config{})
	job := newStoredJob(t, f)
	sub := f.bus.SubscribeJob(job.ID)
	defer sub.Cancel()

	market := domain.Market{ID: "mkt-1", AssetName: "Acme Corp", AssetSymbol: "ACME"}
	f.provisioner.stepFinalize(context.Background(), job.ID, market)

	final := waitDone(t, sub)
	if final.Status != domain.JobSucceeded {
		t.Errorf("status = %q, want succeeded", final.Status)
	}
	if final.MarketID != "mkt-1" {
		t.Errorf("MarketID = %q, want mkt-1", final.MarketID)
	}

	stored, err := f.markets.Get(context.Background(), "mkt-1")
	if err != nil {
		t.Fatalf("market not persisted: %v", err)
	}
	if stored.AssetSymbol != "ACME" {
		t.Errorf("AssetSymbol = %q", stored.AssetSymbol)
	}
}

func TestIsSkippable(t *testing.T) {
	if !isSkippable(&domain.ResolveError{Asset: "x", Attempts: 1}) {
		t.Error("ResolveError not skippable")
	}
	if !isSkippable(fmt.Errorf("wrapped: %w", domain.ErrNoWallet)) {
		t.Error("wrapped ErrNoWallet not skippable")
	}
	if isSkippable(errors.New("tx reverted")) {
		t.Error("arbitrary error skippable")
	}
}
