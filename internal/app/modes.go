package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abhaydee/atlas/internal/agent"
	"github.com/abhaydee/atlas/internal/chain"
	"github.com/abhaydee/atlas/internal/crypto"
	"github.com/abhaydee/atlas/internal/governor"
	"github.com/abhaydee/atlas/internal/pipeline"
	"github.com/abhaydee/atlas/internal/platform/facilitator"
	"github.com/abhaydee/atlas/internal/platform/pyth"
	"github.com/abhaydee/atlas/internal/resolver"
	"github.com/abhaydee/atlas/internal/server"
	"github.com/abhaydee/atlas/internal/server/handler"
	"github.com/abhaydee/atlas/internal/server/ws"
	"github.com/abhaydee/atlas/internal/service"
)

// core bundles the domain services built on top of the wired infrastructure.
type core struct {
	gov         *governor.Governor
	chainClient *chain.Client // nil when the RPC endpoint is unreachable in read-only mode
	wallet      *chain.Wallet // nil when no key is configured
	feeds       *pyth.Client
	oracleSvc   *service.OracleService
	manager     *agent.Manager
	provisioner *pipeline.Provisioner
}

// buildCore constructs the domain services. A missing wallet key degrades the
// platform to read-only: no payments, no deployments, no agents. A configured
// wallet with an unreachable chain is a hard error.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	cfg := a.cfg

	gov := governor.New(governor.Config{
		PerRequestCapUSD: cfg.Governor.PerRequestCapUSD,
		DailyCapUSD:      cfg.Governor.DailyCapUSD,
		RateWindow:       cfg.Governor.RateWindow.Duration,
		RateMax:          cfg.Governor.RateMax,
	}, a.logger)

	// Wallet key. Optional; both sources empty means read-only mode.
	var privKeyHex string
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load wallet key: %w", err)
		}
		privKeyHex = key
	}

	// Chain client.
	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, int64(cfg.Chain.ChainID))
	if err != nil {
		if privKeyHex != "" {
			return nil, fmt.Errorf("app: chain dial: %w", err)
		}
		a.logger.WarnContext(ctx, "chain unreachable, continuing read-only",
			slog.String("rpc_url", cfg.Chain.RPCURL),
			slog.String("error", err.Error()),
		)
		chainClient = nil
	}

	var wallet *chain.Wallet
	if privKeyHex != "" {
		wallet, err = chain.NewWallet(privKeyHex)
		if err != nil {
			return nil, fmt.Errorf("app: wallet: %w", err)
		}
	}

	// Payment signer and facilitator client, only when payment is enabled.
	var signer *crypto.Signer
	var settler pipeline.Settler
	if cfg.Facilitator.PaymentEnabled {
		if privKeyHex == "" {
			return nil, fmt.Errorf("app: facilitator payment enabled but no wallet key configured")
		}
		signer, err = crypto.NewSigner(privKeyHex, cfg.Chain.ChainID, cfg.Facilitator.TokenAddress)
		if err != nil {
			return nil, fmt.Errorf("app: payment signer: %w", err)
		}
		settler = facilitator.NewClient(cfg.Facilitator.BaseURL, &crypto.HMACAuth{
			Key:    cfg.Facilitator.ApiKey,
			Secret: cfg.Facilitator.ApiSecret,
		})
	}

	// Price resolution stack.
	pythClient := pyth.NewClient(cfg.Pyth.HermesURL, cfg.Pyth.BenchmarkURL)
	if deps.RateLimiter != nil {
		pythClient.SetRateLimiter(deps.RateLimiter, cfg.Pyth.RateLimit, cfg.Pyth.RateWindow.Duration)
	}
	res := resolver.New(pythClient, deps.PriceCache, cfg.Oracle.CacheTTL.Duration, a.logger)
	research := service.NewResearchService(pythClient, a.logger)

	oracleSvc := service.NewOracleService(service.OracleConfig{
		Freshness:       cfg.Oracle.Freshness.Duration,
		SweepInterval:   cfg.Oracle.SweepInterval.Duration,
		SettlementToken: cfg.Chain.SettlementToken,
	}, chainClient, wallet, res, deps.Markets, deps.Bus, a.logger)

	manager := agent.NewManager(ctx, agent.ManagerConfig{
		MarketMaker: agent.MarketMakerConfig{
			Interval:          cfg.Agents.MarketMaker.Interval.Duration,
			LiquidityFloorUSD: cfg.Agents.MarketMaker.LiquidityFloorUSD,
			MaxDepositUSD:     cfg.Agents.MarketMaker.MaxDepositUSD,
		},
		Arbitrageur: agent.ArbitrageurConfig{
			Interval:           cfg.Agents.Arbitrageur.Interval.Duration,
			DeviationThreshold: cfg.Agents.Arbitrageur.DeviationThreshold,
			MaxTradeUSD:        cfg.Agents.Arbitrageur.MaxTradeUSD,
			SlippageTolerance:  cfg.Agents.Arbitrageur.SlippageTolerance,
		},
		SettlementToken: cfg.Chain.SettlementToken,
		FailureBound:    cfg.Agents.FailureBound,
	}, chainClient, wallet, deps.Agents, deps.Bus, deps.Notifier, a.logger)

	provisioner := pipeline.NewProvisioner(pipeline.Config{
		PaymentEnabled:     cfg.Facilitator.PaymentEnabled,
		PaymentAmountUSD:   cfg.Facilitator.PaymentAmountUSD,
		Payee:              cfg.Facilitator.Payee,
		CompileCommand:     cfg.Chain.CompileCommand,
		ArtifactsDir:       cfg.Chain.ArtifactsDir,
		SettlementToken:    cfg.Chain.SettlementToken,
		CollateralRatioBps: cfg.Chain.CollateralRatioBps,
		FeeBps:             cfg.Chain.FeeBps,
		AgentBudgetUSD:     cfg.Pipeline.AgentBudgetUSD,
		FaucetMintUSD:      cfg.Chain.FaucetMintUSD,
	}, gov, signer, settler, research, oracleSvc, chainClient, wallet, manager,
		deps.Jobs, deps.Markets, deps.Audit, deps.Bus, deps.Notifier, a.logger)

	return &core{
		gov:         gov,
		chainClient: chainClient,
		wallet:      wallet,
		feeds:       pythClient,
		oracleSvc:   oracleSvc,
		manager:     manager,
		provisioner: provisioner,
	}, nil
}

// FullMode runs everything: the API server, the oracle sweep, and the
// archive loop when S3 is wired. Trading agents are spawned per market by
// the provisioning pipeline.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if c.chainClient != nil {
		g.Go(func() error {
			return c.oracleSvc.Run(ctx)
		})
	} else {
		a.logger.WarnContext(ctx, "oracle sweep disabled: no chain client")
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	// Stop all agent loops before reporting shutdown complete.
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.manager.StopAll(stopCtx)
		return nil
	})

	return g.Wait()
}

// ServerMode runs only the API server. No oracle sweep, no archiving;
// provisioning jobs still run when requested.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.manager.StopAll(stopCtx)
		return nil
	})

	return g.Wait()
}

// SweepMode runs only the oracle refresh sweep. Useful as a sidecar keeping
// oracles fresh for markets provisioned elsewhere.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	if c.chainClient == nil {
		return fmt.Errorf("app: sweep mode requires a reachable chain endpoint")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.oracleSvc.Run(ctx)
	})
	if deps.Archiver != nil {
		g.Go(func() error {
			return a.runArchiveLoop(ctx, deps)
		})
	}
	return g.Wait()
}

// runArchiveLoop periodically ships terminal jobs and old agent activity to
// object storage.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.S3.ArchiveInterval.Duration
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	age := a.cfg.S3.ArchiveAfter.Duration
	if age <= 0 {
		age = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			before := time.Now().UTC().Add(-age)
			if n, err := deps.Archiver.ArchiveJobs(ctx, before); err != nil {
				a.logger.ErrorContext(ctx, "archive jobs failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived jobs", slog.Int64("count", n))
			}
			if n, err := deps.Archiver.ArchiveActivity(ctx, before); err != nil {
				a.logger.ErrorContext(ctx, "archive activity failed", slog.String("error", err.Error()))
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived activity", slog.Int64("count", n))
			}
		}
	}
}

// startHTTPServer adds the API server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	hub := ws.NewHub(deps.Bus, a.logger)
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	startedAt := time.Now().UTC()
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Status:  handler.NewStatusHandler(deps.Markets, deps.Agents, c.gov, startedAt, a.logger),
		Jobs:    handler.NewJobHandler(c.provisioner, deps.Jobs, a.logger),
		Markets: handler.NewMarketHandler(deps.Markets, a.logger),
		Agents:  handler.NewAgentHandler(deps.Agents, c.manager, a.logger),
		Spend:   handler.NewSpendHandler(c.gov, a.logger),
		Audit:   handler.NewAuditHandler(deps.Audit, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
