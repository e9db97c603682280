package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/fuselabs/crossfill/internal/crypto"
	"github.com/fuselabs/crossfill/internal/domain"
	"github.com/fuselabs/crossfill/internal/engine"
	"github.com/fuselabs/crossfill/internal/escrow"
	"github.com/fuselabs/crossfill/internal/pipeline"
	"github.com/fuselabs/crossfill/internal/server"
	"github.com/fuselabs/crossfill/internal/server/handler"
	"github.com/fuselabs/crossfill/internal/server/ws"
)

// core bundles the settlement services shared by every serving mode: the fill
// engine, the escrow state machine, the leg factory, and the partial-fill
// validator.
type core struct {
	engine    *engine.Engine
	escrows   *escrow.Service
	factory   *escrow.Factory
	validator *escrow.MerkleValidator
	owner     common.Address
	identity  common.Address
}

// buildCore constructs the fill engine and escrow services on top of the
// wired stores. When a wallet key is configured the signer's address becomes
// the trusted engine identity; otherwise the configured owner address is used.
func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	hasher := crypto.NewOrderHasher(a.cfg.Chain.Name, a.cfg.Chain.Version, a.cfg.Chain.ChainID)

	var identity common.Address
	if a.cfg.Wallet.PrivateKey != "" || a.cfg.Wallet.EncryptedKeyPath != "" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    a.cfg.Wallet.PrivateKey,
			EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      a.cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(keyHex, hasher)
		if err != nil {
			return nil, fmt.Errorf("app: wallet signer: %w", err)
		}
		identity = signer.Address()
	}

	owner := identity
	if a.cfg.Engine.Owner != "" {
		owner = common.HexToAddress(a.cfg.Engine.Owner)
	}
	if identity == (common.Address{}) {
		identity = owner
	}

	clock := domain.SystemClock{}
	nativeAsset := common.HexToAddress(a.cfg.Escrow.NativeAsset)

	resolvers := make([]common.Address, 0, len(a.cfg.Escrow.Resolvers))
	for _, r := range a.cfg.Escrow.Resolvers {
		if !common.IsHexAddress(r) {
			return nil, fmt.Errorf("app: escrow resolver %q is not a valid address", r)
		}
		resolvers = append(resolvers, common.HexToAddress(r))
	}
	access := escrow.NewAllowList(resolvers)

	validator := escrow.NewMerkleValidator(deps.Validations, a.logger)
	if deps.ValidationCache != nil {
		validator.WithCache(deps.ValidationCache)
	}

	escrowSvc := escrow.NewService(escrow.ServiceConfig{
		NativeAsset: nativeAsset,
		RescueDelay: uint64(a.cfg.Escrow.RescueDelay.Duration.Seconds()),
	}, deps.Escrows, deps.Ledger, clock, access, deps.SignalBus, a.logger)
	if deps.EscrowCache != nil {
		escrowSvc.WithCache(deps.EscrowCache)
	}

	factory := escrow.NewFactory(escrow.FactoryConfig{
		Engine:      identity,
		NativeAsset: nativeAsset,
	}, deps.Escrows, deps.Ledger, clock, validator, deps.SignalBus, a.logger)

	eng := engine.New(engine.Config{Owner: owner}, hasher, crypto.NewVerifier(),
		deps.Invalidations, deps.Receipts, deps.Ledger, clock, deps.SignalBus, a.logger)
	eng.SetHooks(nil, escrow.PostInteractionAdapter{Factory: factory, Engine: identity})

	if a.cfg.Engine.PauseOnStart {
		if err := eng.Pause(owner); err != nil {
			return nil, fmt.Errorf("app: pause on start: %w", err)
		}
		a.logger.WarnContext(ctx, "engine started paused; unpause via the admin API")
	}

	return &core{
		engine:    eng,
		escrows:   escrowSvc,
		factory:   factory,
		validator: validator,
		owner:     owner,
		identity:  identity,
	}, nil
}

// EngineMode runs the settlement core behind the HTTP and WebSocket API. It
// is the standard single-purpose deployment: fills, invalidation, escrows,
// and merkle validation, with no background archival.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting engine mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)
	return g.Wait()
}

// ServerMode serves the read-heavy API without a wallet: escrow queries,
// receipts, remaining amounts, and merkle validation. Fill submission still
// works when the store-backed state permits; no archival runs.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)
	return g.Wait()
}

// ArchiveMode runs only the cold-storage worker on its cron schedule. It
// requires Postgres and S3 but no wallet and no HTTP surface.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.String("cron", a.cfg.Archive.Cron),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)

	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires S3 blob storage")
	}

	arch := pipeline.NewArchiver(deps.Archiver, deps.Receipts, deps.Escrows,
		a.cfg.Archive.RetentionDays, a.logger).WithLock(deps.LockManager)
	return arch.RunCron(ctx, a.cfg.Archive.Cron)
}

// MigrateMode applies pending database migrations and exits. The migrations
// themselves run during dependency wiring; this mode exists so deployments
// can run them as a standalone step.
func (a *App) MigrateMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "migrations applied")
	return nil
}

// FullMode runs everything: the settlement core, the HTTP and WebSocket API,
// and, when enabled, the archival worker.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, c)

	if a.cfg.Archive.Enabled {
		if deps.Archiver == nil {
			return fmt.Errorf("app: archive enabled but S3 blob storage is not wired")
		}
		arch := pipeline.NewArchiver(deps.Archiver, deps.Receipts, deps.Escrows,
			a.cfg.Archive.RetentionDays, a.logger).WithLock(deps.LockManager)
		g.Go(func() error {
			return arch.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	return g.Wait()
}

// startHTTPServer builds the handler set, the WebSocket hub, and the HTTP
// server, and registers their goroutines on the group. The server shuts down
// gracefully when the group context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled by configuration")
		return
	}

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(a.logger),
		Admin:   handler.NewAdminHandler(c.engine, c.owner, a.cfg.Mode, a.logger),
		Fills:   handler.NewFillHandler(c.engine, deps.Receipts, a.logger),
		Orders:  handler.NewOrderHandler(c.engine, a.logger),
		Escrows: handler.NewEscrowHandler(c.escrows, a.logger).WithFactory(c.factory, c.identity),
		Merkle:  handler.NewMerkleHandler(c.validator, a.logger),
	}
	if deps.Archiver != nil && deps.BlobReader != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, deps.BlobReader, retention, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, deps.RateLimiter, hub, a.logger)

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
