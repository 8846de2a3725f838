package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbarrientos2/VEIL/internal/cache/redis"
	"github.com/sbarrientos2/VEIL/internal/config"
	"github.com/sbarrientos2/VEIL/internal/crypto"
	"github.com/sbarrientos2/VEIL/internal/domain"
	"github.com/sbarrientos2/VEIL/internal/envelope"
	"github.com/sbarrientos2/VEIL/internal/events"
	"github.com/sbarrientos2/VEIL/internal/market"
	"github.com/sbarrientos2/VEIL/internal/mpc"
	"github.com/sbarrientos2/VEIL/internal/orchestrator"
	"github.com/sbarrientos2/VEIL/internal/pipeline"
	"github.com/sbarrientos2/VEIL/internal/server"
	"github.com/sbarrientos2/VEIL/internal/server/handler"
	"github.com/sbarrientos2/VEIL/internal/server/ws"
)

// DevMode runs the whole system in one process: in-memory stores and an
// in-process cluster. State is lost on exit.
func (a *App) DevMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting dev mode")

	signer, mxe, err := a.clusterIdentity(ctx)
	if err != nil {
		return err
	}
	opener, err := envelope.NewOpener(mxe)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	verifier, err := crypto.NewVerifier(signer.Address().Hex())
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	deps := wireMemory(a.cfg, a.logger)
	g, ctx := errgroup.WithContext(ctx)

	cluster := mpc.NewLocalCluster(mpc.NewExecutor(opener), signer, a.logger)
	publisher := events.NewPublisher(deps.Bus, events.DefaultChannel, deps.Audit, deps.Notifier, a.logger)
	orc := orchestrator.New(cluster, verifier, deps.Locks, deps.Computations, publisher, domain.SystemClock{}, a.orchestratorConfig(), a.logger)
	cluster.SetHandler(orc)
	g.Go(func() error { return cluster.Run(ctx) })
	g.Go(func() error { return orc.Run(ctx) })

	svc := market.NewService(deps.Accounts, orc, nil, publisher, domain.SystemClock{}, a.marketConfig(), a.logger)
	a.startHTTPServer(ctx, g, deps, svc, orc, opener.PublicKey(), signer.Address().Hex())

	return g.Wait()
}

// NodeMode serves the API on shared Postgres and Redis state and talks to a
// remote cluster over the request and result streams. Several nodes may run
// against the same backends.
func (a *App) NodeMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting node mode")

	var clusterKey domain.PublicKey
	if err := clusterKey.UnmarshalText([]byte(a.cfg.Cluster.MXEPublicKey)); err != nil {
		return fmt.Errorf("app: cluster.mxe_public_key: %w", err)
	}
	verifier, err := crypto.NewVerifier(a.cfg.Cluster.Address)
	if err != nil {
		return fmt.Errorf("app: cluster.address: %w", err)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.addCloser(cleanup)

	g, ctx := errgroup.WithContext(ctx)

	publisher := events.NewPublisher(deps.Bus, events.DefaultChannel, deps.Audit, deps.Notifier, a.logger)
	client := mpc.NewBusClient(deps.Bus, a.cfg.Cluster.RequestStream)
	orc := orchestrator.New(client, verifier, deps.Locks, deps.Computations, publisher, domain.SystemClock{}, a.orchestratorConfig(), a.logger)
	svc := market.NewService(deps.Accounts, orc, deps.Cache, publisher, domain.SystemClock{}, a.marketConfig(), a.logger)

	// Jobs this node queued before a restart have no in-memory waiter
	// left; expire them so their guards free up.
	if n, err := orc.Recover(ctx); err != nil {
		a.logger.WarnContext(ctx, "recover pending computations", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "recovered pending computations", slog.Int("count", n))
	}

	pump := mpc.NewResultPump(deps.Bus, orc, a.streamConfig(), a.logger)
	g.Go(func() error { return pump.Run(ctx) })
	g.Go(func() error { return orc.Run(ctx) })

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, domain.SystemClock{}, a.logger)
		g.Go(func() error { return archiver.RunEvery(ctx, a.cfg.Archive.Interval.Duration) })
	}

	a.startHTTPServer(ctx, g, deps, svc, orc, clusterKey, verifier.Expected().Hex())

	return g.Wait()
}

// ClusterMode runs the computation worker: it holds the cluster secrets,
// executes requests from the stream and appends signed results.
func (a *App) ClusterMode(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting cluster mode")

	signer, mxe, err := a.clusterIdentity(ctx)
	if err != nil {
		return err
	}
	opener, err := envelope.NewOpener(mxe)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}

	redisClient, err := newRedis(ctx, a.cfg.Redis)
	if err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.addCloser(func() { _ = redisClient.Close() })

	worker := mpc.NewWorker(
		redis.NewSignalBus(redisClient, 0),
		mpc.NewExecutor(opener),
		signer,
		a.streamConfig(),
		domain.SystemClock{},
		a.logger,
	)
	a.logger.InfoContext(ctx, "cluster identity",
		slog.String("signer", signer.Address().Hex()),
		slog.String("mxe_public_key", fmt.Sprintf("%x", opener.PublicKey())),
	)
	return worker.Run(ctx)
}

// clusterIdentity loads the cluster keys from config. In dev mode, when none
// are configured, it generates throwaway keys.
func (a *App) clusterIdentity(ctx context.Context) (*crypto.Signer, envelope.KeyPair, error) {
	cc := a.cfg.Cluster
	configured := (cc.SigningKey != "" && cc.MXEKey != "") || cc.EncryptedKeyPath != ""
	if !configured && a.cfg.Mode == "dev" {
		signer, err := crypto.GenerateSigner()
		if err != nil {
			return nil, envelope.KeyPair{}, fmt.Errorf("app: %w", err)
		}
		mxe, err := envelope.GenerateKeyPair()
		if err != nil {
			return nil, envelope.KeyPair{}, fmt.Errorf("app: %w", err)
		}
		a.logger.WarnContext(ctx, "no cluster keys configured, using ephemeral keys",
			slog.String("signer", signer.Address().Hex()))
		return signer, mxe, nil
	}

	keys, err := crypto.LoadClusterKeys(crypto.KeySource{
		SigningKey:       cc.SigningKey,
		MXEKey:           cc.MXEKey,
		EncryptedKeyPath: cc.EncryptedKeyPath,
		KeyPassword:      cc.KeyPassword,
	})
	if err != nil {
		return nil, envelope.KeyPair{}, fmt.Errorf("app: load cluster keys: %w", err)
	}
	signer, err := crypto.NewSigner(keys.SigningKey)
	if err != nil {
		return nil, envelope.KeyPair{}, fmt.Errorf("app: %w", err)
	}
	secret, err := keys.MXESecret()
	if err != nil {
		return nil, envelope.KeyPair{}, fmt.Errorf("app: %w", err)
	}
	mxe, err := envelope.KeyPairFromSecret(secret)
	if err != nil {
		return nil, envelope.KeyPair{}, fmt.Errorf("app: %w", err)
	}
	return signer, mxe, nil
}

func (a *App) orchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Timeout:      a.cfg.Cluster.Timeout.Duration,
		ReapInterval: a.cfg.Cluster.ReapInterval.Duration,
	}
}

func (a *App) streamConfig() mpc.StreamConfig {
	return mpc.StreamConfig{
		RequestStream: a.cfg.Cluster.RequestStream,
		ResultStream:  a.cfg.Cluster.ResultStream,
		PollInterval:  a.cfg.Cluster.PollInterval.Duration,
	}
}

func (a *App) marketConfig() market.Config {
	return marketConfig(a.cfg.Market)
}

func marketConfig(mc config.MarketConfig) market.Config {
	return market.Config{
		MinBet:            mc.MinBet,
		MaxBet:            mc.MaxBet,
		MaxQuestionLen:    mc.MaxQuestionLen,
		MaxFeeBps:         uint16(mc.MaxFeeBps),
		MinResolutionLead: mc.MinResolutionLead.Duration,
	}
}

// startHTTPServer registers the API, the WebSocket hub and the shutdown
// hook on g. It does nothing when the server is disabled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svc *market.Service,
	orc *orchestrator.Orchestrator,
	clusterKey domain.PublicKey,
	clusterAddress string,
) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "HTTP server disabled")
		return
	}

	hub := ws.NewHub(deps.Bus, ws.Config{
		Channel:        events.DefaultChannel,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(deps.Health, a.logger),
		Status:       handler.NewStatusHandler(a.cfg.Mode, clusterKey, clusterAddress),
		Markets:      handler.NewMarketHandler(svc, a.logger),
		Computations: handler.NewComputationHandler(orc, a.logger),
	}
	if deps.Archiver != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.Archiver, a.logger)
	}

	srv := server.NewServer(server.Config{
		Addr:        a.cfg.Server.Addr(),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.Limiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.String("addr", a.cfg.Server.Addr()),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
