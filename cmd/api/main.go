package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"keyline.org/internal/actions"
	"keyline.org/internal/bootstrap"
	"keyline.org/internal/codes"
	"keyline.org/internal/config"
	"keyline.org/internal/delivery"
	"keyline.org/internal/httpapi"
	"keyline.org/internal/login"
	"keyline.org/internal/obs"
	"keyline.org/internal/storage"
	"keyline.org/internal/store/kv"
	"keyline.org/internal/store/pg"
	"keyline.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log := obs.Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Backend).Msg("open storage")
	}
	defer store.Close()

	keys, err := signingKeys(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load signing keys")
	}

	sender := delivery.NewLogSender(log.With().Str("component", "delivery").Logger())
	issuer := codes.New(store)
	pipeline := actions.New(store,
		actions.WithBudget(cfg.PipelineBudget),
		actions.WithStepTimeout(cfg.StepTimeout),
		actions.WithEmailSender(sender),
		actions.WithLogger(log.With().Str("component", "actions").Logger()),
	)
	tokens := token.NewService(store, issuer, keys, token.WithRefreshTTL(cfg.RefreshTTL))
	logins := login.New(store, issuer, pipeline, tokens,
		login.WithSessionTTL(cfg.SessionTTL),
		login.WithEmailSender(sender),
	)

	if cfg.Bootstrap {
		res, err := bootstrap.Run(ctx, store, bootstrap.Options{
			TenantID:           cfg.DefaultTenant,
			Issuer:             cfg.Issuer,
			ManagementAudience: cfg.ManagementAudience,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("bootstrap")
		}
		ev := log.Info().
			Str("tenant_id", cfg.DefaultTenant).
			Bool("tenant_created", res.TenantCreated).
			Str("admin_client_id", res.ClientID)
		if res.ClientSecret != "" {
			// shown once; only the hash is stored
			ev = ev.Str("admin_client_secret", res.ClientSecret)
		}
		ev.Msg("bootstrap_complete")
	}

	api := httpapi.New(store, logins, tokens, cfg, version)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(httpapi.ReadyProbe{Backend: store}).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPCAddr).Msg("grpc listen")
	}

	errs := make(chan error, 2)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("http_listen")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.GRPCAddr).Msg("grpc_listen")
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting_down")
	case err := <-errs:
		log.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(done)
	}()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	log.Info().Msg("stopped")
}

func openStore(ctx context.Context, cfg config.Config) (storage.Adapter, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		db := s.DB()
		db.SetMaxOpenConns(cfg.PGMaxConns)
		db.SetMaxIdleConns(cfg.PGMaxConns)
		db.SetConnMaxLifetime(30 * time.Minute)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.Ping(pingCtx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s, err := kv.Open(dialCtx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB, kv.WithPrefix(cfg.RedisPrefix))
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

func signingKeys(cfg config.Config) (*token.StaticKeys, error) {
	if cfg.SigningKeyPEM != "" {
		return token.StaticKeysFromPEM(cfg.SigningKeyPEM, cfg.SigningKeyID)
	}
	obs.Logger().Warn().Msg("KEYLINE_SIGNING_KEY_PEM not set; generating an ephemeral key")
	return token.GenerateStaticKeys(2048)
}
