package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erauner12/rowsync/internal/apply"
	"github.com/erauner12/rowsync/internal/auth"
	"github.com/erauner12/rowsync/internal/batch"
	"github.com/erauner12/rowsync/internal/config"
	"github.com/erauner12/rowsync/internal/conflict"
	"github.com/erauner12/rowsync/internal/db"
	"github.com/erauner12/rowsync/internal/httpapi"
	"github.com/erauner12/rowsync/internal/scope"
	"github.com/erauner12/rowsync/internal/scope/pgreg"
	"github.com/erauner12/rowsync/internal/session"
	"github.com/erauner12/rowsync/internal/store/pgstore"
	"github.com/erauner12/rowsync/internal/syncx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

var (
	configPath  = flag.String("config", "", "Path to configuration file (YAML)")
	showVersion = flag.Bool("version", false, "Show version information")
	devMode     = flag.Bool("dev", false, "Enable development mode (accepts X-Debug-Replica header)")
	logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
	issueToken  = flag.String("issue-token", "", "Print a token for the given replica id and exit")
	tokenTTL    = flag.Duration("token-ttl", 0, "Lifetime of an issued token (0 = no expiry)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("syncd version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		tok, err := auth.IssueToken(cfg.Server.JWTSecret, *issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	setupLogging(cfg)

	log.Info().
		Str("version", version).
		Str("addr", cfg.Server.HTTPAddr).
		Bool("devMode", cfg.Server.DevMode).
		Msg("Starting sync server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("sync server failed")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// loadConfig loads the configuration and applies CLI overrides before validation
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}
	if *devMode {
		cfg.Server.DevMode = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *issueToken != "" {
		// issuing a token only needs the secret
		return cfg, nil
	}
	if err := cfg.ValidateServer(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Str("service", "syncd").Logger()

	// Pretty logging for local dev
	if cfg.Server.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// loadScopes reads the scope files the server provisions at startup
func loadScopes(paths []string) ([]*syncx.ScopeDefinition, error) {
	defs := make([]*syncx.ScopeDefinition, 0, len(paths))
	for _, p := range paths {
		def, err := syncx.LoadScopeFile(p)
		if err != nil {
			return nil, fmt.Errorf("scope file %s: %w", p, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx = log.Logger.WithContext(ctx)

	policies, err := cfg.Sync.Policies()
	if err != nil {
		return err
	}
	scopes, err := loadScopes(cfg.Server.Scopes)
	if err != nil {
		return err
	}

	pool, err := db.Open(ctx, cfg.Server.DatabaseURL, db.PoolOptions{MaxConns: cfg.Server.MaxConns})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	reg, err := pgreg.New(ctx, pool)
	if err != nil {
		return err
	}
	var tables []pgstore.TableDef
	for _, def := range scopes {
		if _, err := scope.Ensure(ctx, reg, def, syncx.ServerSide); err != nil {
			return fmt.Errorf("provision scope %s: %w", def.Name, err)
		}
		tables = append(tables, pgstore.TablesFrom(*def)...)
		log.Info().Str("scope", def.Name).Int("tables", len(def.Tables)).Msg("scope provisioned")
	}
	st, err := pgstore.New(ctx, pool, cfg.Server.ReplicaID, tables...)
	if err != nil {
		return err
	}

	batches, err := batch.NewStore(cfg.Sync.BatchDir)
	if err != nil {
		return err
	}

	sessions := session.NewServer(session.ServerOptions{
		Store:            st,
		Registry:         reg,
		Batches:          batches,
		Limits:           policies.Limits,
		Conflicts:        conflict.Resolver{Default: policies.Conflict},
		Errors:           apply.Classifier{Default: policies.Errors},
		TxScope:          policies.TxScope,
		RelaxConstraints: cfg.Sync.RelaxConstraints,
		SessionTTL:       cfg.Server.SessionTTL,
	})

	api := &httpapi.Server{
		Sessions: sessions,
		RateLimitConfig: httpapi.RateLimitInfo{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		},
		Hints: httpapi.SyncHints{
			PartMaxRows:  cfg.Sync.PartMaxRows,
			PartMaxBytes: cfg.Sync.PartMaxBytes,
		},
	}
	jwtCfg := auth.JWTCfg{HS256Secret: cfg.Server.JWTSecret, DevMode: cfg.Server.DevMode}

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      api.Routes(jwtCfg),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		sweep(gctx, sessions, st, cfg.Server.SweepInterval, cfg.Server.PruneAfter)
		return nil
	})
	return g.Wait()
}

// sweep ends abandoned sessions and prunes old tombstones until ctx ends
func sweep(ctx context.Context, sessions *session.Server, st *pgstore.Store, every time.Duration, pruneAfter int64) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n := sessions.Sweep(ctx); n > 0 {
			log.Info().Int("expired", n).Int("active", sessions.Active()).Msg("expired sessions swept")
		}
		if pruneAfter <= 0 {
			continue
		}
		ts, err := st.LocalTimestamp(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read clock for pruning")
			continue
		}
		if horizon := ts - pruneAfter; horizon > 0 {
			if _, err := sessions.Prune(ctx, horizon); err != nil {
				log.Warn().Err(err).Msg("failed to prune tracking")
			}
		}
	}
}
