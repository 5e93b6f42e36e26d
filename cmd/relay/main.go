// Command relay serves the duplex audio relay between browser clients and
// Gemini Live.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/haidevelopment/service-proxy-ai/internal/dotenv"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/auth"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/config"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/handlers"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/live/sessions"
	"github.com/haidevelopment/service-proxy-ai/pkg/gateway/prompts"
	gatewayserver "github.com/haidevelopment/service-proxy-ai/pkg/gateway/server"
)

type relayDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	openDatabase func(ctx context.Context, url string) (*pgxpool.Pool, error)
	openRedis    func(url string) (redis.UniversalClient, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig:   config.LoadFromEnv,
		newGateway:   gatewayserver.New,
		openDatabase: pgxpool.New,
		openRedis: func(url string) (redis.UniversalClient, error) {
			opts, err := redis.ParseURL(url)
			if err != nil {
				return nil, err
			}
			return redis.NewClient(opts), nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts)).With("instance", cfg.InstanceName)
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// backing holds the optional external services opened for one run.
type backing struct {
	deps     gatewayserver.Deps
	presence *sessions.RedisPresence
	closers  []func()
}

func (b *backing) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBacking(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) (*backing, error) {
	b := &backing{deps: gatewayserver.Deps{Checks: map[string]handlers.ReadyCheck{}}}

	catalog := prompts.Default()
	if cfg.PromptsFile != "" {
		loaded, err := prompts.LoadFile(cfg.PromptsFile)
		if err != nil {
			return nil, fmt.Errorf("load prompts: %w", err)
		}
		catalog = loaded
		if err := prompts.Watch(ctx, catalog, cfg.PromptsFile, logger); err != nil {
			logger.Warn("prompt hot reload disabled", "path", cfg.PromptsFile, "error", err)
		}
	}
	b.deps.Prompts = catalog

	if cfg.DatabaseURL != "" {
		pool, err := deps.openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open database: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
		if err := auth.Migrate(ctx, pool); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate settings: %w", err)
		}
		b.deps.Settings = auth.NewPostgresSettings(pool)
		b.deps.Checks["postgres"] = pool.Ping
	}

	if cfg.RedisURL != "" {
		client, err := deps.openRedis(cfg.RedisURL)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.presence = sessions.NewRedisPresence(client,
			sessions.WithInstance(cfg.InstanceName),
			sessions.WithPresenceTTL(cfg.PresenceTTL),
			sessions.WithPresenceLogger(logger),
		)
		b.deps.Fleet = b.presence
		b.deps.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}
	return b, nil
}

func runRelay(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) error {
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	b, err := openBacking(runCtx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer b.close()

	gw := deps.newGateway(cfg, logger, b.deps)
	if b.presence != nil {
		gw.Sessions().SetRemover(b.presence)
		presenceDone := make(chan struct{})
		go func() {
			defer close(presenceDone)
			b.presence.Run(runCtx, gw.Sessions(), cfg.PresenceInterval)
		}()
		defer func() {
			cancelRun()
			<-presenceDone
		}()
	}

	httpSrv := buildHTTPServer(cfg, gw.Handler())
	logger.Info("starting relay", "addr", cfg.Addr, "auth_mode", cfg.AuthMode, "model", cfg.GeminiModel)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Refuse new sessions, tell live clients, then give them the grace
	// period to finish before cutting them off.
	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining live sessions", "sessions", warned, "grace", cfg.ShutdownGracePeriod)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		canceled := gw.CancelLiveSessions()
		logger.Warn("grace period elapsed, canceled live sessions", "sessions", canceled)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.Load(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}
	if deps.loadConfig == nil {
		fmt.Fprintln(stderr, "relay: missing loadConfig dependency")
		return 1
	}
	cfg, err := deps.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "relay: load config: %v\n", err)
		return 1
	}

	if err := runRelay(ctx, cfg, newLogger(cfg, stderr), deps); err != nil {
		fmt.Fprintf(stderr, "relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultRelayDeps()))
}
