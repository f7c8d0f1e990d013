// Package runtime boots relayd: configuration, logging, storage, the
// application services and the HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/multierr"

	app "github.com/Carbon-Twelve-C12/quantera-sub007/internal/app"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/auth"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/domain/relay"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/httpapi"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/dispatch"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/optimizer"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/services/retention"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/storage/postgres"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/config"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/middleware"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/platform/migrations"
	"github.com/Carbon-Twelve-C12/quantera-sub007/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg         *config.Config
	log         *logger.Logger
	app         *app.Application
	httpServer  *http.Server
	db          *sql.DB
	redis       *redis.Client
	stopCleanup chan struct{}
}

// NewApplication constructs the runtime from cfg.
func NewApplication(ctx context.Context, cfg *config.Config) (*Application, error) {
	log := logger.New(cfg.Logging)

	a := &Application{cfg: cfg, log: log, stopCleanup: make(chan struct{})}

	store, err := a.buildStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("configure store: %w", err)
	}

	params, err := OptimizerParams(cfg.Optimizer)
	if err != nil {
		a.closeResources()
		return nil, err
	}

	opts := app.DefaultOptions()
	opts.Optimizer = params
	opts.MaxBatchSize = cfg.Lifecycle.MaxBatchSize
	opts.MaxDecodedBytes = cfg.Compression.MaxDecodedBytes
	opts.EventBufferSize = cfg.Server.EventBufferSize
	opts.Retention = retention.Config{
		Schedule:       cfg.Retention.Schedule,
		ConfirmedAfter: cfg.Retention.ConfirmedAfter,
		BatchSize:      cfg.Retention.BatchSize,
	}

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client, err := dispatch.NewRedisClient(ctx, addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.redis = client
		opts.Dispatcher = dispatch.NewStreamDispatcher(client, dispatch.StreamConfig{
			Prefix: cfg.Redis.StreamPrefix,
			MaxLen: cfg.Redis.StreamMaxLen,
		}, log)
		log.WithField("addr", addr).Info("dispatching pending messages to redis streams")
	}

	application, err := app.New(store, opts, log)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.app = application

	handler, err := a.buildHandler()
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return a, nil
}

// App exposes the composed services.
func (a *Application) App() *app.Application {
	return a.app
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *Application) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts the services and the HTTP server and blocks until the context
// is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.httpServer.Addr).Info("HTTP server listening")
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the services and the
// connections, reporting every failure.
func (a *Application) Shutdown(ctx context.Context) error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var err error
	if shutdownErr := a.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		err = multierr.Append(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
	}
	if stopErr := a.app.Stop(shutdownCtx); stopErr != nil {
		err = multierr.Append(err, stopErr)
	}
	a.closeResources()
	return err
}

func (a *Application) closeResources() {
	select {
	case <-a.stopCleanup:
	default:
		close(a.stopCleanup)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis client")
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
		a.db = nil
	}
}

func (a *Application) buildStore(ctx context.Context) (storage.RelayStore, error) {
	if !strings.EqualFold(a.cfg.Database.Driver, "postgres") {
		a.log.Warn("using in-memory store; state is lost on restart")
		return nil, nil
	}
	db, err := OpenDatabase(ctx, a.cfg.Database)
	if err != nil {
		return nil, err
	}
	if a.cfg.Database.MigrateOnStart {
		if err := migrations.Up(db); err != nil {
			db.Close()
			return nil, err
		}
		a.log.Info("database migrations applied")
	}
	a.db = db
	return postgres.New(db), nil
}

func (a *Application) buildHandler() (http.Handler, error) {
	authCfg := a.cfg.Auth
	allow := auth.NewAllowlist(authCfg.Admins, authCfg.Relayers, authCfg.Operators)

	var authMW *middleware.AuthMiddleware
	if path := strings.TrimSpace(authCfg.JWTPublicKeyPath); path != "" {
		key, err := middleware.LoadPublicKey(path)
		if err != nil {
			return nil, err
		}
		authMW = middleware.NewAuthMiddleware(key, allow, a.log, []string{"/healthz", "/metrics"})
	} else {
		a.log.Warn("auth.jwt_public_key_path not set; every caller is anonymous and mutations are refused")
	}

	var limiter *middleware.RateLimiter
	if a.cfg.Server.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(a.cfg.Server.RateLimitRPS, a.cfg.Server.RateLimitBurst, a.log)
		limiter.StartCleanup(10*time.Minute, a.stopCleanup)
	}

	return httpapi.NewHandler(a.app, a.log, httpapi.Options{
		Auth:           authMW,
		RateLimiter:    limiter,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		AuditLogPath:   a.cfg.Server.AuditLogPath,
	})
}

// OpenDatabase opens and pings a database handle with the configured pool
// settings.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// OptimizerParams converts the configured cost model. Families missing from
// the configuration keep their default multipliers.
func OptimizerParams(cfg config.OptimizerConfig) (optimizer.Params, error) {
	p := optimizer.DefaultParams()
	p.SideChannelThreshold = cfg.SideChannelThreshold
	p.EfficiencyBps = cfg.EfficiencyBps
	p.InlineBaseFee = cfg.InlineBaseFee
	p.InlineFeePerByte = cfg.InlineFeePerByte
	p.SideChannelBaseFee = cfg.SideChannelBaseFee
	p.SideChannelFeePerByte = cfg.SideChannelFeePerByte
	p.GasPriceWei = cfg.GasPriceWei
	p.FastConfirmationSeconds = cfg.FastConfirmationSeconds
	p.MaxSpeedBps = cfg.MaxSpeedBps

	for name, bps := range cfg.FamilyMultiplierBps {
		family := relay.Family(strings.ToLower(strings.TrimSpace(name)))
		if !family.Valid() {
			return optimizer.Params{}, fmt.Errorf("optimizer.family_multiplier_bps: unknown family %q", name)
		}
		if bps <= 0 {
			return optimizer.Params{}, fmt.Errorf("optimizer.family_multiplier_bps.%s must be positive", name)
		}
		p.FamilyMultiplierBps[family] = uint64(bps)
	}
	if err := p.Validate(); err != nil {
		return optimizer.Params{}, fmt.Errorf("optimizer params: %w", err)
	}
	return p, nil
}
