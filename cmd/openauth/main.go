package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/openauthhq/openauth/pkg/api"
	"github.com/openauthhq/openauth/pkg/config"
	"github.com/openauthhq/openauth/pkg/ledger"
	"github.com/openauthhq/openauth/pkg/notify"
	"github.com/openauthhq/openauth/pkg/observability"
	"github.com/openauthhq/openauth/pkg/sso"
	"github.com/openauthhq/openauth/pkg/store"
	"github.com/openauthhq/openauth/pkg/token"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "Run database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	if err := store.RunMigrations(ctx, db); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	logger.Info("database migrations applied")
	if migrateOnly {
		return nil
	}

	redisClient, err := openRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	st := store.New(db)
	led := ledger.New(redisClient)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	engine, err := token.NewEngine(token.Config{
		Secret:         []byte(cfg.Token.Secret),
		PreviousSecret: previousSecret(cfg),
		Issuer:         cfg.Token.Issuer,
		Audience:       cfg.Token.Audience,
		AccessTTL:      cfg.Token.AccessTTL,
		RefreshTTL:     cfg.Token.RefreshTTL,
	}, led)
	if err != nil {
		return fmt.Errorf("token engine: %w", err)
	}

	factory, err := sso.NewFactory(cfg.SSO.BaseURL, 128)
	if err != nil {
		return fmt.Errorf("sso factory: %w", err)
	}
	flow := sso.NewFlow(sso.FlowConfig{
		Directory:  st,
		States:     led,
		Tokens:     engine,
		Factory:    factory,
		Logger:     logger,
		Metrics:    metrics,
		StateTTL:   cfg.SSO.StateTTL,
		SessionTTL: cfg.Token.RefreshTTL,
	})

	mailer, err := buildMailer(cfg, logger)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}

	server := api.NewServer(api.Deps{
		Config:   cfg,
		Store:    st,
		Ledger:   led,
		Engine:   engine,
		Flow:     flow,
		Notifier: notify.New(mailer, logger),
		Logger:   logger,
		Metrics:  metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Host + ":" + cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func openPostgres(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.Database.MaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.Timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	opts.MaxRetries = cfg.Redis.MaxRetries
	opts.PoolSize = cfg.Redis.PoolSize

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func buildMailer(cfg *config.Config, logger *observability.Logger) (notify.Mailer, error) {
	if !cfg.Email.Enabled || cfg.Email.SMTPAddr == "" {
		return notify.NewLogMailer(logger), nil
	}
	host, portStr, err := net.SplitHostPort(cfg.Email.SMTPAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP address %q: %w", cfg.Email.SMTPAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP port %q: %w", portStr, err)
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     host,
		Port:     port,
		Username: cfg.Email.SMTPUsername,
		Password: cfg.Email.SMTPPassword,
		From:     cfg.Email.From,
	}), nil
}

func previousSecret(cfg *config.Config) []byte {
	if cfg.Token.PreviousSecret == "" {
		return nil
	}
	return []byte(cfg.Token.PreviousSecret)
}
