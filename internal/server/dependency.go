package server

import (
	"context"
	"fmt"
	"log/slog"

	"previewd/internal/config"
	"previewd/internal/eventbus"
	"previewd/internal/machine"
	"previewd/internal/monitor/audit"
	"previewd/internal/session/repo"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施
type Dependency struct {
	Redis      *redis.Client
	PG         *pg.DB
	Docker     *client.Client
	NATS       *nats.Conn
	AsynqRedis asynq.RedisClientOpt

	MachineAPI machine.API
	Audit      audit.Store
	Bus        eventbus.EventBus
	Notifier   eventbus.Notifier
	Logger     *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	d := &Dependency{Logger: logger}
	if err := d.init(ctx, cfg, logger); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dependency) init(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	d.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	d.PG = pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := d.PG.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}

	// 迁移数据库 schema
	if err := repo.NewRepository(d.PG, nil, logger).EnsureSchema(ctx); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	d.AsynqRedis = asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	if err := d.initProvider(ctx, cfg.Provider, logger); err != nil {
		return err
	}
	if err := d.initAudit(ctx, cfg.Audit); err != nil {
		return err
	}
	if err := d.initRealtime(cfg.Realtime, logger); err != nil {
		return err
	}
	return nil
}

func (d *Dependency) initProvider(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) error {
	switch cfg.Backend {
	case "docker":
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		d.Docker = cli
		if _, err := cli.Ping(ctx); err != nil {
			return fmt.Errorf("docker ping: %w", err)
		}
		d.MachineAPI = machine.NewDockerBackend(cli, machine.DockerConfig{Network: cfg.DockerNetwork}, logger)
	default:
		d.MachineAPI = machine.NewFlyClient(machine.FlyConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			App:     cfg.App,
			Timeout: cfg.RequestTimeout,
		}, logger)
	}
	return nil
}

func (d *Dependency) initAudit(ctx context.Context, cfg config.AuditConfig) error {
	switch cfg.Backend {
	case "postgres":
		store := audit.NewPGStore(d.PG)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		d.Audit = store
	case "badger":
		store, err := audit.OpenBadgerStore(cfg.BadgerDir)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		d.Audit = store
	default:
		d.Audit = audit.Nop{}
	}
	return nil
}

func (d *Dependency) initRealtime(cfg config.RealtimeConfig, logger *slog.Logger) error {
	switch cfg.Backend {
	case "nats":
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("previewd"))
		if err != nil {
			return fmt.Errorf("nats connect (%s): %w", cfg.NATSURL, err)
		}
		d.NATS = conn
		bus := eventbus.NewNATSBus(conn, logger)
		d.Bus, d.Notifier = bus, bus
	case "redis":
		bus := eventbus.NewRedisBus(d.Redis, logger)
		d.Bus, d.Notifier = bus, bus
	default:
		d.Notifier = eventbus.Nop{}
	}
	return nil
}

func (d *Dependency) Close() {
	if d.Audit != nil {
		if err := d.Audit.Close(); err != nil {
			d.Logger.Error("Failed to close audit store", "error", err)
		}
	}
	if d.NATS != nil {
		d.NATS.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
