package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/ilokitv/awgbot/internal/envcheck"
	"github.com/ilokitv/awgbot/internal/isp"
	"github.com/ilokitv/awgbot/internal/lifecycle"
	"github.com/ilokitv/awgbot/internal/notify"
	"github.com/ilokitv/awgbot/internal/registry"
	"github.com/ilokitv/awgbot/internal/scheduler"
	"github.com/ilokitv/awgbot/internal/service"
	"github.com/ilokitv/awgbot/internal/storage"
	"github.com/ilokitv/awgbot/internal/transport"
	"github.com/ilokitv/awgbot/internal/vpn"
)

// app собранные компоненты процесса
type app struct {
	store     storage.Store
	router    *transport.Router
	registry  *registry.Registry
	validator *envcheck.Validator
	sched     *scheduler.Expirations
	manager   *lifecycle.Manager
	isp       *isp.Cache
	svc       *service.Service
	redis     *redis.Client
}

func openStore(ctx context.Context) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		// Создаем подключение к базе данных
		db, err := storage.NewPostgres(&cfg.Storage.Database)
		if err != nil {
			return nil, err
		}
		// Инициализируем таблицы базы данных
		if err := db.InitTables(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return storage.NewJSON(cfg.DataDir)
	}
}

// newApp собирает компоненты. withNotifier включает уведомления в Telegram.
func newApp(ctx context.Context, withNotifier bool) (*app, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	a := &app{store: store}

	profiles := filepath.Join(cfg.DataDir, "profiles")
	a.router = transport.NewRouter(
		transport.NewLocal(cfg.Transport.CommandTimeout),
		transport.NewSSHRunner(transport.SSHConfig{
			DialTimeout:    cfg.Transport.DialTimeout,
			CommandTimeout: cfg.Transport.CommandTimeout,
			KnownHosts:     cfg.Transport.KnownHosts,
		}, logger),
	)

	a.registry, err = registry.New(ctx, store, profiles, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.validator = envcheck.New(a.router, logger)

	var backend isp.Backend
	switch cfg.ISP.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.ISP.Redis.Addr,
			Password: cfg.ISP.Redis.Password,
			DB:       cfg.ISP.Redis.DB,
		})
		backend = isp.NewRedisBackend(a.redis, cfg.ISP.Redis.Key)
	default:
		backend = isp.NewFileBackend(filepath.Join(cfg.DataDir, "isp_cache.json"))
	}
	a.isp = isp.NewCache(backend, isp.NewIPAPIClient(cfg.ISP.LookupURL), cfg.ISP.TTL, logger)
	a.isp.Load(ctx)

	var notifier notify.Notifier = notify.Nop{}
	if withNotifier && cfg.Bot.Token != "" {
		tg, err := notify.NewTelegram(cfg.Bot.Token, cfg.Bot.AdminIDs)
		if err != nil {
			logger.Warn("Уведомления в Telegram отключены", "error", err)
		} else {
			notifier = tg
		}
	}

	a.sched = scheduler.NewExpirations(logger)
	a.manager = lifecycle.New(lifecycle.Deps{
		Store:       store,
		Backend:     vpn.NewAmneziaManager(a.router, profiles, logger),
		Servers:     a.registry,
		Scheduler:   a.sched,
		Notifier:    notifier,
		ProfilesDir: profiles,
		Logger:      logger,
	})
	a.sched.SetHandler(a.manager.Expire)

	a.svc = service.New(a.registry, a.validator, a.manager, a.isp, a.router, logger)
	return a, nil
}

// Close освобождает соединения и останавливает таймеры
func (a *app) Close() {
	if a.sched != nil {
		a.sched.Stop()
	}
	if a.router != nil {
		if err := a.router.Close(); err != nil {
			logger.Warn("Ошибка закрытия SSH-соединений", "error", err)
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("Ошибка закрытия хранилища", "error", err)
	}
}
