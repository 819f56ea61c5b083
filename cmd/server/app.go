package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/paiban/carecover/internal/config"
	"github.com/paiban/carecover/internal/database"
	"github.com/paiban/carecover/internal/lock"
	"github.com/paiban/carecover/internal/notify"
	"github.com/paiban/carecover/internal/repository"
	"github.com/paiban/carecover/internal/service"
	"github.com/paiban/carecover/pkg/dispatcher"
	"github.com/paiban/carecover/pkg/logger"
	"github.com/paiban/carecover/pkg/validator"
)

// app 按配置装配的运行时依赖
type app struct {
	cfg      *config.Config
	detector *validator.ConflictDetector
	engine   *dispatcher.AssignEngine
	service  *service.CoverageService

	db      *database.DB
	redis   *redis.Client
	closers []func()
}

// buildApp 按配置选择存储、锁与通知后端
func buildApp(ctx context.Context, cfg *config.Config, seedFile string) (*app, error) {
	a := &app{cfg: cfg}

	a.detector = validator.NewConflictDetector(&validator.DetectorConfig{
		MaxHoursPerDay:    cfg.Engine.MaxHoursPerDay,
		WarnNewSubstitute: true,
	})
	policy := dispatcher.DefaultScoringPolicy()
	policy.ContinuityLookbackDays = cfg.Engine.ContinuityLookbackDays
	a.engine = dispatcher.NewAssignEngine(a.detector, policy)
	a.engine.SetMaxAlternatives(cfg.Engine.MaxAlternatives)

	var (
		store      repository.ScheduleStore
		candidates repository.CandidateSource
	)
	switch cfg.App.StoreBackend {
	case "postgres":
		db, err := database.New(&cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.closers = append(a.closers, func() { _ = db.Close() })
		pg := repository.NewPostgresStore(db, a.detector)
		store, candidates = pg, pg
	default:
		mem := repository.NewMemoryStore(a.detector)
		if seedFile != "" {
			f, err := os.Open(seedFile)
			if err != nil {
				return nil, fmt.Errorf("打开初始化数据失败: %w", err)
			}
			err = mem.LoadSeed(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			logger.Info().Str("file", seedFile).Msg("已加载内存初始化数据")
		}
		store, candidates = mem, mem
	}

	if cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("连接 Redis 失败: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
	}

	var locker lock.Locker
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(a.redis, cfg.Lock.TTL, cfg.Lock.Wait)
	} else {
		locker = lock.NewMemoryLocker(cfg.Lock.Wait)
	}

	var notifier notify.Notifier
	if cfg.Notify.Backend == "redis" {
		notifier = notify.NewRedisStreamNotifier(a.redis, cfg.Notify.Stream, 10000)
	} else {
		notifier = notify.NewLogNotifier(logger.Get())
	}

	a.service = service.NewCoverageService(store, candidates, service.Options{
		Locker:       locker,
		Notifier:     notifier,
		Detector:     a.detector,
		Engine:       a.engine,
		Logger:       logger.Get(),
		LookbackDays: cfg.Engine.ContinuityLookbackDays,
		Workers:      cfg.Engine.Workers,
	})
	// 先等待通知发送完成，再关闭连接
	a.closers = append(a.closers, a.service.Close)

	logger.Info().
		Str("store", cfg.App.StoreBackend).
		Str("lock", cfg.Lock.Backend).
		Str("notify", cfg.Notify.Backend).
		Msg("服务依赖已装配")
	return a, nil
}

// Close 逆序释放资源
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
