// 通知サービスのエントリポイント。
// WebSocketで接続中の受信者へ通知を直接配信し、
// オフラインの受信者向けの通知は未配信キューに保存して再接続時に届ける。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/nao1215/pushhub/internal/config"
	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/internal/ingest"
	"github.com/nao1215/pushhub/internal/notification"
	"github.com/nao1215/pushhub/internal/registry"
	"github.com/nao1215/pushhub/internal/scheduler"
	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/internal/store/badgerstore"
	"github.com/nao1215/pushhub/internal/store/redisstore"
	"github.com/nao1215/pushhub/internal/store/sqlstore"
	"github.com/nao1215/pushhub/pkg/logx"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗: %v\n", err)
		os.Exit(1)
	}
	log := logx.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("通知サービスが異常終了しました", logx.Err(err))
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logx.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("ストアのクローズに失敗", logx.Err(err))
		}
	}()

	var logs store.LogStore = st
	if cfg.Delivery.LogBreaker.Enabled {
		logs = store.NewBreakerLogStore(st, store.BreakerConfig{
			FailureThreshold: cfg.Delivery.LogBreaker.FailureThreshold,
			ResetTimeout:     cfg.Delivery.LogBreaker.ResetTimeout,
		}, log)
	}

	reg := registry.New()
	engine := delivery.New(reg, st, logs,
		delivery.WithLogger(log),
		delivery.WithQueuedLogStatus(queuedLogStatus(cfg.Delivery.QueuedLogStatus)),
		delivery.WithRateLimit(cfg.Delivery.RatePerSecond),
	)

	if cfg.Scheduler.Enabled {
		sweeper, err := scheduler.New(cfg.Scheduler, reg, engine, log)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := sweeper.Stop(context.WithoutCancel(ctx)); err != nil {
				log.Warn("スケジューラーの停止に失敗", logx.Err(err))
			}
		}()
	}

	if cfg.Ingest.NSQ.Enabled {
		consumer, err := ingest.NewConsumer(cfg.Ingest.NSQ.Config, engine, log)
		if err != nil {
			return err
		}
		if err := consumer.Start(); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := consumer.Stop(stopCtx); err != nil {
				log.Warn("NSQコンシューマーの停止に失敗", logx.Err(err))
			}
		}()
	}

	server := notification.NewServer(cfg, reg, engine, st, logs, log)
	return server.Run(ctx)
}

// openStore は設定されたドライバーの未配信キューと配信ログのストアを開く。
func openStore(ctx context.Context, cfg config.Config, log logx.Logger) (store.Store, error) {
	log = log.With(logx.String("driver", cfg.Store.Driver))

	switch cfg.Store.Driver {
	case config.DriverMemory:
		log.Warn("インメモリストアを使用します。再起動すると未配信通知は失われます")
		return store.NewMemory(), nil

	case config.DriverSQLite, config.DriverMySQL:
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Store.Driver), cfg.Store.DSN, log)
		if err != nil {
			return nil, err
		}
		log.Info("SQLストアを開きました")
		return s, nil

	case config.DriverBadger:
		s, err := badgerstore.Open(badgerstore.Config{Dir: cfg.Store.BadgerDir})
		if err != nil {
			return nil, err
		}
		log.Info("Badgerストアを開きました", logx.String("dir", cfg.Store.BadgerDir))
		return s, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		s := redisstore.New(client, redisstore.Options{
			Namespace: cfg.Store.Redis.Namespace,
			LogCap:    cfg.Store.Redis.LogCap,
		})
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		log.Info("Redisストアに接続しました", logx.String("addr", cfg.Store.Redis.Addr))
		return s, nil
	}
	return nil, fmt.Errorf("store.driver %q は未対応です", cfg.Store.Driver)
}

func queuedLogStatus(s string) store.Status {
	if s == config.QueuedLogStatusPending {
		return store.StatusPending
	}
	return store.StatusSuccess
}
