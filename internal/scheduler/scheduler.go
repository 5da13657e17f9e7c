// Package scheduler は予約送信の期限が来た通知を定期的に配信する。
//
// 予約送信の通知はキューに保存され、受信者の接続時のフラッシュでは期限前なら残される。
// Sweeperはcronの指定に従って接続中の全受信者をフラッシュし、
// 接続中のまま期限を迎えた通知を届ける。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/pkg/logx"
)

// DefaultSpec はスイープ間隔のデフォルト値。
const DefaultSpec = "@every 30s"

// Config はスケジューラーの設定。
type Config struct {
	// Enabled はスイープを実行するかどうか。
	Enabled bool `yaml:"enabled"`
	// Spec はcron形式の実行間隔（例: "@every 30s", "*/1 * * * *"）。
	Spec string `yaml:"spec"`
}

// Flusher は受信者の未配信通知をフラッシュする。
// 同じ受信者のフラッシュが実行中の場合はokにfalseを返す。
type Flusher interface {
	TryFlushPending(ctx context.Context, recipientID string) (res delivery.FlushResult, ok bool, err error)
}

// RecipientLister は接続中の受信者IDを列挙する。
type RecipientLister interface {
	IDs() []string
}

// SweepResult は1回のスイープの結果。
type SweepResult struct {
	// Recipients はフラッシュした受信者数。
	Recipients int
	// Delivered は配信できた通知の件数。
	Delivered int
	// Failed はフラッシュに失敗した受信者数。
	Failed int
	// Skipped は接続時のフラッシュが実行中だったため飛ばした受信者数。
	Skipped int
}

// Sweeper は接続中の受信者を定期的にフラッシュする。
type Sweeper struct {
	cfg        Config
	parser     cron.Parser
	recipients RecipientLister
	flusher    Flusher
	log        logx.Logger

	mu sync.Mutex
	c  *cron.Cron
}

// New はSweeperを生成する。cron指定が不正な場合はエラーを返す。
func New(cfg Config, recipients RecipientLister, flusher Flusher, log logx.Logger) (*Sweeper, error) {
	if cfg.Spec == "" {
		cfg.Spec = DefaultSpec
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("cron指定 %q が不正です: %w", cfg.Spec, err)
	}

	return &Sweeper{
		cfg:        cfg,
		parser:     parser,
		recipients: recipients,
		flusher:    flusher,
		log:        log,
	}, nil
}

// Start はスイープを開始する。Enabledがfalseの場合は何もしない。
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	// 前回のスイープが終わっていなければ次の回は飛ばす
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("スイープの登録に失敗: %w", err)
	}
	c.Start()
	s.c = c

	s.log.Info("予約送信のスイープを開始しました", logx.String("spec", s.cfg.Spec))
	return nil
}

// Stop はスイープを停止し、実行中のスイープの完了を待つ。
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep は接続中の全受信者をフラッシュする。
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult

	for _, id := range s.recipients.IDs() {
		if ctx.Err() != nil {
			break
		}
		flushed, ok, err := s.flusher.TryFlushPending(ctx, id)
		if !ok {
			res.Skipped++
			continue
		}
		res.Recipients++
		res.Delivered += flushed.Delivered
		if err != nil {
			res.Failed++
			if !errors.Is(err, context.Canceled) {
				s.log.Warn("スイープ中のフラッシュに失敗", logx.String("recipient_id", id), logx.Err(err))
			}
		}
	}

	if res.Delivered > 0 || res.Failed > 0 {
		s.log.Info("予約送信のスイープが完了しました",
			logx.Int("recipients", res.Recipients),
			logx.Int("delivered", res.Delivered),
			logx.Int("failed", res.Failed),
			logx.Int("skipped", res.Skipped))
	}
	return res
}
