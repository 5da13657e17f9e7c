package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nao1215/pushhub/pkg/logx"
)

// BreakerConfig は配信ログ書き込みのサーキットブレーカー設定。
type BreakerConfig struct {
	// FailureThreshold は連続失敗何回でブレーカーを開くか。0以下で5。
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout は開いた状態から半開に移るまでの時間。0以下で30秒。
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

var _ LogStore = (*BreakerLogStore)(nil)

// BreakerLogStore はLogStoreへの追記をサーキットブレーカー越しに行う。
// ログストアが落ちている間は書き込みを試みずにErrLogStoreUnavailableを返す。
type BreakerLogStore struct {
	next LogStore
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerLogStore はnextをラップしたBreakerLogStoreを生成する。
func NewBreakerLogStore(next LogStore, cfg BreakerConfig, log logx.Logger) *BreakerLogStore {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.ResetTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "delivery-log",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("配信ログのサーキットブレーカーの状態が変わりました",
				logx.String("breaker", name),
				logx.String("from", from.String()),
				logx.String("to", to.String()))
		},
	})
	return &BreakerLogStore{next: next, cb: cb}
}

// Append はブレーカーが閉じている場合のみ追記する。
func (b *BreakerLogStore) Append(ctx context.Context, l DeliveryLog) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Append(ctx, l)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrLogStoreUnavailable
	}
	return err
}

// ListLogs は読み出しなのでブレーカーを通さない。
func (b *BreakerLogStore) ListLogs(ctx context.Context, recipientID string, limit int) ([]DeliveryLog, error) {
	return b.next.ListLogs(ctx, recipientID, limit)
}

// State はブレーカーの現在の状態を返す。
func (b *BreakerLogStore) State() gobreaker.State {
	return b.cb.State()
}
