package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/logx"
)

// failingLogStore は常に書き込みに失敗するLogStore。
type failingLogStore struct {
	calls atomic.Int32
}

func (f *failingLogStore) Append(context.Context, store.DeliveryLog) error {
	f.calls.Add(1)
	return errors.New("connection refused")
}

func (f *failingLogStore) ListLogs(context.Context, string, int) ([]store.DeliveryLog, error) {
	return nil, nil
}

// TestBreakerLogStore はサーキットブレーカーの開閉を検証する。
func TestBreakerLogStore(t *testing.T) {
	t.Parallel()

	t.Run("正常なストアへの書き込みはそのまま成功すること", func(t *testing.T) {
		t.Parallel()

		mem := store.NewMemory()
		b := store.NewBreakerLogStore(mem, store.BreakerConfig{}, logx.Nop())

		if err := b.Append(t.Context(), store.DeliveryLog{ID: "l1", RecipientID: "u1", Status: store.StatusSuccess}); err != nil {
			t.Fatalf("Append()でエラーが発生: %v", err)
		}
		logs, err := b.ListLogs(t.Context(), "u1", 10)
		if err != nil {
			t.Fatalf("ListLogs()でエラーが発生: %v", err)
		}
		if len(logs) != 1 {
			t.Errorf("件数 = %d, want 1", len(logs))
		}
	})

	t.Run("連続失敗でブレーカーが開き以降の書き込みを試みないこと", func(t *testing.T) {
		t.Parallel()

		next := &failingLogStore{}
		b := store.NewBreakerLogStore(next, store.BreakerConfig{
			FailureThreshold: 2,
			ResetTimeout:     time.Hour,
		}, logx.Nop())

		for range 2 {
			if err := b.Append(t.Context(), store.DeliveryLog{}); err == nil {
				t.Fatal("Append()がエラーを返すべきだが、nilが返った")
			}
		}
		if b.State() != gobreaker.StateOpen {
			t.Fatalf("State = %v, want open", b.State())
		}

		err := b.Append(t.Context(), store.DeliveryLog{})
		if !errors.Is(err, store.ErrLogStoreUnavailable) {
			t.Errorf("Append() = %v, want ErrLogStoreUnavailable", err)
		}
		if got := next.calls.Load(); got != 2 {
			t.Errorf("下位ストアの呼び出し回数 = %d, want 2", got)
		}
	})
}
