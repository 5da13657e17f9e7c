// Package storetest は store.Store 実装に共通の振る舞いテストを提供する。
// 各バックエンドのテストから Run を呼び出して使う。
package storetest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/payload"
)

// Factory はテストごとに空のストアを生成する関数。
type Factory func(t *testing.T) store.Store

// pending はテスト用の未配信通知を生成する。
func pending(recipientID, message string, createdAt time.Time) store.PendingNotification {
	return store.PendingNotification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Payload:     payload.New(payload.KindTest, payload.WithMessage(message)),
		CreatedAt:   createdAt,
	}
}

// Run は未配信キューと配信ログの共通テストを実行する。
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	t.Run("挿入順に未配信通知が返ること", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		var ids []string
		for i := range 5 {
			// 同一時刻でも挿入順が保たれることを確認するため時刻は揃える
			n := pending("u1", fmt.Sprintf("msg-%d", i), base)
			ids = append(ids, n.ID)
			if err := s.Insert(ctx, n); err != nil {
				t.Fatalf("Insert()でエラーが発生: %v", err)
			}
		}

		got, err := s.ListByRecipient(ctx, "u1")
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(got) != len(ids) {
			t.Fatalf("件数 = %d, want %d", len(got), len(ids))
		}
		for i, n := range got {
			if n.ID != ids[i] {
				t.Errorf("[%d] ID = %q, want %q", i, n.ID, ids[i])
			}
			if want := fmt.Sprintf("msg-%d", i); n.Payload.Message() != want {
				t.Errorf("[%d] message = %q, want %q", i, n.Payload.Message(), want)
			}
			if n.RecipientID != "u1" {
				t.Errorf("[%d] RecipientID = %q, want u1", i, n.RecipientID)
			}
			if !n.CreatedAt.Equal(base) {
				t.Errorf("[%d] CreatedAt = %v, want %v", i, n.CreatedAt, base)
			}
		}
	})

	t.Run("受信者ごとにキューが分かれていること", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		if err := s.Insert(ctx, pending("u1", "a", base)); err != nil {
			t.Fatalf("Insert()でエラーが発生: %v", err)
		}
		if err := s.Insert(ctx, pending("u2", "b", base)); err != nil {
			t.Fatalf("Insert()でエラーが発生: %v", err)
		}

		got, err := s.ListByRecipient(ctx, "u2")
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(got) != 1 || got[0].Payload.Message() != "b" {
			t.Errorf("u2のキュー = %+v, want [b]", got)
		}

		empty, err := s.ListByRecipient(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("存在しない受信者の件数 = %d, want 0", len(empty))
		}
	})

	t.Run("予約日時が保存されること", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		sendAt := base.Add(2 * time.Hour)
		n := pending("u1", "scheduled", base)
		n.SendAt = &sendAt
		if err := s.Insert(ctx, n); err != nil {
			t.Fatalf("Insert()でエラーが発生: %v", err)
		}

		got, err := s.ListByRecipient(ctx, "u1")
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("件数 = %d, want 1", len(got))
		}
		if got[0].SendAt == nil || !got[0].SendAt.Equal(sendAt) {
			t.Errorf("SendAt = %v, want %v", got[0].SendAt, sendAt)
		}
	})

	t.Run("削除した通知だけがキューから消えること", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		first := pending("u1", "first", base)
		second := pending("u1", "second", base.Add(time.Second))
		for _, n := range []store.PendingNotification{first, second} {
			if err := s.Insert(ctx, n); err != nil {
				t.Fatalf("Insert()でエラーが発生: %v", err)
			}
		}

		if err := s.Delete(ctx, first.ID); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}

		got, err := s.ListByRecipient(ctx, "u1")
		if err != nil {
			t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
		}
		if len(got) != 1 || got[0].ID != second.ID {
			t.Errorf("残りのキュー = %+v, want [%s]", got, second.ID)
		}
	})

	t.Run("存在しないIDの削除はErrNotFoundになること", func(t *testing.T) {
		s := newStore(t)

		if err := s.Delete(t.Context(), "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Delete() = %v, want ErrNotFound", err)
		}
	})

	t.Run("配信ログが新しい順にlimit件まで返ること", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		statuses := []store.Status{store.StatusPending, store.StatusSuccess, store.StatusFailed}
		for i, st := range statuses {
			l := store.DeliveryLog{
				ID:          uuid.NewString(),
				RecipientID: "u1",
				Kind:        payload.KindCampaign,
				Status:      st,
				Timestamp:   base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.Append(ctx, l); err != nil {
				t.Fatalf("Append()でエラーが発生: %v", err)
			}
		}
		if err := s.Append(ctx, store.DeliveryLog{
			ID: uuid.NewString(), RecipientID: "u2", Kind: payload.KindTest,
			Status: store.StatusSuccess, Timestamp: base,
		}); err != nil {
			t.Fatalf("Append()でエラーが発生: %v", err)
		}

		got, err := s.ListLogs(ctx, "u1", 2)
		if err != nil {
			t.Fatalf("ListLogs()でエラーが発生: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("件数 = %d, want 2", len(got))
		}
		if got[0].Status != store.StatusFailed || got[1].Status != store.StatusSuccess {
			t.Errorf("状態 = [%s %s], want [FAILED SUCCESS]", got[0].Status, got[1].Status)
		}
		if got[0].Kind != payload.KindCampaign {
			t.Errorf("Kind = %q, want %q", got[0].Kind, payload.KindCampaign)
		}

		all, err := s.ListLogs(ctx, "u1", 0)
		if err != nil {
			t.Fatalf("ListLogs()でエラーが発生: %v", err)
		}
		if len(all) != 3 {
			t.Errorf("limit=0の件数 = %d, want 3", len(all))
		}
	})
}
