package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/pushhub/pkg/payload"
)

// ErrNoRecipients は送信リクエストに受信者が含まれていない場合のエラー。
var ErrNoRecipients = errors.New("user_idsは1件以上必要です")

// SendRequest は通知の送信リクエスト。HTTPとNSQの両方で同じ形式を受け付ける。
type SendRequest struct {
	// UserIDs は通知先の受信者ID。
	UserIDs []string `json:"user_ids"`
	// Payload は配信する通知本体。
	Payload payload.Payload `json:"payload"`
	// SendAt は予約送信の日時。省略時は即時送信。
	SendAt *time.Time `json:"send_at,omitempty"`
}

// Validate は送信リクエストを検証する。
func (r SendRequest) Validate() error {
	if len(r.UserIDs) == 0 {
		return ErrNoRecipients
	}
	if err := r.Payload.Validate(); err != nil {
		return fmt.Errorf("payloadが不正です: %w", err)
	}
	return nil
}

// Options はリクエストに対応する配信オプションを返す。
func (r SendRequest) Options() SendOptions {
	return SendOptions{SendAt: r.SendAt}
}

// Send はリクエストを検証してから全受信者へ配信する。
// エラーはリクエストが不正な場合にのみ返す。
func (e *Engine) Send(ctx context.Context, req SendRequest) (BatchResult, error) {
	if err := req.Validate(); err != nil {
		return BatchResult{}, err
	}
	return e.DeliverBatch(ctx, req.UserIDs, req.Payload, req.Options()), nil
}
