package store

import (
	"time"

	"github.com/nao1215/pushhub/pkg/payload"
)

// Status は配信ログの状態を表す。
type Status string

const (
	// StatusSuccess は配信済み、または後で配信するために受け付け済みであることを表す。
	StatusSuccess Status = "SUCCESS"
	// StatusPending は予約送信として受け付け、まだ配信していないことを表す。
	StatusPending Status = "PENDING"
	// StatusFailed はキューへの保存もできず通知を受け付けられなかったことを表す。
	StatusFailed Status = "FAILED"
)

// Valid は既知の状態かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusPending, StatusFailed:
		return true
	}
	return false
}

// PendingNotification は受信者がオフラインだったため永続化された未配信通知。
// 配信確認後に削除され、その場で更新されることはない。
type PendingNotification struct {
	// ID は未配信通知の一意識別子（UUID）。
	ID string `json:"id"`
	// RecipientID は通知先の受信者ID。
	RecipientID string `json:"recipient_id"`
	// Payload は配信する通知本体。
	Payload payload.Payload `json:"payload"`
	// CreatedAt はキューに入った日時。
	CreatedAt time.Time `json:"created_at"`
	// SendAt は予約送信の日時。予約でない場合はnil。
	SendAt *time.Time `json:"send_at,omitempty"`
}

// Due は指定時刻の時点で配信してよいかを返す。
func (n PendingNotification) Due(now time.Time) bool {
	return n.SendAt == nil || !n.SendAt.After(now)
}

// DeliveryLog は配信試行ごとに追記される監査ログ。
type DeliveryLog struct {
	// ID はログの一意識別子（UUID）。
	ID string `json:"id"`
	// RecipientID は通知先の受信者ID。
	RecipientID string `json:"recipient_id"`
	// NotificationID は対応する未配信通知のID。直接配信できた場合は空。
	NotificationID string `json:"notification_id,omitempty"`
	// Kind は通知の種別。
	Kind payload.Kind `json:"notification_kind"`
	// Status は配信の状態。
	Status Status `json:"status"`
	// Timestamp は記録日時。
	Timestamp time.Time `json:"timestamp"`
}
