package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound は指定IDの未配信通知が存在しない場合のエラー。
	ErrNotFound = errors.New("未配信通知が見つかりません")
	// ErrLogStoreUnavailable はサーキットブレーカーが開いていてログを書き込めない場合のエラー。
	ErrLogStoreUnavailable = errors.New("配信ログストアが利用できません")
)

// QueueStore は未配信通知の永続キュー。
type QueueStore interface {
	// Insert は未配信通知を保存する。
	Insert(ctx context.Context, n PendingNotification) error
	// ListByRecipient は受信者の未配信通知を挿入順で返す。
	ListByRecipient(ctx context.Context, recipientID string) ([]PendingNotification, error)
	// Delete は指定IDの未配信通知を削除する。存在しない場合はErrNotFoundを返す。
	Delete(ctx context.Context, id string) error
}

// LogStore は配信ログの追記先。
type LogStore interface {
	// Append は配信ログを1件追記する。
	Append(ctx context.Context, l DeliveryLog) error
	// ListLogs は受信者の配信ログを新しい順に最大limit件返す。
	// limitが0以下の場合はDefaultLogLimitを使う。
	// 管理APIからのみ使用し、配信処理からは呼ばれない。
	ListLogs(ctx context.Context, recipientID string, limit int) ([]DeliveryLog, error)
}

// Store はQueueStoreとLogStoreの両方を提供するバックエンド。
type Store interface {
	QueueStore
	LogStore
	// Close はバックエンドの接続を閉じる。
	Close() error
}

// DefaultLogLimit はログ一覧のlimitが未指定の場合の件数。
const DefaultLogLimit = 50
