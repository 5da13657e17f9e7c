// Package redisstore はRedis上に未配信キューと配信ログを実装する。
//
// キー構成（nsは名前空間）:
//
//	<ns>:pending:<通知ID>          ハッシュ。recipient_id と body（JSON）を持つ
//	<ns>:pending:user:<受信者ID>   リスト。未配信通知IDを挿入順にRPUSHする
//	<ns>:log:user:<受信者ID>       リスト。配信ログ（JSON）を新しい順にLPUSHし、上限件数でLTRIMする
//
// テストは環境変数 PUSHHUB_TEST_REDIS_ADDR が設定されていればそのRedisに、
// 未設定ならminiredisに接続して実行する。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/nao1215/pushhub/internal/store"
)

const (
	// DefaultNamespace はキーの名前空間のデフォルト値。
	DefaultNamespace = "pushhub"
	// DefaultLogCap は受信者ごとに保持する配信ログ件数のデフォルト値。
	DefaultLogCap = 1000

	fieldRecipientID = "recipient_id"
	fieldBody        = "body"
)

// deleteScript は未配信通知を受信者のリストとハッシュから原子的に削除する。
// 削除した場合は1、存在しない場合は0を返す。
var deleteScript = redis.NewScript(`
local hkey = KEYS[1]
local ns = ARGV[1]
local id = ARGV[2]
local rid = redis.call("HGET", hkey, "recipient_id")
if not rid then return 0 end
redis.call("LREM", ns .. ":pending:user:" .. rid, 0, id)
redis.call("DEL", hkey)
return 1
`)

// Options はRedisストアの設定。
type Options struct {
	// Namespace はキーの名前空間。
	Namespace string
	// LogCap は受信者ごとに保持する配信ログの最大件数。
	LogCap int
}

var _ store.Store = (*Store)(nil)

// Store はRedisを使うstore.Store実装。
type Store struct {
	client redis.UniversalClient
	opts   Options
}

// New はRedisクライアントを使うStoreを生成する。
func New(client redis.UniversalClient, opts Options) *Store {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.LogCap <= 0 {
		opts.LogCap = DefaultLogCap
	}
	return &Store{client: client, opts: opts}
}

// Ping はRedisへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisへの疎通確認に失敗: %w", err)
	}
	return nil
}

func (s *Store) pendingKey(id string) string {
	return s.opts.Namespace + ":pending:" + id
}

func (s *Store) pendingListKey(recipientID string) string {
	return s.opts.Namespace + ":pending:user:" + recipientID
}

func (s *Store) logListKey(recipientID string) string {
	return s.opts.Namespace + ":log:user:" + recipientID
}

// Insert は未配信通知を保存し、受信者のリスト末尾に追加する。
func (s *Store) Insert(ctx context.Context, n store.PendingNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("未配信通知のシリアライズに失敗: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.pendingKey(n.ID), fieldRecipientID, n.RecipientID, fieldBody, body)
		pipe.RPush(ctx, s.pendingListKey(n.RecipientID), n.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("未配信通知の保存に失敗: %w", err)
	}
	return nil
}

// ListByRecipient は受信者の未配信通知を挿入順で返す。
func (s *Store) ListByRecipient(ctx context.Context, recipientID string) ([]store.PendingNotification, error) {
	ids, err := s.client.LRange(ctx, s.pendingListKey(recipientID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("未配信通知IDの取得に失敗: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.pendingKey(id), fieldBody)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("未配信通知の取得に失敗: %w", err)
	}

	items := make([]store.PendingNotification, 0, len(ids))
	for i, cmd := range cmds {
		body, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			// 削除と一覧取得が競合した場合はリストにIDだけが残っている
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("未配信通知 %s の取得に失敗: %w", ids[i], err)
		}

		var n store.PendingNotification
		if err := json.Unmarshal(body, &n); err != nil {
			return nil, fmt.Errorf("未配信通知 %s の復元に失敗: %w", ids[i], err)
		}
		items = append(items, n)
	}
	return items, nil
}

// Delete は指定IDの未配信通知を削除する。
func (s *Store) Delete(ctx context.Context, id string) error {
	deleted, err := deleteScript.Run(ctx, s.client, []string{s.pendingKey(id)}, s.opts.Namespace, id).Int()
	if err != nil {
		return fmt.Errorf("未配信通知の削除に失敗: %w", err)
	}
	if deleted == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Append は配信ログを追記し、上限件数を超えた古いログを削除する。
func (s *Store) Append(ctx context.Context, l store.DeliveryLog) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("配信ログのシリアライズに失敗: %w", err)
	}

	key := s.logListKey(l.RecipientID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, body)
		pipe.LTrim(ctx, key, 0, int64(s.opts.LogCap-1))
		return nil
	})
	if err != nil {
		return fmt.Errorf("配信ログの記録に失敗: %w", err)
	}
	return nil
}

// ListLogs は受信者の配信ログを新しい順に返す。
func (s *Store) ListLogs(ctx context.Context, recipientID string, limit int) ([]store.DeliveryLog, error) {
	if limit <= 0 {
		limit = store.DefaultLogLimit
	}

	raw, err := s.client.LRange(ctx, s.logListKey(recipientID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("配信ログの取得に失敗: %w", err)
	}

	logs := make([]store.DeliveryLog, 0, len(raw))
	for _, r := range raw {
		var l store.DeliveryLog
		if err := json.Unmarshal([]byte(r), &l); err != nil {
			return nil, fmt.Errorf("配信ログの復元に失敗: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// Close はRedisクライアントを閉じる。
func (s *Store) Close() error {
	return s.client.Close()
}
