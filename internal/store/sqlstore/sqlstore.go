// Package sqlstore はdatabase/sql上に未配信キューと配信ログを実装する。
// SQLite（modernc.org/sqlite）とMySQL（go-sql-driver/mysql）に対応する。
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/logx"
	"github.com/nao1215/pushhub/pkg/migration"
	"github.com/nao1215/pushhub/pkg/payload"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var migrations embed.FS

// Dialect はSQL方言。
type Dialect string

const (
	// DialectSQLite はSQLite。
	DialectSQLite Dialect = "sqlite"
	// DialectMySQL はMySQL。
	DialectMySQL Dialect = "mysql"
)

// ErrUnknownDialect は未対応の方言が指定された場合のエラー。
var ErrUnknownDialect = errors.New("未対応のSQL方言です")

var _ store.Store = (*Store)(nil)

// Store はSQLデータベースを使うstore.Store実装。
type Store struct {
	db *sql.DB
}

// Open はデータベースに接続し、マイグレーションを適用したStoreを返す。
func Open(ctx context.Context, dialect Dialect, dsn string, log logx.Logger) (*Store, error) {
	if dialect != DialectSQLite && dialect != DialectMySQL {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if dialect == DialectSQLite {
		// SQLiteは書き込みを1接続に直列化する。:memory: でも同じDBを共有できる
		db.SetMaxOpenConns(1)
	}

	s, err := New(ctx, db, dialect, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New は接続済みのデータベースにマイグレーションを適用してStoreを返す。
func New(ctx context.Context, db *sql.DB, dialect Dialect, log logx.Logger) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}
	if err := migration.Run(ctx, db, migrations, "migrations/"+string(dialect), log); err != nil {
		return nil, fmt.Errorf("マイグレーションの適用に失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// DB は内部のデータベース接続を返す。
func (s *Store) DB() *sql.DB { return s.db }

// Insert は未配信通知を保存する。
func (s *Store) Insert(ctx context.Context, n store.PendingNotification) error {
	body, err := payload.Encode(n.Payload)
	if err != nil {
		return err
	}

	var sendAt sql.NullInt64
	if n.SendAt != nil {
		sendAt = sql.NullInt64{Int64: n.SendAt.UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_notifications (id, recipient_id, kind, payload, created_at, send_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.RecipientID, string(n.Payload.Kind()), string(body), n.CreatedAt.UnixNano(), sendAt,
	)
	if err != nil {
		return fmt.Errorf("未配信通知の保存に失敗: %w", err)
	}
	return nil
}

// ListByRecipient は受信者の未配信通知を挿入順で返す。
func (s *Store) ListByRecipient(ctx context.Context, recipientID string) ([]store.PendingNotification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, payload, created_at, send_at
		 FROM pending_notifications
		 WHERE recipient_id = ?
		 ORDER BY seq`,
		recipientID,
	)
	if err != nil {
		return nil, fmt.Errorf("未配信通知の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []store.PendingNotification
	for rows.Next() {
		var (
			n         store.PendingNotification
			body      string
			createdAt int64
			sendAt    sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.RecipientID, &body, &createdAt, &sendAt); err != nil {
			return nil, fmt.Errorf("未配信通知の読み取りに失敗: %w", err)
		}
		if n.Payload, err = payload.Decode([]byte(body)); err != nil {
			return nil, fmt.Errorf("未配信通知 %s の復元に失敗: %w", n.ID, err)
		}
		n.CreatedAt = fromNanos(createdAt)
		if sendAt.Valid {
			t := fromNanos(sendAt.Int64)
			n.SendAt = &t
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// Delete は指定IDの未配信通知を削除する。
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("未配信通知の削除に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Append は配信ログを追記する。
func (s *Store) Append(ctx context.Context, l store.DeliveryLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_logs (id, recipient_id, notification_id, kind, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.ID, l.RecipientID, l.NotificationID, string(l.Kind), string(l.Status), l.Timestamp.UnixNano(),
	)
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, notification_id, kind, status, created_at
		 FROM delivery_logs
		 WHERE recipient_id = ?
		 ORDER BY seq DESC
		 LIMIT ?`,
		recipientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("配信ログの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs := []store.DeliveryLog{}
	for rows.Next() {
		var (
			l         store.DeliveryLog
			kind      string
			status    string
			createdAt int64
		)
		if err := rows.Scan(&l.ID, &l.RecipientID, &l.NotificationID, &kind, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("配信ログの読み取りに失敗: %w", err)
		}
		l.Kind = payload.Kind(kind)
		l.Status = store.Status(status)
		l.Timestamp = fromNanos(createdAt)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
