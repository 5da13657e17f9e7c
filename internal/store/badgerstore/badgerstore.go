// Package badgerstore は組み込みKVSのBadgerDB上に未配信キューと配信ログを実装する。
//
// キー構成:
//
//	pending/<受信者ID>/<連番20桁>  未配信通知（JSON）
//	pending-id/<通知ID>           未配信通知のキー
//	log/<受信者ID>/<連番20桁>      配信ログ（JSON）
//
// 受信者IDはパスエスケープして格納する。連番はBadgerのシーケンスで採番し、
// キーの辞書順が挿入順になる。
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nao1215/pushhub/internal/store"
)

const (
	pendingPrefix   = "pending/"
	pendingIDPrefix = "pending-id/"
	logPrefix       = "log/"

	seqBandwidth = 100
	gcInterval   = 5 * time.Minute
)

// Config はBadgerDBの設定。
type Config struct {
	// Dir はデータディレクトリ。InMemoryがtrueの場合は無視する。
	Dir string
	// InMemory はディスクに書き込まずメモリ上だけで動かすかどうか。
	InMemory bool
}

var _ store.Store = (*Store)(nil)

// Store はBadgerDBを使うstore.Store実装。
type Store struct {
	db         *badger.DB
	pendingSeq *badger.Sequence
	logSeq     *badger.Sequence

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Open はBadgerDBを開いてStoreを返す。
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("BadgerDBのオープンに失敗: %w", err)
	}

	pendingSeq, err := db.GetSequence([]byte("seq/pending"), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("シーケンスの取得に失敗: %w", err)
	}
	logSeq, err := db.GetSequence([]byte("seq/log"), seqBandwidth)
	if err != nil {
		_ = pendingSeq.Release()
		db.Close()
		return nil, fmt.Errorf("シーケンスの取得に失敗: %w", err)
	}

	s := &Store{
		db:         db,
		pendingSeq: pendingSeq,
		logSeq:     logSeq,
		gcStopCh:   make(chan struct{}),
		gcDone:     make(chan struct{}),
	}
	if cfg.InMemory {
		close(s.gcDone)
	} else {
		go s.runGC()
	}
	return s, nil
}

func pendingRecipientPrefix(recipientID string) []byte {
	return []byte(pendingPrefix + url.PathEscape(recipientID) + "/")
}

func pendingKey(recipientID string, seq uint64) []byte {
	return fmt.Appendf(pendingRecipientPrefix(recipientID), "%020d", seq)
}

func pendingIDKey(id string) []byte {
	return []byte(pendingIDPrefix + id)
}

func logRecipientPrefix(recipientID string) []byte {
	return []byte(logPrefix + url.PathEscape(recipientID) + "/")
}

func logKey(recipientID string, seq uint64) []byte {
	return fmt.Appendf(logRecipientPrefix(recipientID), "%020d", seq)
}

// Insert は未配信通知を保存する。
func (s *Store) Insert(_ context.Context, n store.PendingNotification) error {
	seq, err := s.pendingSeq.Next()
	if err != nil {
		return fmt.Errorf("連番の採番に失敗: %w", err)
	}
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("未配信通知のシリアライズに失敗: %w", err)
	}

	key := pendingKey(n.RecipientID, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(pendingIDKey(n.ID), key)
	})
}

// ListByRecipient は受信者の未配信通知を挿入順で返す。
func (s *Store) ListByRecipient(_ context.Context, recipientID string) ([]store.PendingNotification, error) {
	var items []store.PendingNotification

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = pendingRecipientPrefix(recipientID)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var n store.PendingNotification
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return err
			}
			items = append(items, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("未配信通知の取得に失敗: %w", err)
	}
	return items, nil
}

// Delete は指定IDの未配信通知を削除する。
func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		idKey := pendingIDKey(id)
		item, err := txn.Get(idKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}

		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(idKey)
	})
}

// Append は配信ログを追記する。
func (s *Store) Append(_ context.Context, l store.DeliveryLog) error {
	seq, err := s.logSeq.Next()
	if err != nil {
		return fmt.Errorf("連番の採番に失敗: %w", err)
	}
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("配信ログのシリアライズに失敗: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(l.RecipientID, seq), data)
	})
}

// ListLogs は受信者の配信ログを新しい順に返す。
func (s *Store) ListLogs(_ context.Context, recipientID string, limit int) ([]store.DeliveryLog, error) {
	if limit <= 0 {
		limit = store.DefaultLogLimit
	}

	logs := []store.DeliveryLog{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := logRecipientPrefix(recipientID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix) && len(logs) < limit; it.Next() {
			var l store.DeliveryLog
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &l)
			}); err != nil {
				return err
			}
			logs = append(logs, l)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("配信ログの取得に失敗: %w", err)
	}
	return logs, nil
}

// Close はシーケンスを解放してBadgerDBを閉じる。
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	_ = s.pendingSeq.Release()
	_ = s.logSeq.Release()
	return s.db.Close()
}

// runGC は値ログのガベージコレクションを定期的に実行する。
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// 回収対象がない場合もエラーが返るため無視する
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
