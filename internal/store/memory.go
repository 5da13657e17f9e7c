package store

import (
	"context"
	"slices"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory はプロセス内メモリに保持するStore実装。
// テストと store.driver=memory の構成で使用する。プロセス終了で内容は失われる。
type Memory struct {
	mu      sync.Mutex
	pending map[string][]PendingNotification
	owner   map[string]string
	logs    map[string][]DeliveryLog
}

// NewMemory は空のメモリストアを生成する。
func NewMemory() *Memory {
	return &Memory{
		pending: make(map[string][]PendingNotification),
		owner:   make(map[string]string),
		logs:    make(map[string][]DeliveryLog),
	}
}

// Insert は未配信通知を受信者のキュー末尾に追加する。
func (m *Memory) Insert(_ context.Context, n PendingNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[n.RecipientID] = append(m.pending[n.RecipientID], n)
	m.owner[n.ID] = n.RecipientID
	return nil
}

// ListByRecipient は受信者の未配信通知を挿入順で返す。
func (m *Memory) ListByRecipient(_ context.Context, recipientID string) ([]PendingNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pending[recipientID]), nil
}

// Delete は指定IDの未配信通知を削除する。
func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recipientID, ok := m.owner[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.owner, id)

	queue := m.pending[recipientID]
	queue = slices.DeleteFunc(queue, func(n PendingNotification) bool { return n.ID == id })
	if len(queue) == 0 {
		delete(m.pending, recipientID)
	} else {
		m.pending[recipientID] = queue
	}
	return nil
}

// Append は配信ログを追記する。
func (m *Memory) Append(_ context.Context, l DeliveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[l.RecipientID] = append(m.logs[l.RecipientID], l)
	return nil
}

// ListLogs は受信者の配信ログを新しい順に返す。
func (m *Memory) ListLogs(_ context.Context, recipientID string, limit int) ([]DeliveryLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = DefaultLogLimit
	}
	src := m.logs[recipientID]
	out := make([]DeliveryLog, 0, min(limit, len(src)))
	for i := len(src) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, src[i])
	}
	return out, nil
}

// Close は何もしない。
func (m *Memory) Close() error { return nil }
