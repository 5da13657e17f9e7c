package registry

import (
	"context"
	"slices"
	"sync"
)

// Conn は受信者へのライブな接続。
// Sendは同一接続に対して並行に呼ばれても安全でなければならない。
type Conn interface {
	// Send は値をJSONとして接続に書き込む。
	Send(ctx context.Context, v any) error
	// Close は接続を閉じる。複数回呼んでもよい。
	Close() error
}

// Registry は受信者IDから接続への対応表。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// New は空のRegistryを生成する。
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register は受信者の接続を登録する。
// 既に登録済みの接続があれば置き換え、置き換えた古い接続を返す。
// 古い接続を閉じるかどうかは呼び出し側が決める。
func (r *Registry) Register(recipientID string, c Conn) (prev Conn, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced = r.conns[recipientID]
	r.conns[recipientID] = c
	return prev, replaced
}

// Unregister は登録中の接続がcと同一の場合のみ登録を解除する。
// 解除した場合はtrueを返す。
func (r *Registry) Unregister(recipientID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.conns[recipientID]
	if !ok || cur != c {
		return false
	}
	delete(r.conns, recipientID)
	return true
}

// Lookup は受信者の接続を返す。
func (r *Registry) Lookup(recipientID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[recipientID]
	return c, ok
}

// Len は登録中の接続数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs は登録中の受信者IDをソートして返す。
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Entry は受信者IDと接続の組。
type Entry struct {
	RecipientID string
	Conn        Conn
}

// Snapshot は登録中の接続の一覧を受信者ID順で返す。
// 返した後の登録変更は反映されない。
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.conns))
	for id, c := range r.conns {
		entries = append(entries, Entry{RecipientID: id, Conn: c})
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b Entry) int {
		switch {
		case a.RecipientID < b.RecipientID:
			return -1
		case a.RecipientID > b.RecipientID:
			return 1
		}
		return 0
	})
	return entries
}
