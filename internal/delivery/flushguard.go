package delivery

import (
	"context"
	"sync"
)

// flushGuard は受信者ごとにフラッシュを1つずつ実行させる。
// 受信者が接続していない間はエントリを持たない。
type flushGuard struct {
	mu    sync.Mutex
	slots map[string]*flushSlot
}

type flushSlot struct {
	sem  chan struct{}
	refs int
}

func newFlushGuard() *flushGuard {
	return &flushGuard{slots: make(map[string]*flushSlot)}
}

func (g *flushGuard) acquireSlot(recipientID string) *flushSlot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.slots[recipientID]
	if !ok {
		s = &flushSlot{sem: make(chan struct{}, 1)}
		g.slots[recipientID] = s
	}
	s.refs++
	return s
}

func (g *flushGuard) releaseSlot(recipientID string, s *flushSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(g.slots, recipientID)
	}
}

// lock は受信者のフラッシュ権を取得する。実行中のフラッシュがあれば終わるまで待つ。
func (g *flushGuard) lock(ctx context.Context, recipientID string) (func(), error) {
	s := g.acquireSlot(recipientID)
	select {
	case s.sem <- struct{}{}:
		return g.unlocker(recipientID, s), nil
	case <-ctx.Done():
		g.releaseSlot(recipientID, s)
		return nil, ctx.Err()
	}
}

// tryLock は待たずにフラッシュ権の取得を試みる。
func (g *flushGuard) tryLock(recipientID string) (func(), bool) {
	s := g.acquireSlot(recipientID)
	select {
	case s.sem <- struct{}{}:
		return g.unlocker(recipientID, s), true
	default:
		g.releaseSlot(recipientID, s)
		return nil, false
	}
}

func (g *flushGuard) unlocker(recipientID string, s *flushSlot) func() {
	return func() {
		<-s.sem
		g.releaseSlot(recipientID, s)
	}
}

// inFlight は管理中のエントリ数を返す。
func (g *flushGuard) inFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
