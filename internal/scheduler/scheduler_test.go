package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/internal/registry"
	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/logx"
	"github.com/nao1215/pushhub/pkg/payload"
)

// recordingConn は受信した通知を記録するテスト用の接続。
type recordingConn struct {
	mu   sync.Mutex
	sent []string
}

func (c *recordingConn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := v.(payload.Payload); ok {
		c.sent = append(c.sent, p.Message())
	}
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// TestNew はSweeperの生成を検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("不正なcron指定はエラーになること", func(t *testing.T) {
		t.Parallel()
		if _, err := New(Config{Spec: "not a spec"}, registry.New(), nil, logx.Nop()); err == nil {
			t.Error("New()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("未指定ならデフォルトの間隔になること", func(t *testing.T) {
		t.Parallel()
		s, err := New(Config{}, registry.New(), nil, logx.Nop())
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		if s.cfg.Spec != DefaultSpec {
			t.Errorf("Spec = %q, want %q", s.cfg.Spec, DefaultSpec)
		}
	})
}

// TestSweep は予約送信の期限到来後の配信を検証する。
func TestSweep(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	reg := registry.New()
	mem := store.NewMemory()
	engine := delivery.New(reg, mem, mem, delivery.WithClock(clock))
	conn := &recordingConn{}
	reg.Register("u1", conn)
	reg.Register("u2", &recordingConn{})

	sendAt := now.Add(5 * time.Minute)
	engine.DeliverOrQueue(t.Context(), "u1", payload.New(payload.KindNewsletter, payload.WithMessage("weekly")),
		delivery.SendOptions{SendAt: &sendAt})

	s, err := New(Config{Enabled: true}, reg, engine, logx.Nop())
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}

	res := s.Sweep(t.Context())
	if res.Recipients != 2 || res.Delivered != 0 {
		t.Errorf("期限前のSweepResult = %+v, want Recipients=2 Delivered=0", res)
	}

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()

	res = s.Sweep(t.Context())
	if res.Delivered != 1 || res.Failed != 0 {
		t.Errorf("期限後のSweepResult = %+v, want Delivered=1", res)
	}
	if conn.count() != 1 {
		t.Errorf("u1への送信回数 = %d, want 1", conn.count())
	}
	items, err := mem.ListByRecipient(t.Context(), "u1")
	if err != nil {
		t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("未配信通知の件数 = %d, want 0", len(items))
	}
}

// TestStartStop はcronによる定期実行を検証する。
func TestStartStop(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	mem := store.NewMemory()
	engine := delivery.New(reg, mem, mem)
	conn := &recordingConn{}
	reg.Register("u1", conn)

	// 接続中に保存された通知を直接キューに入れ、次のスイープで届くことを確認する
	if err := mem.Insert(t.Context(), store.PendingNotification{
		ID:          "n1",
		RecipientID: "u1",
		Payload:     payload.New(payload.KindTest, payload.WithMessage("tick")),
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("Insert()でエラーが発生: %v", err)
	}

	s, err := New(Config{Enabled: true, Spec: "@every 1s"}, reg, engine, logx.Nop())
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start()でエラーが発生: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for conn.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop()でエラーが発生: %v", err)
	}
	if conn.count() != 1 {
		t.Errorf("送信回数 = %d, want 1", conn.count())
	}
}

// TestStartDisabled は無効時に何もしないことを検証する。
func TestStartDisabled(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Enabled: false}, registry.New(), nil, logx.Nop())
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	if err := s.Start(t.Context()); err != nil {
		t.Fatalf("Start()でエラーが発生: %v", err)
	}
	if s.c != nil {
		t.Error("無効なのにcronが起動した")
	}
	if err := s.Stop(t.Context()); err != nil {
		t.Errorf("Stop()でエラーが発生: %v", err)
	}
}

// blockingConn は最初のSendをreleaseが閉じられるまで止めるテスト用の接続。
type blockingConn struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (c *blockingConn) Send(_ context.Context, _ any) error {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	if first {
		close(c.started)
		<-c.release
	}
	return nil
}

func (c *blockingConn) Close() error { return nil }

func (c *blockingConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// TestSweepSkipsRecipientBeingFlushed は接続時のフラッシュ中の受信者を飛ばすことを検証する。
func TestSweepSkipsRecipientBeingFlushed(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	mem := store.NewMemory()
	engine := delivery.New(reg, mem, mem)

	// オフライン中に2件キューに入れておく
	for _, msg := range []string{"first", "second"} {
		engine.DeliverOrQueue(t.Context(), "u1", payload.New(payload.KindTest, payload.WithMessage(msg)), delivery.SendOptions{})
	}

	conn := &blockingConn{started: make(chan struct{}), release: make(chan struct{})}
	reg.Register("u1", conn)

	done := make(chan error, 1)
	go func() {
		_, err := engine.FlushPending(context.Background(), "u1")
		done <- err
	}()
	<-conn.started

	s, err := New(Config{Enabled: true}, reg, engine, logx.Nop())
	if err != nil {
		t.Fatalf("New()でエラーが発生: %v", err)
	}
	res := s.Sweep(t.Context())
	if res.Skipped != 1 || res.Recipients != 0 || res.Delivered != 0 {
		t.Errorf("SweepResult = %+v, want Skipped=1 Recipients=0 Delivered=0", res)
	}

	close(conn.release)
	if err := <-done; err != nil {
		t.Fatalf("FlushPending()でエラーが発生: %v", err)
	}
	if conn.count() != 2 {
		t.Errorf("送信回数 = %d, want 2", conn.count())
	}

	res = s.Sweep(t.Context())
	if res.Skipped != 0 || res.Recipients != 1 || res.Delivered != 0 {
		t.Errorf("フラッシュ完了後のSweepResult = %+v, want Recipients=1 Delivered=0", res)
	}
}
