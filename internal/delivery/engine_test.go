package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/pushhub/internal/registry"
	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/payload"
)

var (
	errSend  = errors.New("送信エラー")
	errStore = errors.New("ストアエラー")
)

// fakeConn はテスト用の接続。failAt回目以降のSendを失敗させる。
type fakeConn struct {
	mu     sync.Mutex
	sent   []payload.Payload
	calls  int
	failAt int
	closed bool
}

func (c *fakeConn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.failAt > 0 && c.calls >= c.failAt {
		return errSend
	}
	p, ok := v.(payload.Payload)
	if !ok {
		return fmt.Errorf("想定外の型: %T", v)
	}
	c.sent = append(c.sent, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, p := range c.sent {
		msgs = append(msgs, p.Message())
	}
	return msgs
}

func (c *fakeConn) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// failingQueue は保存に必ず失敗するキュー。
type failingQueue struct{ store.QueueStore }

func (failingQueue) Insert(context.Context, store.PendingNotification) error { return errStore }

// failingLogs は追記に必ず失敗するログストア。
type failingLogs struct{ store.LogStore }

func (failingLogs) Append(context.Context, store.DeliveryLog) error { return errStore }

// testClock はテスト用の時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv はテスト用のエンジンと依存先をまとめたもの。
type testEnv struct {
	engine *Engine
	reg    *registry.Registry
	mem    *store.Memory
	clock  *testClock
}

func setupTestEngine(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	reg := registry.New()
	mem := store.NewMemory()
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &testEnv{
		engine: New(reg, mem, mem, opts...),
		reg:    reg,
		mem:    mem,
		clock:  clock,
	}
}

func (env *testEnv) pending(t *testing.T, recipientID string) []store.PendingNotification {
	t.Helper()
	items, err := env.mem.ListByRecipient(t.Context(), recipientID)
	if err != nil {
		t.Fatalf("ListByRecipient()でエラーが発生: %v", err)
	}
	return items
}

func (env *testEnv) logs(t *testing.T, recipientID string) []store.DeliveryLog {
	t.Helper()
	logs, err := env.mem.ListLogs(t.Context(), recipientID, 0)
	if err != nil {
		t.Fatalf("ListLogs()でエラーが発生: %v", err)
	}
	return logs
}

func testPayload(message string) payload.Payload {
	return payload.New(payload.KindTest, payload.WithMessage(message))
}

// TestDeliverOrQueue は直接配信とキューへのフォールバックを検証する。
func TestDeliverOrQueue(t *testing.T) {
	t.Parallel()

	t.Run("オンラインの受信者へ直接配信されSUCCESSログのみ記録されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		conn := &fakeConn{}
		env.reg.Register("u1", conn)

		out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("hello"), SendOptions{})
		if out.Result != Delivered || out.NotificationID != "" {
			t.Errorf("Outcome = %+v, want Delivered", out)
		}
		if got := conn.messages(); len(got) != 1 || got[0] != "hello" {
			t.Errorf("送信内容 = %v, want [hello]", got)
		}
		if n := len(env.pending(t, "u1")); n != 0 {
			t.Errorf("未配信通知の件数 = %d, want 0", n)
		}
		logs := env.logs(t, "u1")
		if len(logs) != 1 || logs[0].Status != store.StatusSuccess {
			t.Errorf("配信ログ = %+v, want [SUCCESS]", logs)
		}
		if logs[0].Kind != payload.KindTest {
			t.Errorf("Kind = %q, want %q", logs[0].Kind, payload.KindTest)
		}
	})

	t.Run("オフラインの受信者の通知はキューに1件保存され送信されないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		other := &fakeConn{}
		env.reg.Register("u2", other)

		out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("later"), SendOptions{})
		if out.Result != Queued || out.NotificationID == "" {
			t.Errorf("Outcome = %+v, want Queued", out)
		}
		items := env.pending(t, "u1")
		if len(items) != 1 {
			t.Fatalf("未配信通知の件数 = %d, want 1", len(items))
		}
		if items[0].ID != out.NotificationID || items[0].SendAt != nil {
			t.Errorf("未配信通知 = %+v", items[0])
		}
		if !items[0].CreatedAt.Equal(env.clock.Now()) {
			t.Errorf("CreatedAt = %v, want %v", items[0].CreatedAt, env.clock.Now())
		}
		if other.callCount() != 0 {
			t.Errorf("他の受信者の接続へ送信された: %d回", other.callCount())
		}
		logs := env.logs(t, "u1")
		if len(logs) != 1 || logs[0].Status != store.StatusSuccess || logs[0].NotificationID != out.NotificationID {
			t.Errorf("配信ログ = %+v, want [SUCCESS]", logs)
		}
	})

	t.Run("予約送信は接続があっても送信されずPENDINGで記録されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		conn := &fakeConn{}
		env.reg.Register("u1", conn)

		sendAt := env.clock.Now().Add(time.Hour)
		out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("scheduled"), SendOptions{SendAt: &sendAt})
		if out.Result != Queued {
			t.Errorf("Result = %q, want %q", out.Result, Queued)
		}
		if conn.callCount() != 0 {
			t.Errorf("予約送信で直接送信された: %d回", conn.callCount())
		}
		items := env.pending(t, "u1")
		if len(items) != 1 || items[0].SendAt == nil || !items[0].SendAt.Equal(sendAt) {
			t.Errorf("未配信通知 = %+v, want SendAt=%v", items, sendAt)
		}
		logs := env.logs(t, "u1")
		if len(logs) != 1 || logs[0].Status != store.StatusPending {
			t.Errorf("配信ログ = %+v, want [PENDING]", logs)
		}
	})

	t.Run("過去の予約日時は即時送信として扱われること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		conn := &fakeConn{}
		env.reg.Register("u1", conn)

		sendAt := env.clock.Now().Add(-time.Minute)
		out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("now"), SendOptions{SendAt: &sendAt})
		if out.Result != Delivered {
			t.Errorf("Result = %q, want %q", out.Result, Delivered)
		}
	})

	t.Run("送信に失敗した接続は外されて閉じられ通知はキューに保存されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		conn := &fakeConn{failAt: 1}
		env.reg.Register("u1", conn)

		out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("retry"), SendOptions{})
		if out.Result != Queued {
			t.Errorf("Result = %q, want %q", out.Result, Queued)
		}
		if _, ok := env.reg.Lookup("u1"); ok {
			t.Error("失敗した接続がレジストリに残っている")
		}
		if !conn.closed {
			t.Error("失敗した接続が閉じられていない")
		}
		if n := len(env.pending(t, "u1")); n != 1 {
			t.Errorf("未配信通知の件数 = %d, want 1", n)
		}
	})

	t.Run("キュー保存時の状態をPENDINGに設定できること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t, WithQueuedLogStatus(store.StatusPending))

		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("x"), SendOptions{})
		logs := env.logs(t, "u1")
		if len(logs) != 1 || logs[0].Status != store.StatusPending {
			t.Errorf("配信ログ = %+v, want [PENDING]", logs)
		}
	})

	t.Run("キューへの保存に失敗するとFailedになりFAILEDで記録されること", func(t *testing.T) {
		t.Parallel()
		reg := registry.New()
		mem := store.NewMemory()
		engine := New(reg, failingQueue{mem}, mem)

		out := engine.DeliverOrQueue(t.Context(), "u1", testPayload("lost"), SendOptions{})
		if out.Result != Failed {
			t.Errorf("Result = %q, want %q", out.Result, Failed)
		}
		logs, err := mem.ListLogs(t.Context(), "u1", 0)
		if err != nil {
			t.Fatalf("ListLogs()でエラーが発生: %v", err)
		}
		if len(logs) != 1 || logs[0].Status != store.StatusFailed {
			t.Errorf("配信ログ = %+v, want [FAILED]", logs)
		}
	})

	t.Run("配信ログの記録に失敗しても配信結果は変わらないこと", func(t *testing.T) {
		t.Parallel()
		reg := registry.New()
		mem := store.NewMemory()
		engine := New(reg, mem, failingLogs{mem})
		conn := &fakeConn{}
		reg.Register("u1", conn)

		if out := engine.DeliverOrQueue(t.Context(), "u1", testPayload("a"), SendOptions{}); out.Result != Delivered {
			t.Errorf("Result = %q, want %q", out.Result, Delivered)
		}
		if out := engine.DeliverOrQueue(t.Context(), "u2", testPayload("b"), SendOptions{}); out.Result != Queued {
			t.Errorf("Result = %q, want %q", out.Result, Queued)
		}
	})
}

// TestFlushPending は再接続時のフラッシュを検証する。
func TestFlushPending(t *testing.T) {
	t.Parallel()

	t.Run("空のキューに対するフラッシュは2回続けても何もしないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		conn := &fakeConn{}
		env.reg.Register("u1", conn)

		for i := range 2 {
			res, err := env.engine.FlushPending(t.Context(), "u1")
			if err != nil {
				t.Fatalf("%d回目のFlushPending()でエラーが発生: %v", i+1, err)
			}
			if res != (FlushResult{}) {
				t.Errorf("%d回目の結果 = %+v, want 空", i+1, res)
			}
		}
		if conn.callCount() != 0 {
			t.Errorf("送信回数 = %d, want 0", conn.callCount())
		}
		if n := len(env.logs(t, "u1")); n != 0 {
			t.Errorf("配信ログの件数 = %d, want 0", n)
		}
	})

	t.Run("挿入順に全件送信されキューが空になること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)

		var want []string
		for i := range 5 {
			msg := fmt.Sprintf("msg-%d", i)
			want = append(want, msg)
			env.engine.DeliverOrQueue(t.Context(), "u1", testPayload(msg), SendOptions{})
		}

		conn := &fakeConn{}
		env.reg.Register("u1", conn)
		res, err := env.engine.FlushPending(t.Context(), "u1")
		if err != nil {
			t.Fatalf("FlushPending()でエラーが発生: %v", err)
		}
		if res.Delivered != 5 {
			t.Errorf("Delivered = %d, want 5", res.Delivered)
		}
		got := conn.messages()
		if len(got) != len(want) {
			t.Fatalf("送信内容 = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("[%d] = %q, want %q", i, got[i], want[i])
			}
		}
		if n := len(env.pending(t, "u1")); n != 0 {
			t.Errorf("未配信通知の件数 = %d, want 0", n)
		}
	})

	t.Run("3件中2件目の送信に失敗すると1件目だけが削除され3件目は試行されないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)

		var ids []string
		for i := range 3 {
			out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload(fmt.Sprintf("m%d", i+1)), SendOptions{})
			ids = append(ids, out.NotificationID)
		}

		conn := &fakeConn{failAt: 2}
		env.reg.Register("u1", conn)
		res, err := env.engine.FlushPending(t.Context(), "u1")
		if !errors.Is(err, ErrFlushAborted) {
			t.Errorf("FlushPending() error = %v, want ErrFlushAborted", err)
		}
		if res.Delivered != 1 {
			t.Errorf("Delivered = %d, want 1", res.Delivered)
		}
		if conn.callCount() != 2 {
			t.Errorf("送信試行回数 = %d, want 2", conn.callCount())
		}

		items := env.pending(t, "u1")
		if len(items) != 2 {
			t.Fatalf("未配信通知の件数 = %d, want 2", len(items))
		}
		if items[0].ID != ids[1] || items[1].ID != ids[2] {
			t.Errorf("残った通知 = [%s %s], want [%s %s]", items[0].ID, items[1].ID, ids[1], ids[2])
		}
		if _, ok := env.reg.Lookup("u1"); ok {
			t.Error("失敗した接続がレジストリに残っている")
		}
		if !conn.closed {
			t.Error("失敗した接続が閉じられていない")
		}
	})

	t.Run("接続していない受信者のフラッシュは何もしないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("x"), SendOptions{})

		res, err := env.engine.FlushPending(t.Context(), "u1")
		if err != nil || res != (FlushResult{}) {
			t.Errorf("FlushPending() = (%+v, %v), want 空", res, err)
		}
		if n := len(env.pending(t, "u1")); n != 1 {
			t.Errorf("未配信通知の件数 = %d, want 1", n)
		}
	})

	t.Run("予約日時前の通知は残し期限後に配信されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)

		sendAt := env.clock.Now().Add(10 * time.Minute)
		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("scheduled"), SendOptions{SendAt: &sendAt})
		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("now"), SendOptions{})

		conn := &fakeConn{}
		env.reg.Register("u1", conn)
		res, err := env.engine.FlushPending(t.Context(), "u1")
		if err != nil {
			t.Fatalf("FlushPending()でエラーが発生: %v", err)
		}
		if res.Delivered != 1 || res.Deferred != 1 {
			t.Errorf("結果 = %+v, want Delivered=1 Deferred=1", res)
		}
		if got := conn.messages(); len(got) != 1 || got[0] != "now" {
			t.Errorf("送信内容 = %v, want [now]", got)
		}

		env.clock.Advance(10 * time.Minute)
		res, err = env.engine.FlushPending(t.Context(), "u1")
		if err != nil {
			t.Fatalf("FlushPending()でエラーが発生: %v", err)
		}
		if res.Delivered != 1 || res.Deferred != 0 {
			t.Errorf("結果 = %+v, want Delivered=1 Deferred=0", res)
		}
		if n := len(env.pending(t, "u1")); n != 0 {
			t.Errorf("未配信通知の件数 = %d, want 0", n)
		}

		// 予約送信はPENDINGで記録され、配信時にSUCCESSが追記される
		logs := env.logs(t, "u1")
		if len(logs) != 3 || logs[0].Status != store.StatusSuccess || logs[2].Status != store.StatusPending {
			t.Errorf("配信ログ = %+v", logs)
		}
	})

	t.Run("PENDING設定ではフラッシュ時にSUCCESSが追記されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t, WithQueuedLogStatus(store.StatusPending))
		out := env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("x"), SendOptions{})

		env.reg.Register("u1", &fakeConn{})
		if _, err := env.engine.FlushPending(t.Context(), "u1"); err != nil {
			t.Fatalf("FlushPending()でエラーが発生: %v", err)
		}
		logs := env.logs(t, "u1")
		if len(logs) != 2 {
			t.Fatalf("配信ログの件数 = %d, want 2", len(logs))
		}
		if logs[0].Status != store.StatusSuccess || logs[0].NotificationID != out.NotificationID {
			t.Errorf("最新の配信ログ = %+v, want SUCCESS", logs[0])
		}
	})

	t.Run("SUCCESS設定ではフラッシュ時にログを追記しないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("x"), SendOptions{})

		env.reg.Register("u1", &fakeConn{})
		if _, err := env.engine.FlushPending(t.Context(), "u1"); err != nil {
			t.Fatalf("FlushPending()でエラーが発生: %v", err)
		}
		if n := len(env.logs(t, "u1")); n != 1 {
			t.Errorf("配信ログの件数 = %d, want 1", n)
		}
	})
}

// TestOfflineThenReconnect はオフライン中の通知が再接続時に届くシナリオを検証する。
func TestOfflineThenReconnect(t *testing.T) {
	t.Parallel()

	env := setupTestEngine(t)
	ctx := t.Context()

	env.engine.DeliverOrQueue(ctx, "u1", testPayload("hi"), SendOptions{})

	items := env.pending(t, "u1")
	if len(items) != 1 {
		t.Fatalf("未配信通知の件数 = %d, want 1", len(items))
	}
	if items[0].Payload.Kind() != payload.KindTest || items[0].Payload.Message() != "hi" {
		t.Errorf("Payload = %+v, want TEST/hi", items[0].Payload)
	}

	conn := &fakeConn{}
	env.reg.Register("u1", conn)
	if _, err := env.engine.FlushPending(ctx, "u1"); err != nil {
		t.Fatalf("FlushPending()でエラーが発生: %v", err)
	}

	if got := conn.messages(); len(got) != 1 || got[0] != "hi" {
		t.Errorf("送信内容 = %v, want [hi]", got)
	}
	if n := len(env.pending(t, "u1")); n != 0 {
		t.Errorf("未配信通知の件数 = %d, want 0", n)
	}
}

// TestDeliverBatch は一括配信の集計を検証する。
func TestDeliverBatch(t *testing.T) {
	t.Parallel()

	t.Run("直接配信とキュー保存が集計され重複は1回だけ配信されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		online := &fakeConn{}
		env.reg.Register("u1", online)

		res := env.engine.DeliverBatch(t.Context(), []string{"u1", "u2", "u3", "u1", ""}, testPayload("campaign"), SendOptions{})
		want := BatchResult{Attempted: 3, Delivered: 1, Queued: 2}
		if res != want {
			t.Errorf("BatchResult = %+v, want %+v", res, want)
		}
		if online.callCount() != 1 {
			t.Errorf("u1への送信回数 = %d, want 1", online.callCount())
		}
	})

	t.Run("1受信者の送信失敗が他の受信者に影響しないこと", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		broken := &fakeConn{failAt: 1}
		healthy := &fakeConn{}
		env.reg.Register("u1", broken)
		env.reg.Register("u2", healthy)

		res := env.engine.DeliverBatch(t.Context(), []string{"u1", "u2"}, testPayload("x"), SendOptions{})
		want := BatchResult{Attempted: 2, Delivered: 1, Queued: 1}
		if res != want {
			t.Errorf("BatchResult = %+v, want %+v", res, want)
		}
	})

	t.Run("保存に失敗した受信者はFailedとして数えられること", func(t *testing.T) {
		t.Parallel()
		mem := store.NewMemory()
		engine := New(registry.New(), failingQueue{mem}, mem)

		res := engine.DeliverBatch(t.Context(), []string{"u1", "u2"}, testPayload("x"), SendOptions{})
		want := BatchResult{Attempted: 2, Failed: 2}
		if res != want {
			t.Errorf("BatchResult = %+v, want %+v", res, want)
		}
	})

	t.Run("レート制限があっても全受信者が処理されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t, WithRateLimit(1000))

		ids := make([]string, 20)
		for i := range ids {
			ids[i] = fmt.Sprintf("u%d", i)
		}
		res := env.engine.DeliverBatch(t.Context(), ids, testPayload("x"), SendOptions{})
		if res.Attempted != 20 || res.Queued != 20 {
			t.Errorf("BatchResult = %+v, want Attempted=20 Queued=20", res)
		}
	})

	t.Run("キャンセル済みのコンテキストでも全受信者がキューに保存されること", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t, WithRateLimit(1))

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		res := env.engine.DeliverBatch(ctx, []string{"u1", "u2", "u3"}, testPayload("x"), SendOptions{})
		if res.Queued != 3 {
			t.Errorf("BatchResult = %+v, want Queued=3", res)
		}
	})
}

// TestBroadcast は全接続への一斉送信を検証する。
func TestBroadcast(t *testing.T) {
	t.Parallel()

	env := setupTestEngine(t)
	alive := &fakeConn{}
	dead := &fakeConn{failAt: 1}
	env.reg.Register("u1", alive)
	env.reg.Register("u2", dead)

	res := env.engine.Broadcast(t.Context(), testPayload("maintenance"))
	want := BroadcastResult{Attempted: 2, Delivered: 1, Failed: 1}
	if res != want {
		t.Errorf("BroadcastResult = %+v, want %+v", res, want)
	}
	if _, ok := env.reg.Lookup("u2"); ok {
		t.Error("失敗した接続がレジストリに残っている")
	}
	if _, ok := env.reg.Lookup("u1"); !ok {
		t.Error("正常な接続がレジストリから外された")
	}
	if n := len(env.pending(t, "u2")); n != 0 {
		t.Errorf("一斉送信でキューに保存された: %d件", n)
	}
}

// TestBestEffort は付随処理の失敗が握りつぶされることを検証する。
func TestBestEffort(t *testing.T) {
	t.Parallel()

	env := setupTestEngine(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	ok := env.engine.bestEffort(ctx, "テスト", func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	if !ok {
		t.Error("キャンセルが切り離されていない")
	}
	if env.engine.bestEffort(t.Context(), "テスト", func(context.Context) error { return errStore }) {
		t.Error("失敗時にtrueが返った")
	}
}

// gateConn は最初のSendをreleaseが閉じられるまで止める接続。
type gateConn struct {
	fakeConn
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gateConn) Send(ctx context.Context, v any) error {
	c.once.Do(func() {
		close(c.started)
		<-c.release
	})
	return c.fakeConn.Send(ctx, v)
}

// TestConcurrentFlush は同じ受信者へのフラッシュが重なっても通知が重複しないことを検証する。
func TestConcurrentFlush(t *testing.T) {
	t.Parallel()

	t.Run("後から来たフラッシュは先のフラッシュの完了を待つ", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		for _, msg := range []string{"m1", "m2", "m3"} {
			env.engine.DeliverOrQueue(t.Context(), "u1", testPayload(msg), SendOptions{})
		}

		conn := &gateConn{started: make(chan struct{}), release: make(chan struct{})}
		env.reg.Register("u1", conn)

		first := make(chan FlushResult, 1)
		go func() {
			res, _ := env.engine.FlushPending(context.Background(), "u1")
			first <- res
		}()
		<-conn.started

		second := make(chan FlushResult, 1)
		go func() {
			res, _ := env.engine.FlushPending(context.Background(), "u1")
			second <- res
		}()

		close(conn.release)
		r1, r2 := <-first, <-second
		if r1.Delivered+r2.Delivered != 3 {
			t.Errorf("配信件数の合計 = %d, want 3", r1.Delivered+r2.Delivered)
		}
		if got := conn.messages(); len(got) != 3 || got[0] != "m1" || got[1] != "m2" || got[2] != "m3" {
			t.Errorf("送信順 = %v, want [m1 m2 m3]", got)
		}
		if n := env.engine.flushes.inFlight(); n != 0 {
			t.Errorf("フラッシュ管理のエントリが残っている: %d", n)
		}
	})

	t.Run("実行中ならTryFlushPendingは何もしない", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("m1"), SendOptions{})

		conn := &gateConn{started: make(chan struct{}), release: make(chan struct{})}
		env.reg.Register("u1", conn)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = env.engine.FlushPending(context.Background(), "u1")
		}()
		<-conn.started

		res, ok, err := env.engine.TryFlushPending(t.Context(), "u1")
		if ok || err != nil || res.Delivered != 0 {
			t.Errorf("TryFlushPending() = (%+v, %v, %v), want skipped", res, ok, err)
		}

		close(conn.release)
		<-done

		_, ok, err = env.engine.TryFlushPending(t.Context(), "u1")
		if !ok || err != nil {
			t.Errorf("完了後のTryFlushPending() ok=%v err=%v, want ok", ok, err)
		}
		if got := conn.messages(); len(got) != 1 {
			t.Errorf("送信回数 = %d, want 1", len(got))
		}
	})

	t.Run("待機中にキャンセルされるとエラーを返す", func(t *testing.T) {
		t.Parallel()
		env := setupTestEngine(t)
		env.engine.DeliverOrQueue(t.Context(), "u1", testPayload("m1"), SendOptions{})

		conn := &gateConn{started: make(chan struct{}), release: make(chan struct{})}
		env.reg.Register("u1", conn)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = env.engine.FlushPending(context.Background(), "u1")
		}()
		<-conn.started

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		if _, err := env.engine.FlushPending(ctx, "u1"); !errors.Is(err, context.Canceled) {
			t.Errorf("FlushPending() error = %v, want context.Canceled", err)
		}

		close(conn.release)
		<-done
	})
}
