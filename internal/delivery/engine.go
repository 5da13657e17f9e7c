package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nao1215/pushhub/internal/registry"
	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/logx"
	"github.com/nao1215/pushhub/pkg/payload"
)

// Result は1受信者への配信結果の種類。
type Result string

const (
	// Delivered はライブな接続へ直接送信できたことを表す。
	Delivered Result = "DELIVERED"
	// Queued は未配信キューに保存したことを表す。
	Queued Result = "QUEUED"
	// Failed はキューへの保存にも失敗し、通知を受け付けられなかったことを表す。
	Failed Result = "FAILED"
)

// Outcome は1受信者への配信結果。
type Outcome struct {
	// Result は配信結果の種類。
	Result Result `json:"result"`
	// NotificationID はキューに保存した未配信通知のID。直接配信できた場合は空。
	NotificationID string `json:"notification_id,omitempty"`
}

// SendOptions は配信時のオプション。
type SendOptions struct {
	// SendAt は予約送信の日時。未来の日時なら直接配信せずにキューへ保存する。
	SendAt *time.Time
}

// Engine は通知の配信エンジン。
type Engine struct {
	registry *registry.Registry
	queue    store.QueueStore
	logs     store.LogStore
	log      logx.Logger

	now          func() time.Time
	newID        func() string
	queuedStatus store.Status
	ratePerSec   int

	flushes *flushGuard
}

// Option はEngineの設定を変更する関数。
type Option func(*Engine)

// WithLogger はエンジンが使うロガーを設定する。
func WithLogger(l logx.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock は現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator は未配信通知と配信ログのID生成関数を設定する。
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// WithQueuedLogStatus はキューに保存した通知を配信ログに記録するときの状態を設定する。
// StatusSuccessなら「受け付け済み」、StatusPendingなら「未配信」として記録する。
// 予約送信は設定によらずStatusPendingで記録する。
func WithQueuedLogStatus(s store.Status) Option {
	return func(e *Engine) {
		if s == store.StatusSuccess || s == store.StatusPending {
			e.queuedStatus = s
		}
	}
}

// WithRateLimit はDeliverBatchでの1秒あたりの配信数の上限を設定する。0以下なら無制限。
func WithRateLimit(perSecond int) Option {
	return func(e *Engine) { e.ratePerSec = perSecond }
}

// New は配信エンジンを生成する。
func New(reg *registry.Registry, queue store.QueueStore, logs store.LogStore, opts ...Option) *Engine {
	e := &Engine{
		registry:     reg,
		queue:        queue,
		logs:         logs,
		log:          logx.Nop(),
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
		queuedStatus: store.StatusSuccess,
		flushes:      newFlushGuard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueuedLogStatus はキュー保存時に配信ログへ記録する状態を返す。
func (e *Engine) QueuedLogStatus() store.Status {
	return e.queuedStatus
}

// DeliverOrQueue は受信者へ通知を配信する。
// 受信者がオンラインなら直接送信し、オフラインまたは送信に失敗した場合は未配信キューに保存する。
// 送信に失敗した接続はレジストリから外して閉じる。
// エラーは返さず、結果はOutcomeで表す。
func (e *Engine) DeliverOrQueue(ctx context.Context, recipientID string, p payload.Payload, opts SendOptions) Outcome {
	now := e.now()
	scheduled := opts.SendAt != nil && opts.SendAt.After(now)
	log := e.log.With(logx.String("recipient_id", recipientID), logx.String("kind", string(p.Kind())))

	if !scheduled {
		if conn, ok := e.registry.Lookup(recipientID); ok {
			err := conn.Send(ctx, p)
			if err == nil {
				e.appendLog(ctx, recipientID, "", p.Kind(), store.StatusSuccess)
				log.Debug("通知を直接配信しました")
				return Outcome{Result: Delivered}
			}
			log.Warn("通知の送信に失敗したためキューに保存します", logx.Err(err))
			e.evict(recipientID, conn)
		}
	}

	n := store.PendingNotification{
		ID:          e.newID(),
		RecipientID: recipientID,
		Payload:     p,
		CreatedAt:   now,
	}
	if scheduled {
		sendAt := opts.SendAt.UTC()
		n.SendAt = &sendAt
	}
	if !e.bestEffort(ctx, "未配信通知の保存", func(ctx context.Context) error {
		return e.queue.Insert(ctx, n)
	}, logx.String("recipient_id", recipientID), logx.String("notification_id", n.ID)) {
		e.appendLog(ctx, recipientID, n.ID, p.Kind(), store.StatusFailed)
		return Outcome{Result: Failed}
	}

	status := e.queuedStatus
	if scheduled {
		status = store.StatusPending
	}
	e.appendLog(ctx, recipientID, n.ID, p.Kind(), status)
	log.Debug("通知をキューに保存しました",
		logx.String("notification_id", n.ID),
		logx.Bool("scheduled", scheduled))
	return Outcome{Result: Queued, NotificationID: n.ID}
}

// ErrFlushAborted は送信失敗によりフラッシュを途中で打ち切ったことを表す。
var ErrFlushAborted = errors.New("送信に失敗したためフラッシュを中断しました")

// FlushResult はフラッシュの結果。
type FlushResult struct {
	// Delivered は送信できた通知の件数。
	Delivered int `json:"delivered"`
	// Deferred は予約日時前のためキューに残した通知の件数。
	Deferred int `json:"deferred"`
}

// FlushPending は受信者の未配信通知を挿入順に現在の接続へ送信する。
// 送信できた通知はその都度キューから削除する。
// 送信に失敗した時点で残りの通知はキューに残したまま中断し、接続をレジストリから外して閉じる。
// 予約日時前の通知は中断せずに読み飛ばす。
// 受信者が接続していない場合は何もしない。
// 同じ受信者のフラッシュが実行中なら、その完了を待ってから残りの通知を送る。
func (e *Engine) FlushPending(ctx context.Context, recipientID string) (FlushResult, error) {
	unlock, err := e.flushes.lock(ctx, recipientID)
	if err != nil {
		return FlushResult{}, err
	}
	defer unlock()
	return e.flush(ctx, recipientID)
}

// TryFlushPending は同じ受信者のフラッシュが実行中でなければFlushPendingと同じ処理を行う。
// 実行中だった場合は何もせず、okにfalseを返す。
func (e *Engine) TryFlushPending(ctx context.Context, recipientID string) (res FlushResult, ok bool, err error) {
	unlock, ok := e.flushes.tryLock(recipientID)
	if !ok {
		return FlushResult{}, false, nil
	}
	defer unlock()
	res, err = e.flush(ctx, recipientID)
	return res, true, err
}

func (e *Engine) flush(ctx context.Context, recipientID string) (FlushResult, error) {
	var res FlushResult

	conn, ok := e.registry.Lookup(recipientID)
	if !ok {
		return res, nil
	}

	items, err := e.queue.ListByRecipient(ctx, recipientID)
	if err != nil {
		return res, fmt.Errorf("未配信通知の取得に失敗: %w", err)
	}
	if len(items) == 0 {
		return res, nil
	}

	now := e.now()
	for _, n := range items {
		if !n.Due(now) {
			res.Deferred++
			continue
		}

		if err := conn.Send(ctx, n.Payload); err != nil {
			e.evict(recipientID, conn)
			return res, fmt.Errorf("%w: notification_id=%s: %w", ErrFlushAborted, n.ID, err)
		}
		res.Delivered++

		e.bestEffort(ctx, "配信済み通知の削除", func(ctx context.Context) error {
			return e.queue.Delete(ctx, n.ID)
		}, logx.String("recipient_id", recipientID), logx.String("notification_id", n.ID))

		// PENDINGで記録した通知は配信完了を追記して閉じる
		if e.queuedStatus == store.StatusPending || n.SendAt != nil {
			e.appendLog(ctx, recipientID, n.ID, n.Payload.Kind(), store.StatusSuccess)
		}
	}

	if res.Delivered > 0 {
		e.log.Info("未配信通知をフラッシュしました",
			logx.String("recipient_id", recipientID),
			logx.Int("delivered", res.Delivered),
			logx.Int("deferred", res.Deferred))
	}
	return res, nil
}

// BatchResult は複数受信者への配信結果の集計。
type BatchResult struct {
	// Attempted は配信を試みた受信者数。
	Attempted int `json:"attempted"`
	// Delivered は直接配信できた受信者数。
	Delivered int `json:"delivered"`
	// Queued はキューに保存した受信者数。
	Queued int `json:"queued"`
	// Failed は通知を受け付けられなかった受信者数。
	Failed int `json:"failed"`
}

// Add は1受信者の結果を集計に加える。
func (r *BatchResult) Add(o Outcome) {
	r.Attempted++
	switch o.Result {
	case Delivered:
		r.Delivered++
	case Queued:
		r.Queued++
	case Failed:
		r.Failed++
	}
}

// DeliverBatch は複数の受信者へ同じ通知を配信し、結果を集計する。
// 同じ受信者IDが複数含まれていても配信は1回だけ行う。
// 1受信者の失敗は他の受信者の配信に影響しない。
func (e *Engine) DeliverBatch(ctx context.Context, recipientIDs []string, p payload.Payload, opts SendOptions) BatchResult {
	var (
		res  BatchResult
		seen = make(map[string]struct{}, len(recipientIDs))
		lim  *rate.Limiter
	)
	if e.ratePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(e.ratePerSec), e.ratePerSec)
	}

	for _, id := range recipientIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				// 呼び出し元がキャンセルされても残りの受信者はキューへ保存する
				e.log.Warn("配信レート制限の待機を中断しました", logx.Err(err))
				lim = nil
			}
		}
		res.Add(e.DeliverOrQueue(ctx, id, p, opts))
	}

	e.log.Info("一括配信が完了しました",
		logx.String("kind", string(p.Kind())),
		logx.Int("attempted", res.Attempted),
		logx.Int("delivered", res.Delivered),
		logx.Int("queued", res.Queued),
		logx.Int("failed", res.Failed))
	return res
}

// BroadcastResult は全接続への一斉送信の結果。
type BroadcastResult struct {
	// Attempted は送信を試みた接続数。
	Attempted int `json:"attempted"`
	// Delivered は送信できた接続数。
	Delivered int `json:"delivered"`
	// Failed は送信に失敗して切断した接続数。
	Failed int `json:"failed"`
}

// Broadcast は現在接続中の全受信者へ通知を送信する。
// オフラインの受信者向けにキューへは保存しない。送信に失敗した接続は切断する。
func (e *Engine) Broadcast(ctx context.Context, p payload.Payload) BroadcastResult {
	var res BroadcastResult

	for _, entry := range e.registry.Snapshot() {
		res.Attempted++
		if err := entry.Conn.Send(ctx, p); err != nil {
			res.Failed++
			e.log.Warn("一斉送信に失敗した接続を切断します",
				logx.String("recipient_id", entry.RecipientID), logx.Err(err))
			e.evict(entry.RecipientID, entry.Conn)
			e.appendLog(ctx, entry.RecipientID, "", p.Kind(), store.StatusFailed)
			continue
		}
		res.Delivered++
		e.appendLog(ctx, entry.RecipientID, "", p.Kind(), store.StatusSuccess)
	}
	return res
}

// evict は送信に失敗した接続をレジストリから外して閉じる。
// 既に新しい接続に置き換わっている場合、新しい接続は残す。
func (e *Engine) evict(recipientID string, conn registry.Conn) {
	if e.registry.Unregister(recipientID, conn) {
		e.log.Info("応答しない接続をレジストリから外しました", logx.String("recipient_id", recipientID))
	}
	if err := conn.Close(); err != nil {
		e.log.Debug("接続のクローズに失敗", logx.String("recipient_id", recipientID), logx.Err(err))
	}
}

// appendLog は配信ログを1件追記する。失敗してもログに記録するだけ。
func (e *Engine) appendLog(ctx context.Context, recipientID, notificationID string, kind payload.Kind, status store.Status) {
	l := store.DeliveryLog{
		ID:             e.newID(),
		RecipientID:    recipientID,
		NotificationID: notificationID,
		Kind:           kind,
		Status:         status,
		Timestamp:      e.now(),
	}
	e.bestEffort(ctx, "配信ログの記録", func(ctx context.Context) error {
		return e.logs.Append(ctx, l)
	}, logx.String("recipient_id", recipientID), logx.String("status", string(status)))
}
