package session

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/internal/registry"
	"github.com/nao1215/pushhub/pkg/logx"
)

// Config はセッションの設定。
type Config struct {
	// WriteTimeout は1回の書き込みの期限。
	WriteTimeout time.Duration
	// PingInterval はサーバーからのPing送信間隔。0ならPingを送らない。
	PingInterval time.Duration
	// PongWait はPongを待つ時間。PingIntervalより長くなければならない。
	PongWait time.Duration
	// CloseSuperseded は同じ受信者の新しい接続が登録されたとき、古い接続を閉じるかどうか。
	CloseSuperseded bool
	// AllowedOrigins は接続を許可するOrigin。空なら全て許可する。
	AllowedOrigins []string
}

// DefaultWriteTimeout は書き込み期限のデフォルト値。
const DefaultWriteTimeout = 10 * time.Second

// readLimit は受信フレームの最大サイズ。受信内容は読み捨てるため小さく抑える。
const readLimit = 64 * 1024

// Flusher は接続直後に未配信通知をフラッシュする。
type Flusher interface {
	FlushPending(ctx context.Context, recipientID string) (delivery.FlushResult, error)
}

// Handler はWebSocketセッションを受け付けるハンドラー。
type Handler struct {
	registry *registry.Registry
	flusher  Flusher
	cfg      Config
	log      logx.Logger
	upgrader websocket.Upgrader
}

// NewHandler はセッションハンドラーを生成する。
func NewHandler(reg *registry.Registry, flusher Flusher, cfg Config, log logx.Logger) *Handler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval > 0 && cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 2
	}

	h := &Handler{
		registry: reg,
		flusher:  flusher,
		cfg:      cfg,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 || slices.Contains(h.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Serve はHTTPリクエストをWebSocketにアップグレードし、切断されるまでセッションを維持する。
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, recipientID string) {
	if recipientID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgraderがエラーレスポンスを書き込み済み
		h.log.Warn("WebSocketへのアップグレードに失敗", logx.String("recipient_id", recipientID), logx.Err(err))
		return
	}
	ws.SetReadLimit(readLimit)

	conn := NewConn(ws, h.cfg.WriteTimeout)
	log := h.log.With(logx.String("recipient_id", recipientID), logx.String("remote_addr", r.RemoteAddr))

	if prev, replaced := h.registry.Register(recipientID, conn); replaced {
		log.Info("既存の接続を新しい接続で置き換えました")
		if h.cfg.CloseSuperseded {
			_ = prev.Close()
		}
	}
	log.Info("クライアントが接続しました", logx.Int("connections", h.registry.Len()))

	defer func() {
		if h.registry.Unregister(recipientID, conn) {
			log.Info("クライアントが切断しました", logx.Int("connections", h.registry.Len()))
		}
		_ = conn.Close()
	}()

	if _, err := h.flusher.FlushPending(r.Context(), recipientID); err != nil {
		log.Warn("未配信通知のフラッシュに失敗", logx.Err(err))
	}

	done := make(chan struct{})
	defer close(done)
	if h.cfg.PingInterval > 0 {
		h.startPing(ws, conn, done, log)
	}

	h.readLoop(ws)
}

// readLoop は切断されるまで受信フレームを読み捨てる。
func (h *Handler) readLoop(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

// startPing は一定間隔でPingを送り、Pongを受け取るたびに読み込み期限を延長する。
func (h *Handler) startPing(ws *websocket.Conn, conn *Conn, done <-chan struct{}, log logx.Logger) {
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					log.Debug("Pingの送信に失敗", logx.Err(err))
					_ = conn.Close()
					return
				}
			}
		}
	}()
}
