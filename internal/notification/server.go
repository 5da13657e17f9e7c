package notification

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/pushhub/internal/config"
	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/internal/registry"
	"github.com/nao1215/pushhub/internal/session"
	"github.com/nao1215/pushhub/internal/store"
	"github.com/nao1215/pushhub/pkg/logx"
	"github.com/nao1215/pushhub/pkg/middleware"
	"github.com/nao1215/pushhub/pkg/payload"
)

// maxLogLimit は配信ログ一覧で一度に返す最大件数。
const maxLogLimit = 500

const readHeaderTimeout = 10 * time.Second

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービス全体の設定。
	cfg config.Config
	// registry は接続中の受信者を管理する。
	registry *registry.Registry
	// engine は通知の配信エンジン。
	engine *delivery.Engine
	// queue は未配信通知の参照に使う。
	queue store.QueueStore
	// logs は配信ログの参照に使う。
	logs store.LogStore
	// sessions はWebSocketセッションを受け付ける。
	sessions *session.Handler
	log      logx.Logger
}

// NewServer は新しい通知サーバーを生成する。
// queueとlogsはengineに渡したものと同じストアを指定する。
func NewServer(cfg config.Config, reg *registry.Registry, engine *delivery.Engine, queue store.QueueStore, logs store.LogStore, log logx.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.RequestLogger(log, "/health"))
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))

	s := &Server{
		router:   router,
		cfg:      cfg,
		registry: reg,
		engine:   engine,
		queue:    queue,
		logs:     logs,
		sessions: session.NewHandler(reg, engine, session.Config{
			WriteTimeout:    cfg.Session.WriteTimeout,
			PingInterval:    cfg.Session.PingInterval,
			PongWait:        cfg.Session.PongWait,
			CloseSuperseded: cfg.Session.CloseSuperseded,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
		}, log),
		log: log,
	}
	s.setupRoutes()

	return s
}

// Handler はルーティング済みのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
// シャットダウン時は接続中のWebSocketセッションも閉じる。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("通知サービスを起動します", logx.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	// ハイジャック済みのWebSocketはShutdownの対象外
	closed := s.closeSessions()
	s.log.Info("通知サービスを停止しました", logx.Int("closed_sessions", closed))

	if err != nil {
		return fmt.Errorf("HTTPサーバーのシャットダウンに失敗: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// closeSessions は登録中の全接続を閉じ、閉じた数を返す。
func (s *Server) closeSessions() int {
	entries := s.registry.Snapshot()
	for _, e := range entries {
		_ = e.Conn.Close()
	}
	return len(entries)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())

	// WebSocket接続（受信者ごとに1本）
	s.router.GET("/ws/notifications/:user_id", s.handleWebSocket())

	// Groupは生成時点の親のミドルウェアを引き継ぐため、先に認証方式を決める
	authMW := headerIdentity()
	var roleMW []gin.HandlerFunc
	if s.cfg.Auth.Enabled {
		authMW = middleware.JWTAuth(s.cfg.Auth.JWTSecret)
		roleMW = append(roleMW, middleware.RequireRole(middleware.RoleService, middleware.RoleAdmin))
	}

	api := s.router.Group("/api/v1", authMW)
	internal := api.Group("/internal", roleMW...)

	{
		// 上流サービスからの通知送信
		internal.POST("/send", s.handleSend())
		// 接続中の全受信者への一斉送信
		internal.POST("/broadcast", s.handleBroadcast())
		// 接続状況
		internal.GET("/connections", s.handleConnections())
		// 受信者ごとの未配信通知と配信ログ
		internal.GET("/recipients/:user_id/pending", s.handleRecipientPending())
		internal.GET("/recipients/:user_id/logs", s.handleRecipientLogs())
	}

	notifications := api.Group("/notifications")
	{
		// 認証済みユーザー自身の未配信通知
		notifications.GET("/pending", s.handleOwnPending())
	}
}

// headerIdentity は認証を無効にした場合に使うミドルウェア。
// X-User-IDヘッダーをユーザーIDとして扱い、管理者ロールを与える。
func headerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			c.Set("user_id", userID)
		}
		c.Set("role", middleware.RoleAdmin)
		c.Next()
	}
}

// handleHealth はヘルスチェックのハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"service":     "notification",
			"connections": s.registry.Len(),
		})
	}
}

// handleWebSocket はWebSocketセッションを開始するハンドラ。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.sessions.Serve(c.Writer, c.Request, c.Param("user_id"))
	}
}

// handleSend は通知送信リクエストを受け付けるハンドラ。
// 受信者ごとに直接配信またはキュー保存を行い、集計結果を返す。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req delivery.SendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		result, err := s.engine.Send(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, result)
	}
}

// broadcastRequest は一斉送信のリクエストボディ。
type broadcastRequest struct {
	// Payload は配信する通知本体。
	Payload payload.Payload `json:"payload"`
}

// handleBroadcast は接続中の全受信者へ通知を送るハンドラ。
func (s *Server) handleBroadcast() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req broadcastRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}
		if err := req.Payload.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("payloadが不正です: %v", err)})
			return
		}

		c.JSON(http.StatusOK, s.engine.Broadcast(c.Request.Context(), req.Payload))
	}
}

// handleConnections は接続中の受信者一覧を返すハンドラ。
func (s *Server) handleConnections() gin.HandlerFunc {
	return func(c *gin.Context) {
		ids := s.registry.IDs()
		c.JSON(http.StatusOK, gin.H{
			"count":      len(ids),
			"recipients": ids,
		})
	}
}

// handleRecipientPending は指定受信者の未配信通知を返すハンドラ。
func (s *Server) handleRecipientPending() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.writePending(c, c.Param("user_id"))
	}
}

// handleOwnPending は認証済みユーザー自身の未配信通知を返すハンドラ。
func (s *Server) handleOwnPending() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}
		s.writePending(c, userID)
	}
}

func (s *Server) writePending(c *gin.Context, recipientID string) {
	items, err := s.queue.ListByRecipient(c.Request.Context(), recipientID)
	if err != nil {
		s.log.Error("未配信通知の取得に失敗", logx.String("recipient_id", recipientID), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "未配信通知の取得に失敗しました"})
		return
	}
	if items == nil {
		items = []store.PendingNotification{}
	}
	c.JSON(http.StatusOK, items)
}

// handleRecipientLogs は指定受信者の配信ログを新しい順に返すハンドラ。
func (s *Server) handleRecipientLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipientID := c.Param("user_id")

		limit := store.DefaultLogLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数で指定してください"})
				return
			}
			limit = min(n, maxLogLimit)
		}

		logs, err := s.logs.ListLogs(c.Request.Context(), recipientID, limit)
		if err != nil {
			s.log.Error("配信ログの取得に失敗", logx.String("recipient_id", recipientID), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "配信ログの取得に失敗しました"})
			return
		}
		if logs == nil {
			logs = []store.DeliveryLog{}
		}
		c.JSON(http.StatusOK, logs)
	}
}
