package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/pushhub/internal/registry"
)

var _ registry.Conn = (*Conn)(nil)

// Conn はregistry.Connを満たすWebSocket接続。
// 書き込みは接続ごとのミューテックスで直列化し、書き込み期限を設定する。
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn はWebSocket接続をラップする。
func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// Send は値をJSONテキストフレームとして書き込む。
// 書き込み期限はwriteTimeoutとctxの期限のうち早い方になる。
func (c *Conn) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

// ping はPingフレームを送信する。
func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline(context.Background()))
}

// Close はクローズフレームを送ってから接続を閉じる。2回目以降の呼び出しは何もしない。
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, c.deadline(context.Background()))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.writeTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
