// 通知サービスの開発用CLI。
//
//	notifyctl listen -server ws://127.0.0.1:8086/ws/notifications/ -user user-123
//	notifyctl send -host http://127.0.0.1:8086 -token T -user u1,u2 -kind TEST -message hi
//	notifyctl token -secret dev-secret-key -user campaign-service -role service
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/pkg/httpclient"
	"github.com/nao1215/pushhub/pkg/middleware"
	"github.com/nao1215/pushhub/pkg/payload"
)

const usage = `使い方: notifyctl <command> [flags]

commands:
  listen  WebSocketで接続し、受信した通知を表示する
  send    通知送信APIを呼び出す
  token   開発用のJWTトークンを発行する
`

// reconnectDelay はlistenで切断された後に再接続するまでの待ち時間。
const reconnectDelay = 2 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "listen":
		err = runListen(ctx, os.Args[2:], os.Stdout)
	case "send":
		err = runSend(ctx, os.Args[2:], os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "不明なコマンドです: %s\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// runListen は受信者として接続し、切断されるたびに再接続する。
func runListen(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("listen", flag.ContinueOnError)
	server := fs.String("server", "ws://127.0.0.1:8086/ws/notifications/", "WebSocketのベースURL")
	user := fs.String("user", "", "接続する受信者ID（必須）")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return errors.New("-user は必須です")
	}

	url := listenURL(*server, *user)
	for {
		err := listenOnce(ctx, url, out)
		if ctx.Err() != nil {
			fmt.Fprintln(out, "終了します")
			return nil
		}
		fmt.Fprintf(out, "接続エラー: %v\n%s後に再接続します...\n", err, reconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// listenOnce は1回分の接続を維持し、受信したメッセージを表示する。
func listenOnce(ctx context.Context, url string, out io.Writer) error {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer ws.Close()

	stopClose := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stopClose()

	fmt.Fprintf(out, "接続しました: %s\n", url)
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "RECV: %s\n", formatMessage(msg))
	}
}

// listenURL はベースURLと受信者IDから接続先URLを組み立てる。
func listenURL(server, user string) string {
	if !strings.HasSuffix(server, "/") {
		server += "/"
	}
	return server + user
}

// formatMessage はJSONなら整形し、そうでなければそのまま返す。
func formatMessage(msg []byte) string {
	var v any
	if err := json.Unmarshal(msg, &v); err != nil {
		return string(msg)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(msg)
	}
	return string(b)
}

// runSend は通知送信APIを呼び出して集計結果を表示する。
func runSend(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	host := fs.String("host", "http://127.0.0.1:8086", "APIのベースURL")
	token := fs.String("token", os.Getenv("PUSHHUB_TOKEN"), "Bearerトークン（環境変数 PUSHHUB_TOKEN でも指定可）")
	users := fs.String("user", "", "送信先の受信者ID（カンマ区切り、必須）")
	kind := fs.String("kind", string(payload.KindTest), "通知種別")
	title := fs.String("title", "", "タイトル")
	content := fs.String("content", "", "本文")
	message := fs.String("message", "", "メッセージ")
	ref := fs.String("ref", "", "参照ID")
	sendAt := fs.String("send-at", "", "予約送信の日時（RFC3339）")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req, err := buildSendRequest(*users, payload.Kind(*kind), *sendAt,
		payload.WithTitle(*title),
		payload.WithContent(*content),
		payload.WithMessage(*message),
		payload.WithReferenceID(*ref),
	)
	if err != nil {
		return err
	}

	var opts []httpclient.Option
	if *token != "" {
		opts = append(opts, httpclient.WithToken(*token))
	}
	client := httpclient.New(*host, opts...)

	var result delivery.BatchResult
	if err := client.PostJSON(ctx, "/api/v1/internal/send", req, &result); err != nil {
		return err
	}
	fmt.Fprintf(out, "attempted=%d delivered=%d queued=%d failed=%d\n",
		result.Attempted, result.Delivered, result.Queued, result.Failed)
	return nil
}

// buildSendRequest はフラグの値から送信リクエストを組み立てて検証する。
func buildSendRequest(users string, kind payload.Kind, sendAt string, opts ...payload.Option) (delivery.SendRequest, error) {
	req := delivery.SendRequest{
		Payload: payload.New(kind, opts...),
	}
	for u := range strings.SplitSeq(users, ",") {
		if u = strings.TrimSpace(u); u != "" {
			req.UserIDs = append(req.UserIDs, u)
		}
	}
	if sendAt != "" {
		t, err := time.Parse(time.RFC3339, sendAt)
		if err != nil {
			return delivery.SendRequest{}, fmt.Errorf("-send-at はRFC3339で指定してください: %w", err)
		}
		req.SendAt = &t
	}
	if err := req.Validate(); err != nil {
		return delivery.SendRequest{}, err
	}
	return req, nil
}

// runToken は開発用のJWTトークンを発行して表示する。
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "署名に使う秘密鍵（環境変数 JWT_SECRET でも指定可）")
	user := fs.String("user", "", "トークンのユーザーID（必須）")
	role := fs.String("role", middleware.RoleService, "ロール（service, admin, recipient）")
	ttl := fs.Duration("ttl", middleware.DefaultTokenTTL, "有効期限")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *secret == "" || *user == "" {
		return errors.New("-secret と -user は必須です")
	}
	switch *role {
	case middleware.RoleService, middleware.RoleAdmin, middleware.RoleRecipient:
	default:
		return fmt.Errorf("不明なロールです: %s", *role)
	}

	token, err := middleware.GenerateJWT(*secret, *user, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}
