package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/nao1215/pushhub/internal/delivery"
	"github.com/nao1215/pushhub/pkg/logx"
)

const (
	// DefaultTopic はトピック名のデフォルト値。
	DefaultTopic = "notifications.send"
	// DefaultChannel はチャンネル名のデフォルト値。
	DefaultChannel = "pushhub"

	defaultHandleTimeout = 30 * time.Second
	userAgent            = "pushhub"
)

var (
	// ErrTopicRequired はトピック名が未指定の場合のエラー。
	ErrTopicRequired = errors.New("NSQのトピック名が未指定です")
	// ErrChannelRequired はチャンネル名が未指定の場合のエラー。
	ErrChannelRequired = errors.New("NSQのチャンネル名が未指定です")
	// ErrNoAddress はnsqdとnsqlookupdのどちらのアドレスも未指定の場合のエラー。
	ErrNoAddress = errors.New("nsqdまたはnsqlookupdのアドレスが未指定です")
)

// Config はNSQコンシューマーの設定。
type Config struct {
	Topic            string        `yaml:"topic"`
	Channel          string        `yaml:"channel"`
	NsqdAddresses    []string      `yaml:"nsqd_addresses"`
	LookupdAddresses []string      `yaml:"lookupd_addresses"`
	MaxInFlight      int           `yaml:"max_in_flight"`
	Concurrency      int           `yaml:"concurrency"`
	HandleTimeout    time.Duration `yaml:"handle_timeout"`
}

// Validate は設定を検証する。
func (c Config) Validate() error {
	if c.Topic == "" {
		return ErrTopicRequired
	}
	if c.Channel == "" {
		return ErrChannelRequired
	}
	if len(c.NsqdAddresses) == 0 && len(c.LookupdAddresses) == 0 {
		return ErrNoAddress
	}
	return nil
}

// Sender は送信リクエストを配信する。
type Sender interface {
	Send(ctx context.Context, req delivery.SendRequest) (delivery.BatchResult, error)
}

// Handler は1件のNSQメッセージを処理する。
type Handler struct {
	sender  Sender
	log     logx.Logger
	timeout time.Duration
}

// NewHandler はメッセージハンドラーを生成する。
func NewHandler(sender Sender, log logx.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = defaultHandleTimeout
	}
	return &Handler{sender: sender, log: log, timeout: timeout}
}

// HandleMessage はnsq.Handlerを実装する。常にnilを返してメッセージをFINISHする。
func (h *Handler) HandleMessage(m *nsq.Message) error {
	log := h.log.With(logx.String("nsq_message_id", string(m.ID[:])))

	var req delivery.SendRequest
	if err := json.Unmarshal(m.Body, &req); err != nil {
		log.Warn("送信リクエストのデコードに失敗したため破棄します", logx.Err(err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	res, err := h.sender.Send(ctx, req)
	if err != nil {
		log.Warn("不正な送信リクエストを破棄します", logx.Err(err))
		return nil
	}
	log.Debug("NSQ経由の送信リクエストを処理しました",
		logx.Int("attempted", res.Attempted),
		logx.Int("delivered", res.Delivered),
		logx.Int("queued", res.Queued),
		logx.Int("failed", res.Failed))
	return nil
}

// Consumer はNSQのトピックを購読するコンシューマー。
type Consumer struct {
	cfg      Config
	consumer *nsq.Consumer
	log      logx.Logger
}

// NewConsumer はNSQコンシューマーを生成する。接続はStartで行う。
func NewConsumer(cfg Config, sender Sender, log logx.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	nsqCfg := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		nsqCfg.MaxInFlight = cfg.MaxInFlight
	}
	nsqCfg.UserAgent = userAgent

	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("NSQコンシューマーの作成に失敗: %w", err)
	}
	consumer.SetLogger(nsqLogger{log: log}, nsq.LogLevelWarning)
	consumer.AddConcurrentHandlers(NewHandler(sender, log, cfg.HandleTimeout), cfg.Concurrency)

	return &Consumer{cfg: cfg, consumer: consumer, log: log}, nil
}

// Start はnsqdまたはnsqlookupdに接続してメッセージの受信を開始する。
func (c *Consumer) Start() error {
	if len(c.cfg.NsqdAddresses) > 0 {
		if err := c.consumer.ConnectToNSQDs(c.cfg.NsqdAddresses); err != nil {
			return fmt.Errorf("nsqdへの接続に失敗: %w", err)
		}
	}
	if len(c.cfg.LookupdAddresses) > 0 {
		if err := c.consumer.ConnectToNSQLookupds(c.cfg.LookupdAddresses); err != nil {
			return fmt.Errorf("nsqlookupdへの接続に失敗: %w", err)
		}
	}
	c.log.Info("NSQの購読を開始しました",
		logx.String("topic", c.cfg.Topic),
		logx.String("channel", c.cfg.Channel))
	return nil
}

// Stop は受信を停止し、処理中のメッセージの完了を待つ。
func (c *Consumer) Stop(ctx context.Context) error {
	c.consumer.Stop()
	select {
	case <-c.consumer.StopChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nsqLogger はgo-nsqのログをlogxに流す。
type nsqLogger struct {
	log logx.Logger
}

// Output はgo-nsqのロガーインターフェースを実装する。
func (l nsqLogger) Output(_ int, s string) error {
	msg := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(msg, "ERR"):
		l.log.Error(msg)
	case strings.HasPrefix(msg, "WRN"):
		l.log.Warn(msg)
	default:
		l.log.Debug(msg)
	}
	return nil
}
