package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Kind は通知の種別を表す。WebSocketに送るJSONの "type" フィールドになる。
type Kind string

const (
	// KindCampaign はキャンペーン送信による通知を表す。
	KindCampaign Kind = "CAMPAIGN"
	// KindNewsletter はニュースレター送信による通知を表す。
	KindNewsletter Kind = "NEWSLETTER"
	// KindOrderUpdate は注文状況の更新通知を表す。
	KindOrderUpdate Kind = "ORDER_UPDATE"
	// KindTest は管理画面からのテスト送信を表す。
	KindTest Kind = "TEST"
)

// ErrEmptyKind は種別が空のペイロードを検証した場合のエラー。
var ErrEmptyKind = errors.New("通知種別が空です")

// Payload は不変の通知ペイロード。
// ゼロ値は種別を持たないため Validate でエラーになる。
type Payload struct {
	kind        Kind
	title       string
	content     string
	referenceID string
	message     string
	data        map[string]any
}

// Option はNewで組み立てるペイロードのフィールドを設定する。
type Option func(*Payload)

// WithTitle はタイトルを設定する。
func WithTitle(title string) Option {
	return func(p *Payload) { p.title = title }
}

// WithContent は本文を設定する。
func WithContent(content string) Option {
	return func(p *Payload) { p.content = content }
}

// WithReferenceID はキャンペーンIDや注文ID等の参照IDを設定する。
func WithReferenceID(id string) Option {
	return func(p *Payload) { p.referenceID = id }
}

// WithMessage は短いメッセージを設定する。テスト送信で使用する。
func WithMessage(message string) Option {
	return func(p *Payload) { p.message = message }
}

// WithData は任意の追加フィールドを設定する。渡したマップはコピーされる。
func WithData(data map[string]any) Option {
	return func(p *Payload) {
		if len(data) == 0 {
			p.data = nil
			return
		}
		p.data = maps.Clone(data)
	}
}

// New は種別とオプションからペイロードを生成する。
func New(kind Kind, opts ...Option) Payload {
	p := Payload{kind: kind}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Kind は通知種別を返す。
func (p Payload) Kind() Kind { return p.kind }

// Title はタイトルを返す。
func (p Payload) Title() string { return p.title }

// Content は本文を返す。
func (p Payload) Content() string { return p.content }

// ReferenceID は参照IDを返す。
func (p Payload) ReferenceID() string { return p.referenceID }

// Message はメッセージを返す。
func (p Payload) Message() string { return p.message }

// Field は追加フィールドの値を返す。存在しない場合はfalseを返す。
func (p Payload) Field(key string) (any, bool) {
	v, ok := p.data[key]
	return v, ok
}

// Data は追加フィールドのコピーを返す。
func (p Payload) Data() map[string]any {
	return maps.Clone(p.data)
}

// Validate はペイロードが配信可能な状態かを検証する。
func (p Payload) Validate() error {
	if p.kind == "" {
		return ErrEmptyKind
	}
	return nil
}

// wire はペイロードのJSON表現。
type wire struct {
	Type        Kind           `json:"type"`
	Title       string         `json:"title,omitempty"`
	Content     string         `json:"content,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// MarshalJSON はペイロードをJSONにシリアライズする。
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire{
		Type:        p.kind,
		Title:       p.title,
		Content:     p.content,
		ReferenceID: p.referenceID,
		Message:     p.message,
		Data:        p.data,
	})
}

// UnmarshalJSON はJSONからペイロードを復元する。
func (p *Payload) UnmarshalJSON(b []byte) error {
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("ペイロードのデシリアライズに失敗: %w", err)
	}
	*p = Payload{
		kind:        w.Type,
		title:       w.Title,
		content:     w.Content,
		referenceID: w.ReferenceID,
		message:     w.Message,
		data:        w.Data,
	}
	return nil
}
