package payload

import (
	"encoding/json"
	"fmt"
)

// Encode はペイロードを保存用のJSONバイト列に変換する。
func Encode(p Payload) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Decode は保存されたJSONバイト列をペイロードに戻す。
func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// DecodeData は追加フィールドを指定された型にデシリアライズする。
// 注文更新など送信元ごとの構造化データを取り出すために使用する。
func DecodeData[T any](p Payload) (*T, error) {
	raw, err := json.Marshal(p.data)
	if err != nil {
		return nil, fmt.Errorf("追加フィールドのシリアライズに失敗: %w", err)
	}
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("追加フィールドのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
