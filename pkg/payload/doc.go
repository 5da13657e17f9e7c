// Package payload は配信される通知ペイロードを定義する。
//
// ペイロードは種別タグ（type）とタイトル・本文・参照ID等のフィールドを持つ
// 不変の値である。生成後に変更する手段は提供しない。
// キャンペーン送信、ニュースレター送信、注文更新、テスト送信の
// すべての送信元がこの型を使って配信エンジンに通知を渡す。
package payload
