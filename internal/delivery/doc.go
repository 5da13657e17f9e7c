// Package delivery は通知の直接配信と未配信キューへのフォールバックを提供する。
//
// Engineは通知を生成する全ての経路（キャンペーン送信、ニュースレター送信、
// 注文更新、テスト送信）から呼ばれる唯一の入口である。
// 受信者がオンラインなら接続へ直接送信し、オフラインまたは送信に失敗した場合は
// 未配信キューに保存して次回接続時のフラッシュで配信する。
//
// ストアや配信ログへの書き込みはベストエフォートで行い、失敗はログに記録するだけで
// 呼び出し側にエラーとして返さない。
package delivery
