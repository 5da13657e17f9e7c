// Package ingest はNSQのトピックから送信リクエストを受け取り、配信エンジンへ渡す。
//
// メッセージ本体はHTTPの送信APIと同じJSON形式のdelivery.SendRequestである。
// 配信エンジンは失敗をエラーとして返さないため、メッセージは常にFINISHする。
// JSONとして解釈できないメッセージも再キューせずログに記録して破棄する。
package ingest
