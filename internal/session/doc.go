// Package session はWebSocket接続1本のライフサイクルを管理する。
//
// 接続を受け付けるとレジストリに登録し、その受信者の未配信通知をフラッシュしてから、
// 切断されるまで受信フレームを読み捨てる。切断時には自分自身の登録だけを解除する。
// 通信はサーバーからクライアントへのプッシュのみで、クライアントからのメッセージは解釈しない。
package session
