// Package notification は通知サービスのHTTPサーバーを提供する。
//
// WebSocketの接続受付、上流サービスからの送信API、運用向けの参照APIを
// 1つのGinルーターにまとめる。配信の判断はdeliveryパッケージに委ね、
// このパッケージはリクエストの検証とレスポンスの組み立てだけを行う。
package notification
