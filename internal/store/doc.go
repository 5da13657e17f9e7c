// Package store は未配信通知の永続キューと配信ログの保存先を定義する。
//
// QueueStore は受信者ごとに未配信通知を挿入順で保持し、配信確認後に1件ずつ
// 削除される。LogStore は配信試行ごとに追記される監査用のログで、
// 配信処理そのものからは読み出されない。
//
// 実装はこのパッケージのメモリ実装のほか、sqlstore（SQLite/MySQL）、
// badgerstore（BadgerDB）、redisstore（Redis）サブパッケージにある。
package store
