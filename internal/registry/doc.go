// Package registry は受信者IDとライブなWebSocket接続の対応表を管理する。
//
// 1受信者につき高々1接続を保持し、新しい接続の登録は古い接続を置き換える。
// 登録解除は接続の同一性を確認してから行うため、切断処理が遅れて届いても
// 後から登録された新しい接続を消してしまうことはない。
package registry
