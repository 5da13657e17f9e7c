// Package httpclient は通知サービスのHTTP APIを呼び出すJSONクライアントを提供する。
//
// 開発用CLIから送信APIや管理APIを呼び出す際に使用する。
// Bearerトークンの付与とエラーレスポンスの解釈を共通化する。
package httpclient
