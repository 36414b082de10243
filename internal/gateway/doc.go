// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 全クライアント通信の唯一の入口として、レート制限、Bearerトークンによる任意の識別、
// ルートごとのロール・権限による認可を行い、パスの接頭辞に対応するバックエンドへ
// リクエストを転送する。バックエンドはゲートウェイが付与したX-User-*ヘッダーを信頼する。
package gateway
