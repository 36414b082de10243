// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// ゲートウェイのリクエスト受付パイプラインを構成する部品として、
// レート制限、JWTによる任意認証、ロール・権限による認可、
// リクエストID付与とアクセスログ、メトリクス、パニックリカバリ、CORS設定を含む。
// バックエンドサービスはForwardedIdentityでゲートウェイが付与した識別情報を復元し、
// 同じ認可ミドルウェアを利用する。
package middleware
