// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイによるバックエンドの死活確認や、認証サービスから
// 通知サービスへのアクセス申請通知など、サービス間の通信パターンを統一する。
package httpclient
