// Package notification は通知サービスの内部実装を提供する。
//
// ユーザー本人宛てとロール宛ての通知を保存し、一覧取得や既読管理を行う。
// 認証サービスのアクセス申請など、他のサービスからの通知は内部APIで受け付ける。
// 呼び出し元の識別はゲートウェイが付与したX-User-*ヘッダーに依存する。
package notification
