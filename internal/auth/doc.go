// Package auth は認証サービスの内部実装を提供する。
//
// メールアドレスとパスワードによるユーザー登録とログイン、リフレッシュトークンによる
// アクセストークンの再発行、アカウント発行のアクセス申請を扱う。
// 発行するトークンはゲートウェイと共有する秘密鍵で署名され、ゲートウェイで検証される。
// ユーザーと申請はSQLiteに保存し、パスワードはbcryptでハッシュ化する。
package auth
