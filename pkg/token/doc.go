// Package token はゲートウェイと認証サービスが共有するJWTの発行と検証を提供する。
//
// アクセストークンとリフレッシュトークンの2種類を扱い、それぞれ独立した
// 有効期限を持つ。検証は秘密鍵、発行者、対象者、トークン種別を確認し、
// 攻撃者が制御する入力に対しても常にErrInvalidTokenを包んだエラーを返す。
package token
