// Package backend はゲートウェイの背後で動く農場・デバイス・分析・管理・システム
// 各サービスの受け口を提供する。
//
// ゲートウェイが付与した識別ヘッダーから利用者を復元し、サービスのリソースに対する
// 権限を確認したうえでリクエストの要約を返す。業務ロジックを持たないため、
// ルーティングと認可の結合確認や開発環境での代替として使う。
package backend
