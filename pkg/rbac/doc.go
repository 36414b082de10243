// Package rbac はロールと権限文字列による認可判定を提供する。
//
// 権限は "resource:action" 形式で表し、リソースとアクションはそれぞれ
// 閉じた列挙とワイルドカード "*" で構成される。ロールごとの権限集合は
// 固定テーブルであり、判定はロールと要求権限だけで決まる純粋関数である。
package rbac
