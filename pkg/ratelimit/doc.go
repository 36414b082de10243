// Package ratelimit はクライアント単位の固定ウィンドウ方式レートリミッタを提供する。
//
// カウンタはロックで分割したシャードに保持し、各シャードはLRUで上限件数を持つ。
// 非アクティブなクライアントのカウンタは上限超過時またはSweepで破棄される。
// 状態はプロセス内に閉じており、複数インスタンス間では共有しない。
package ratelimit
