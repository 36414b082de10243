package ratelimit

import (
	"errors"
	"fmt"
)

// ErrUnknownClass は未登録のトラフィッククラスを表す。
var ErrUnknownClass = errors.New("未登録のトラフィッククラスです")

// Class はレート制限のトラフィッククラス。
type Class string

const (
	// ClassGlobal は全APIリクエストに適用するクラス。
	ClassGlobal Class = "global"
	// ClassAuth はログイン・登録・アクセス申請に適用するクラス。
	ClassAuth Class = "auth"
)

// Classes はトラフィッククラスごとのLimiter。
// 同じクライアントキーでもクラスが異なればカウンタは独立する。
type Classes map[Class]*Limiter

// Allow は指定クラスのLimiterでkeyを判定する。
func (cs Classes) Allow(key string, class Class) (Result, error) {
	l, ok := cs[class]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	return l.Allow(key), nil
}

// Sweep は全クラスの期限切れカウンタを破棄し、破棄した件数を返す。
func (cs Classes) Sweep() int {
	removed := 0
	for _, l := range cs {
		removed += l.Sweep()
	}
	return removed
}
