package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/jonboulle/clockwork"
)

const (
	// DefaultShards は既定のシャード数。
	DefaultShards = 32
	// DefaultMaxKeysPerShard は1シャードあたりの既定の最大カウンタ数。
	DefaultMaxKeysPerShard = 4096
)

// ErrRateLimited はクライアントが上限を超えたことを表す。
var ErrRateLimited = errors.New("リクエスト数の上限を超えました")

// Config はLimiterの設定。
type Config struct {
	// Limit は1ウィンドウ内で許可するリクエスト数。
	Limit int
	// Window はウィンドウの長さ。
	Window time.Duration
	// Shards はカウンタを分割するシャード数。
	Shards int
	// MaxKeysPerShard は1シャードが保持するカウンタの上限。
	// 超過した場合は最も長く使われていないカウンタから破棄する。
	MaxKeysPerShard int
}

// Result はAllowの判定結果。
type Result struct {
	// Allowed はリクエストを許可したかどうか。
	Allowed bool
	// Limit はウィンドウあたりの上限。
	Limit int
	// Remaining は現在のウィンドウで残っているリクエスト数。
	Remaining int
	// ResetAfter は現在のウィンドウが終わるまでの時間。
	ResetAfter time.Duration
	// RetryAfter は拒否時に再試行まで待つべき時間。許可時は0。
	RetryAfter time.Duration
}

// counter は1クライアントのウィンドウ状態。
type counter struct {
	count       int
	windowStart time.Time
}

// shard はカウンタの部分集合とそれを守るロック。
type shard struct {
	mu       sync.Mutex
	counters *simplelru.LRU[string, *counter]
}

// Limiter は固定ウィンドウ方式のレートリミッタ。
type Limiter struct {
	cfg    Config
	shards []*shard
	clock  clockwork.Clock
}

// Option はLimiterの生成オプション。
type Option func(*Limiter)

// WithClock は現在時刻の取得元を差し替える。
func WithClock(clock clockwork.Clock) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// New は新しいLimiterを生成する。
func New(cfg Config, opts ...Option) (*Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("上限は1以上である必要があります: %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ウィンドウは正の値である必要があります: %s", cfg.Window)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.MaxKeysPerShard <= 0 {
		cfg.MaxKeysPerShard = DefaultMaxKeysPerShard
	}

	l := &Limiter{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
		clock:  clockwork.NewRealClock(),
	}
	for i := range l.shards {
		lru, err := simplelru.NewLRU[string, *counter](cfg.MaxKeysPerShard, nil)
		if err != nil {
			return nil, fmt.Errorf("カウンタ領域の作成に失敗: %w", err)
		}
		l.shards[i] = &shard{counters: lru}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config は適用済みの設定を返す。
func (l *Limiter) Config() Config {
	return l.cfg
}

// shardFor はキーが属するシャードを返す。
func (l *Limiter) shardFor(key string) *shard {
	return l.shards[xxhash.Sum64String(key)%uint64(len(l.shards))]
}

// Allow はkeyのリクエストを1件数え、許可するかを判定する。
// ウィンドウが未開始または経過済みの場合は現在時刻から新しいウィンドウを始める。
func (l *Limiter) Allow(key string) Result {
	now := l.clock.Now()
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters.Get(key)
	if !ok {
		c = &counter{windowStart: now}
		s.counters.Add(key, c)
	} else if now.Sub(c.windowStart) >= l.cfg.Window {
		c.count = 0
		c.windowStart = now
	}
	c.count++

	resetAfter := c.windowStart.Add(l.cfg.Window).Sub(now)
	res := Result{
		Allowed:    c.count <= l.cfg.Limit,
		Limit:      l.cfg.Limit,
		Remaining:  max(l.cfg.Limit-c.count, 0),
		ResetAfter: resetAfter,
	}
	if !res.Allowed {
		res.RetryAfter = resetAfter
	}
	return res
}

// Sweep はウィンドウが経過したカウンタを破棄し、破棄した件数を返す。
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for _, key := range s.counters.Keys() {
			c, ok := s.counters.Peek(key)
			if ok && now.Sub(c.windowStart) >= l.cfg.Window {
				s.counters.Remove(key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len は保持しているカウンタの件数を返す。
func (l *Limiter) Len() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += s.counters.Len()
		s.mu.Unlock()
	}
	return n
}
