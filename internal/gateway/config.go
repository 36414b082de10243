package gateway

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/agrigw/pkg/ratelimit"
	"github.com/nao1215/agrigw/pkg/token"
)

const (
	// minReleaseSecretLength はリリースモードで要求する秘密鍵の最小長。
	minReleaseSecretLength = 32
	// defaultSweepSchedule は期限切れカウンタを掃除する既定のスケジュール。
	defaultSweepSchedule = "@every 1m"
)

// バックエンド名。
const (
	BackendAuth         = "auth"
	BackendFarmer       = "farmer"
	BackendDevice       = "device"
	BackendAnalytics    = "analytics"
	BackendNotification = "notification"
	BackendAdmin        = "admin"
	BackendSystem       = "system"
)

// ErrInvalidConfig は設定値が不正であることを表す。
var ErrInvalidConfig = errors.New("ゲートウェイの設定が不正です")

// LookupFunc は設定値の取得元。os.LookupEnvと同じ形をとる。
type LookupFunc func(key string) (string, bool)

// BackendConfig は転送先バックエンド1つ分の設定。
type BackendConfig struct {
	// Name はバックエンド名。
	Name string `yaml:"-"`
	// URL はバックエンドのベースURL。
	URL string `yaml:"url"`
	// HealthPath は死活確認に使うパス。
	HealthPath string `yaml:"health_path"`
}

// RateLimitConfig はトラフィッククラス1つ分のレート制限設定。
type RateLimitConfig struct {
	// Window はウィンドウの長さ。
	Window time.Duration `yaml:"window"`
	// Max はウィンドウあたりの上限。
	Max int `yaml:"max"`
}

// CircuitConfig はバックエンドごとのサーキットブレーカー設定。
type CircuitConfig struct {
	// FailureThreshold は開放するまでに許す連続失敗回数。
	FailureThreshold int `yaml:"failure_threshold"`
	// OpenTimeout は開放状態から半開状態に移るまでの時間。
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Config はゲートウェイの設定。
type Config struct {
	// Port はリッスンポート。
	Port string `yaml:"port"`
	// Release はリリースモードで動作するかどうか。
	Release bool `yaml:"release"`
	// JWT はトークン検証の設定。
	JWT JWTConfig `yaml:"jwt"`
	// Backends はバックエンド名をキーとした転送先。
	Backends map[string]BackendConfig `yaml:"services"`
	// RateLimit は全APIリクエストに適用するレート制限。
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// AuthRateLimit はログイン・登録・アクセス申請に適用するレート制限。
	AuthRateLimit RateLimitConfig `yaml:"auth_rate_limit"`
	// ProxyTimeout は1回の転送に許す最大時間。
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`
	// Circuit はサーキットブレーカーの設定。
	Circuit CircuitConfig `yaml:"circuit"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TrustedProxies はX-Forwarded-ForとX-Real-IPを信用する直前のプロキシ（IPまたはCIDR）。
	// 空の場合は転送ヘッダーを無視し、接続元アドレスだけを使う。
	TrustedProxies []string `yaml:"trusted_proxies"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `yaml:"log_level"`
	// Version は/versionで返すバージョン文字列。
	Version string `yaml:"version"`
	// SweepSchedule は期限切れカウンタを掃除するcron式。
	SweepSchedule string `yaml:"sweep_schedule"`
}

// JWTConfig はトークン検証の設定。
type JWTConfig struct {
	// Secret はHS256の共有秘密鍵。
	Secret string `yaml:"secret"`
	// Issuer は発行者。
	Issuer string `yaml:"issuer"`
	// Audience は対象者。
	Audience string `yaml:"audience"`
	// AccessTTL はアクセストークンの有効期間。
	AccessTTL time.Duration `yaml:"access_ttl"`
	// RefreshTTL はリフレッシュトークンの有効期間。
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

// TokenConfig はCodec用の設定に変換する。
func (j JWTConfig) TokenConfig() token.Config {
	return token.Config{
		Secret:     j.Secret,
		Issuer:     j.Issuer,
		Audience:   j.Audience,
		AccessTTL:  j.AccessTTL,
		RefreshTTL: j.RefreshTTL,
	}
}

// DefaultConfig は既定値を設定したConfigを返す。JWTの秘密鍵は含まない。
func DefaultConfig() *Config {
	return &Config{
		Port: "8080",
		JWT: JWTConfig{
			Issuer:     token.DefaultIssuer,
			Audience:   token.DefaultAudience,
			AccessTTL:  token.DefaultAccessTTL,
			RefreshTTL: token.DefaultRefreshTTL,
		},
		Backends: map[string]BackendConfig{
			BackendAuth:         {Name: BackendAuth, URL: "http://localhost:8081", HealthPath: "/auth/health"},
			BackendFarmer:       {Name: BackendFarmer, URL: "http://localhost:8082", HealthPath: "/farmers/health"},
			BackendDevice:       {Name: BackendDevice, URL: "http://localhost:8083", HealthPath: "/devices/health"},
			BackendAnalytics:    {Name: BackendAnalytics, URL: "http://localhost:8084", HealthPath: "/analytics/health"},
			BackendNotification: {Name: BackendNotification, URL: "http://localhost:8085", HealthPath: "/notifications/health"},
			BackendAdmin:        {Name: BackendAdmin, URL: "http://localhost:8086", HealthPath: "/admin/health"},
			BackendSystem:       {Name: BackendSystem, URL: "http://localhost:8087", HealthPath: "/system/health"},
		},
		RateLimit:     RateLimitConfig{Window: time.Minute, Max: 100},
		AuthRateLimit: RateLimitConfig{Window: time.Minute, Max: 5},
		ProxyTimeout:  30 * time.Second,
		Circuit:       CircuitConfig{FailureThreshold: 5, OpenTimeout: 30 * time.Second},
		LogLevel:      "info",
		Version:       "dev",
		SweepSchedule: defaultSweepSchedule,
	}
}

// LoadConfig は.env、GATEWAY_CONFIG_FILEのYAML、環境変数の順に設定を読み込む。
// 後に読んだものが優先される。
func LoadConfig() (*Config, error) {
	// .envが無い場合は環境変数のみを使う
	_ = godotenv.Load()
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom はlookupから設定を読み込み、検証する。
func LoadConfigFrom(lookup LookupFunc) (*Config, error) {
	cfg := DefaultConfig()

	if path, ok := lookup("GATEWAY_CONFIG_FILE"); ok && path != "" {
		if err := cfg.mergeYAMLFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeYAMLFile はYAMLファイルの値で設定を上書きする。
func (c *Config) mergeYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	return c.mergeYAML(data)
}

// mergeYAML はYAMLの値で設定を上書きする。
// servicesに書かれたバックエンドは既定値とマージする。
func (c *Config) mergeYAML(data []byte) error {
	defaults := c.Backends
	c.Backends = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.Backends = defaults
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}

	merged := make(map[string]BackendConfig, len(defaults))
	for name, b := range defaults {
		merged[name] = b
	}
	for name, b := range c.Backends {
		base, ok := merged[name]
		if !ok {
			base = BackendConfig{Name: name}
		}
		if b.URL != "" {
			base.URL = b.URL
		}
		if b.HealthPath != "" {
			base.HealthPath = b.HealthPath
		}
		merged[name] = base
	}
	c.Backends = merged
	return nil
}

// mergeEnv は環境変数の値で設定を上書きする。
func (c *Config) mergeEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	str("PORT", &c.Port)
	if v, ok := lookup("GIN_MODE"); ok && v != "" {
		c.Release = v == "release"
	}
	str("JWT_SECRET", &c.JWT.Secret)
	str("JWT_ISSUER", &c.JWT.Issuer)
	str("JWT_AUDIENCE", &c.JWT.Audience)
	dur("ACCESS_TOKEN_TTL", &c.JWT.AccessTTL)
	dur("REFRESH_TOKEN_TTL", &c.JWT.RefreshTTL)

	for name, b := range c.Backends {
		str(strings.ToUpper(name)+"_SERVICE_URL", &b.URL)
		c.Backends[name] = b
	}

	dur("RATE_LIMIT_WINDOW", &c.RateLimit.Window)
	num("RATE_LIMIT_MAX", &c.RateLimit.Max)
	dur("AUTH_RATE_LIMIT_WINDOW", &c.AuthRateLimit.Window)
	num("AUTH_RATE_LIMIT_MAX", &c.AuthRateLimit.Max)
	dur("PROXY_TIMEOUT", &c.ProxyTimeout)
	num("CIRCUIT_FAILURE_THRESHOLD", &c.Circuit.FailureThreshold)
	dur("CIRCUIT_OPEN_TIMEOUT", &c.Circuit.OpenTimeout)
	if v, ok := lookup("ALLOWED_ORIGINS"); ok && v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("TRUSTED_PROXIES"); ok && v != "" {
		c.TrustedProxies = splitList(v)
	}
	str("LOG_LEVEL", &c.LogLevel)
	str("GATEWAY_VERSION", &c.Version)
	str("RATE_LIMIT_SWEEP_SCHEDULE", &c.SweepSchedule)

	return errors.Join(errs...)
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRETが設定されていません"))
	} else if c.Release && len(c.JWT.Secret) < minReleaseSecretLength {
		errs = append(errs, fmt.Errorf("リリースモードではJWT_SECRETは%d文字以上必要です", minReleaseSecretLength))
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORTが数値ではありません: %q", c.Port))
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAXとRATE_LIMIT_WINDOWは正の値である必要があります"))
	}
	if c.AuthRateLimit.Max <= 0 || c.AuthRateLimit.Window <= 0 {
		errs = append(errs, errors.New("AUTH_RATE_LIMIT_MAXとAUTH_RATE_LIMIT_WINDOWは正の値である必要があります"))
	}
	if c.ProxyTimeout <= 0 {
		errs = append(errs, errors.New("PROXY_TIMEOUTは正の値である必要があります"))
	}
	if c.Circuit.FailureThreshold <= 0 || c.Circuit.OpenTimeout <= 0 {
		errs = append(errs, errors.New("サーキットブレーカーの設定は正の値である必要があります"))
	}
	for name, b := range c.Backends {
		if b.URL == "" {
			errs = append(errs, fmt.Errorf("%sのURLが設定されていません", name))
		}
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIESの値が不正です: %q", p))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RateLimitClasses はトラフィッククラスごとのLimiter設定を返す。
func (c *Config) RateLimitClasses() map[ratelimit.Class]ratelimit.Config {
	return map[ratelimit.Class]ratelimit.Config{
		ratelimit.ClassGlobal: {Limit: c.RateLimit.Max, Window: c.RateLimit.Window},
		ratelimit.ClassAuth:   {Limit: c.AuthRateLimit.Max, Window: c.AuthRateLimit.Window},
	}
}

// splitList はカンマ区切りの値を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
