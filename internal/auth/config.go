package auth

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/agrigw/pkg/token"
)

// ErrInvalidConfig は設定値が不正であることを表す。
var ErrInvalidConfig = errors.New("認証サービスの設定が不正です")

// Config は認証サービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// DatabasePath はSQLiteのDSN。
	DatabasePath string
	// JWT はトークン発行の設定。ゲートウェイと同じ秘密鍵を使う。
	JWT token.Config
	// NotificationURL は通知サービスのベースURL。空の場合は通知しない。
	NotificationURL string
	// BcryptCost はパスワードハッシュのコスト。
	BcryptCost int
	// LogLevel はログレベル。
	LogLevel string
}

// DefaultConfig は既定値を設定したConfigを返す。JWTの秘密鍵は含まない。
func DefaultConfig() *Config {
	return &Config{
		Port:         "8081",
		DatabasePath: "/data/auth.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		JWT: token.Config{
			Issuer:     token.DefaultIssuer,
			Audience:   token.DefaultAudience,
			AccessTTL:  token.DefaultAccessTTL,
			RefreshTTL: token.DefaultRefreshTTL,
		},
		NotificationURL: "http://localhost:8085",
		BcryptCost:      bcrypt.DefaultCost,
		LogLevel:        "info",
	}
}

// LoadConfig は.envと環境変数から設定を読み込み、検証する。
func LoadConfig() (*Config, error) {
	// .envが無い場合は環境変数のみを使う
	_ = godotenv.Load()
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom はlookupから設定を読み込み、検証する。
func LoadConfigFrom(lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
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

	str("PORT", &cfg.Port)
	str("AUTH_DB_PATH", &cfg.DatabasePath)
	str("JWT_SECRET", &cfg.JWT.Secret)
	str("JWT_ISSUER", &cfg.JWT.Issuer)
	str("JWT_AUDIENCE", &cfg.JWT.Audience)
	dur("ACCESS_TOKEN_TTL", &cfg.JWT.AccessTTL)
	dur("REFRESH_TOKEN_TTL", &cfg.JWT.RefreshTTL)
	if v, ok := lookup("NOTIFICATION_SERVICE_URL"); ok {
		cfg.NotificationURL = v
	}
	if v, ok := lookup("BCRYPT_COST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("BCRYPT_COST: %w", err))
		} else {
			cfg.BcryptCost = n
		}
	}
	str("LOG_LEVEL", &cfg.LogLevel)

	if cfg.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRETが設定されていません"))
	}
	if cfg.BcryptCost < bcrypt.MinCost || cfg.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COSTは%dから%dの範囲で指定してください", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, nil
}
