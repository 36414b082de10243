package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/agrigw/pkg/ratelimit"
)

// mapLookup はmapを設定値の取得元にする。
func mapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadConfigFrom(t *testing.T) {
	t.Parallel()

	t.Run("既定値で読み込めること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfigFrom(mapLookup(map[string]string{"JWT_SECRET": "secret"}))

		require.NoError(t, err)
		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, 100, cfg.RateLimit.Max)
		assert.Equal(t, time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, 5, cfg.AuthRateLimit.Max)
		assert.Equal(t, 30*time.Second, cfg.ProxyTimeout)
		assert.Equal(t, "http://localhost:8083", cfg.Backends[BackendDevice].URL)
		assert.Len(t, cfg.Backends, 7)
		assert.Empty(t, cfg.TrustedProxies)
	})

	t.Run("環境変数で上書きできること", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfigFrom(mapLookup(map[string]string{
			"JWT_SECRET":                "secret",
			"PORT":                      "9000",
			"DEVICE_SERVICE_URL":        "http://device:3000",
			"RATE_LIMIT_MAX":            "10",
			"RATE_LIMIT_WINDOW":         "30s",
			"AUTH_RATE_LIMIT_MAX":       "3",
			"PROXY_TIMEOUT":             "5s",
			"ALLOWED_ORIGINS":           "https://a.example.com, ,https://b.example.com",
			"GATEWAY_VERSION":           "1.0.0",
			"CIRCUIT_OPEN_TIMEOUT":      "1m",
			"ACCESS_TOKEN_TTL":          "5m",
			"RATE_LIMIT_SWEEP_SCHEDULE": "@every 5m",
			"TRUSTED_PROXIES":           "10.0.0.1, 192.168.0.0/16",
		}))

		require.NoError(t, err)
		assert.Equal(t, "9000", cfg.Port)
		assert.Equal(t, "http://device:3000", cfg.Backends[BackendDevice].URL)
		assert.Equal(t, "http://localhost:8081", cfg.Backends[BackendAuth].URL)
		assert.Equal(t, 10, cfg.RateLimit.Max)
		assert.Equal(t, 30*time.Second, cfg.RateLimit.Window)
		assert.Equal(t, 3, cfg.AuthRateLimit.Max)
		assert.Equal(t, 5*time.Second, cfg.ProxyTimeout)
		assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
		assert.Equal(t, "1.0.0", cfg.Version)
		assert.Equal(t, time.Minute, cfg.Circuit.OpenTimeout)
		assert.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
		assert.Equal(t, "@every 5m", cfg.SweepSchedule)
		assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, cfg.TrustedProxies)
	})

	t.Run("YAMLファイルを読み込み環境変数が優先されること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "gateway.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
port: "7000"
proxy_timeout: 10s
rate_limit:
  window: 2m
  max: 50
services:
  farmer:
    url: http://farmer:3000
  weather:
    url: http://weather:3000
    health_path: /weather/health
`), 0o600))

		cfg, err := LoadConfigFrom(mapLookup(map[string]string{
			"GATEWAY_CONFIG_FILE": path,
			"JWT_SECRET":          "secret",
			"PORT":                "7001",
		}))

		require.NoError(t, err)
		assert.Equal(t, "7001", cfg.Port)
		assert.Equal(t, 10*time.Second, cfg.ProxyTimeout)
		assert.Equal(t, RateLimitConfig{Window: 2 * time.Minute, Max: 50}, cfg.RateLimit)
		assert.Equal(t, "http://farmer:3000", cfg.Backends[BackendFarmer].URL)
		assert.Equal(t, "/farmers/health", cfg.Backends[BackendFarmer].HealthPath)
		assert.Equal(t, "http://localhost:8081", cfg.Backends[BackendAuth].URL)
		assert.Equal(t, BackendConfig{Name: "weather", URL: "http://weather:3000", HealthPath: "/weather/health"}, cfg.Backends["weather"])
	})

	t.Run("存在しない設定ファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := LoadConfigFrom(mapLookup(map[string]string{
			"GATEWAY_CONFIG_FILE": filepath.Join(t.TempDir(), "missing.yaml"),
			"JWT_SECRET":          "secret",
		}))

		assert.Error(t, err)
	})

	t.Run("数値や期間として解釈できない値はエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := LoadConfigFrom(mapLookup(map[string]string{
			"JWT_SECRET":     "secret",
			"RATE_LIMIT_MAX": "many",
			"PROXY_TIMEOUT":  "soon",
		}))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "RATE_LIMIT_MAX")
		assert.Contains(t, err.Error(), "PROXY_TIMEOUT")
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{name: "秘密鍵が無い", modify: func(c *Config) { c.JWT.Secret = "" }},
		{name: "リリースモードで秘密鍵が短い", modify: func(c *Config) { c.Release = true }},
		{name: "ポートが数値でない", modify: func(c *Config) { c.Port = "http" }},
		{name: "レート制限の上限が0", modify: func(c *Config) { c.RateLimit.Max = 0 }},
		{name: "認証のウィンドウが0", modify: func(c *Config) { c.AuthRateLimit.Window = 0 }},
		{name: "転送のタイムアウトが負", modify: func(c *Config) { c.ProxyTimeout = -time.Second }},
		{name: "サーキットの閾値が0", modify: func(c *Config) { c.Circuit.FailureThreshold = 0 }},
		{name: "信頼するプロキシがアドレスでない", modify: func(c *Config) { c.TrustedProxies = []string{"proxy.local"} }},
		{name: "バックエンドのURLが空", modify: func(c *Config) {
			b := c.Backends[BackendAnalytics]
			b.URL = ""
			c.Backends[BackendAnalytics] = b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合にErrInvalidConfigを返すこと", func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			cfg.JWT.Secret = "short-secret"
			tt.modify(cfg)

			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("リリースモードでも十分な長さの秘密鍵なら通ること", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultConfig()
		cfg.Release = true
		cfg.JWT.Secret = testJWTSecret

		assert.NoError(t, cfg.Validate())
	})
}

func TestRateLimitClasses(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	classes := cfg.RateLimitClasses()

	assert.Equal(t, ratelimit.Config{Limit: 100, Window: time.Minute}, classes[ratelimit.ClassGlobal])
	assert.Equal(t, ratelimit.Config{Limit: 5, Window: time.Minute}, classes[ratelimit.ClassAuth])
}
