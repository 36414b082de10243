package backend

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nao1215/agrigw/pkg/rbac"
)

// ErrInvalidConfig は設定値の検証に失敗したことを表す。
var ErrInvalidConfig = errors.New("バックエンドの設定が不正です")

// Profile はサービス名ごとの既定の公開範囲。
type Profile struct {
	// Resource は権限を確認するリソース。
	Resource rbac.Resource
	// Prefixes は受け付けるパス接頭辞。
	Prefixes []string
	// HealthPath はヘルスチェックのパス。
	HealthPath string
	// Optional がtrueの場合は匿名リクエストも受け付ける。
	Optional bool
}

// profiles はゲートウェイのルーティング表に対応するサービス定義。
var profiles = map[string]Profile{
	"farmer": {
		Resource:   rbac.ResourceFarms,
		Prefixes:   []string{"/api/farmers", "/api/farms"},
		HealthPath: "/farmers/health",
		Optional:   true,
	},
	"device": {
		Resource:   rbac.ResourceDevices,
		Prefixes:   []string{"/api/devices"},
		HealthPath: "/devices/health",
	},
	"analytics": {
		Resource:   rbac.ResourceAnalytics,
		Prefixes:   []string{"/api/analytics"},
		HealthPath: "/analytics/health",
	},
	"admin": {
		Resource:   rbac.ResourceAdmin,
		Prefixes:   []string{"/api/admin"},
		HealthPath: "/admin/health",
	},
	"system": {
		Resource:   rbac.ResourceSystem,
		Prefixes:   []string{"/api/system"},
		HealthPath: "/system/health",
	},
}

// ServiceNames は既定の定義があるサービス名を昇順で返す。
func ServiceNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config はバックエンドサービスの設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// ServiceName はサービス名（farmer, device など）。
	ServiceName string
	Profile
	// LogLevel はログレベル。
	LogLevel string
}

// LoadConfig は.envと環境変数から設定を読み込む。
func LoadConfig() (*Config, error) {
	// .envが無い場合は環境変数のみを使う
	_ = godotenv.Load()
	return LoadConfigFrom(os.LookupEnv)
}

// LoadConfigFrom はlookupから設定を読み込む。
// SERVICE_NAMEに対応する既定の定義を、SERVICE_RESOURCEとSERVICE_PREFIXESで上書きできる。
func LoadConfigFrom(lookup func(string) (string, bool)) (*Config, error) {
	name, _ := lookup("SERVICE_NAME")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("%w: SERVICE_NAMEが設定されていません", ErrInvalidConfig)
	}

	profile, ok := profiles[name]
	if !ok {
		profile = Profile{HealthPath: "/" + name + "/health"}
	}
	cfg := &Config{
		Port:        "8080",
		ServiceName: name,
		Profile:     profile,
		LogLevel:    "info",
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Port = v
	}
	if v, ok := lookup("SERVICE_RESOURCE"); ok && v != "" {
		cfg.Resource = rbac.Resource(v)
	}
	if v, ok := lookup("SERVICE_PREFIXES"); ok && v != "" {
		cfg.Prefixes = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Prefixes = append(cfg.Prefixes, strings.TrimSuffix(p, "/"))
			}
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.LogLevel = v
	}

	var errs []error
	if !cfg.Resource.Valid() || cfg.Resource == rbac.ResourceAny {
		errs = append(errs, fmt.Errorf("SERVICE_RESOURCEが不正です: %q", cfg.Resource))
	}
	if len(cfg.Prefixes) == 0 {
		errs = append(errs, errors.New("SERVICE_PREFIXESが設定されていません"))
	}
	for _, p := range cfg.Prefixes {
		if !strings.HasPrefix(p, "/api/") {
			errs = append(errs, fmt.Errorf("接頭辞は/api/で始まる必要があります: %q", p))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return cfg, nil
}
