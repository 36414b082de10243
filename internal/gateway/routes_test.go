package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/agrigw/pkg/rbac"
)

func TestRouteMatches(t *testing.T) {
	t.Parallel()

	r := Route{Name: "farms", Prefix: "/api/farms", Backend: BackendFarmer}

	tests := []struct {
		path string
		want bool
	}{
		{path: "/api/farms", want: true},
		{path: "/api/farms/", want: true},
		{path: "/api/farms/1/fields", want: true},
		{path: "/api/farmsx", want: false},
		{path: "/api/farm", want: false},
		{path: "/api", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.Matches(tt.path))
		})
	}
}

func TestRouteTableMatch(t *testing.T) {
	t.Parallel()

	table, err := NewRouteTable(DefaultRoutes())
	require.NoError(t, err)

	tests := []struct {
		name        string
		path        string
		wantRoute   string
		wantBackend string
		wantOK      bool
	}{
		{name: "認証", path: "/api/auth/login", wantRoute: "auth", wantBackend: BackendAuth, wantOK: true},
		{name: "農家", path: "/api/farmers/42", wantRoute: "farmers", wantBackend: BackendFarmer, wantOK: true},
		{name: "農場は農家バックエンドに向かう", path: "/api/farms", wantRoute: "farms", wantBackend: BackendFarmer, wantOK: true},
		{name: "デバイスの読み取り値", path: "/api/devices/123/readings", wantRoute: "devices", wantBackend: BackendDevice, wantOK: true},
		{name: "分析", path: "/api/analytics/yield", wantRoute: "analytics", wantBackend: BackendAnalytics, wantOK: true},
		{name: "通知", path: "/api/notifications/", wantRoute: "notifications", wantBackend: BackendNotification, wantOK: true},
		{name: "管理", path: "/api/admin/users", wantRoute: "admin", wantBackend: BackendAdmin, wantOK: true},
		{name: "システム", path: "/api/system/status", wantRoute: "system", wantBackend: BackendSystem, wantOK: true},
		{name: "未定義", path: "/api/weather", wantOK: false},
		{name: "ドットセグメント", path: "/api/farms/../admin", wantOK: false},
		{name: "カレントディレクトリ", path: "/api/devices/./1", wantOK: false},
		{name: "連続したスラッシュ", path: "/api//devices", wantOK: false},
		{name: "相対パス", path: "api/devices", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			route, ok := table.Match(tt.path)

			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantRoute, route.Name)
			assert.Equal(t, tt.wantBackend, route.Backend)
		})
	}
}

func TestNewRouteTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		routes []Route
	}{
		{
			name:   "名前が無い",
			routes: []Route{{Prefix: "/api/a", Backend: "a"}},
		},
		{
			name:   "転送先が無い",
			routes: []Route{{Name: "a", Prefix: "/api/a"}},
		},
		{
			name:   "接頭辞が末尾スラッシュで終わる",
			routes: []Route{{Name: "a", Prefix: "/api/a/", Backend: "a"}},
		},
		{
			name:   "接頭辞が正規化されていない",
			routes: []Route{{Name: "a", Prefix: "/api/../a", Backend: "a"}},
		},
		{
			name:   "保護ルートにリソースが無い",
			routes: []Route{{Name: "a", Prefix: "/api/a", Backend: "a", Access: AccessProtected}},
		},
		{
			name:   "保護ルートのリソースがワイルドカード",
			routes: []Route{{Name: "a", Prefix: "/api/a", Backend: "a", Resource: rbac.ResourceAny, Access: AccessProtected}},
		},
		{
			name: "接頭辞が重なる",
			routes: []Route{
				{Name: "a", Prefix: "/api/a", Backend: "a"},
				{Name: "ab", Prefix: "/api/a/b", Backend: "b"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合にErrInvalidRouteを返すこと", func(t *testing.T) {
			t.Parallel()

			_, err := NewRouteTable(tt.routes)
			assert.ErrorIs(t, err, ErrInvalidRoute)
		})
	}

	t.Run("Backendsは重複なく返すこと", func(t *testing.T) {
		t.Parallel()

		table, err := NewRouteTable(DefaultRoutes())
		require.NoError(t, err)

		assert.Equal(t, []string{
			BackendAuth, BackendFarmer, BackendDevice, BackendAnalytics,
			BackendNotification, BackendAdmin, BackendSystem,
		}, table.Backends())
	})

	t.Run("Routesの変更はルート表に影響しないこと", func(t *testing.T) {
		t.Parallel()

		table, err := NewRouteTable(DefaultRoutes())
		require.NoError(t, err)

		routes := table.Routes()
		routes[0].Backend = BackendSystem

		route, ok := table.Match("/api/auth/login")
		require.True(t, ok)
		assert.Equal(t, BackendAuth, route.Backend)
	})
}

func TestAccessString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "public", AccessPublic.String())
	assert.Equal(t, "optional", AccessOptional.String())
	assert.Equal(t, "protected", AccessProtected.String())
	assert.Equal(t, "unknown", Access(99).String())
}
