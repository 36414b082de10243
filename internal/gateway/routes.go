package gateway

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nao1215/agrigw/pkg/rbac"
)

// Access はルートに適用する認可方針。
type Access int

const (
	// AccessPublic は識別情報を問わず転送する。
	AccessPublic Access = iota
	// AccessOptional は識別情報があれば付与して転送し、無くても拒否しない。
	AccessOptional
	// AccessProtected はHTTPメソッドに応じたリソース権限を要求する。
	AccessProtected
)

// String は認可方針の名前を返す。
func (a Access) String() string {
	switch a {
	case AccessPublic:
		return "public"
	case AccessOptional:
		return "optional"
	case AccessProtected:
		return "protected"
	default:
		return "unknown"
	}
}

// ErrInvalidRoute はルート定義が不正であることを表す。
var ErrInvalidRoute = errors.New("ルート定義が不正です")

// Route はパスの接頭辞と転送先バックエンドの対応。
type Route struct {
	// Name はメトリクスやログに使うルート名。
	Name string
	// Prefix はパスの接頭辞。パスセグメントの境界でのみ一致する。
	Prefix string
	// Backend は転送先のバックエンド名。
	Backend string
	// Resource はAccessProtectedのときに権限を確認するリソース。
	Resource rbac.Resource
	// Access は認可方針。
	Access Access
}

// Matches はpathがルートの接頭辞に一致するかを返す。
// /api/farmsは/api/farmsと/api/farms/1に一致し、/api/farmsxには一致しない。
func (r Route) Matches(p string) bool {
	if !strings.HasPrefix(p, r.Prefix) {
		return false
	}
	rest := p[len(r.Prefix):]
	return rest == "" || rest[0] == '/'
}

// DefaultRoutes は既定のルート表を返す。
func DefaultRoutes() []Route {
	return []Route{
		{Name: "auth", Prefix: "/api/auth", Backend: BackendAuth, Access: AccessPublic},
		{Name: "farmers", Prefix: "/api/farmers", Backend: BackendFarmer, Resource: rbac.ResourceFarms, Access: AccessOptional},
		{Name: "farms", Prefix: "/api/farms", Backend: BackendFarmer, Resource: rbac.ResourceFarms, Access: AccessOptional},
		{Name: "devices", Prefix: "/api/devices", Backend: BackendDevice, Resource: rbac.ResourceDevices, Access: AccessProtected},
		{Name: "analytics", Prefix: "/api/analytics", Backend: BackendAnalytics, Resource: rbac.ResourceAnalytics, Access: AccessProtected},
		{Name: "notifications", Prefix: "/api/notifications", Backend: BackendNotification, Resource: rbac.ResourceNotifications, Access: AccessProtected},
		{Name: "admin", Prefix: "/api/admin", Backend: BackendAdmin, Resource: rbac.ResourceAdmin, Access: AccessProtected},
		{Name: "system", Prefix: "/api/system", Backend: BackendSystem, Resource: rbac.ResourceSystem, Access: AccessProtected},
	}
}

// RouteTable は順序付きのルート表。生成後は変更しない。
type RouteTable struct {
	routes []Route
}

// NewRouteTable はルート定義を検証してRouteTableを生成する。
// 接頭辞が重なるルートがある場合はエラーを返す。
func NewRouteTable(routes []Route) (*RouteTable, error) {
	var errs []error
	for i, r := range routes {
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("%d番目のルートに名前がありません", i))
		case r.Backend == "":
			errs = append(errs, fmt.Errorf("%s: 転送先がありません", r.Name))
		case !strings.HasPrefix(r.Prefix, "/") || strings.HasSuffix(r.Prefix, "/") || path.Clean(r.Prefix) != r.Prefix:
			errs = append(errs, fmt.Errorf("%s: 接頭辞の形式が不正です: %q", r.Name, r.Prefix))
		case r.Access == AccessProtected && (!r.Resource.Valid() || r.Resource == rbac.ResourceAny):
			errs = append(errs, fmt.Errorf("%s: 保護ルートのリソースが不正です: %q", r.Name, r.Resource))
		}
		for _, other := range routes[:i] {
			if r.Matches(other.Prefix) || other.Matches(r.Prefix) {
				errs = append(errs, fmt.Errorf("%s: %sと接頭辞が重なっています", r.Name, other.Name))
			}
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRoute, errors.Join(errs...))
	}
	return &RouteTable{routes: append([]Route(nil), routes...)}, nil
}

// Match はpathに一致する最初のルートを返す。
// ドットセグメントや連続したスラッシュを含むパスはどのルートにも一致させない。
func (t *RouteTable) Match(p string) (Route, bool) {
	if !isCanonicalPath(p) {
		return Route{}, false
	}
	for _, r := range t.routes {
		if r.Matches(p) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes はルート定義の複製を返す。
func (t *RouteTable) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Backends はルート表が参照するバックエンド名を重複なく返す。
func (t *RouteTable) Backends() []string {
	seen := make(map[string]struct{}, len(t.routes))
	var names []string
	for _, r := range t.routes {
		if _, ok := seen[r.Backend]; ok {
			continue
		}
		seen[r.Backend] = struct{}{}
		names = append(names, r.Backend)
	}
	return names
}

// isCanonicalPath はpathが正規化済みかを返す。末尾のスラッシュは許す。
func isCanonicalPath(p string) bool {
	if !strings.HasPrefix(p, "/") {
		return false
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned == p
}
