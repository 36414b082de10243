package rbac

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrInvalidPermission は権限文字列が "resource:action" 形式でない、
	// または未知のリソース・アクションを含むことを表す。
	ErrInvalidPermission = errors.New("不正な権限文字列です")
	// ErrInvalidRole は未知のロールを表す。
	ErrInvalidRole = errors.New("不正なロールです")
)

// Role はユーザーのロールを表す。
type Role string

const (
	// RoleFarmer は自身の農場とデバイスを管理する農家ユーザー。
	RoleFarmer Role = "farmer"
	// RoleAdmin は全リソースを操作できる管理者。
	RoleAdmin Role = "admin"
	// RoleViewer は読み取り専用の閲覧ユーザー。
	RoleViewer Role = "viewer"
)

// Valid はロールが定義済みかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleFarmer, RoleAdmin, RoleViewer:
		return true
	}
	return false
}

// ParseRole は文字列をRoleに変換する。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Resource は認可対象のリソースを表す。
type Resource string

const (
	// ResourceAny は全リソースに一致するワイルドカード。
	ResourceAny           Resource = "*"
	ResourceFarms         Resource = "farms"
	ResourceDevices       Resource = "devices"
	ResourceAnalytics     Resource = "analytics"
	ResourceNotifications Resource = "notifications"
	ResourceUsers         Resource = "users"
	ResourceAdmin         Resource = "admin"
	ResourceSystem        Resource = "system"
	ResourceProfile       Resource = "profile"
)

// Resources はワイルドカードを除く全リソースを返す。
func Resources() []Resource {
	return []Resource{
		ResourceFarms,
		ResourceDevices,
		ResourceAnalytics,
		ResourceNotifications,
		ResourceUsers,
		ResourceAdmin,
		ResourceSystem,
		ResourceProfile,
	}
}

// Valid はリソースが定義済み（ワイルドカードを含む）かを返す。
func (r Resource) Valid() bool {
	if r == ResourceAny {
		return true
	}
	for _, known := range Resources() {
		if r == known {
			return true
		}
	}
	return false
}

// Action はリソースに対する操作を表す。
type Action string

const (
	// ActionAny は全アクションに一致するワイルドカード。
	ActionAny   Action = "*"
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Valid はアクションが定義済み（ワイルドカードを含む）かを返す。
func (a Action) Valid() bool {
	switch a {
	case ActionAny, ActionRead, ActionWrite:
		return true
	}
	return false
}

// ActionForMethod はHTTPメソッドに対応するアクションを返す。
// 安全なメソッドはread、それ以外はwriteとして扱う。
func ActionForMethod(method string) Action {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ActionRead
	default:
		return ActionWrite
	}
}

// Permission はリソースとアクションの組。
type Permission struct {
	// Resource は対象リソース。"*" は全リソースに一致する。
	Resource Resource
	// Action は操作。"*" は全アクションに一致する。
	Action Action
}

// NewPermission はリソースとアクションからPermissionを生成する。
func NewPermission(resource Resource, action Action) Permission {
	return Permission{Resource: resource, Action: action}
}

// String は "resource:action" 形式の文字列を返す。
func (p Permission) String() string {
	return string(p.Resource) + ":" + string(p.Action)
}

// ParsePermission は "resource:action" 形式の文字列をPermissionに変換する。
func ParsePermission(s string) (Permission, error) {
	resource, action, found := strings.Cut(s, ":")
	if !found || strings.Contains(action, ":") {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	p := Permission{Resource: Resource(resource), Action: Action(action)}
	if !p.Resource.Valid() || !p.Action.Valid() {
		return Permission{}, fmt.Errorf("%w: %q", ErrInvalidPermission, s)
	}
	return p, nil
}

// MustParsePermission はParsePermissionの結果を返し、失敗時はpanicする。
// 固定値の初期化専用。
func MustParsePermission(s string) Permission {
	p, err := ParsePermission(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Matches は付与済みパターンpが要求権限requestedを満たすかを返す。
func (p Permission) Matches(requested Permission) bool {
	resourceOK := p.Resource == ResourceAny || p.Resource == requested.Resource
	actionOK := p.Action == ActionAny || p.Action == requested.Action
	return resourceOK && actionOK
}
