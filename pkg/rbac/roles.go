package rbac

// rolePermissions はロールごとに付与される権限パターン。
// 初期化後は読み取り専用。
var rolePermissions = map[Role][]Permission{
	RoleFarmer: {
		{ResourceFarms, ActionRead},
		{ResourceFarms, ActionWrite},
		{ResourceDevices, ActionRead},
		{ResourceDevices, ActionWrite},
		{ResourceAnalytics, ActionRead},
		{ResourceNotifications, ActionRead},
		{ResourceNotifications, ActionWrite},
		{ResourceProfile, ActionRead},
		{ResourceProfile, ActionWrite},
	},
	RoleViewer: {
		{ResourceFarms, ActionRead},
		{ResourceDevices, ActionRead},
		{ResourceAnalytics, ActionRead},
		{ResourceNotifications, ActionRead},
		{ResourceProfile, ActionRead},
	},
	RoleAdmin: adminPermissions(),
}

// adminPermissions は全リソースに対する "resource:*" を返す。
// "*:*" は付与しない。未知のリソースが増えても自動的には許可されない。
func adminPermissions() []Permission {
	resources := Resources()
	perms := make([]Permission, 0, len(resources))
	for _, r := range resources {
		perms = append(perms, Permission{Resource: r, Action: ActionAny})
	}
	return perms
}

// Permissions はロールに付与された権限パターンのコピーを返す。
// 未定義のロールには空のスライスを返す。
func Permissions(role Role) []Permission {
	granted := rolePermissions[role]
	out := make([]Permission, len(granted))
	copy(out, granted)
	return out
}

// HasPermission はロールが要求権限を持つかを返す。
// 未定義のロールは常に拒否される。
func HasPermission(role Role, requested Permission) bool {
	for _, granted := range rolePermissions[role] {
		if granted.Matches(requested) {
			return true
		}
	}
	return false
}

// HasPermissionString は "resource:action" 形式の要求権限で判定する。
// 解釈できない権限文字列は拒否として扱う。
func HasPermissionString(role Role, permission string) bool {
	p, err := ParsePermission(permission)
	if err != nil {
		return false
	}
	return HasPermission(role, p)
}
