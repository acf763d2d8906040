package gate

import "sitecms.org/internal/auth"

// NavItem is one entry of the dashboard navigation. Permissions and Modules are
// any-of requirements; when both are set both must hold.
type NavItem struct {
	Key         string    `json:"key"`
	Label       string    `json:"label"`
	Path        string    `json:"path,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	Modules     []string  `json:"modules,omitempty"`
	Children    []NavItem `json:"children,omitempty"`
}

// FilterNavigation returns the entries the user may see. Children are filtered
// recursively and a parent whose declared children are all hidden is dropped.
func (g *Gate) FilterNavigation(u User, items []NavItem) []NavItem {
	out := make([]NavItem, 0, len(items))
	for _, item := range items {
		if !g.visible(u, item) {
			continue
		}
		if len(item.Children) > 0 {
			children := g.FilterNavigation(u, item.Children)
			if len(children) == 0 {
				continue
			}
			item.Children = children
		}
		out = append(out, item)
	}
	return out
}

func (g *Gate) visible(u User, item NavItem) bool {
	if len(item.Permissions) > 0 && !g.HasAnyPermission(u, item.Permissions) {
		return false
	}
	if len(item.Modules) > 0 && !g.hasAnyModule(u, item.Modules) {
		return false
	}
	return true
}

// DefaultNavigation is the dashboard menu served by /v1/navigation.
func DefaultNavigation() []NavItem {
	return []NavItem{
		{Key: "dashboard", Label: "Dashboard", Path: "/dashboard", Permissions: []string{auth.PermDashboardView}},
		{Key: "content", Label: "Content", Modules: []string{"content"}, Children: []NavItem{
			{Key: "content.pages", Label: "Pages", Path: "/content", Permissions: []string{auth.PermContentView}},
			{Key: "content.new", Label: "New page", Path: "/content/new", Permissions: []string{auth.PermContentEdit}},
		}},
		{Key: "jobs", Label: "Jobs", Path: "/jobs", Modules: []string{"jobs"}, Permissions: []string{auth.PermJobsView, auth.PermJobsEdit}},
		{Key: "scholarships", Label: "Scholarships", Path: "/scholarships", Modules: []string{"scholarships"}},
		{Key: "portfolio", Label: "Portfolio", Path: "/portfolio", Modules: []string{"portfolio"}},
		{Key: "organizations", Label: "Organizations", Path: "/organizations", Modules: []string{"organizations"}},
		{Key: "admin", Label: "Administration", Children: []NavItem{
			{Key: "admin.users", Label: "Users", Path: "/admin/users", Permissions: []string{auth.PermUsersView}},
			{Key: "admin.roles", Label: "Roles", Path: "/admin/roles", Permissions: []string{auth.PermRolesManage}},
		}},
		{Key: "profile", Label: "My profile", Path: "/profile"},
	}
}
