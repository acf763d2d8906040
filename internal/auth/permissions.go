package auth

const (
	PermDashboardView     = "dashboard.view"
	PermUsersView         = "users.view"
	PermUsersEdit         = "users.edit"
	PermRolesManage       = "roles.manage"
	PermContentView       = "content.view"
	PermContentEdit       = "content.edit"
	PermJobsView          = "jobs.view"
	PermJobsEdit          = "jobs.edit"
	PermScholarshipsView  = "scholarships.view"
	PermScholarshipsEdit  = "scholarships.edit"
	PermPortfolioView     = "portfolio.view"
	PermPortfolioEdit     = "portfolio.edit"
	PermOrganizationsView = "organizations.view"
	PermOrganizationsEdit = "organizations.edit"
)

// BuiltinPermissions is the catalog seeded on first start.
var BuiltinPermissions = []Permission{
	{Name: PermDashboardView, DisplayName: "View dashboard", Category: "dashboard"},
	{Name: PermUsersView, DisplayName: "View users", Category: "users"},
	{Name: PermUsersEdit, DisplayName: "Edit users", Category: "users"},
	{Name: PermRolesManage, DisplayName: "Manage roles", Category: "roles"},
	{Name: PermContentView, DisplayName: "View content", Category: "content"},
	{Name: PermContentEdit, DisplayName: "Edit content", Category: "content"},
	{Name: PermJobsView, DisplayName: "View jobs", Category: "jobs"},
	{Name: PermJobsEdit, DisplayName: "Edit jobs", Category: "jobs"},
	{Name: PermScholarshipsView, DisplayName: "View scholarships", Category: "scholarships"},
	{Name: PermScholarshipsEdit, DisplayName: "Edit scholarships", Category: "scholarships"},
	{Name: PermPortfolioView, DisplayName: "View portfolio", Category: "portfolio"},
	{Name: PermPortfolioEdit, DisplayName: "Edit portfolio", Category: "portfolio"},
	{Name: PermOrganizationsView, DisplayName: "View organizations", Category: "organizations"},
	{Name: PermOrganizationsEdit, DisplayName: "Edit organizations", Category: "organizations"},
}
