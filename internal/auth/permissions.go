package auth

import (
	"sort"
	"strings"
)

// Wildcard grants every capability. Only the role table may carry it.
const Wildcard = "*"

// Content resources guarded by capabilities of the form resource:action.
const (
	ResourceServices     = "services"
	ResourceProjects     = "projects"
	ResourceTeam         = "team"
	ResourceBlog         = "blog"
	ResourceJobs         = "jobs"
	ResourceApplications = "applications"
	ResourceNewsletter   = "newsletter"
	ResourceContact      = "contact"
	ResourceSettings     = "settings"
	ResourceMenus        = "menus"
	ResourceTranslations = "translations"
	ResourceMedia        = "media"
	ResourceUsers        = "users"
	ResourceAnalytics    = "analytics"
)

const (
	PermUsersRead   = "users:read"
	PermUsersCreate = "users:create"
	PermUsersUpdate = "users:update"
	PermUsersDelete = "users:delete"
)

var contentResources = []string{
	ResourceServices, ResourceProjects, ResourceTeam, ResourceBlog, ResourceJobs,
	ResourceApplications, ResourceNewsletter, ResourceContact, ResourceMenus,
	ResourceTranslations, ResourceMedia,
}

// Capability joins a resource and an action.
func Capability(resource, action string) string {
	return resource + ":" + action
}

func each(resources []string, actions ...string) []string {
	out := make([]string, 0, len(resources)*len(actions))
	for _, r := range resources {
		for _, a := range actions {
			out = append(out, Capability(r, a))
		}
	}
	return out
}

// DefaultRolePermissions is the fixed role table.
func DefaultRolePermissions() map[Role][]string {
	admin := each(contentResources, "*")
	admin = append(admin,
		PermUsersRead, PermUsersCreate, PermUsersUpdate,
		Capability(ResourceSettings, "read"), Capability(ResourceSettings, "update"),
		Capability(ResourceAnalytics, "read"),
	)

	editable := []string{
		ResourceServices, ResourceProjects, ResourceTeam, ResourceBlog,
		ResourceJobs, ResourceMenus, ResourceTranslations,
	}
	editor := each(editable, "read", "create", "update")
	editor = append(editor,
		Capability(ResourceMedia, "*"),
		Capability(ResourceContact, "read"),
		Capability(ResourceNewsletter, "read"),
		Capability(ResourceApplications, "read"),
	)

	author := []string{
		Capability(ResourceBlog, "read"), Capability(ResourceBlog, "create"), Capability(ResourceBlog, "update"),
		Capability(ResourceMedia, "read"), Capability(ResourceMedia, "create"),
		Capability(ResourceProjects, "read"), Capability(ResourceServices, "read"),
	}

	viewer := each(append(append([]string{}, contentResources...), ResourceSettings), "read")

	return map[Role][]string{
		RoleSuperAdmin: {Wildcard},
		RoleAdmin:      admin,
		RoleEditor:     editor,
		RoleAuthor:     author,
		RoleViewer:     viewer,
	}
}

// Resolver decides whether a role plus per-user grants satisfies every
// required capability.
type Resolver interface {
	Allowed(role Role, custom []string, required ...string) bool
	Missing(role Role, custom []string, required ...string) []string
	RolePermissions(role Role) []string
}

// RoleResolver resolves capabilities against a static role table.
type RoleResolver struct {
	roles map[Role]map[string]struct{}
	order map[Role][]string
}

var _ Resolver = (*RoleResolver)(nil)

// NewRoleResolver indexes table. A nil table selects DefaultRolePermissions.
func NewRoleResolver(table map[Role][]string) *RoleResolver {
	if table == nil {
		table = DefaultRolePermissions()
	}
	r := &RoleResolver{
		roles: make(map[Role]map[string]struct{}, len(table)),
		order: make(map[Role][]string, len(table)),
	}
	for role, perms := range table {
		set := make(map[string]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		r.roles[role] = set
		r.order[role] = append([]string(nil), perms...)
	}
	return r
}

// RolePermissions returns the ordered capability list of role.
func (r *RoleResolver) RolePermissions(role Role) []string {
	return append([]string(nil), r.order[role]...)
}

// Allowed reports whether every required capability is granted.
func (r *RoleResolver) Allowed(role Role, custom []string, required ...string) bool {
	return len(r.Missing(role, custom, required...)) == 0
}

// Missing returns the required capabilities that neither the role nor the
// custom grants satisfy, sorted.
func (r *RoleResolver) Missing(role Role, custom []string, required ...string) []string {
	roleSet := r.roles[role]
	if _, ok := roleSet[Wildcard]; ok {
		return nil
	}
	var customSet map[string]struct{}
	var missing []string
	for _, capability := range required {
		if grants(roleSet, capability) {
			continue
		}
		if customSet == nil {
			customSet = customGrants(custom)
		}
		if grants(customSet, capability) {
			continue
		}
		missing = append(missing, capability)
	}
	sort.Strings(missing)
	return missing
}

// grants applies the exact and resource:* rules. The global wildcard is
// handled by the caller.
func grants(set map[string]struct{}, capability string) bool {
	if len(set) == 0 {
		return false
	}
	if _, ok := set[capability]; ok {
		return true
	}
	resource, _, found := strings.Cut(capability, ":")
	if !found || resource == "" {
		return false
	}
	_, ok := set[resource+":*"]
	return ok
}

func customGrants(custom []string) map[string]struct{} {
	set := make(map[string]struct{}, len(custom))
	for _, p := range custom {
		p = strings.TrimSpace(p)
		if p == "" || p == Wildcard {
			continue
		}
		set[p] = struct{}{}
	}
	return set
}
