package types

// Permission is a leaf capability token. Evaluation is set membership; there
// are no wildcards.
type Permission string

const (
	// user domain
	PermUserRead   Permission = "user:read"
	PermUserWrite  Permission = "user:write"
	PermUserDelete Permission = "user:delete"

	// role domain
	PermRoleRead   Permission = "role:read"
	PermRoleWrite  Permission = "role:write"
	PermRoleAssign Permission = "role:assign"
	PermRoleDelete Permission = "role:delete"

	// data domain
	PermDataRead   Permission = "data:read"
	PermDataWrite  Permission = "data:write"
	PermDataDelete Permission = "data:delete"

	// pipeline domain
	PermPipelineRun    Permission = "pipeline:run"
	PermPipelineCancel Permission = "pipeline:cancel"
	PermPipelineRead   Permission = "pipeline:read"

	// model domain
	PermModelTrain Permission = "model:train"
	PermModelRead  Permission = "model:read"

	// workspace domain
	PermWorkspaceCreate Permission = "workspace:create"
	PermWorkspaceRead   Permission = "workspace:read"
	PermWorkspaceWrite  Permission = "workspace:write"
	PermWorkspaceDelete Permission = "workspace:delete"

	// plugin domain
	PermPluginExecute Permission = "plugin:execute"

	// audit domain
	PermAuditRead Permission = "audit:read"

	// system domain
	PermSystemAdmin Permission = "system:admin"
	PermSystemScale Permission = "system:scale"
)

// AllPermissions is the catalog used to validate custom role definitions.
var AllPermissions = []Permission{
	PermUserRead, PermUserWrite, PermUserDelete,
	PermRoleRead, PermRoleWrite, PermRoleAssign, PermRoleDelete,
	PermDataRead, PermDataWrite, PermDataDelete,
	PermPipelineRun, PermPipelineCancel, PermPipelineRead,
	PermModelTrain, PermModelRead,
	PermWorkspaceCreate, PermWorkspaceRead, PermWorkspaceWrite, PermWorkspaceDelete,
	PermPluginExecute,
	PermAuditRead,
	PermSystemAdmin, PermSystemScale,
}

// Seeded role names.
const (
	RoleAdmin      = "Admin"
	RolePI         = "PI"
	RoleResearcher = "Researcher"
	RoleAnalyst    = "Analyst"
	RoleViewer     = "Viewer"
)

// SeededRolePermissions defines the five built-in roles. Admin holds the full
// catalog; Viewer is the registration default.
var SeededRolePermissions = map[string][]Permission{
	RoleAdmin: AllPermissions,
	RolePI: {
		PermUserRead,
		PermRoleRead, PermRoleAssign,
		PermDataRead, PermDataWrite, PermDataDelete,
		PermPipelineRun, PermPipelineCancel, PermPipelineRead,
		PermModelTrain, PermModelRead,
		PermWorkspaceCreate, PermWorkspaceRead, PermWorkspaceWrite, PermWorkspaceDelete,
		PermPluginExecute,
		PermAuditRead,
	},
	RoleResearcher: {
		PermDataRead, PermDataWrite,
		PermPipelineRun, PermPipelineCancel, PermPipelineRead,
		PermModelTrain, PermModelRead,
		PermWorkspaceCreate, PermWorkspaceRead, PermWorkspaceWrite,
		PermPluginExecute,
	},
	RoleAnalyst: {
		PermDataRead,
		PermPipelineRun, PermPipelineRead,
		PermModelRead,
		PermWorkspaceRead, PermWorkspaceWrite,
	},
	RoleViewer: {
		PermDataRead,
		PermPipelineRead,
		PermModelRead,
		PermWorkspaceRead,
	},
}

// ValidPermission reports whether p is in the catalog.
func ValidPermission(p Permission) bool {
	for _, known := range AllPermissions {
		if p == known {
			return true
		}
	}
	return false
}
