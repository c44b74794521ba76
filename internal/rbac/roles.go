package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleOperator can manage subscriptions and trigger reprocessing.
	RoleOperator = "operator"
	// RoleAnalyst has read-only access to pipeline state.
	RoleAnalyst = "analyst"
	// RoleSuperAdmin bypasses all role checks.
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
