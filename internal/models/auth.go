package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleReviewer   UserRole = "REVIEWER"
	RoleInspector  UserRole = "INSPECTOR"
	RoleAuditor    UserRole = "AUDITOR"
)

// Actor is the caller identity every engine operation takes explicitly.
type Actor struct {
	UserID string   `json:"userId"`
	UnitID string   `json:"unitId"`
	Role   UserRole `json:"role"`
}

// IsElevated reports whether the actor may use administrative overrides.
func (a Actor) IsElevated() bool {
	return a.Role == RoleAdmin || a.Role == RoleSuperAdmin
}

// SystemActor attributes work done by background workers.
func SystemActor() Actor {
	return Actor{UserID: "system"}
}

// JWTClaims represents the access token payload issued by the identity provider.
type JWTClaims struct {
	UserID string   `json:"user_id"`
	UnitID string   `json:"unit_id"`
	Role   UserRole `json:"role"`
	Email  string   `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Actor projects the claims onto an engine actor.
func (c *JWTClaims) Actor() Actor {
	if c == nil {
		return Actor{}
	}
	return Actor{UserID: c.UserID, UnitID: c.UnitID, Role: c.Role}
}
