package authz

import (
	"context"
	"fmt"
	"strings"
)

// ResourceKind identifies what a ResourceRef points at.
type ResourceKind string

const (
	ResourceProject  ResourceKind = "project"
	ResourcePersonal ResourceKind = "personal"
)

// ResourceRef names the scope a command acts on.
type ResourceRef struct {
	Kind ResourceKind
	ID   string
}

// String renders the ref as kind:id for logs.
func (r ResourceRef) String() string {
	return string(r.Kind) + ":" + r.ID
}

// ScopeFor returns the project ref when projectID is set and the caller's
// personal space otherwise.
func ScopeFor(projectID, userID string) ResourceRef {
	if projectID = strings.TrimSpace(projectID); projectID != "" {
		return ResourceRef{Kind: ResourceProject, ID: projectID}
	}
	return ResourceRef{Kind: ResourcePersonal, ID: userID}
}

// Level is an ordered permission level.
type Level int

const (
	LevelNone Level = iota
	LevelViewer
	LevelEditor
	LevelAdmin
	LevelOwner
)

// ParseLevel parses a role name from the policy file.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "viewer":
		return LevelViewer, nil
	case "editor":
		return LevelEditor, nil
	case "admin":
		return LevelAdmin, nil
	case "owner":
		return LevelOwner, nil
	default:
		return LevelNone, fmt.Errorf("unknown role %q", raw)
	}
}

func (l Level) String() string {
	switch l {
	case LevelViewer:
		return "viewer"
	case LevelEditor:
		return "editor"
	case LevelAdmin:
		return "admin"
	case LevelOwner:
		return "owner"
	default:
		return "none"
	}
}

// Reason codes attached to decisions.
const (
	ReasonAllowPersonalSpace      = "AUTHZ_ALLOW_PERSONAL_SPACE"
	ReasonAllowProjectRole        = "AUTHZ_ALLOW_PROJECT_ROLE"
	ReasonAllowWorkspaceOwner     = "AUTHZ_ALLOW_WORKSPACE_OWNER"
	ReasonDenyUserRequired        = "AUTHZ_DENY_USER_REQUIRED"
	ReasonDenyForeignPersonal     = "AUTHZ_DENY_FOREIGN_PERSONAL_SPACE"
	ReasonDenyProjectUnknown      = "AUTHZ_DENY_PROJECT_UNKNOWN"
	ReasonDenyNotMember           = "AUTHZ_DENY_NOT_MEMBER"
	ReasonDenyRoleRequired        = "AUTHZ_DENY_ROLE_REQUIRED"
	ReasonDenyResourceKindUnknown = "AUTHZ_DENY_RESOURCE_KIND_UNKNOWN"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed    bool
	ReasonCode string
}

func allow(reason string) Decision { return Decision{Allowed: true, ReasonCode: reason} }

func deny(reason string) Decision { return Decision{ReasonCode: reason} }

// Checker answers whether userID holds at least level on ref. An error means
// the decision could not be made and callers must treat it as a denial.
type Checker interface {
	CheckPermission(ctx context.Context, userID string, ref ResourceRef, level Level) (Decision, error)
}
