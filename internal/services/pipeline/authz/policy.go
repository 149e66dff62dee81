package authz

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML document describing workspaces and projects.
//
//	workspaces:
//	  acme:
//	    owners: [alice]
//	projects:
//	  p1:
//	    workspace: acme
//	    members:
//	      bob: editor
type PolicyFile struct {
	Workspaces map[string]WorkspacePolicy `yaml:"workspaces"`
	Projects   map[string]ProjectPolicy   `yaml:"projects"`
}

// WorkspacePolicy lists the owners of a workspace.
type WorkspacePolicy struct {
	Owners []string `yaml:"owners"`
}

// ProjectPolicy maps member user ids to role names.
type ProjectPolicy struct {
	Workspace string            `yaml:"workspace"`
	Members   map[string]string `yaml:"members"`
}

// Options tune policy evaluation.
type Options struct {
	// WorkspaceOwnerBypass grants owner level on every project of a workspace
	// to that workspace's owners, even without project membership.
	WorkspaceOwnerBypass bool
}

// Policy is an immutable, parsed PolicyFile.
type Policy struct {
	projects        map[string]project
	workspaceOwners map[string]map[string]struct{}
	opts            Options
}

type project struct {
	workspace string
	members   map[string]Level
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte, opts Options) (*Policy, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode authz policy: %w", err)
	}
	return NewPolicy(file, opts)
}

// LoadPolicy reads a YAML policy from path. An empty path yields an empty
// policy that only allows personal-space access.
func LoadPolicy(path string, opts Options) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return NewPolicy(PolicyFile{}, opts)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authz policy: %w", err)
	}
	return ParsePolicy(data, opts)
}

// NewPolicy validates file and builds a Policy.
func NewPolicy(file PolicyFile, opts Options) (*Policy, error) {
	p := &Policy{
		projects:        make(map[string]project, len(file.Projects)),
		workspaceOwners: make(map[string]map[string]struct{}, len(file.Workspaces)),
		opts:            opts,
	}
	for workspaceID, ws := range file.Workspaces {
		owners := make(map[string]struct{}, len(ws.Owners))
		for _, owner := range ws.Owners {
			owner = strings.TrimSpace(owner)
			if owner == "" {
				return nil, fmt.Errorf("workspace %q has an empty owner", workspaceID)
			}
			owners[owner] = struct{}{}
		}
		p.workspaceOwners[workspaceID] = owners
	}
	for projectID, proj := range file.Projects {
		if proj.Workspace != "" {
			if _, ok := file.Workspaces[proj.Workspace]; !ok {
				return nil, fmt.Errorf("project %q references unknown workspace %q", projectID, proj.Workspace)
			}
		}
		members := make(map[string]Level, len(proj.Members))
		for userID, role := range proj.Members {
			level, err := ParseLevel(role)
			if err != nil {
				return nil, fmt.Errorf("project %q member %q: %w", projectID, userID, err)
			}
			members[userID] = level
		}
		p.projects[projectID] = project{workspace: proj.Workspace, members: members}
	}
	return p, nil
}

// CheckPermission implements Checker.
func (p *Policy) CheckPermission(_ context.Context, userID string, ref ResourceRef, level Level) (Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return deny(ReasonDenyUserRequired), nil
	}
	switch ref.Kind {
	case ResourcePersonal:
		if ref.ID == userID {
			return allow(ReasonAllowPersonalSpace), nil
		}
		return deny(ReasonDenyForeignPersonal), nil
	case ResourceProject:
		return p.checkProject(userID, ref.ID, level), nil
	default:
		return deny(ReasonDenyResourceKindUnknown), nil
	}
}

func (p *Policy) checkProject(userID, projectID string, level Level) Decision {
	proj, ok := p.projects[projectID]
	if !ok {
		return deny(ReasonDenyProjectUnknown)
	}
	if p.opts.WorkspaceOwnerBypass && proj.workspace != "" {
		if _, owner := p.workspaceOwners[proj.workspace][userID]; owner {
			return allow(ReasonAllowWorkspaceOwner)
		}
	}
	granted, member := proj.members[userID]
	if !member {
		return deny(ReasonDenyNotMember)
	}
	if granted < level {
		return deny(ReasonDenyRoleRequired)
	}
	return allow(ReasonAllowProjectRole)
}
