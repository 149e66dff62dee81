// Package authz evaluates project and personal-space permissions for pipeline
// commands.
//
// The stage machine asks a Checker before validating any command. The policy
// is a static YAML file mapping workspaces to owners and projects to members
// with roles; a missing policy denies every project-scoped request while each
// caller keeps full access to their own personal space.
package authz
