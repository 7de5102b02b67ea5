// Package rbac maps clinician roles to the document actions they may perform.
package rbac

import (
	"fmt"

	"github.com/medrex/scribe/pkg/types"
)

// Policy is a role to permitted-actions table
type Policy struct {
	permissions map[string]map[string]bool
}

// DefaultPolicy returns the built-in permissions. Trainees may draft and
// review but only attending clinicians sign; administrators never touch
// content beyond reading, deleting drafts and exporting.
func DefaultPolicy() *Policy {
	return NewPolicy(map[string][]string{
		RoleMBBSStudent:      {ActionRead},
		RoleMDStudent:        {ActionGenerate, ActionRead, ActionUpdate, ActionReview, ActionAddendum, ActionExport},
		RoleNurse:            {ActionGenerate, ActionRead, ActionUpdate, ActionReview},
		RoleClinicalStaff:    {ActionGenerate, ActionRead, ActionUpdate, ActionReview, ActionSign, ActionAddendum, ActionExport},
		RoleConsultingDoctor: Actions,
		RoleAdministrator:    {ActionRead, ActionDelete, ActionExport},
	})
}

// NewPolicy builds a policy from role to action lists
func NewPolicy(grants map[string][]string) *Policy {
	p := &Policy{permissions: make(map[string]map[string]bool, len(grants))}
	for role, actions := range grants {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		p.permissions[role] = set
	}
	return p
}

// KnownRole reports whether the policy has an entry for role
func (p *Policy) KnownRole(role string) bool {
	_, ok := p.permissions[role]
	return ok
}

// Allowed reports whether role may perform action
func (p *Policy) Allowed(role, action string) bool {
	return p.permissions[role][action]
}

// Authorize returns a forbidden error when role may not perform action
func (p *Policy) Authorize(role, action string) error {
	if !p.KnownRole(role) {
		return types.NewForbiddenError(action, fmt.Sprintf("unknown role %q", role))
	}
	if !p.Allowed(role, action) {
		return types.NewForbiddenError(action, fmt.Sprintf("role %s may not %s documents", role, action))
	}
	return nil
}
