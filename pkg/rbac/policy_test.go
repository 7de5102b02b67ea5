package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/medrex/scribe/pkg/types"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		role    string
		action  string
		allowed bool
	}{
		{RoleConsultingDoctor, ActionSign, true},
		{RoleConsultingDoctor, ActionDelete, true},
		{RoleClinicalStaff, ActionSign, true},
		{RoleClinicalStaff, ActionDelete, false},
		{RoleMDStudent, ActionReview, true},
		{RoleMDStudent, ActionSign, false},
		{RoleNurse, ActionGenerate, true},
		{RoleNurse, ActionExport, false},
		{RoleMBBSStudent, ActionRead, true},
		{RoleMBBSStudent, ActionGenerate, false},
		{RoleAdministrator, ActionDelete, true},
		{RoleAdministrator, ActionUpdate, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, p.Allowed(tt.role, tt.action), "%s %s", tt.role, tt.action)
	}
}

func TestAuthorize(t *testing.T) {
	p := DefaultPolicy()

	assert.NoError(t, p.Authorize(RoleConsultingDoctor, ActionSign))

	err := p.Authorize(RoleNurse, ActionSign)
	assert.True(t, errors.Is(err, types.ErrForbidden))
	se, ok := types.AsScribeError(err)
	assert.True(t, ok)
	assert.Equal(t, ActionSign, se.Field)

	err = p.Authorize("", ActionRead)
	assert.True(t, errors.Is(err, types.ErrForbidden))
	assert.False(t, p.KnownRole("physician"))
}

func TestRoleLevelsCoverPolicy(t *testing.T) {
	p := DefaultPolicy()
	for role := range RoleLevels {
		assert.True(t, p.KnownRole(role), role)
	}
}
