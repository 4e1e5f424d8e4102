package accesspolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"imagerypipeline/internal/model"
)

func owner(id string) *string { return &id }

func TestAllowed_DemoDataset(t *testing.T) {
	d := &model.Dataset{ID: "demo-1", IsDemo: true}

	assert.True(t, Allowed(d, nil, IntentRead), "anonymous read of a demo dataset is always allowed")
	assert.True(t, Allowed(d, &model.Identity{ID: "u1", IsActive: true}, IntentRead))
	assert.False(t, Allowed(d, &model.Identity{ID: "u1", IsActive: true}, IntentModify), "demo datasets can never be modified")
	assert.False(t, Allowed(d, &model.Identity{ID: "u1", IsActive: true}, IntentDelete), "demo datasets can never be deleted")
}

func TestAllowed_OwnedDataset(t *testing.T) {
	d := &model.Dataset{ID: "ds-1", OwnerID: owner("u1")}

	assert.False(t, Allowed(d, nil, IntentRead), "no caller means no access to a non-demo dataset")
	assert.False(t, Allowed(d, &model.Identity{ID: "u1", IsActive: false}, IntentRead), "an inactive owner is denied")
	assert.False(t, Allowed(d, &model.Identity{ID: "u2", IsActive: true}, IntentRead), "a different active user is denied")
	assert.True(t, Allowed(d, &model.Identity{ID: "u1", IsActive: true}, IntentRead))
	assert.True(t, Allowed(d, &model.Identity{ID: "u1", IsActive: true}, IntentModify))
	assert.True(t, Allowed(d, &model.Identity{ID: "u1", IsActive: true}, IntentDelete))
}

func TestAllowed_SystemCallerBypassesOwnership(t *testing.T) {
	d := &model.Dataset{ID: "ds-1", OwnerID: owner("u1")}
	system := &model.Identity{ID: "system", IsActive: true, IsSystem: true}

	assert.True(t, Allowed(d, system, IntentDelete))
	assert.True(t, Allowed(d, system, IntentModify))
}

func TestCheck_ErrorClasses(t *testing.T) {
	d := &model.Dataset{ID: "ds-1", OwnerID: owner("u1")}

	assert.ErrorIs(t, Check(d, nil, IntentRead), model.ErrUnauthorized)
	assert.ErrorIs(t, Check(d, &model.Identity{ID: "u2", IsActive: true}, IntentRead), model.ErrForbidden)
	assert.NoError(t, Check(d, &model.Identity{ID: "u1", IsActive: true}, IntentRead))
}
