package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/bloodlink/internal/models"
)

func TestTransitionPermissions(t *testing.T) {
	req := &models.BloodRequest{ID: "r1", RequesterID: "u1", InstitutionID: "hosp-1"}
	res := ForRequest(req)

	cases := []struct {
		name  string
		actor Actor
		want  bool
	}{
		{"creator", Actor{ID: "u1", Role: RoleRequester}, true},
		{"admin", Actor{ID: "a1", Role: RoleAdmin}, true},
		{"staff same institution", Actor{ID: "s1", Role: RoleStaff, InstitutionID: "hosp-1"}, true},
		{"staff other institution", Actor{ID: "s2", Role: RoleStaff, InstitutionID: "hosp-2"}, false},
		{"staff without institution", Actor{ID: "s3", Role: RoleStaff}, false},
		{"responding donor", Actor{ID: "d1", Role: RoleDonor}, false},
		{"anonymous", Actor{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Evaluate(c.actor, res, ActionRequestTransition)
			assert.Equal(t, c.want, got.Allowed, got.Reason)
		})
	}
}

func TestNotificationPermissionsByType(t *testing.T) {
	staff := Actor{ID: "s1", Role: RoleStaff, InstitutionID: "bank-1"}
	donor := Actor{ID: "d1", Role: RoleDonor}
	admin := Actor{ID: "a1", Role: RoleAdmin}

	for _, typ := range []models.AlertType{models.AlertBloodRequest, models.AlertEmergency} {
		res := Resource{Kind: "notification", AlertType: typ}
		assert.True(t, Evaluate(staff, res, ActionNotifySend).Allowed)
		assert.False(t, Evaluate(donor, res, ActionNotifySend).Allowed)
	}
	sys := Resource{Kind: "notification", AlertType: models.AlertSystem}
	assert.False(t, Evaluate(staff, sys, ActionNotifySend).Allowed)
	assert.True(t, Evaluate(admin, sys, ActionNotifySend).Allowed)
}

func TestInventoryAndSelfService(t *testing.T) {
	staff := Actor{ID: "s1", Role: RoleStaff, InstitutionID: "bank-1"}
	assert.True(t, Evaluate(staff, Resource{Kind: "blood_unit", InstitutionID: "bank-1"}, ActionInventoryManage).Allowed)
	assert.False(t, Evaluate(staff, Resource{Kind: "blood_unit", InstitutionID: "bank-2"}, ActionInventoryManage).Allowed)
	assert.False(t, Evaluate(Actor{ID: "d1", Role: RoleDonor}, Resource{Kind: "blood_unit"}, ActionInventoryReserve).Allowed)
	// a unit without an owning institution is not fair game for every bank
	assert.False(t, Evaluate(staff, Resource{Kind: "blood_unit"}, ActionInventoryManage).Allowed)
	assert.False(t, Evaluate(Actor{ID: "s2", Role: RoleStaff}, Resource{Kind: "blood_unit"}, ActionInventoryManage).Allowed)
	assert.True(t, Evaluate(staff, Resource{Kind: "blood_request"}, ActionInventoryReserve).Allowed)
	assert.True(t, Evaluate(staff, Resource{Kind: "blood_unit"}, ActionInventorySweep).Allowed)
	assert.False(t, Evaluate(Actor{ID: "r1", Role: RoleRequester}, Resource{Kind: "blood_unit"}, ActionInventorySweep).Allowed)

	donor := Actor{ID: "d1", Role: RoleDonor}
	assert.True(t, Evaluate(donor, Resource{OwnerID: "d1"}, ActionPreferencesUpdate).Allowed)
	assert.False(t, Evaluate(donor, Resource{OwnerID: "d2"}, ActionLocationUpdate).Allowed)
	assert.True(t, Evaluate(donor, Resource{}, ActionRequestRespond).Allowed)
	assert.False(t, Evaluate(staff, Resource{}, ActionRequestRespond).Allowed)
}

func TestUnknownActionDenied(t *testing.T) {
	d := Evaluate(Actor{ID: "s1", Role: RoleStaff}, Resource{}, Action("request.delete"))
	assert.False(t, d.Allowed)
}
