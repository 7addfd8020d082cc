// Package policy holds every authorization rule of the service in one
// place: Evaluate(actor, resource, action) is the only decision point.
package policy

import "github.com/example/bloodlink/internal/models"

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleStaff     Role = "staff"
	RoleDonor     Role = "donor"
	RoleRequester Role = "requester"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleDonor, RoleRequester:
		return true
	}
	return false
}

// Actor is the authenticated caller.
type Actor struct {
	ID            string `json:"id"`
	Role          Role   `json:"role"`
	InstitutionID string `json:"institution_id,omitempty"`
}

// System is used for transitions the service performs on its own behalf.
var System = Actor{ID: "system", Role: RoleAdmin}

type Action string

const (
	ActionRequestCreate     Action = "request.create"
	ActionRequestRead       Action = "request.read"
	ActionRequestMatch      Action = "request.match"
	ActionRequestTransition Action = "request.transition"
	ActionRequestRespond    Action = "request.respond"
	ActionInventoryManage   Action = "inventory.manage"
	ActionInventoryReserve  Action = "inventory.reserve"
	ActionInventorySweep    Action = "inventory.sweep"
	ActionInventoryRead     Action = "inventory.read"
	ActionNotifySend        Action = "notification.send"
	ActionPreferencesUpdate Action = "preferences.update"
	ActionDonorSearch       Action = "donor.search"
	ActionLocationUpdate    Action = "donor.location"
)

// Resource describes the object an action targets. Only the attributes
// relevant to the action need to be set.
type Resource struct {
	Kind          string
	OwnerID       string
	InstitutionID string
	// AlertType is set for notification.send.
	AlertType models.AlertType
}

// ForRequest builds the resource view of a blood request.
func ForRequest(r *models.BloodRequest) Resource {
	return Resource{Kind: "blood_request", OwnerID: r.RequesterID, InstitutionID: r.InstitutionID}
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// Evaluate decides whether actor may perform action on res.
func Evaluate(actor Actor, res Resource, action Action) Decision {
	if actor.ID == "" || !actor.Role.Valid() {
		return deny("unauthenticated actor")
	}
	if actor.Role == RoleAdmin {
		return allow("admin role")
	}

	switch action {
	case ActionRequestCreate, ActionRequestRead:
		return allow("authenticated")

	case ActionRequestMatch, ActionRequestTransition:
		if res.OwnerID != "" && res.OwnerID == actor.ID {
			return allow("request creator")
		}
		if sameInstitutionStaff(actor, res) {
			return allow("institution staff")
		}
		return deny("only the creator, institution staff or an admin may modify this request")

	case ActionRequestRespond:
		if actor.Role == RoleDonor {
			return allow("donor")
		}
		return deny("only donors may respond to requests")

	case ActionInventoryManage:
		if sameInstitutionStaff(actor, res) {
			return allow("institution staff")
		}
		return deny("inventory changes require staff of the owning institution")

	case ActionInventoryReserve:
		// requests raised outside any institution may be served by any bank
		if sameInstitutionStaff(actor, res) || (actor.Role == RoleStaff && res.InstitutionID == "") {
			return allow("staff")
		}
		return deny("reservations require staff of the requesting institution")

	case ActionInventorySweep:
		if actor.Role == RoleStaff {
			return allow("staff")
		}
		return deny("the expiry sweep is run by staff only")

	case ActionInventoryRead:
		if actor.Role == RoleStaff {
			return allow("staff")
		}
		return deny("inventory is visible to staff only")

	case ActionNotifySend:
		switch res.AlertType {
		case models.AlertBloodRequest, models.AlertEmergency:
			if actor.Role == RoleStaff {
				return allow("staff may broadcast request alerts")
			}
			return deny("only staff or admins may send " + string(res.AlertType) + " alerts")
		default:
			return deny("only admins may send " + string(res.AlertType) + " alerts")
		}

	case ActionPreferencesUpdate, ActionLocationUpdate:
		if res.OwnerID == actor.ID {
			return allow("self")
		}
		return deny("users may only change their own settings")

	case ActionDonorSearch:
		if actor.Role == RoleStaff || actor.Role == RoleRequester {
			return allow(string(actor.Role))
		}
		return deny("donor search is not available to donors")
	}
	return deny("no policy for " + string(action))
}

func sameInstitutionStaff(actor Actor, res Resource) bool {
	return actor.Role == RoleStaff && actor.InstitutionID != "" && actor.InstitutionID == res.InstitutionID
}
