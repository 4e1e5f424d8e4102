// Package accesspolicy decides whether a caller may read, modify, or
// delete a Dataset (§4.10). New; the teacher has no multi-user access
// control of its own (a desktop app running as a single local user), so
// this is grounded conceptually on original_source/Backend/app/services/
// auth.py's ownership checks rather than any teacher Go file.
package accesspolicy

import "imagerypipeline/internal/model"

// Intent is one of the three operations AccessPolicy arbitrates.
type Intent string

const (
	IntentRead   Intent = "read"
	IntentModify Intent = "modify"
	IntentDelete Intent = "delete"
)

// Allowed implements §4.10's rules:
//   - demo datasets: read always allowed, modify/delete always denied.
//   - otherwise: allowed iff the caller is active and owns the dataset.
func Allowed(d *model.Dataset, caller *model.Identity, intent Intent) bool {
	if caller != nil && caller.IsSystem {
		return true
	}
	if d.IsDemo {
		return intent == IntentRead
	}
	if caller == nil || !caller.IsActive {
		return false
	}
	return d.OwnerID != nil && *d.OwnerID == caller.ID
}

// Check returns the §6/§7 sentinel error a denied call should surface:
// ErrUnauthorized when there is no caller identity at all, ErrForbidden
// when there is one but it's not entitled.
func Check(d *model.Dataset, caller *model.Identity, intent Intent) error {
	if Allowed(d, caller, intent) {
		return nil
	}
	if caller == nil {
		return model.ErrUnauthorized
	}
	return model.ErrForbidden
}
