package api

import (
	"net/http"
	"slices"

	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
)

// canView applies the visibility rules: public is open to everyone,
// organization requires the caller's tenant, private additionally requires
// the uploader, a tenant admin, or an explicit allow-list entry.
func canView(ac *middleware.AuthContext, v *data.Video) bool {
	if v.Visibility == data.VisibilityPublic {
		return true
	}
	if ac == nil || ac.TenantID != v.OrganizationID {
		return false
	}
	switch v.Visibility {
	case data.VisibilityOrganization:
		return true
	case data.VisibilityPrivate:
		return ac.Role == data.RoleAdmin ||
			ac.UserID == v.UploadedBy ||
			slices.Contains(v.AllowedUserIDs, ac.UserID)
	}
	return false
}

// canManage reports whether the caller may edit or delete the video:
// the uploader or a same-tenant admin.
func canManage(ac *middleware.AuthContext, v *data.Video) bool {
	if ac == nil || ac.TenantID != v.OrganizationID {
		return false
	}
	return ac.Role == data.RoleAdmin || ac.UserID == v.UploadedBy
}

// denyView writes the error for a failed view check. Cross-tenant lookups
// answer 404 so another tenant's ids stay unprobeable; anonymous callers
// get 401 so clients know to authenticate; a same-tenant visibility denial
// is an honest 403.
func denyView(w http.ResponseWriter, ac *middleware.AuthContext, v *data.Video) {
	switch {
	case ac == nil:
		writeError(w, http.StatusUnauthorized, "authentication required")
	case ac.TenantID != v.OrganizationID:
		writeError(w, http.StatusNotFound, "video not found")
	default:
		writeError(w, http.StatusForbidden, "access denied")
	}
}
