package rbac

import (
	"errors"
	"strings"
)

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionUpload  Action = "upload"
	// ActionCurate covers rating, reordering, deleting picks and refreshing
	// their URLs.
	ActionCurate Action = "curate"
	// ActionManage covers rename, share and delete of the board itself.
	ActionManage Action = "manage"
)

var ErrForbidden = errors.New("forbidden")

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionUpload || action == ActionCurate
	case RoleViewer:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Normalize maps a stored role name to a Role. An empty name means the
// caller is not a collaborator and stays empty; unknown names become viewer.
func Normalize(role string) Role {
	role = strings.ToLower(strings.TrimSpace(role))
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleOwner:
		return Role(role)
	case "":
		return ""
	default:
		return RoleViewer
	}
}

// Require returns ErrForbidden unless role may perform action.
func Require(role Role, action Action) error {
	if !Can(role, action) {
		return ErrForbidden
	}
	return nil
}
