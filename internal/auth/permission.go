package auth

import "github.com/nextlevelbuilder/collabd/internal/store"

// CanEdit reports whether the role may submit text operations.
func CanEdit(role store.Role) bool {
	return role == store.RoleOwner || role == store.RoleEditor
}

// CanAdmin reports whether the role may manage the room and delete
// documents.
func CanAdmin(role store.Role) bool {
	return role == store.RoleOwner
}
