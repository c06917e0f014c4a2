// Package capability mediates all plugin access to host resources. Each
// domain area (submissions, users, events, reviews, object storage, email)
// is fronted by a gate that checks the plugin's granted permission set
// before performing any action; the per-plugin key-value store is the one
// ungated surface, isolated by namespace instead.
package capability

import "sort"

// Permission identifies one grantable operation class over a domain area.
type Permission string

// The full permission vocabulary.
const (
	PermSubmissionsRead   Permission = "submissions:read"
	PermSubmissionsManage Permission = "submissions:manage"
	PermUsersRead         Permission = "users:read"
	PermUsersManage       Permission = "users:manage"
	PermEventsRead        Permission = "events:read"
	PermEventsManage      Permission = "events:manage"
	PermReviewsRead       Permission = "reviews:read"
	PermReviewsWrite      Permission = "reviews:write"
	PermStorageRead       Permission = "storage:read"
	PermStorageWrite      Permission = "storage:write"
	PermEmailSend         Permission = "email:send"
)

var allPermissions = map[Permission]struct{}{
	PermSubmissionsRead:   {},
	PermSubmissionsManage: {},
	PermUsersRead:         {},
	PermUsersManage:       {},
	PermEventsRead:        {},
	PermEventsManage:      {},
	PermReviewsRead:       {},
	PermReviewsWrite:      {},
	PermStorageRead:       {},
	PermStorageWrite:      {},
	PermEmailSend:         {},
}

// Known reports whether p is part of the permission vocabulary.
func Known(p Permission) bool {
	_, ok := allPermissions[p]
	return ok
}

// Set is an immutable permission grant.
type Set struct {
	perms map[Permission]struct{}
}

// NewSet builds a set from permission strings. Unknown strings are kept so
// the set faithfully mirrors the persisted grant; manifest validation is the
// place that rejects them.
func NewSet(perms []string) Set {
	set := Set{perms: make(map[Permission]struct{}, len(perms))}
	for _, p := range perms {
		set.perms[Permission(p)] = struct{}{}
	}
	return set
}

// Has reports whether the set grants p.
func (s Set) Has(p Permission) bool {
	_, ok := s.perms[p]
	return ok
}

// List returns the granted permissions in sorted order.
func (s Set) List() []Permission {
	out := make([]Permission, 0, len(s.perms))
	for p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// require returns a PermissionError if p is not granted.
func (s Set) require(p Permission) error {
	if s.Has(p) {
		return nil
	}
	return &PermissionError{Missing: p}
}
