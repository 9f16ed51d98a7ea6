package store

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source identifies where a user record originated.
type Source string

const (
	// SourceLocal marks users created through the command API.
	SourceLocal Source = "local"

	// SourceCloud marks users mirrored from a cloud tenant. Cloud users
	// are read-only here: they are pushed to devices but never mutated
	// or deleted by local commands.
	SourceCloud Source = "cloud"
)

// User is the canonical record for one person with access credentials.
// Devices receive a projection of this record during reconciliation.
type User struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	PIN      string   `json:"pin,omitempty"`
	CardCode string   `json:"card_code,omitempty"`
	FaceRef  string   `json:"face_ref,omitempty"`
	Groups   []string `json:"groups"`
	Source   Source   `json:"source"`

	// Version increments on every mutation so the reconciler can tell
	// whether anything changed since its last diff.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the User.
// The groups slice is cloned so cache entries stay isolated.
func (u *User) DeepCopy() *User {
	if u == nil {
		return nil
	}

	cpy := *u
	if u.Groups != nil {
		cpy.Groups = make([]string, len(u.Groups))
		copy(cpy.Groups, u.Groups)
	}
	return &cpy
}

// HasCredential reports whether the user carries at least one usable
// credential (PIN, card, or face).
func (u *User) HasCredential() bool {
	return u.PIN != "" || u.CardCode != "" || u.FaceRef != ""
}

// InAnyGroup reports whether the user belongs to at least one of the
// given groups.
func (u *User) InAnyGroup(groups []string) bool {
	for _, g := range groups {
		for _, ug := range u.Groups {
			if g == ug {
				return true
			}
		}
	}
	return false
}

// Group is a named access group, optionally bound to a schedule that
// limits when membership grants access. Schedules are an external
// concept referenced by name only.
type Group struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
	Version  int64  `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultGroup is the group every installation starts with. Users with
// no explicit groups are placed here.
const DefaultGroup = "Default"

// DefaultSchedule is the schedule assigned to implicitly created
// groups: unrestricted access.
const DefaultSchedule = "24/7 Access"

// userIDPrefix marks locally created user identifiers.
const userIDPrefix = "ha-"

// NewUserID generates a stable identifier for a locally created user.
func NewUserID() string {
	id := uuid.New().String()
	return userIDPrefix + strings.ReplaceAll(id, "-", "")[:12]
}

// normaliseGroups trims, deduplicates, and sorts a group list.
// An empty result falls back to the Default group.
func normaliseGroups(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	if len(out) == 0 {
		return []string{DefaultGroup}
	}
	sort.Strings(out)
	return out
}
