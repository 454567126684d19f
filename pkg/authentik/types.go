// Copyright 2024-2026 Aiku AI

package authentik

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

const (
	// AttrDiscordID links an authentik user to a Discord user ID.
	AttrDiscordID = "discord_id"
	// AttrAvatar holds the Discord avatar URL mirrored onto the user.
	AttrAvatar = "avatar"
	// AttrDiscordRoleID marks a group as syncable and names its Discord role.
	AttrDiscordRoleID = "discord_role_id"
)

// User is the subset of an authentik core user the sync reads and writes.
type User struct {
	PK         int            `json:"pk"`
	Username   string         `json:"username"`
	Name       string         `json:"name"`
	IsActive   bool           `json:"is_active"`
	Path       string         `json:"path,omitempty"`
	Attributes map[string]any `json:"attributes"`
}

// DiscordID returns the linked Discord user ID, or "" when the user is not linked.
func (u *User) DiscordID() string {
	return stringAttr(u.Attributes, AttrDiscordID)
}

// Avatar returns the avatar attribute, or "" when unset.
func (u *User) Avatar() string {
	return stringAttr(u.Attributes, AttrAvatar)
}

// GroupMember is an entry of a group's users_obj list.
type GroupMember struct {
	PK       int    `json:"pk"`
	Username string `json:"username"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Group is the subset of an authentik core group the sync uses.
type Group struct {
	PK         string         `json:"pk"`
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes"`
	Users      []int          `json:"users,omitempty"`
	UsersObj   []GroupMember  `json:"users_obj,omitempty"`
}

// DiscordRoleID returns the mapped Discord role ID, or "" for unsyncable groups.
func (g *Group) DiscordRoleID() string {
	return stringAttr(g.Attributes, AttrDiscordRoleID)
}

// Syncable reports whether the group carries a discord_role_id attribute,
// whatever its value. A group whose attribute is null or empty matches no
// role, so every member is removed from it.
func (g *Group) Syncable() bool {
	_, ok := g.Attributes[AttrDiscordRoleID]
	return ok
}

// HasMember reports whether the user with the given pk is in the group's member list.
func (g *Group) HasMember(pk int) bool {
	for _, m := range g.UsersObj {
		if m.PK == pk {
			return true
		}
	}
	for _, id := range g.Users {
		if id == pk {
			return true
		}
	}
	return false
}

// AddMember records user as a member of the local copy of the group.
func (g *Group) AddMember(user *User) {
	if g.HasMember(user.PK) {
		return
	}
	g.UsersObj = append(g.UsersObj, GroupMember{
		PK:       user.PK,
		Username: user.Username,
		Name:     user.Name,
		IsActive: user.IsActive,
	})
}

// RemoveMember drops the user with the given pk from the local copy of the group.
func (g *Group) RemoveMember(pk int) {
	g.UsersObj = slices.DeleteFunc(g.UsersObj, func(m GroupMember) bool { return m.PK == pk })
	g.Users = slices.DeleteFunc(g.Users, func(id int) bool { return id == pk })
}

// UserUpdate is a partial user update. Nil fields are left untouched.
type UserUpdate struct {
	Username *string
	Name     *string
	Avatar   *string
	IsActive *bool
}

// AppliedTo reports whether every field set in the update already matches user.
func (u UserUpdate) AppliedTo(user *User) bool {
	if u.Username != nil && *u.Username != user.Username {
		return false
	}
	if u.Name != nil && *u.Name != user.Name {
		return false
	}
	if u.Avatar != nil && *u.Avatar != user.Avatar() {
		return false
	}
	if u.IsActive != nil && *u.IsActive != user.IsActive {
		return false
	}
	return true
}

// stringAttr returns attrs[key] as a trimmed string. Whole numbers are
// formatted without an exponent; the Discord source stores IDs as strings, so
// numbers only appear in hand-edited attributes.
func stringAttr(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v != math.Trunc(v) {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
