// Copyright 2024-2026 Aiku AI

package reconcile

import (
	"github.com/aiku/authentik-discord-sync/pkg/discord"
)

// Subject is the Discord side of a single-user pass: either a current guild
// Member or a DepartedUser that is no longer in the guild.
type Subject interface {
	// Profile returns the user profile mirrored onto the authentik account.
	Profile() discord.User
	// RoleIDs returns the guild roles the subject holds.
	RoleIDs() []string

	subject()
}

// Member is a user currently in the guild.
type Member struct {
	discord.Member
}

func (m Member) Profile() discord.User { return m.User }
func (m Member) RoleIDs() []string     { return m.Roles }
func (Member) subject()                {}

// DepartedUser is a Discord user that exists but is not in the guild. It
// holds no roles.
type DepartedUser struct {
	discord.User
}

func (d DepartedUser) Profile() discord.User { return d.User }
func (DepartedUser) RoleIDs() []string       { return nil }
func (DepartedUser) subject()                {}

// SubjectRef identifies the user a single-user pass reconciles, either by
// Discord user ID or by an already fetched guild member.
type SubjectRef struct {
	id     string
	member *discord.Member
}

// ByID references a Discord user by ID. Guild membership is resolved during
// the pass.
func ByID(id string) SubjectRef {
	return SubjectRef{id: id}
}

// ByMember references a guild member that has already been fetched.
func ByMember(m *discord.Member) SubjectRef {
	return SubjectRef{id: m.ID, member: m}
}

// DiscordID returns the referenced Discord user ID.
func (r SubjectRef) DiscordID() string {
	return r.id
}
