// Copyright 2024-2026 Aiku AI

package discord

import (
	"slices"
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// Status is a bot presence status.
type Status string

const (
	StatusOnline Status = "online"
	StatusIdle   Status = "idle"
)

// User is a Discord user profile, independent of guild membership.
type User struct {
	ID         string
	Username   string
	GlobalName string
	AvatarURL  string
}

// DisplayName returns the global display name, falling back to the username.
func (u *User) DisplayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// Member is a guild member: a user profile plus the role IDs it holds.
type Member struct {
	User
	Roles []string
}

// Role is a guild role.
type Role struct {
	ID   string
	Name string
}

func convertUser(u *discordgo.User, avatarSize int) User {
	if u == nil {
		return User{}
	}
	return User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		AvatarURL:  u.AvatarURL(strconv.Itoa(avatarSize)),
	}
}

func convertMember(m *discordgo.Member, avatarSize int) *Member {
	return &Member{
		User:  convertUser(m.User, avatarSize),
		Roles: slices.Clone(m.Roles),
	}
}
