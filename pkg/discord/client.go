// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discord wraps a discordgo session with the guild, user, presence
// and slash command operations the authentik sync needs.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/authentik-discord-sync/pkg/syncerr"
)

const (
	memberPageSize    = 1000
	defaultAvatarSize = 256
)

// session is the subset of *discordgo.Session used by the client. Tests
// inject a fake instead of opening a real gateway connection.
type session interface {
	AddHandler(handler any) func()
	Open() error
	Close() error
	Guild(guildID string, options ...discordgo.RequestOption) (*discordgo.Guild, error)
	GuildMembers(guildID, after string, limit int, options ...discordgo.RequestOption) ([]*discordgo.Member, error)
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
	GuildRoles(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Role, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
	ApplicationCommands(appID, guildID string, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
	ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	ApplicationCommandEdit(appID, guildID, cmdID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	Responder
}

var _ session = (*discordgo.Session)(nil)

// Options configures a Client.
type Options struct {
	Token      string
	GuildID    string
	AvatarSize int
	Logger     *zerolog.Logger
}

// Client is a Discord bot bound to a single guild.
type Client struct {
	session    session
	guildID    string
	avatarSize int
	log        zerolog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	connected atomic.Bool
	appID     atomic.Value

	// handlerCtx is the context command handlers run under; set by Open.
	handlerCtx context.Context

	commandsMu sync.RWMutex
	commands   map[string]Command
	order      []string

	// roles caches the guild role list until a role event arrives.
	rolesMu sync.Mutex
	roles   map[string]*Role
}

// New creates a Client for the bot token and guild. The gateway is not opened
// until Open is called.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, syncerr.New(syncerr.CodeConfig, "discord bot token is required")
	}
	if strings.TrimSpace(opts.GuildID) == "" {
		return nil, syncerr.New(syncerr.CodeConfig, "discord guild ID is required")
	}
	s, err := discordgo.New("Bot " + strings.TrimPrefix(opts.Token, "Bot "))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.CodeConfig, err, "create discord session")
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return newClient(s, opts), nil
}

func newClient(s session, opts Options) *Client {
	c := &Client{
		session:    s,
		guildID:    opts.GuildID,
		avatarSize: opts.AvatarSize,
		ready:      make(chan struct{}),
		handlerCtx: context.Background(),
		commands:   make(map[string]Command),
	}
	if c.avatarSize <= 0 {
		c.avatarSize = defaultAvatarSize
	}
	if opts.Logger != nil {
		c.log = opts.Logger.With().Str("component", "discord").Logger()
	} else {
		c.log = zerolog.Nop()
	}
	s.AddHandler(c.onReady)
	s.AddHandler(c.onResumed)
	s.AddHandler(c.onDisconnect)
	s.AddHandler(c.onInteractionCreate)
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.GuildRoleCreate) { c.invalidateRoles() })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.GuildRoleUpdate) { c.invalidateRoles() })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.GuildRoleDelete) { c.invalidateRoles() })
	return c
}

// GuildID returns the guild the client is bound to.
func (c *Client) GuildID() string {
	return c.guildID
}

// Open connects to the gateway, waits for the Ready event, verifies the bot
// is in the guild and registers the declared slash commands. ctx bounds the
// wait and is used for command handlers afterwards.
func (c *Client) Open(ctx context.Context) error {
	c.handlerCtx = ctx
	if err := c.session.Open(); err != nil {
		return syncerr.Upstream(err, "open discord gateway")
	}
	select {
	case <-c.ready:
	case <-ctx.Done():
		return syncerr.Wrap(syncerr.CodeNotConnected, ctx.Err(), "wait for discord ready")
	}

	guild, err := c.session.Guild(c.guildID, discordgo.WithContext(ctx))
	if err != nil {
		return syncerr.Wrap(syncerr.CodeNotConnected, err, "fetch guild %s", c.guildID)
	}
	c.log.Info().Str("guild_id", guild.ID).Str("guild_name", guild.Name).Msg("Using guild")

	if err := c.registerCommands(ctx); err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	c.connected.Store(false)
	return c.session.Close()
}

func (c *Client) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		c.appID.Store(r.User.ID)
		c.log.Info().Str("bot_user", r.User.Username).Str("bot_id", r.User.ID).Msg("Discord bot logged in")
	}
	c.connected.Store(true)
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Client) onResumed(_ *discordgo.Session, _ *discordgo.Resumed) {
	c.connected.Store(true)
}

func (c *Client) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	c.connected.Store(false)
	c.log.Warn().Msg("Discord gateway disconnected")
}

func (c *Client) applicationID() string {
	id, _ := c.appID.Load().(string)
	return id
}

func (c *Client) checkConnected() error {
	if !c.connected.Load() {
		return syncerr.New(syncerr.CodeNotConnected, "discord gateway is not connected")
	}
	return nil
}

// GuildMembers fetches every guild member keyed by user ID.
func (c *Client) GuildMembers(ctx context.Context) (map[string]*Member, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	members := make(map[string]*Member)
	after := ""
	for {
		page, err := c.session.GuildMembers(c.guildID, after, memberPageSize, discordgo.WithContext(ctx))
		if err != nil {
			return nil, syncerr.Upstream(err, "list members of guild %s", c.guildID)
		}
		for _, m := range page {
			if m == nil || m.User == nil {
				continue
			}
			members[m.User.ID] = convertMember(m, c.avatarSize)
			after = m.User.ID
		}
		if len(page) < memberPageSize {
			return members, nil
		}
	}
}

// Member returns the guild member with the given user ID, or nil when the
// user is not in the guild.
func (c *Client) Member(ctx context.Context, userID string) (*Member, error) {
	m, err := c.session.GuildMember(c.guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err, discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser) {
			return nil, nil
		}
		return nil, syncerr.Upstream(err, "get guild member %s", userID)
	}
	return convertMember(m, c.avatarSize), nil
}

// User returns the user profile with the given ID regardless of guild
// membership, or nil when no such user exists.
func (c *Client) User(ctx context.Context, userID string) (*User, error) {
	u, err := c.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		if isNotFound(err, discordgo.ErrCodeUnknownUser) {
			return nil, nil
		}
		return nil, syncerr.Upstream(err, "get user %s", userID)
	}
	user := convertUser(u, c.avatarSize)
	return &user, nil
}

// Role returns the guild role with the given ID, or nil when it does not exist.
// The role list is fetched once and reused until a role is created, updated
// or deleted.
func (c *Client) Role(ctx context.Context, roleID string) (*Role, error) {
	c.rolesMu.Lock()
	defer c.rolesMu.Unlock()
	if c.roles == nil {
		roles, err := c.session.GuildRoles(c.guildID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, syncerr.Upstream(err, "list roles of guild %s", c.guildID)
		}
		c.roles = make(map[string]*Role, len(roles))
		for _, r := range roles {
			c.roles[r.ID] = &Role{ID: r.ID, Name: r.Name}
		}
	}
	role, ok := c.roles[roleID]
	if !ok {
		return nil, nil
	}
	cp := *role
	return &cp, nil
}

func (c *Client) invalidateRoles() {
	c.rolesMu.Lock()
	c.roles = nil
	c.rolesMu.Unlock()
}

// UpdatePresence sets the bot status and custom status text. Failures are
// logged and otherwise ignored.
func (c *Client) UpdatePresence(status Status, text string) {
	if !c.connected.Load() {
		return
	}
	err := c.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status: string(status),
		Activities: []*discordgo.Activity{{
			Name:  "Custom Status",
			Type:  discordgo.ActivityTypeCustom,
			State: text,
		}},
	})
	if err != nil {
		c.log.Debug().Err(err).Str("status", string(status)).Msg("Failed to update presence")
	}
}

// isNotFound reports whether err is a Discord REST error with one of the
// given JSON error codes or a plain 404.
func isNotFound(err error, codes ...int) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return false
	}
	if restErr.Message != nil {
		for _, code := range codes {
			if restErr.Message.Code == code {
				return true
			}
		}
	}
	return restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound
}
