// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package reconcile holds the decision logic that brings authentik accounts
// in line with Discord guild membership: account activation, group
// membership mirrored from guild roles, and profile fields.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiku/authentik-discord-sync/pkg/authentik"
	"github.com/aiku/authentik-discord-sync/pkg/discord"
	"github.com/aiku/authentik-discord-sync/pkg/syncerr"
)

const (
	tracerName = "github.com/aiku/authentik-discord-sync/pkg/reconcile"

	// PresenceSyncing is shown as the bot's custom status while a full pass runs.
	PresenceSyncing = "Syncing users..."
	// PresenceIdle is shown between full passes.
	PresenceIdle = "Awaiting next sync..."
)

// IdentityProvider is the authentik side of the sync.
type IdentityProvider interface {
	ListUsers(ctx context.Context) ([]authentik.User, error)
	ListSyncableGroups(ctx context.Context, includeUsers bool) ([]authentik.Group, error)
	GetUserByDiscordID(ctx context.Context, discordID string) (*authentik.User, error)
	UpdateUser(ctx context.Context, user *authentik.User, update authentik.UserUpdate) (*authentik.User, error)
	AddUserToGroup(ctx context.Context, user *authentik.User, group *authentik.Group) error
	RemoveUserFromGroup(ctx context.Context, user *authentik.User, group *authentik.Group) error
}

// ChatPlatform is the Discord side of the sync.
type ChatPlatform interface {
	GuildMembers(ctx context.Context) (map[string]*discord.Member, error)
	Member(ctx context.Context, userID string) (*discord.Member, error)
	User(ctx context.Context, userID string) (*discord.User, error)
	Role(ctx context.Context, roleID string) (*discord.Role, error)
	UpdatePresence(status discord.Status, text string)
}

var (
	_ IdentityProvider = (*authentik.Client)(nil)
	_ ChatPlatform     = (*discord.Client)(nil)
)

// Options configures a Reconciler.
type Options struct {
	Logger *zerolog.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Reconciler runs full and single-user passes. It keeps no state between
// passes; every pass fetches fresh data from both sides.
type Reconciler struct {
	idp    IdentityProvider
	chat   ChatPlatform
	log    zerolog.Logger
	tracer trace.Tracer
}

// New creates a Reconciler over the two clients.
func New(idp IdentityProvider, chat ChatPlatform, opts Options) *Reconciler {
	r := &Reconciler{idp: idp, chat: chat}
	if opts.Logger != nil {
		r.log = opts.Logger.With().Str("component", "reconcile").Logger()
	} else {
		r.log = zerolog.Nop()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	r.tracer = tp.Tracer(tracerName)
	return r
}

// SyncAll reconciles every authentik user under the configured path against
// the guild. Failing to fetch either side aborts the pass; a failure on one
// account is recorded in the returned Stat and the pass moves on.
func (r *Reconciler) SyncAll(ctx context.Context) (stat *Stat, err error) {
	stat = newStat()
	ctx, span := r.tracer.Start(ctx, "reconcile.SyncAll", trace.WithAttributes(
		attribute.String("sync.pass_id", stat.PassID),
	))
	defer func() { endSpan(span, stat, err) }()

	log := r.log.With().Str("pass_id", stat.PassID).Logger()
	r.chat.UpdatePresence(discord.StatusOnline, PresenceSyncing)
	defer r.chat.UpdatePresence(discord.StatusIdle, PresenceIdle)

	log.Info().Msg("Fetching synced users and groups from authentik")
	users, err := r.idp.ListUsers(ctx)
	if err != nil {
		return stat.finish(), fmt.Errorf("fetch users: %w", err)
	}
	groups, err := r.idp.ListSyncableGroups(ctx, true)
	if err != nil {
		return stat.finish(), fmt.Errorf("fetch groups: %w", err)
	}
	log.Info().Int("users", len(users)).Int("groups", len(groups)).Msg("Fetched authentik users and groups")

	members, err := r.chat.GuildMembers(ctx)
	if err != nil {
		return stat.finish(), fmt.Errorf("fetch guild members: %w", err)
	}
	log.Info().Int("members", len(members)).Msg("Fetched guild members")

	for i := range users {
		if err := ctx.Err(); err != nil {
			return stat.finish(), err
		}
		user := &users[i]
		stat.Seen++
		discordID := user.DiscordID()
		if discordID == "" {
			log.Debug().Str("username", user.Username).Int("user_pk", user.PK).Msg("User has no linked Discord ID, skipping")
			stat.Skipped++
			continue
		}
		ulog := log.With().Str("discord_id", discordID).Str("username", user.Username).Int("user_pk", user.PK).Logger()
		if err := r.syncAccount(ulog.WithContext(ctx), user, members[discordID], groups, stat); err != nil {
			ulog.Error().Err(err).Msg("Failed to sync user")
			stat.fail("%s (%d): %v", user.Username, user.PK, err)
		}
	}

	stat.finish()
	log.Info().EmbedObject(stat).Msg("Full sync complete")
	return stat, nil
}

// syncAccount applies the presence rules to one linked account. A departed
// member is only deactivated; group and profile sync need a member.
func (r *Reconciler) syncAccount(ctx context.Context, user *authentik.User, member *discord.Member, groups []authentik.Group, stat *Stat) error {
	log := zerolog.Ctx(ctx)
	switch {
	case member == nil && user.IsActive:
		if _, err := r.setActive(ctx, user, false); err != nil {
			return fmt.Errorf("deactivate: %w", err)
		}
		stat.Deactivated++
		log.Info().Msg("Deactivated user no longer in the guild")
		return nil
	case member == nil:
		log.Debug().Msg("User is not in the guild and already inactive")
		return nil
	case !user.IsActive:
		updated, err := r.setActive(ctx, user, true)
		if err != nil {
			return fmt.Errorf("reactivate: %w", err)
		}
		stat.Activated++
		log.Info().Msg("Re-activated user present in the guild")
		user = updated
	}
	return r.syncSubject(ctx, user, Member{Member: *member}, groups, stat)
}

// SyncUser reconciles the single authentik account linked to ref. Unlike a
// full pass, a user that left the guild still gets group and profile sync;
// holding no roles, they are removed from every synced group.
func (r *Reconciler) SyncUser(ctx context.Context, ref SubjectRef) (stat *Stat, err error) {
	stat = newStat()
	ctx, span := r.tracer.Start(ctx, "reconcile.SyncUser", trace.WithAttributes(
		attribute.String("sync.pass_id", stat.PassID),
		attribute.String("discord.user_id", ref.DiscordID()),
	))
	defer func() { endSpan(span, stat, err) }()

	log := r.log.With().Str("pass_id", stat.PassID).Str("discord_id", ref.DiscordID()).Logger()
	ctx = log.WithContext(ctx)
	log.Info().Msg("Syncing single user")

	subject, err := r.resolve(ctx, ref)
	if err != nil {
		return stat.finish(), err
	}
	user, err := r.idp.GetUserByDiscordID(ctx, ref.DiscordID())
	if err != nil {
		return stat.finish(), fmt.Errorf("look up authentik user: %w", err)
	}
	if user == nil {
		return stat.finish(), syncerr.New(syncerr.CodeNotLinked, "no authentik user found with discord ID %s", ref.DiscordID())
	}
	stat.Seen++
	log = log.With().Str("username", user.Username).Int("user_pk", user.PK).Logger()
	ctx = log.WithContext(ctx)

	_, departed := subject.(DepartedUser)
	switch {
	case departed && user.IsActive:
		if user, err = r.setActive(ctx, user, false); err != nil {
			return stat.finish(), fmt.Errorf("deactivate: %w", err)
		}
		stat.Deactivated++
		log.Info().Msg("Deactivated user no longer in the guild")
	case !departed && !user.IsActive:
		if user, err = r.setActive(ctx, user, true); err != nil {
			return stat.finish(), fmt.Errorf("reactivate: %w", err)
		}
		stat.Activated++
		log.Info().Msg("Re-activated user present in the guild")
	}
	if departed {
		log.Warn().Msg("User is not in the guild, removing from all synced groups")
	}

	groups, err := r.idp.ListSyncableGroups(ctx, true)
	if err != nil {
		return stat.finish(), fmt.Errorf("fetch groups: %w", err)
	}
	if err := r.syncSubject(ctx, user, subject, groups, stat); err != nil {
		return stat.finish(), err
	}
	stat.finish()
	log.Info().EmbedObject(stat).Msg("User sync complete")
	return stat, nil
}

// resolve turns ref into a Member, or a DepartedUser when the ID belongs to
// a Discord user outside the guild.
func (r *Reconciler) resolve(ctx context.Context, ref SubjectRef) (Subject, error) {
	if ref.member != nil {
		return Member{Member: *ref.member}, nil
	}
	member, err := r.chat.Member(ctx, ref.id)
	if err != nil {
		return nil, fmt.Errorf("fetch guild member: %w", err)
	}
	if member != nil {
		return Member{Member: *member}, nil
	}
	zerolog.Ctx(ctx).Warn().Msg("Discord member not found in guild")
	user, err := r.chat.User(ctx, ref.id)
	if err != nil {
		return nil, fmt.Errorf("fetch discord user: %w", err)
	}
	if user == nil {
		return nil, syncerr.Wrap(syncerr.CodeUpstream,
			syncerr.New(syncerr.CodeNotLinked, "discord user %s not found", ref.id),
			"resolve discord user")
	}
	return DepartedUser{User: *user}, nil
}

// syncSubject mirrors roles onto groups, then profile fields. A failed group
// change stops the profile update for this account.
func (r *Reconciler) syncSubject(ctx context.Context, user *authentik.User, subject Subject, groups []authentik.Group, stat *Stat) error {
	if err := r.compareGroups(ctx, user, subject.RoleIDs(), groups, stat); err != nil {
		return err
	}
	return r.syncProfile(ctx, user, subject.Profile(), stat)
}

func (r *Reconciler) setActive(ctx context.Context, user *authentik.User, active bool) (*authentik.User, error) {
	return r.idp.UpdateUser(ctx, user, authentik.UserUpdate{IsActive: ptr.Ptr(active)})
}

// syncProfile writes the username, display name and avatar URL. The
// identity provider skips the write when nothing changed.
func (r *Reconciler) syncProfile(ctx context.Context, user *authentik.User, profile discord.User, stat *Stat) error {
	update := authentik.UserUpdate{
		Username: ptr.Ptr(profile.Username),
		Name:     ptr.Ptr(profile.DisplayName()),
		Avatar:   ptr.Ptr(profile.AvatarURL),
	}
	changed := !update.AppliedTo(user)
	if _, err := r.idp.UpdateUser(ctx, user, update); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if changed {
		stat.ProfilesUpdated++
		zerolog.Ctx(ctx).Info().Msg("Updated user profile")
	}
	return nil
}

// action is the group change needed for one account and group.
type action int

const (
	actionNone action = iota
	actionAdd
	actionRemove
)

// holdsRole reports whether roleID is set and present in roleIDs.
func holdsRole(roleIDs []string, roleID string) bool {
	return roleID != "" && slices.Contains(roleIDs, roleID)
}

func decide(hasRole, inGroup bool) action {
	switch {
	case hasRole && !inGroup:
		return actionAdd
	case !hasRole && inGroup:
		return actionRemove
	default:
		return actionNone
	}
}

// compareGroups adds user to every syncable group whose role is in roleIDs
// and removes it from those whose role is not. Every group is visited even
// when a change fails; applied changes are kept and the failures are
// returned together. groups is updated in place so a repeated call with the
// same slice makes no further changes.
func (r *Reconciler) compareGroups(ctx context.Context, user *authentik.User, roleIDs []string, groups []authentik.Group, stat *Stat) error {
	log := zerolog.Ctx(ctx)
	var errs []error
	for i := range groups {
		group := &groups[i]
		roleID := group.DiscordRoleID()
		switch decide(holdsRole(roleIDs, roleID), group.HasMember(user.PK)) {
		case actionAdd:
			if err := r.idp.AddUserToGroup(ctx, user, group); err != nil {
				errs = append(errs, fmt.Errorf("add to group %s: %w", group.Name, err))
				continue
			}
			group.AddMember(user)
			stat.GroupsAdded++
			log.Info().Str("group", group.Name).Str("group_pk", group.PK).Str("role", r.roleName(ctx, roleID)).Msg("Added user to group")
		case actionRemove:
			if err := r.idp.RemoveUserFromGroup(ctx, user, group); err != nil {
				errs = append(errs, fmt.Errorf("remove from group %s: %w", group.Name, err))
				continue
			}
			group.RemoveMember(user.PK)
			stat.GroupsRemoved++
			log.Info().Str("group", group.Name).Str("group_pk", group.PK).Str("role", r.roleName(ctx, roleID)).Msg("Removed user from group")
		}
	}
	return errors.Join(errs...)
}

// roleName returns the guild role's name for logs, or its ID when the lookup
// fails. The chat client caches the role list, so repeated calls stay local.
func (r *Reconciler) roleName(ctx context.Context, roleID string) string {
	if roleID == "" {
		return ""
	}
	role, err := r.chat.Role(ctx, roleID)
	if err != nil || role == nil {
		return roleID
	}
	return role.Name
}

func endSpan(span trace.Span, stat *Stat, err error) {
	if stat != nil {
		span.SetAttributes(
			attribute.Int("sync.seen", stat.Seen),
			attribute.Int("sync.activated", stat.Activated),
			attribute.Int("sync.deactivated", stat.Deactivated),
			attribute.Int("sync.groups_added", stat.GroupsAdded),
			attribute.Int("sync.groups_removed", stat.GroupsRemoved),
			attribute.Int("sync.failed", len(stat.Failed)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
