// Copyright 2024-2026 Aiku AI

package service

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.mau.fi/util/ptr"

	"github.com/aiku/authentik-discord-sync/pkg/discord"
	"github.com/aiku/authentik-discord-sync/pkg/reconcile"
)

// Operator-facing replies.
const (
	ReplySyncAllStarted = "Starting a manual sync..."
	ReplySyncAllDone    = "Manual sync complete!"
	ReplySyncStarted    = "Starting your personal sync..."
	ReplySyncDone       = "Your personal sync is complete!"
)

// Commands returns the slash commands the service handles.
func (s *Service) Commands() []discord.Command {
	return []discord.Command{
		{
			Definition: &discordgo.ApplicationCommand{
				Name:                     "sync-all",
				Description:              "Manually trigger a sync between authentik and Discord.",
				DefaultMemberPermissions: ptr.Ptr(int64(discordgo.PermissionAdministrator)),
				DMPermission:             ptr.Ptr(false),
			},
			Handler: s.handleSyncAll,
		},
		{
			Definition: &discordgo.ApplicationCommand{
				Name:         "sync",
				Description:  "Sync your authentik account with your Discord roles.",
				DMPermission: ptr.Ptr(false),
			},
			Handler: s.handleSync,
		},
	}
}

func (s *Service) handleSyncAll(ctx context.Context, in *discord.Interaction) error {
	if err := in.Reply(ctx, ReplySyncAllStarted); err != nil {
		return err
	}
	if _, err := s.SyncAll(ctx); err != nil {
		return err
	}
	return in.EditReply(ctx, ReplySyncAllDone)
}

func (s *Service) handleSync(ctx context.Context, in *discord.Interaction) error {
	if err := in.Reply(ctx, ReplySyncStarted); err != nil {
		return err
	}
	if _, err := s.SyncUser(ctx, reconcile.ByID(in.UserID())); err != nil {
		return err
	}
	return in.EditReply(ctx, ReplySyncDone)
}
