// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// ErrorReply is sent to the operator when a command handler fails.
const ErrorReply = "There was an error while executing this command!"

// Handler executes a slash command.
type Handler func(ctx context.Context, in *Interaction) error

// Command pairs a slash command definition with its handler.
type Command struct {
	Definition *discordgo.ApplicationCommand
	Handler    Handler
}

// Responder is the part of a discordgo session needed to answer interactions.
type Responder interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Interaction is an incoming slash command invocation.
type Interaction struct {
	responder Responder
	raw       *discordgo.Interaction

	mu      sync.Mutex
	replied bool
}

// NewInteraction wraps raw so handlers can reply through r.
func NewInteraction(r Responder, raw *discordgo.Interaction) *Interaction {
	return &Interaction{responder: r, raw: raw}
}

// CommandName returns the invoked command's name.
func (i *Interaction) CommandName() string {
	if i.raw == nil || i.raw.Type != discordgo.InteractionApplicationCommand {
		return ""
	}
	return i.raw.ApplicationCommandData().Name
}

// UserID returns the invoking user's ID.
func (i *Interaction) UserID() string {
	switch {
	case i.raw == nil:
		return ""
	case i.raw.Member != nil && i.raw.Member.User != nil:
		return i.raw.Member.User.ID
	case i.raw.User != nil:
		return i.raw.User.ID
	default:
		return ""
	}
}

// Replied reports whether an initial response has been sent.
func (i *Interaction) Replied() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.replied
}

// Reply sends the initial ephemeral response.
func (i *Interaction) Reply(ctx context.Context, content string) error {
	err := i.responder.InteractionRespond(i.raw, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("reply to interaction: %w", err)
	}
	i.mu.Lock()
	i.replied = true
	i.mu.Unlock()
	return nil
}

// EditReply replaces the content of the initial response.
func (i *Interaction) EditReply(ctx context.Context, content string) error {
	if _, err := i.responder.InteractionResponseEdit(i.raw, &discordgo.WebhookEdit{
		Content: &content,
	}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit interaction reply: %w", err)
	}
	return nil
}

// RegisterCommand declares a slash command. Commands are synced with Discord
// by Open; a later registration under the same name replaces the handler.
func (c *Client) RegisterCommand(cmd Command) {
	c.commandsMu.Lock()
	defer c.commandsMu.Unlock()
	name := cmd.Definition.Name
	if _, ok := c.commands[name]; !ok {
		c.order = append(c.order, name)
	}
	c.commands[name] = cmd
}

// registerCommands creates declared commands missing from the application's
// global commands and edits the ones that already exist, matching by name.
func (c *Client) registerCommands(ctx context.Context) error {
	appID := c.applicationID()
	existing, err := c.session.ApplicationCommands(appID, "", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("fetch existing commands: %w", err)
	}
	byName := make(map[string]*discordgo.ApplicationCommand, len(existing))
	for _, cmd := range existing {
		byName[cmd.Name] = cmd
	}

	c.commandsMu.RLock()
	defer c.commandsMu.RUnlock()
	for _, name := range c.order {
		def := c.commands[name].Definition
		if cur, ok := byName[name]; ok {
			if _, err := c.session.ApplicationCommandEdit(appID, "", cur.ID, def, discordgo.WithContext(ctx)); err != nil {
				return fmt.Errorf("edit command %s: %w", name, err)
			}
			c.log.Info().Str("command", name).Msg("Updated command")
			continue
		}
		if _, err := c.session.ApplicationCommandCreate(appID, "", def, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("create command %s: %w", name, err)
		}
		c.log.Info().Str("command", name).Msg("Registered command")
	}
	return nil
}

func (c *Client) onInteractionCreate(_ *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic == nil || ic.Interaction == nil || ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	c.Dispatch(c.handlerCtx, NewInteraction(c.session, ic.Interaction))
}

// Dispatch runs the handler registered for the interaction's command. Unknown
// commands are ignored. Handler errors and panics are logged and reported to
// the invoking user with an ephemeral message.
func (c *Client) Dispatch(ctx context.Context, in *Interaction) {
	name := in.CommandName()
	c.commandsMu.RLock()
	cmd, ok := c.commands[name]
	c.commandsMu.RUnlock()
	if !ok || cmd.Handler == nil {
		return
	}

	log := c.log.With().Str("command", name).Str("user_id", in.UserID()).Logger()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return cmd.Handler(ctx, in)
	}()
	if err == nil {
		return
	}

	log.Error().Err(err).Msg("Error executing command")
	var replyErr error
	if in.Replied() {
		replyErr = in.EditReply(ctx, ErrorReply)
	} else {
		replyErr = in.Reply(ctx, ErrorReply)
	}
	if replyErr != nil {
		log.Warn().Err(replyErr).Msg("Failed to report command error")
	}
}
