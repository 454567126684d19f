// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/aiku/authentik-discord-sync/pkg/authentik"
	"github.com/aiku/authentik-discord-sync/pkg/config"
	"github.com/aiku/authentik-discord-sync/pkg/discord"
	"github.com/aiku/authentik-discord-sync/pkg/reconcile"
)

// fakeChat records lifecycle calls and declared commands.
type fakeChat struct {
	mu       sync.Mutex
	commands []discord.Command
	opened   int
	closed   int
	OpenErr  error
}

func (c *fakeChat) GuildMembers(context.Context) (map[string]*discord.Member, error) {
	return map[string]*discord.Member{}, nil
}
func (c *fakeChat) Member(context.Context, string) (*discord.Member, error) { return nil, nil }
func (c *fakeChat) User(context.Context, string) (*discord.User, error)     { return nil, nil }
func (c *fakeChat) Role(context.Context, string) (*discord.Role, error)     { return nil, nil }
func (c *fakeChat) UpdatePresence(discord.Status, string)                   {}

func (c *fakeChat) Open(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
	return c.OpenErr
}

func (c *fakeChat) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeChat) RegisterCommand(cmd discord.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
}

// fakeSyncer counts passes. When block is set, SyncAll signals entered and
// waits for release.
type fakeSyncer struct {
	mu         sync.Mutex
	fullPasses int
	userRefs   []string

	AllErr  error
	UserErr error
	OnAll   func()

	block   bool
	entered chan struct{}
	release chan struct{}
}

func newBlockingSyncer() *fakeSyncer {
	return &fakeSyncer{
		block:   true,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (f *fakeSyncer) SyncAll(ctx context.Context) (*reconcile.Stat, error) {
	f.mu.Lock()
	f.fullPasses++
	onAll := f.OnAll
	f.mu.Unlock()
	if onAll != nil {
		onAll()
	}
	if f.block {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.AllErr != nil {
		return nil, f.AllErr
	}
	return &reconcile.Stat{PassID: "pass-1", Seen: 3, StartedAt: time.Now(), FinishedAt: time.Now()}, nil
}

func (f *fakeSyncer) SyncUser(_ context.Context, ref reconcile.SubjectRef) (*reconcile.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userRefs = append(f.userRefs, ref.DiscordID())
	if f.UserErr != nil {
		return nil, f.UserErr
	}
	return &reconcile.Stat{PassID: "user-pass", Seen: 1}, nil
}

func (f *fakeSyncer) FullPasses() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fullPasses
}

// fakeResponder records interaction replies.
type fakeResponder struct {
	mu        sync.Mutex
	responses []string
	edits     []string
}

func (r *fakeResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, resp.Data.Content)
	return nil
}

func (r *fakeResponder) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits = append(r.edits, *edit.Content)
	return &discordgo.Message{}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{
		Authentik: config.AuthentikConfig{URL: "http://authentik.test", APIKey: "key"},
		Discord:   config.DiscordConfig{BotToken: "token", GuildID: "guild-1"},
	}
	cfg.PostProcess()
	return cfg
}

// noopIDP satisfies reconcile.IdentityProvider for services whose syncer is
// faked.
type noopIDP struct{}

func (noopIDP) ListUsers(context.Context) ([]authentik.User, error) { return nil, nil }
func (noopIDP) ListSyncableGroups(context.Context, bool) ([]authentik.Group, error) {
	return nil, nil
}
func (noopIDP) GetUserByDiscordID(context.Context, string) (*authentik.User, error) {
	return nil, nil
}
func (noopIDP) UpdateUser(_ context.Context, u *authentik.User, _ authentik.UserUpdate) (*authentik.User, error) {
	return u, nil
}
func (noopIDP) AddUserToGroup(context.Context, *authentik.User, *authentik.Group) error {
	return nil
}
func (noopIDP) RemoveUserFromGroup(context.Context, *authentik.User, *authentik.Group) error {
	return nil
}

func newTestService(chat *fakeChat, syncer *fakeSyncer) *Service {
	log := zerolog.Nop()
	s, err := New(testConfig(), Deps{
		IdentityProvider: noopIDP{},
		Chat:             chat,
		Syncer:           syncer,
		Logger:           &log,
	})
	if err != nil {
		panic(err)
	}
	return s
}

func commandInteraction(r discord.Responder, name, userID string) *discord.Interaction {
	return discord.NewInteraction(r, &discordgo.Interaction{
		ID:     "interaction-1",
		Type:   discordgo.InteractionApplicationCommand,
		Member: &discordgo.Member{User: &discordgo.User{ID: userID}},
		Data:   discordgo.ApplicationCommandInteractionData{Name: name},
	})
}

func (f *fakeSyncer) UserRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.userRefs...)
}
