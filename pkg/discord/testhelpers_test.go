// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package discord

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// sessionCall records a method invoked on the fake session.
type sessionCall struct {
	Method string
	Args   []string
}

// fakeSession is an in-memory stand-in for *discordgo.Session. It records
// calls and serves canned guild data.
type fakeSession struct {
	mu       sync.Mutex
	calls    []sessionCall
	handlers []any

	BotUser   *discordgo.User
	GuildInfo *discordgo.Guild
	Members   map[string]*discordgo.Member
	Users     map[string]*discordgo.User
	Roles     []*discordgo.Role
	Commands  []*discordgo.ApplicationCommand

	// Fail makes the named method return an error.
	Fail map[string]error

	Responses []*discordgo.InteractionResponse
	Edits     []*discordgo.WebhookEdit
	Statuses  []discordgo.UpdateStatusData

	nextID int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		BotUser:   &discordgo.User{ID: "app-1", Username: "syncbot"},
		GuildInfo: &discordgo.Guild{ID: "guild-1", Name: "Test Guild"},
		Members:   make(map[string]*discordgo.Member),
		Users:     make(map[string]*discordgo.User),
		Fail:      make(map[string]error),
	}
}

func (f *fakeSession) record(method string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sessionCall{Method: method, Args: args})
	return f.Fail[method]
}

func (f *fakeSession) Calls(method string) []sessionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sessionCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeSession) AddHandler(handler any) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
	return func() {}
}

// Open emits a Ready event to the registered handlers.
func (f *fakeSession) Open() error {
	if err := f.record("Open"); err != nil {
		return err
	}
	f.emitReady()
	return nil
}

func (f *fakeSession) emitReady() {
	f.mu.Lock()
	handlers := append([]any(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.Ready)); ok {
			fn(nil, &discordgo.Ready{User: f.BotUser})
		}
	}
}

func (f *fakeSession) emitInteraction(i *discordgo.Interaction) {
	f.mu.Lock()
	handlers := append([]any(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.InteractionCreate)); ok {
			fn(nil, &discordgo.InteractionCreate{Interaction: i})
		}
	}
}

func (f *fakeSession) emitRoleUpdate(role *discordgo.Role) {
	f.mu.Lock()
	handlers := append([]any(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		if fn, ok := h.(func(*discordgo.Session, *discordgo.GuildRoleUpdate)); ok {
			fn(nil, &discordgo.GuildRoleUpdate{GuildRole: &discordgo.GuildRole{GuildID: "guild-1", Role: role}})
		}
	}
}

func (f *fakeSession) Close() error {
	return f.record("Close")
}

func (f *fakeSession) Guild(guildID string, _ ...discordgo.RequestOption) (*discordgo.Guild, error) {
	if err := f.record("Guild", guildID); err != nil {
		return nil, err
	}
	if f.GuildInfo == nil || f.GuildInfo.ID != guildID {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownGuild)
	}
	return f.GuildInfo, nil
}

// GuildMembers pages members ordered by user ID, like the Discord API.
func (f *fakeSession) GuildMembers(guildID, after string, limit int, _ ...discordgo.RequestOption) ([]*discordgo.Member, error) {
	if err := f.record("GuildMembers", guildID, after, fmt.Sprint(limit)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.Members))
	for id := range f.Members {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	page := make([]*discordgo.Member, 0, len(ids))
	for _, id := range ids {
		page = append(page, f.Members[id])
	}
	return page, nil
}

func (f *fakeSession) GuildMember(guildID, userID string, _ ...discordgo.RequestOption) (*discordgo.Member, error) {
	if err := f.record("GuildMember", guildID, userID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.Members[userID]; ok {
		return m, nil
	}
	return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMember)
}

func (f *fakeSession) GuildRoles(guildID string, _ ...discordgo.RequestOption) ([]*discordgo.Role, error) {
	if err := f.record("GuildRoles", guildID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Roles, nil
}

// SetRoles replaces the guild roles without emitting an event.
func (f *fakeSession) SetRoles(roles []*discordgo.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Roles = roles
}

func (f *fakeSession) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	if err := f.record("User", userID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.Users[userID]; ok {
		return u, nil
	}
	if m, ok := f.Members[userID]; ok {
		return m.User, nil
	}
	return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownUser)
}

func (f *fakeSession) UpdateStatusComplex(usd discordgo.UpdateStatusData) error {
	if err := f.record("UpdateStatusComplex", usd.Status); err != nil {
		return err
	}
	f.mu.Lock()
	f.Statuses = append(f.Statuses, usd)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ApplicationCommands(appID, guildID string, _ ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	if err := f.record("ApplicationCommands", appID, guildID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.ApplicationCommand(nil), f.Commands...), nil
}

func (f *fakeSession) ApplicationCommandCreate(appID, guildID string, cmd *discordgo.ApplicationCommand, _ ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	if err := f.record("ApplicationCommandCreate", appID, guildID, cmd.Name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	created := *cmd
	created.ID = fmt.Sprintf("cmd-%d", f.nextID)
	created.ApplicationID = appID
	f.Commands = append(f.Commands, &created)
	return &created, nil
}

func (f *fakeSession) ApplicationCommandEdit(appID, guildID, cmdID string, cmd *discordgo.ApplicationCommand, _ ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error) {
	if err := f.record("ApplicationCommandEdit", appID, guildID, cmdID, cmd.Name); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.Commands {
		if existing.ID == cmdID {
			updated := *cmd
			updated.ID = cmdID
			f.Commands[i] = &updated
			return &updated, nil
		}
	}
	return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownApplicationCommand)
}

func (f *fakeSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	if err := f.record("InteractionRespond"); err != nil {
		return err
	}
	f.mu.Lock()
	f.Responses = append(f.Responses, resp)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) InteractionResponseEdit(_ *discordgo.Interaction, edit *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if err := f.record("InteractionResponseEdit"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Edits = append(f.Edits, edit)
	f.mu.Unlock()
	return &discordgo.Message{}, nil
}

func restError(status, code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{StatusCode: status},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: http.StatusText(status)},
	}
}

var errFake = errors.New("fake failure")

func newTestClient(f *fakeSession) *Client {
	return newClient(f, Options{Token: "token", GuildID: "guild-1"})
}

func commandInteraction(name, userID string) *discordgo.Interaction {
	return &discordgo.Interaction{
		ID:      "interaction-1",
		Type:    discordgo.InteractionApplicationCommand,
		GuildID: "guild-1",
		Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
		Data:    discordgo.ApplicationCommandInteractionData{Name: name},
	}
}
