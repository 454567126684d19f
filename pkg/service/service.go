// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package service wires the authentik and Discord clients to the reconciler
// and runs the sync daemon: slash commands, the periodic schedule and the
// admin HTTP API.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/authentik-discord-sync/pkg/authentik"
	"github.com/aiku/authentik-discord-sync/pkg/config"
	"github.com/aiku/authentik-discord-sync/pkg/discord"
	"github.com/aiku/authentik-discord-sync/pkg/reconcile"
)

const (
	fullPassKey     = "sync-all"
	shutdownTimeout = 10 * time.Second
)

// Chat is the Discord client as used by the service.
type Chat interface {
	reconcile.ChatPlatform
	Open(ctx context.Context) error
	Close() error
	RegisterCommand(cmd discord.Command)
}

// Syncer runs reconciliation passes.
type Syncer interface {
	SyncAll(ctx context.Context) (*reconcile.Stat, error)
	SyncUser(ctx context.Context, ref reconcile.SubjectRef) (*reconcile.Stat, error)
}

var (
	_ Chat   = (*discord.Client)(nil)
	_ Syncer = (*reconcile.Reconciler)(nil)
)

// Deps overrides the components New would otherwise build from the config.
type Deps struct {
	IdentityProvider reconcile.IdentityProvider
	Chat             Chat
	Syncer           Syncer
	Logger           *zerolog.Logger
}

// Service is the running sync daemon.
type Service struct {
	cfg    *config.Config
	log    zerolog.Logger
	chat   Chat
	syncer Syncer

	// ctx bounds passes triggered over the admin API; set by Start.
	ctx context.Context

	passes   singleflight.Group
	lastPass atomic.Pointer[reconcile.Stat]

	serverMu sync.Mutex
	server   *http.Server
}

// New validates cfg and builds the clients and reconciler it describes.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = *deps.Logger
	}

	idp := deps.IdentityProvider
	if idp == nil {
		client, err := authentik.New(authentik.Options{
			URL:        cfg.Authentik.URL,
			Token:      cfg.Authentik.APIKey,
			UserPath:   cfg.Authentik.UserPath,
			HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
			Logger:     &log,
		})
		if err != nil {
			return nil, fmt.Errorf("create authentik client: %w", err)
		}
		idp = client
	}

	chat := deps.Chat
	if chat == nil {
		client, err := discord.New(discord.Options{
			Token:      cfg.Discord.BotToken,
			GuildID:    cfg.Discord.GuildID,
			AvatarSize: cfg.Sync.AvatarSize,
			Logger:     &log,
		})
		if err != nil {
			return nil, fmt.Errorf("create discord client: %w", err)
		}
		chat = client
	}

	syncer := deps.Syncer
	if syncer == nil {
		syncer = reconcile.New(idp, chat, reconcile.Options{Logger: &log})
	}

	return &Service{
		cfg:    cfg,
		log:    log.With().Str("component", "service").Logger(),
		chat:   chat,
		syncer: syncer,
		ctx:    context.Background(),
	}, nil
}

// Open connects to Discord without declaring slash commands. It is used by
// one-shot runs.
func (s *Service) Open(ctx context.Context) error {
	if err := s.chat.Open(ctx); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	return nil
}

// Start declares the slash commands, connects to Discord and starts the
// admin API when an address is configured. Failing to register commands is
// fatal.
func (s *Service) Start(ctx context.Context) error {
	s.ctx = ctx
	for _, cmd := range s.Commands() {
		s.chat.RegisterCommand(cmd)
	}
	if err := s.Open(ctx); err != nil {
		return err
	}
	if s.cfg.AdminAPIAddr != "" {
		s.startAdminAPI(s.cfg.AdminAPIAddr)
	}
	return nil
}

// Run starts the service, runs a full pass immediately and then on every
// sync interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Error during shutdown")
		}
	}()

	s.scheduledPass(ctx)
	s.RunSchedule(ctx, s.cfg.Sync.Interval)
	return nil
}

// RunSchedule runs a full pass every interval until ctx is cancelled. Pass 0
// to use the default of one hour.
func (s *Service) RunSchedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultInterval
	}
	s.log.Info().Dur("interval", interval).Msg("Starting sync schedule")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sync schedule stopped")
			return
		case <-ticker.C:
			s.scheduledPass(ctx)
		}
	}
}

func (s *Service) scheduledPass(ctx context.Context) {
	if _, err := s.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("Scheduled sync failed")
	}
}

// SyncAll runs a full pass. A call made while another full pass is running
// waits for that pass and shares its result.
func (s *Service) SyncAll(ctx context.Context) (*reconcile.Stat, error) {
	v, err, shared := s.passes.Do(fullPassKey, func() (any, error) {
		return s.syncer.SyncAll(ctx)
	})
	stat, _ := v.(*reconcile.Stat)
	if shared {
		s.log.Debug().Msg("Joined a full sync already in progress")
	}
	if stat != nil {
		s.lastPass.Store(stat)
	}
	return stat, err
}

// SyncUser runs a single-user pass. It does not wait for a running full pass.
func (s *Service) SyncUser(ctx context.Context, ref reconcile.SubjectRef) (*reconcile.Stat, error) {
	return s.syncer.SyncUser(ctx, ref)
}

// LastPass returns the result of the most recent full pass, if any.
func (s *Service) LastPass() *reconcile.Stat {
	return s.lastPass.Load()
}

// Close stops the admin API and disconnects from Discord.
func (s *Service) Close() error {
	var errs []error
	s.serverMu.Lock()
	server := s.server
	s.server = nil
	s.serverMu.Unlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shut down admin API: %w", err))
		}
	}
	if err := s.chat.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close discord: %w", err))
	}
	return errors.Join(errs...)
}
