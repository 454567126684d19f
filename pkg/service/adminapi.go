// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aiku/authentik-discord-sync/pkg/reconcile"
	"github.com/aiku/authentik-discord-sync/pkg/syncerr"
)

// syncResponse is the body returned by the sync endpoints.
type syncResponse struct {
	Stat  *reconcile.Stat `json:"stat,omitempty"`
	Error string          `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string          `json:"status"`
	LastPass *reconcile.Stat `json:"last_pass,omitempty"`
}

// Handler returns the admin API:
//
//	POST /api/sync               full pass
//	POST /api/sync/{discord_id}  single-user pass
//	GET  /healthz                liveness and the last full pass
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync", s.HandleSyncAll)
	mux.HandleFunc("POST /api/sync/{discord_id}", s.HandleSyncUser)
	mux.HandleFunc("GET /healthz", s.HandleHealth)
	return mux
}

func (s *Service) startAdminAPI(addr string) {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.serverMu.Lock()
	s.server = server
	s.serverMu.Unlock()
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting admin API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Admin API error")
		}
	}()
}

// HandleSyncAll is an HTTP handler for POST /api/sync. The pass runs under
// the service context, so a client disconnecting does not cancel a pass
// other callers may share.
func (s *Service) HandleSyncAll(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Full sync requested")
	stat, err := s.SyncAll(s.ctx)
	s.writeSyncResult(w, stat, err)
}

// HandleSyncUser is an HTTP handler for POST /api/sync/{discord_id}.
func (s *Service) HandleSyncUser(w http.ResponseWriter, r *http.Request) {
	discordID := r.PathValue("discord_id")
	if !isSnowflake(discordID) {
		writeJSON(w, http.StatusBadRequest, syncResponse{Error: "invalid discord ID"})
		return
	}
	s.log.Info().Str("remote_addr", r.RemoteAddr).Str("discord_id", discordID).Msg("User sync requested")
	stat, err := s.SyncUser(r.Context(), reconcile.ByID(discordID))
	s.writeSyncResult(w, stat, err)
}

// HandleHealth is an HTTP handler for GET /healthz.
func (s *Service) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", LastPass: s.LastPass()})
}

func (s *Service) writeSyncResult(w http.ResponseWriter, stat *reconcile.Stat, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, syncResponse{Stat: stat})
		return
	}
	s.log.Error().Err(err).Msg("Sync requested over the admin API failed")
	writeJSON(w, statusFor(err), syncResponse{Stat: stat, Error: err.Error()})
}

// statusFor maps a sync error to an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, syncerr.ErrNotLinked) {
		return http.StatusNotFound
	}
	switch syncerr.CodeOf(err) {
	case syncerr.CodeNotConnected:
		return http.StatusServiceUnavailable
	case syncerr.CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func isSnowflake(id string) bool {
	if id == "" || len(id) > 20 {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
