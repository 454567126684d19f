// Copyright 2024-2026 Aiku AI

package reconcile

import (
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stat summarizes one reconciliation pass.
type Stat struct {
	PassID     string    `json:"pass_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Seen            int `json:"seen"`
	Skipped         int `json:"skipped"`
	Activated       int `json:"activated"`
	Deactivated     int `json:"deactivated"`
	GroupsAdded     int `json:"groups_added"`
	GroupsRemoved   int `json:"groups_removed"`
	ProfilesUpdated int `json:"profiles_updated"`

	// Failed holds one message per account that could not be reconciled.
	Failed []string `json:"failed,omitempty"`
}

func newStat() *Stat {
	return &Stat{
		PassID:    uuid.NewString(),
		StartedAt: time.Now(),
	}
}

func (s *Stat) fail(format string, args ...any) {
	s.Failed = append(s.Failed, fmt.Sprintf(format, args...))
}

func (s *Stat) finish() *Stat {
	s.FinishedAt = time.Now()
	return s
}

// Duration returns how long the pass took.
func (s *Stat) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (s *Stat) MarshalZerologObject(e *zerolog.Event) {
	e.Str("pass_id", s.PassID).
		Int("seen", s.Seen).
		Int("skipped", s.Skipped).
		Int("activated", s.Activated).
		Int("deactivated", s.Deactivated).
		Int("groups_added", s.GroupsAdded).
		Int("groups_removed", s.GroupsRemoved).
		Int("profiles_updated", s.ProfilesUpdated).
		Int("failed", len(s.Failed)).
		Dur("duration", s.Duration())
}

// Print writes a human readable summary of the pass to w.
func (s *Stat) Print(w io.Writer) {
	fmt.Fprintf(w, "Pass %s finished in %s\n", s.PassID, s.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Accounts:    %d seen, %d unlinked\n", s.Seen, s.Skipped)
	fmt.Fprintf(w, "  Activation:  %d activated, %d deactivated\n", s.Activated, s.Deactivated)
	fmt.Fprintf(w, "  Groups:      %d added, %d removed\n", s.GroupsAdded, s.GroupsRemoved)
	fmt.Fprintf(w, "  Profiles:    %d updated\n", s.ProfilesUpdated)
	if len(s.Failed) > 0 {
		fmt.Fprintf(w, "  Failures:    %d\n", len(s.Failed))
		for _, msg := range s.Failed {
			fmt.Fprintf(w, "    %s\n", msg)
		}
	}
}
