// Package rosterservice is an in-memory team roster served over gRPC. It
// backs local development and the integration tests of the exit-fee saga.
package rosterservice

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/runstr/exitfee-saga/internal/roster"
)

// Team is a roster entry and its member limit. Capacity 0 means unlimited.
type Team struct {
	ID       string
	Capacity int
}

type rosterServer struct {
	mu       sync.Mutex
	teams    map[string]Team
	members  map[string]string // user -> team
	headcnt  map[string]int
	appliedK map[string]roster.TeamChange
	logger   *slog.Logger
}

// NewServer seeds the roster with teams and existing memberships (user -> team).
func NewServer(logger *slog.Logger, teams []Team, memberships map[string]string) *rosterServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &rosterServer{
		teams:    make(map[string]Team, len(teams)),
		members:  make(map[string]string, len(memberships)),
		headcnt:  make(map[string]int, len(teams)),
		appliedK: make(map[string]roster.TeamChange),
		logger:   logger,
	}
	for _, t := range teams {
		s.teams[t.ID] = t
	}
	for user, team := range memberships {
		s.members[user] = team
		s.headcnt[team]++
	}
	return s
}

// DefaultTeams is the seed used by cmd/roster-service.
func DefaultTeams() []Team {
	return []Team{
		{ID: "team_alpha", Capacity: 50},
		{ID: "team_bravo", Capacity: 50},
		{ID: "team_full", Capacity: 1},
	}
}

func (s *rosterServer) ApplyTeamChange(ctx context.Context, change roster.TeamChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.InfoContext(ctx, "[Roster] applying team change",
		slog.String("user_id", change.UserID),
		slog.String("from_team_id", change.FromTeamID),
		slog.String("to_team_id", change.ToTeamID),
	)

	if change.IdempotencyKey != "" {
		if prev, ok := s.appliedK[change.IdempotencyKey]; ok {
			if prev != change {
				return false, status.Errorf(codes.InvalidArgument, "idempotency key %s reused for a different change", change.IdempotencyKey)
			}
			s.logger.InfoContext(ctx, "[Roster] replayed team change, nothing to do",
				slog.String("idempotency_key", change.IdempotencyKey))
			return false, nil
		}
	}

	if err := s.check(change); err != nil {
		s.logger.WarnContext(ctx, "[Roster] team change rejected", slog.Any("error", err))
		return false, err
	}

	if current, ok := s.members[change.UserID]; ok {
		s.headcnt[current]--
		delete(s.members, change.UserID)
	}
	if change.ToTeamID != "" {
		s.members[change.UserID] = change.ToTeamID
		s.headcnt[change.ToTeamID]++
	}
	if change.IdempotencyKey != "" {
		s.appliedK[change.IdempotencyKey] = change
	}
	return true, nil
}

func (s *rosterServer) ValidateTeamSwitch(ctx context.Context, change roster.TeamChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.check(change)
}

// check must run with mu held.
func (s *rosterServer) check(change roster.TeamChange) error {
	if change.UserID == "" {
		return status.Error(codes.InvalidArgument, "user_id is required")
	}
	current, onTeam := s.members[change.UserID]
	if change.FromTeamID != "" && (!onTeam || current != change.FromTeamID) {
		return status.Errorf(codes.FailedPrecondition, "user %s is not on team %s", change.UserID, change.FromTeamID)
	}
	if change.ToTeamID == "" {
		if !onTeam {
			return status.Errorf(codes.FailedPrecondition, "user %s is not on any team", change.UserID)
		}
		return nil
	}
	team, ok := s.teams[change.ToTeamID]
	if !ok {
		return status.Errorf(codes.NotFound, "team %s not found", change.ToTeamID)
	}
	if onTeam && current == change.ToTeamID {
		return status.Errorf(codes.AlreadyExists, "user %s already on team %s", change.UserID, change.ToTeamID)
	}
	if team.Capacity > 0 && s.headcnt[team.ID] >= team.Capacity {
		return status.Errorf(codes.ResourceExhausted, "team %s is full", team.ID)
	}
	return nil
}

// TeamOf reports the user's current team.
func (s *rosterServer) TeamOf(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.members[userID]
	return team, ok
}
