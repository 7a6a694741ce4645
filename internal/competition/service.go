// Package competition manages contests and their participants' portfolios.
package competition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
	"github.com/optarena/trading-engine/internal/store"
)

var (
	ErrValidation = errors.New("competition: invalid request")

	ErrCompetitionNotFound = fmt.Errorf("competition: %w", store.ErrNotFound)

	// ErrAlreadyJoined is returned when the user already has a portfolio in
	// the competition.
	ErrAlreadyJoined = fmt.Errorf("competition: already joined: %w", store.ErrConflict)

	ErrNotActive = errors.New("competition: not active")
)

// CreateRequest describes a new competition.
type CreateRequest struct {
	Name           string          `json:"name"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// Service handles competition lifecycle.
type Service struct {
	store store.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new competition service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateCompetition creates an active competition and enrols its creator.
// Both rows are written in one transaction.
func (s *Service) CreateCompetition(ctx context.Context, userID string, req CreateRequest) (*model.Competition, *model.Portfolio, error) {
	name := strings.TrimSpace(req.Name)
	switch {
	case userID == "":
		return nil, nil, fmt.Errorf("%w: user is required", ErrValidation)
	case name == "":
		return nil, nil, fmt.Errorf("%w: name is required", ErrValidation)
	case req.StartDate.IsZero() || req.EndDate.IsZero():
		return nil, nil, fmt.Errorf("%w: start_date and end_date are required", ErrValidation)
	case !req.EndDate.After(req.StartDate):
		return nil, nil, fmt.Errorf("%w: end_date must be after start_date", ErrValidation)
	case !req.InitialBalance.IsPositive():
		return nil, nil, fmt.Errorf("%w: initial_balance must be positive", ErrValidation)
	}

	now := s.now()
	c := &model.Competition{
		Name:           name,
		StartDate:      req.StartDate.UTC(),
		EndDate:        req.EndDate.UTC(),
		InitialBalance: model.Cents(req.InitialBalance),
		Status:         model.StatusActive,
		CreatedBy:      userID,
		CreatedAt:      now,
	}
	var p *model.Portfolio
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCompetition(ctx, c); err != nil {
			return err
		}
		var err error
		p, err = enrol(ctx, tx, c, userID, now)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create competition: %w", err)
	}
	slog.Info("competition created", "competition", c.ID, "name", c.Name, "user", userID,
		"initial_balance", c.InitialBalance.String())
	return c, p, nil
}

// JoinCompetition gives the user a portfolio funded with the starting cash.
func (s *Service) JoinCompetition(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	var p *model.Portfolio
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetCompetition(ctx, competitionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrCompetitionNotFound
		}
		if err != nil {
			return err
		}
		if c.Status != model.StatusActive {
			return fmt.Errorf("%w: %s is %s", ErrNotActive, c.ID, c.Status)
		}
		p, err = enrol(ctx, tx, c, userID, s.now())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("join competition %s: %w", competitionID, err)
	}
	slog.Info("competition joined", "competition", competitionID, "user", userID, "portfolio", p.ID)
	return p, nil
}

func enrol(ctx context.Context, tx store.Tx, c *model.Competition, userID string, at time.Time) (*model.Portfolio, error) {
	p := &model.Portfolio{
		UserID:        userID,
		CompetitionID: c.ID,
		CashBalance:   c.InitialBalance,
		TotalValue:    c.InitialBalance,
		ValuedAt:      &at,
		CreatedAt:     at,
	}
	err := tx.CreatePortfolio(ctx, p)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrAlreadyJoined
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetCompetition returns one competition.
func (s *Service) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	var c *model.Competition
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = tx.GetCompetition(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrCompetitionNotFound
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get competition %s: %w", id, err)
	}
	return c, nil
}

// ListCompetitions returns every competition, newest first.
func (s *Service) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	var out []model.Competition
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListCompetitions(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list competitions: %w", err)
	}
	if out == nil {
		out = []model.Competition{}
	}
	return out, nil
}
