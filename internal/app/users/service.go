package users

import (
	"context"
	"errors"

	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	clockport "github.com/campus-loop/ride-dispatch-api/internal/ports/out/clock"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

type Service struct {
	store dispatchstore.Store
	clk   clockport.Clock
}

func NewService(store dispatchstore.Store, clk clockport.Clock) *Service {
	return &Service{store: store, clk: clk}
}

// ConnectResult is what a successful identity binding returns to the client.
type ConnectResult struct {
	Profile         dispatchstore.Profile
	RecentLocations []domain.Location

	// Reported is true when the subject carries a REPORTED problem record.
	// Reported subjects stay usable; the flag exists for the caller's logs.
	Reported bool
}

// Connect ensures a profile exists for the subject, creating one on first
// contact. Blacklisted subjects are rejected outright.
func (s *Service) Connect(ctx context.Context, subject domain.SubjectID, role domain.Role, displayName, phoneNumber string) (ConnectResult, error) {
	if subject == "" {
		return ConnectResult{}, &Error{Code: CodeValidation, Message: "missing subject id"}
	}
	switch role {
	case domain.RoleStudent, domain.RoleDriver:
	default:
		return ConnectResult{}, &Error{Code: CodeValidation, Message: "role must be STUDENT or DRIVER"}
	}

	var out ConnectResult
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		if rec, found, err := tx.ProblemRecord(subject); err != nil {
			return err
		} else if found {
			if rec.Category == dispatchstore.ProblemBlacklisted {
				return &Error{Code: CodeBlacklisted, Message: "subject is blacklisted"}
			}
			out.Reported = true
		}

		p, err := tx.GetProfile(subject)
		switch {
		case errors.Is(err, dispatchstore.ErrProfileNotFound):
			now := s.clk.Now()
			p = dispatchstore.Profile{
				Subject:     subject,
				Role:        role,
				DisplayName: domain.NormalizeHumanName(displayName),
				PhoneNumber: phoneNumber,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.PutProfile(p); err != nil {
				return err
			}
		case err != nil:
			return err
		}

		locs, err := tx.RecentLocations(subject)
		if err != nil {
			return err
		}
		out.Profile = p
		out.RecentLocations = locs
		return nil
	})
	if err != nil {
		return ConnectResult{}, err
	}
	return out, nil
}

type FinishOnboardingInput struct {
	DisplayName string
	PhoneNumber string
}

// FinishOnboarding updates the subject's contact fields and marks the
// profile onboarded.
func (s *Service) FinishOnboarding(ctx context.Context, subject domain.SubjectID, in FinishOnboardingInput) (dispatchstore.Profile, error) {
	name := domain.NormalizeHumanName(in.DisplayName)
	if name == "" {
		return dispatchstore.Profile{}, &Error{Code: CodeValidation, Message: "displayName must be non-empty"}
	}

	var out dispatchstore.Profile
	err := s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		p, err := tx.GetProfile(subject)
		if err != nil {
			if errors.Is(err, dispatchstore.ErrProfileNotFound) {
				return &Error{Code: CodeProfileNotFound, Message: "no profile exists for this subject"}
			}
			return err
		}
		p.DisplayName = name
		if in.PhoneNumber != "" {
			p.PhoneNumber = in.PhoneNumber
		}
		p.Onboarded = true
		p.UpdatedAt = s.clk.Now()
		if err := tx.PutProfile(p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return dispatchstore.Profile{}, err
	}
	return out, nil
}

// RecentLocations returns the subject's cached prior trip endpoints,
// most recent first.
func (s *Service) RecentLocations(ctx context.Context, subject domain.SubjectID) ([]domain.Location, error) {
	var out []domain.Location
	err := s.store.View(ctx, func(tx dispatchstore.Tx) error {
		var err error
		out, err = tx.RecentLocations(subject)
		return err
	})
	return out, err
}

// Report files a REPORTED problem record against the target. An existing
// BLACKLISTED record is never downgraded.
func (s *Service) Report(ctx context.Context, target domain.SubjectID, reason string) error {
	if target == "" {
		return &Error{Code: CodeValidation, Message: "missing target subject id"}
	}
	return s.store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		if rec, found, err := tx.ProblemRecord(target); err != nil {
			return err
		} else if found && rec.Category == dispatchstore.ProblemBlacklisted {
			return nil
		}
		return tx.PutProblemRecord(dispatchstore.ProblemRecord{
			Subject:   target,
			Category:  dispatchstore.ProblemReported,
			Reason:    reason,
			CreatedAt: s.clk.Now(),
		})
	})
}
