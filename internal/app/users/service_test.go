package users_test

import (
	"context"
	"errors"
	"testing"
	"time"

	memstore "github.com/campus-loop/ride-dispatch-api/internal/adapters/memory/dispatchstore"
	"github.com/campus-loop/ride-dispatch-api/internal/app/users"
	"github.com/campus-loop/ride-dispatch-api/internal/domain"
	"github.com/campus-loop/ride-dispatch-api/internal/ports/out/dispatchstore"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(t *testing.T) (*users.Service, dispatchstore.Store, fixedClock) {
	t.Helper()
	clk := fixedClock{now: time.Unix(1_700_000_000, 0).UTC()}
	store := memstore.NewStore()
	return users.NewService(store, clk), store, clk
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	var appErr *users.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("got %v, want *users.Error with code %s", err, code)
	}
	if appErr.Code != code {
		t.Fatalf("got code %s, want %s", appErr.Code, code)
	}
}

func TestService_Connect_FirstContactCreatesProfile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, clk := newTestService(t)

	res, err := svc.Connect(ctx, "3333333", domain.RoleStudent, "  Jamie   Rivera ", "806-555-0101")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Profile.Subject != "3333333" || res.Profile.Role != domain.RoleStudent {
		t.Fatalf("profile=%+v", res.Profile)
	}
	if res.Profile.DisplayName != "Jamie Rivera" {
		t.Fatalf("displayName=%q", res.Profile.DisplayName)
	}
	if res.Profile.Onboarded {
		t.Fatalf("fresh profile must not be onboarded")
	}
	if !res.Profile.CreatedAt.Equal(clk.now) {
		t.Fatalf("createdAt=%v", res.Profile.CreatedAt)
	}
	if res.Reported || len(res.RecentLocations) != 0 {
		t.Fatalf("res=%+v", res)
	}

	// The profile is persisted, not just echoed.
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		_, err := tx.GetProfile("3333333")
		return err
	}); err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
}

func TestService_Connect_ExistingProfileKeepsFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	if _, err := svc.Connect(ctx, "3333333", domain.RoleStudent, "Jamie Rivera", "806-555-0101"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// A reconnect with different payload fields does not rewrite the profile.
	res, err := svc.Connect(ctx, "3333333", domain.RoleStudent, "Different Name", "000")
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if res.Profile.DisplayName != "Jamie Rivera" || res.Profile.PhoneNumber != "806-555-0101" {
		t.Fatalf("profile rewritten: %+v", res.Profile)
	}
}

func TestService_Connect_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Connect(ctx, "", domain.RoleStudent, "", "")
	assertCode(t, err, users.CodeValidation)

	_, err = svc.Connect(ctx, "3333333", "ADMIN", "", "")
	assertCode(t, err, users.CodeValidation)
}

func TestService_Connect_BlacklistedRejected(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, clk := newTestService(t)

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProblemRecord(dispatchstore.ProblemRecord{
			Subject:   "6666666",
			Category:  dispatchstore.ProblemBlacklisted,
			Reason:    "banned",
			CreatedAt: clk.now,
		})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := svc.Connect(ctx, "6666666", domain.RoleStudent, "X", "")
	assertCode(t, err, users.CodeBlacklisted)

	// No profile may be created for a rejected subject.
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		_, err := tx.GetProfile("6666666")
		return err
	}); !errors.Is(err, dispatchstore.ErrProfileNotFound) {
		t.Fatalf("profile leaked: %v", err)
	}
}

func TestService_Connect_ReportedFlagged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, clk := newTestService(t)

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProblemRecord(dispatchstore.ProblemRecord{
			Subject:   "5555555",
			Category:  dispatchstore.ProblemReported,
			Reason:    "no-show",
			CreatedAt: clk.now,
		})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := svc.Connect(ctx, "5555555", domain.RoleDriver, "", "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !res.Reported {
		t.Fatalf("expected reported flag")
	}
}

func TestService_FinishOnboarding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	// No profile yet.
	_, err := svc.FinishOnboarding(ctx, "3333333", users.FinishOnboardingInput{DisplayName: "Jamie"})
	assertCode(t, err, users.CodeProfileNotFound)

	if _, err := svc.Connect(ctx, "3333333", domain.RoleStudent, "", ""); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err = svc.FinishOnboarding(ctx, "3333333", users.FinishOnboardingInput{DisplayName: "   "})
	assertCode(t, err, users.CodeValidation)

	p, err := svc.FinishOnboarding(ctx, "3333333", users.FinishOnboardingInput{
		DisplayName: " Jamie  Rivera ",
		PhoneNumber: "806-555-0101",
	})
	if err != nil {
		t.Fatalf("FinishOnboarding: %v", err)
	}
	if !p.Onboarded || p.DisplayName != "Jamie Rivera" || p.PhoneNumber != "806-555-0101" {
		t.Fatalf("profile=%+v", p)
	}
}

func TestService_Report_NeverDowngradesBlacklist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, store, clk := newTestService(t)

	if err := svc.Report(ctx, "5555555", "no-show"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		rec, ok, err := tx.ProblemRecord("5555555")
		if err != nil || !ok || rec.Category != dispatchstore.ProblemReported {
			t.Fatalf("rec=%+v ok=%v err=%v", rec, ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	if err := store.WithTx(ctx, func(tx dispatchstore.Tx) error {
		return tx.PutProblemRecord(dispatchstore.ProblemRecord{
			Subject:   "6666666",
			Category:  dispatchstore.ProblemBlacklisted,
			Reason:    "banned",
			CreatedAt: clk.now,
		})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := svc.Report(ctx, "6666666", "late"); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if err := store.View(ctx, func(tx dispatchstore.Tx) error {
		rec, ok, err := tx.ProblemRecord("6666666")
		if err != nil || !ok || rec.Category != dispatchstore.ProblemBlacklisted {
			t.Fatalf("blacklist downgraded: rec=%+v ok=%v err=%v", rec, ok, err)
		}
		return nil
	}); err != nil {
		t.Fatalf("View: %v", err)
	}

	assertCode(t, svc.Report(ctx, "", ""), users.CodeValidation)
}
