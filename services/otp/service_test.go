package otp

import (
	"context"
	"testing"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/services/subscription"
	"smallbiznis-billing/services/testutil"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T) (*Service, *clockwork.FakeClock) {
	t.Helper()

	db := testutil.NewTestDB(t, &subscription.Subscription{})
	require.NoError(t, db.Create(&subscription.Subscription{ID: "s1", EstablishmentID: "e1", PlanSlug: "basic"}).Error)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	return NewService(Params{DB: db, Config: &config.Config{}, Clock: clock}), clock
}

func TestGenerateAndVerify(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, code, 6)
	require.NoError(t, ValidateFormat(code))

	clock.Advance(9 * time.Minute)
	ok, err := svc.Verify(ctx, "s1", code)
	require.NoError(t, err)
	require.True(t, ok)

	// not consumed by a match
	ok, err = svc.Verify(ctx, "s1", code)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyAfterExpiry(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	code, err := svc.Generate(ctx, "s1")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	ok, err := svc.Verify(ctx, "s1", code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyFailsClosed(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	ok, err := svc.Verify(ctx, "s1", "123456")
	require.NoError(t, err)
	require.False(t, ok, "no code generated yet")

	code, err := svc.Generate(ctx, "s1")
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err = svc.Verify(ctx, "s1", wrong)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.Verify(ctx, "missing", code)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGenerateOverwrites(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()

	first, err := svc.Generate(ctx, "s1")
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	second, err := svc.Generate(ctx, "s1")
	require.NoError(t, err)

	clock.Advance(8 * time.Minute)
	ok, _ := svc.Verify(ctx, "s1", second)
	require.True(t, ok)
	if first != second {
		ok, _ = svc.Verify(ctx, "s1", first)
		require.False(t, ok)
	}
}

func TestGenerateUnknownSubscription(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Generate(context.Background(), "missing")
	require.ErrorIs(t, err, subscription.ErrNotFound)
}

func TestValidateFormat(t *testing.T) {
	for _, code := range []string{"", "12345", "1234567", "12a456", " 123456"} {
		require.ErrorIs(t, ValidateFormat(code), ErrInvalidCode, code)
	}
	require.NoError(t, ValidateFormat("012345"))
}
