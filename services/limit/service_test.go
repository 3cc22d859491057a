package limit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/plan"
	"smallbiznis-billing/services/settlement/settlementtest"
	"smallbiznis-billing/services/subscription"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type usageMock struct {
	usage func(ctx context.Context, establishmentID string, kind plan.LimitKind) (int64, error)
}

func (m *usageMock) Usage(ctx context.Context, establishmentID string, kind plan.LimitKind) (int64, error) {
	return m.usage(ctx, establishmentID, kind)
}

func fixedUsage(n int64) *usageMock {
	return &usageMock{usage: func(context.Context, string, plan.LimitKind) (int64, error) { return n, nil }}
}

func activeSubscription(t *testing.T, s *settlementtest.Stack, id string, slug plan.Slug) *subscription.Subscription {
	t.Helper()

	sub := s.Subscription(t, id, slug, subscription.Cash)
	s.Pending(t, "cash-"+id, sub, ledger.CashProvider)
	_, err := s.Settlement.Settle(context.Background(), "cash-"+id, "test")
	require.NoError(t, err)
	return s.Reload(t, id)
}

func TestHasReachedLimitAtCap(t *testing.T) {
	s := settlementtest.New(t)
	activeSubscription(t, s, "s1", plan.Standard)
	ctx := context.Background()

	cases := []struct {
		name    string
		kind    plan.LimitKind
		current int64
		reached bool
	}{
		{"users below cap", plan.Users, 4, false},
		{"users at cap", plan.Users, 5, true},
		{"users above cap", plan.Users, 7, true},
		{"products below cap", plan.Products, 499, false},
		{"products at cap", plan.Products, 500, true},
		{"monthly sales at cap", plan.MonthlySales, 2000, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := NewService(Params{Machine: s.Machine, Usage: fixedUsage(tc.current), Clock: s.Clock})
			reached, err := svc.HasReachedLimit(ctx, "est-s1", tc.kind)
			require.NoError(t, err)
			require.Equal(t, tc.reached, reached)
		})
	}
}

func TestUnlimitedCapNeverReached(t *testing.T) {
	s := settlementtest.New(t)
	activeSubscription(t, s, "s1", plan.Enterprise)
	svc := NewService(Params{Machine: s.Machine, Usage: fixedUsage(1_000_000), Clock: s.Clock})

	for _, kind := range []plan.LimitKind{plan.Users, plan.Servers, plan.Products, plan.MonthlySales} {
		d, err := svc.Check(context.Background(), "est-s1", kind)
		require.NoError(t, err)
		require.Nil(t, d.Cap)
		require.False(t, d.Reached)
	}
}

func TestNoCurrentSubscriptionIsReached(t *testing.T) {
	s := settlementtest.New(t)
	s.Subscription(t, "s1", plan.Premium, subscription.Cash)
	svc := NewService(Params{Machine: s.Machine, Usage: fixedUsage(0), Clock: s.Clock})

	reached, err := svc.HasReachedLimit(context.Background(), "est-s1", plan.Users)
	require.NoError(t, err)
	require.True(t, reached)

	_, err = svc.HasReachedLimit(context.Background(), "est-s1", plan.LimitKind("tables"))
	require.ErrorIs(t, err, plan.ErrUnknownLimitKind)
}

func TestCanAccess(t *testing.T) {
	s := settlementtest.New(t)
	sub := activeSubscription(t, s, "s1", plan.Standard)
	svc := NewService(Params{Machine: s.Machine, Usage: fixedUsage(0), Clock: s.Clock})

	require.True(t, svc.CanAccess(sub, plan.Reports))
	require.False(t, svc.CanAccess(sub, plan.AdvancedReports))

	// a snapshot granting more than the plan is ignored
	widened := *sub
	l := plan.Limitations{Features: map[plan.Feature]bool{plan.AdvancedReports: true}}
	widened.Limitations = datatypes.NewJSONType(l)
	require.False(t, svc.CanAccess(&widened, plan.AdvancedReports))

	s.Clock.Advance(32 * 24 * time.Hour)
	require.False(t, svc.CanAccess(sub, plan.Reports))

	pending := s.Subscription(t, "s2", plan.Enterprise, subscription.Cash)
	require.False(t, svc.CanAccess(pending, plan.Reports))
	require.False(t, svc.CanAccess(nil, plan.Reports))
}

func TestHandler(t *testing.T) {
	s := settlementtest.New(t)
	activeSubscription(t, s, "s1", plan.Basic)
	svc := NewService(Params{Machine: s.Machine, Usage: fixedUsage(2), Clock: s.Clock})

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(svc).Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/establishments/est-s1/limits/users", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"kind":"users","cap":2,"current":2,"reached":true}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/establishments/est-s1/features/reports", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"feature":"reports","allowed":false}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/establishments/est-s1/features/teleport", nil))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
