package notification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"smallbiznis-billing/pkg/middleware"
	"smallbiznis-billing/pkg/task"
	"smallbiznis-billing/services/ledger"
	"smallbiznis-billing/services/plan"
	"smallbiznis-billing/services/settlement/settlementtest"
	"smallbiznis-billing/services/subscription"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

// dedupEnqueuer rejects a task id it has already seen, like the asynq client.
type dedupEnqueuer struct {
	mu    sync.Mutex
	seen  map[string]bool
	tasks []*asynq.Task
}

func (e *dedupEnqueuer) Enqueue(ctx context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range opts {
		if o.Type() != asynq.TaskIDOpt {
			continue
		}
		id := o.Value().(string)
		if e.seen[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		if e.seen == nil {
			e.seen = map[string]bool{}
		}
		e.seen[id] = true
	}
	e.tasks = append(e.tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

type recordingNotifier struct {
	alerts []Alert
}

func (r *recordingNotifier) Notify(ctx context.Context, establishmentID string, alert Alert) error {
	r.alerts = append(r.alerts, alert)
	return nil
}

type fixture struct {
	*settlementtest.Stack
	svc      *Service
	enqueuer *dedupEnqueuer
	notifier *recordingNotifier
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := settlementtest.New(t)
	f := &fixture{Stack: s, enqueuer: &dedupEnqueuer{}, notifier: &recordingNotifier{}}
	f.svc = NewService(Params{
		DB:       s.DB,
		Config:   s.Config,
		Machine:  s.Machine,
		Notifier: f.notifier,
		Enqueuer: f.enqueuer,
		Clock:    s.Clock,
	})
	return f
}

func (f *fixture) activate(t *testing.T, id string) {
	t.Helper()
	sub := f.Subscription(t, id, plan.Standard, subscription.Cash)
	f.Pending(t, "cash-"+id, sub, ledger.CashProvider)
	_, err := f.Settlement.Settle(context.Background(), "cash-"+id, "test")
	require.NoError(t, err)
}

func TestAlertsPaymentStates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	alerts, err := f.svc.Alerts(ctx, "est-none")
	require.NoError(t, err)
	require.Empty(t, alerts)

	f.Subscription(t, "s1", plan.Basic, subscription.AirtelMoney)
	alerts, err = f.svc.Alerts(ctx, "est-s1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, PaymentPending, alerts[0].Kind)
	require.Contains(t, alerts[0].Message, "airtel_money")

	require.NoError(t, f.Machine.Refuse(ctx, "s1", "declined"))
	alerts, err = f.svc.Alerts(ctx, "est-s1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, PaymentRefused, alerts[0].Kind)
}

func TestAlertsExpiryWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.activate(t, "s1")

	alerts, err := f.svc.Alerts(ctx, "est-s1")
	require.NoError(t, err)
	require.Empty(t, alerts)

	f.Clock.Advance(25 * 24 * time.Hour)
	alerts, err = f.svc.Alerts(ctx, "est-s1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, ExpiringSoon, alerts[0].Kind)
	require.Equal(t, 6, alerts[0].DaysLeft)

	f.Clock.Advance(7 * 24 * time.Hour)
	alerts, err = f.svc.Alerts(ctx, "est-s1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, Expired, alerts[0].Kind)

	n, err := f.Machine.ExpireDue(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	alerts, err = f.svc.Alerts(ctx, "est-s1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, Expired, alerts[0].Kind)
}

func TestEnqueueExpiryAlertsOncePerPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.activate(t, "s1")
	f.activate(t, "s2")
	f.Subscription(t, "s3", plan.Basic, subscription.Cash)

	n, err := f.svc.EnqueueExpiryAlerts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.Clock.Advance(25 * 24 * time.Hour)
	n, err = f.svc.EnqueueExpiryAlerts(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = f.svc.EnqueueExpiryAlerts(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, f.enqueuer.tasks, 2)

	var payload task.NotificationExpiryPayload
	require.NoError(t, task.Decode(f.enqueuer.tasks[0], &payload))
	require.Equal(t, "2026-04-14T09:00:00Z", payload.EndDate)
}

func TestHandleExpiryTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.activate(t, "s1")
	f.Clock.Advance(25 * 24 * time.Hour)

	_, err := f.svc.EnqueueExpiryAlerts(ctx)
	require.NoError(t, err)
	require.Len(t, f.enqueuer.tasks, 1)

	require.NoError(t, f.svc.HandleExpiryTask(ctx, f.enqueuer.tasks[0]))
	require.Len(t, f.notifier.alerts, 1)
	require.Equal(t, ExpiringSoon, f.notifier.alerts[0].Kind)

	// cancelled before delivery
	require.NoError(t, f.Machine.Cancel(ctx, "s1", "closed"))
	require.NoError(t, f.svc.HandleExpiryTask(ctx, f.enqueuer.tasks[0]))
	require.Len(t, f.notifier.alerts, 1)

	gone, err := task.NewTask(task.TypeNotificationExpiry, task.NotificationExpiryPayload{SubscriptionID: "missing"})
	require.NoError(t, err)
	err = f.svc.HandleExpiryTask(ctx, gone)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAlertsHandler(t *testing.T) {
	f := setup(t)
	f.Subscription(t, "s1", plan.Premium, subscription.Card)

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc).Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/establishments/est-s1/alerts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"kind":"payment_pending"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/establishments/est-other/alerts", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":[]}`, w.Body.String())
}
