package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/db/pagination"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/repository"
	"smallbiznis-billing/pkg/sequence"
	"smallbiznis-billing/services/subscription"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxNumberAttempts = 5

var (
	ErrInvoiceNotFound   = errors.New("invoice not found")
	ErrNumberUnavailable = errors.New("no unique invoice number available")
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    clockwork.Clock
	sequence sequence.Generator
	billing  config.Billing
	repo     repository.Repository[Invoice]

	renderer Renderer
	store    DocumentStore
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Sequence sequence.Generator
	Clock    clockwork.Clock `optional:"true"`
	Renderer Renderer        `optional:"true"`
	Store    DocumentStore   `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	renderer := p.Renderer
	if renderer == nil {
		renderer = NewPDFRenderer()
	}
	billing := p.Config.Billing
	if billing.InvoiceDueDays <= 0 {
		billing.InvoiceDueDays = 7
	}
	return &Service{
		db:       p.DB,
		node:     p.Node,
		clock:    clock,
		sequence: p.Sequence,
		billing:  billing,
		repo:     repository.ProvideStore[Invoice](p.DB),
		renderer: renderer,
		store:    p.Store,
	}
}

// IssueTx writes the paid invoice for one activation of sub on tx. The
// number is reserved first and the insert is retried inside a savepoint
// when the unique index still reports a collision.
func (s *Service) IssueTx(ctx context.Context, tx *gorm.DB, sub *subscription.Subscription) (*Invoice, error) {
	now := s.clock.Now().UTC()

	periodStart := now
	if sub.StartDate != nil {
		periodStart = sub.StartDate.UTC()
	}
	periodEnd := periodStart.AddDate(0, 1, 0)
	if sub.EndDate != nil {
		periodEnd = sub.EndDate.UTC()
	}

	name := string(sub.PlanSlug)
	if p, err := sub.Plan(); err == nil {
		name = p.Name
	}

	tax := TaxFor(sub.MonthlyAmount, s.billing.TaxRateBps)
	inv := &Invoice{
		ID:              s.node.Generate().String(),
		CreatedAt:       now,
		UpdatedAt:       now,
		SubscriptionID:  sub.ID,
		EstablishmentID: sub.EstablishmentID,
		TransactionRef:  sub.TransactionRef,
		Amount:          sub.MonthlyAmount,
		TaxRateBps:      s.billing.TaxRateBps,
		TaxAmount:       tax,
		Total:           sub.MonthlyAmount + tax,
		Currency:        sub.Currency,
		Status:          Paid,
		IssueDate:       now,
		DueDate:         now.AddDate(0, 0, s.billing.InvoiceDueDays),
		PaidAt:          &now,
		LineItems: datatypes.NewJSONSlice([]LineItem{{
			Description: fmt.Sprintf("%s plan subscription, %s to %s", name, periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02")),
			Quantity:    1,
			UnitAmount:  sub.MonthlyAmount,
			Amount:      sub.MonthlyAmount,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
		}}),
	}

	zapLog := logger.FromContext(ctx).With(zap.String("subscription_id", sub.ID))

	for attempt := 1; attempt <= maxNumberAttempts; attempt++ {
		number, err := s.sequence.NextInvoiceNumber(ctx)
		if err != nil {
			return nil, errutil.Internal("failed to reserve invoice number", err)
		}
		inv.Number = number

		err = tx.Transaction(func(sp *gorm.DB) error {
			return s.repo.WithTrx(sp).Create(ctx, inv)
		})
		if err == nil {
			zapLog.Info("invoice issued",
				zap.String("invoice_number", inv.Number),
				zap.Int64("total", inv.Total),
			)
			return inv, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		zapLog.Warn("invoice number collision, retrying", zap.String("invoice_number", number), zap.Int("attempt", attempt))
	}

	return nil, errutil.Internal("failed to issue invoice", ErrNumberUnavailable)
}

func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.repo.FindOne(ctx, &Invoice{ID: id})
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, errutil.NotFound("invoice not found", ErrInvoiceNotFound)
	}
	return inv, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string, page pagination.Pagination) ([]*Invoice, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	invoices, err := s.repo.Find(ctx, &Invoice{SubscriptionID: subscriptionID},
		option.ApplyPagination(page),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") },
	)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(invoices, int32(limit), func(inv *Invoice) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: inv.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        inv.ID,
		})
		return cursor
	})
	if len(invoices) > limit {
		invoices = invoices[:limit]
	}
	return invoices, info, nil
}

// MarkOverdue flags unpaid invoices whose due date has passed.
func (s *Service) MarkOverdue(ctx context.Context) (int64, error) {
	now := s.clock.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Invoice{}).
		Where("status IN ? AND due_date < ?", []Status{Draft, Sent}, now).
		Updates(map[string]any{"status": Overdue, "updated_at": now})
	return res.RowsAffected, res.Error
}
