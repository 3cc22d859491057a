package establishment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/repository"
	"smallbiznis-billing/services/plan"
	"smallbiznis-billing/services/subscription"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNoPrimaryAdmin = errors.New("establishment has no admin account")

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	clock  clockwork.Clock
	config *config.Config

	repo  repository.Repository[Establishment]
	users repository.Repository[User]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Clock  clockwork.Clock `optional:"true"`
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		db:     p.DB,
		node:   p.Node,
		clock:  clock,
		config: p.Config,
		repo:   repository.ProvideStore[Establishment](p.DB),
		users:  repository.ProvideStore[User](p.DB),
	}
}

type OnboardRequest struct {
	Name          string `json:"name" binding:"required,min=2"`
	Slug          string `json:"slug"`
	CountryCode   string `json:"country_code" binding:"omitempty,len=2"`
	Timezone      string `json:"timezone"`
	Phone         string `json:"phone"`
	Email         string `json:"email" binding:"omitempty,email"`
	Plan          string `json:"plan" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required"`
	AdminName     string `json:"admin_name" binding:"required"`
	AdminEmail    string `json:"admin_email" binding:"required,email"`
	AdminPhone    string `json:"admin_phone"`
}

type OnboardResult struct {
	Establishment *Establishment             `json:"establishment"`
	Admin         *User                      `json:"admin"`
	Subscription  *subscription.Subscription `json:"subscription"`
}

// Onboard creates the establishment, its inactive primary admin and a pending
// subscription in one transaction.
func (s *Service) Onboard(ctx context.Context, req OnboardRequest) (*OnboardResult, error) {
	zapLog := logger.FromContext(ctx)

	p, err := plan.Resolve(req.Plan)
	if err != nil {
		return nil, errutil.ValidationFailed("unknown plan", err, errutil.WithDetails(errutil.Detail{
			Field: "plan", Message: "must be one of basic, standard, premium, enterprise",
		}))
	}

	method := subscription.PaymentMethod(strings.ToLower(req.PaymentMethod))
	if method.String() == "" {
		return nil, errutil.ValidationFailed("unsupported payment method", nil, errutil.WithDetails(errutil.Detail{
			Field: "payment_method", Message: "must be one of card, airtel_money, orange_money, cash",
		}))
	}

	slugName := req.Slug
	if slugName == "" {
		slugName = slug.Make(req.Name)
	} else {
		slugName = slug.Make(slugName)
	}

	exist, err := s.repo.FindOne(ctx, &Establishment{Slug: slugName})
	if err != nil {
		zapLog.Error("failed query establishment by slug", zap.Error(err))
		return nil, errutil.Internal("failed to check existing establishment", err)
	}
	if exist != nil {
		return nil, errutil.Conflict("establishment already exists", nil, errutil.WithDetails(errutil.Detail{
			Field: "slug", Message: slugName,
		}))
	}

	now := s.clock.Now()
	est := &Establishment{
		ID:          s.node.Generate().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
		Name:        req.Name,
		Slug:        slugName,
		CountryCode: strings.ToUpper(req.CountryCode),
		Timezone:    req.Timezone,
		Phone:       req.Phone,
		Email:       req.Email,
		Status:      Active,
	}
	admin := &User{
		ID:              s.node.Generate().String(),
		CreatedAt:       now,
		UpdatedAt:       now,
		EstablishmentID: est.ID,
		Name:            req.AdminName,
		Email:           strings.ToLower(req.AdminEmail),
		Phone:           req.AdminPhone,
		Role:            Admin,
		IsActive:        false,
	}
	sub := subscription.NewPending(subscription.NewPendingParams{
		ID:              s.node.Generate().String(),
		EstablishmentID: est.ID,
		Plan:            p,
		Currency:        s.config.Billing.Currency,
		PaymentMethod:   method,
	})
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.WithTrx(tx).Create(ctx, est); err != nil {
			return fmt.Errorf("failed to create establishment: %w", err)
		}
		if err := s.users.WithTrx(tx).Create(ctx, admin); err != nil {
			return fmt.Errorf("failed to create admin: %w", err)
		}
		if err := tx.Create(sub).Error; err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}
		return nil
	}); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("establishment or admin email already exists", err)
		}
		zapLog.Error("failed to onboard establishment", zap.String("slug", slugName), zap.Error(err))
		return nil, errutil.Internal("failed to onboard establishment", err)
	}

	zapLog.Info("establishment onboarded",
		zap.String("establishment_id", est.ID),
		zap.String("subscription_id", sub.ID),
		zap.String("plan", string(p.Slug)),
		zap.String("payment_method", string(method)),
	)

	return &OnboardResult{Establishment: est, Admin: admin, Subscription: sub}, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Establishment, error) {
	est, err := s.repo.FindOne(ctx, &Establishment{ID: id})
	if err != nil {
		return nil, errutil.Internal("failed to load establishment", err)
	}
	if est == nil {
		return nil, errutil.NotFound("establishment not found", nil)
	}
	return est, nil
}

// ActivatePrimaryAdmin enables the earliest admin account of the
// establishment using tx.
func (s *Service) ActivatePrimaryAdmin(ctx context.Context, tx *gorm.DB, establishmentID string) error {
	admin, err := s.users.WithTrx(tx).FindOne(ctx, &User{EstablishmentID: establishmentID, Role: Admin},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc"}),
	)
	if err != nil {
		return err
	}
	if admin == nil {
		return errutil.UnprocessableEntity("establishment has no admin account", ErrNoPrimaryAdmin)
	}
	if admin.IsActive {
		return nil
	}

	return s.users.WithTrx(tx).Update(ctx, admin.ID, map[string]any{
		"is_active":  true,
		"updated_at": s.clock.Now(),
	})
}

// Usage counts what the establishment currently consumes for a limit kind.
func (s *Service) Usage(ctx context.Context, establishmentID string, kind plan.LimitKind) (int64, error) {
	q := s.db.WithContext(ctx)
	var count int64

	switch kind {
	case plan.Users:
		err := q.Model(&User{}).Where("establishment_id = ? AND role <> ?", establishmentID, Server).Count(&count).Error
		return count, err
	case plan.Servers:
		err := q.Model(&User{}).Where("establishment_id = ? AND role = ?", establishmentID, Server).Count(&count).Error
		return count, err
	case plan.Products:
		err := q.Model(&Product{}).Where("establishment_id = ?", establishmentID).Count(&count).Error
		return count, err
	case plan.MonthlySales:
		now := s.clock.Now()
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		err := q.Model(&Sale{}).Where("establishment_id = ? AND created_at >= ?", establishmentID, monthStart).Count(&count).Error
		return count, err
	default:
		return 0, plan.ErrUnknownLimitKind
	}
}
