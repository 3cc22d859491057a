package otp

import (
	"context"
	"crypto/subtle"
	"errors"
	"regexp"
	"time"

	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/repository"
	"smallbiznis-billing/pkg/util"
	"smallbiznis-billing/services/subscription"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const (
	CodeLength = 6
	DefaultTTL = 10 * time.Minute
)

var (
	ErrInvalidCode = errors.New("invalid confirmation code")

	codePattern = regexp.MustCompile(`^[0-9]{6}$`)
)

var Module = fx.Module("otp.service", fx.Provide(NewService))

// Service binds a short lived numeric code to a subscription. A matched code
// is not consumed here; replays are absorbed by transaction idempotency.
type Service struct {
	clock clockwork.Clock
	ttl   time.Duration
	repo  repository.Repository[subscription.Subscription]
}

type Params struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
	Clock  clockwork.Clock `optional:"true"`
}

func NewService(p Params) *Service {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ttl := DefaultTTL
	if p.Config != nil && p.Config.Billing.OtpTTL > 0 {
		ttl = p.Config.Billing.OtpTTL
	}
	return &Service{
		clock: clock,
		ttl:   ttl,
		repo:  repository.ProvideStore[subscription.Subscription](p.DB),
	}
}

// ValidateFormat rejects anything that is not exactly six digits.
func ValidateFormat(code string) error {
	if !codePattern.MatchString(code) {
		return errutil.ValidationFailed("confirmation code must be 6 digits", ErrInvalidCode)
	}
	return nil
}

// Generate stores a fresh code, replacing any previous one.
func (s *Service) Generate(ctx context.Context, subscriptionID string) (string, error) {
	code, err := util.GenerateNumericCode(CodeLength)
	if err != nil {
		return "", err
	}

	expiresAt := s.clock.Now().Add(s.ttl)
	if err := s.repo.Update(ctx, subscriptionID, map[string]any{
		"otp_code":       code,
		"otp_expires_at": expiresAt,
	}); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errutil.NotFound("subscription not found", subscription.ErrNotFound)
		}
		return "", err
	}

	return code, nil
}

// Verify fails closed: no code, an expired code or a mismatch all return false.
func (s *Service) Verify(ctx context.Context, subscriptionID, code string) (bool, error) {
	sub, err := s.repo.FindOne(ctx, &subscription.Subscription{ID: subscriptionID})
	if err != nil {
		return false, err
	}
	if sub == nil || sub.OtpCode == "" || sub.OtpExpiresAt == nil {
		return false, nil
	}
	if s.clock.Now().After(*sub.OtpExpiresAt) {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(sub.OtpCode), []byte(code)) == 1, nil
}
