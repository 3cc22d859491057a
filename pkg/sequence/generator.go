package sequence

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"smallbiznis-billing/pkg/rediskey"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

const (
	invoiceSuffixLen   = 6
	maxInvoiceAttempts = 5
	reservationTTL     = 48 * time.Hour
	// no 0/O or 1/I to keep numbers readable over the phone
	unambiguous = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var ErrSequenceExhausted = errors.New("sequence: no free number after retries")

type Generator interface {
	NextInvoiceNumber(ctx context.Context) (string, error)
	NextCashReference(subscriptionID string) string
}

type RedisGenerator struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

type Params struct {
	fx.In

	Redis *redis.Client
	Clock clockwork.Clock `optional:"true"`
}

func NewRedisGenerator(p Params) Generator {
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisGenerator{
		rdb:   p.Redis,
		clock: clock,
	}
}

// NextInvoiceNumber returns INV-YYYYMMDD-XXXXXX. Each candidate is reserved
// with SETNX so two callers never receive the same number.
func (g *RedisGenerator) NextInvoiceNumber(ctx context.Context) (string, error) {
	today := g.clock.Now().UTC().Format("20060102")

	for attempt := 1; attempt <= maxInvoiceAttempts; attempt++ {
		suffix, err := randomAlphaNumeric(invoiceSuffixLen)
		if err != nil {
			return "", err
		}

		number := fmt.Sprintf("INV-%s-%s", today, suffix)
		ok, err := g.rdb.SetNX(ctx, rediskey.BuildInvoiceNumberKey(number), 1, reservationTTL).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return number, nil
		}

		zap.L().Warn("invoice number collision, retrying", zap.String("number", number), zap.Int("attempt", attempt))
	}

	return "", ErrSequenceExhausted
}

// NextCashReference synthesizes CASH-<unix>-<10 hex>.
func (g *RedisGenerator) NextCashReference(subscriptionID string) string {
	now := g.clock.Now()
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%x", subscriptionID, now.UnixNano(), nonce)))
	return fmt.Sprintf("CASH-%d-%s", now.Unix(), hex.EncodeToString(sum[:])[:10])
}

func randomAlphaNumeric(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(unambiguous))))
		if err != nil {
			return "", err
		}
		b[i] = unambiguous[num.Int64()]
	}
	return string(b), nil
}
