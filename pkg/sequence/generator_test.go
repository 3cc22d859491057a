package sequence

import (
	"context"
	"regexp"
	"testing"
	"time"

	"smallbiznis-billing/pkg/rediskey"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newGenerator(t *testing.T) (*RedisGenerator, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	gen := NewRedisGenerator(Params{Redis: rdb, Clock: clock}).(*RedisGenerator)
	return gen, mr
}

func TestNextInvoiceNumberFormat(t *testing.T) {
	gen, mr := newGenerator(t)

	number, err := gen.NextInvoiceNumber(context.Background())
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^INV-20260314-[A-HJ-NP-Z2-9]{6}$`), number)
	require.True(t, mr.Exists(rediskey.BuildInvoiceNumberKey(number)))
}

func TestNextInvoiceNumberNeverRepeats(t *testing.T) {
	gen, _ := newGenerator(t)

	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		number, err := gen.NextInvoiceNumber(context.Background())
		require.NoError(t, err)
		_, dup := seen[number]
		require.False(t, dup, "duplicate invoice number %s", number)
		seen[number] = struct{}{}
	}
}

func TestNextInvoiceNumberRedisDown(t *testing.T) {
	gen, mr := newGenerator(t)
	mr.Close()

	_, err := gen.NextInvoiceNumber(context.Background())
	require.Error(t, err)
}

func TestNextCashReference(t *testing.T) {
	gen, _ := newGenerator(t)

	a := gen.NextCashReference("sub-1")
	b := gen.NextCashReference("sub-1")

	require.Regexp(t, regexp.MustCompile(`^CASH-\d+-[0-9a-f]{10}$`), a)
	require.Contains(t, a, "CASH-1773478800-")
	require.NotEqual(t, a, b)
}
