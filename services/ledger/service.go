package ledger

import (
	"context"
	"errors"
	"time"

	"smallbiznis-billing/pkg/db/option"
	"smallbiznis-billing/pkg/db/pagination"
	"smallbiznis-billing/pkg/errutil"
	"smallbiznis-billing/pkg/logger"
	"smallbiznis-billing/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrTransactionNotFound = errors.New("transaction not found")

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock clockwork.Clock

	txns   repository.Repository[PaymentTransaction]
	events repository.Repository[TransactionEvent]
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Clock clockwork.Clock `optional:"true"`
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
		txns:   repository.ProvideStore[PaymentTransaction](p.DB),
		events: repository.ProvideStore[TransactionEvent](p.DB),
	}
}

type RecordParams struct {
	TransactionID     string
	ProviderReference string
	SubscriptionID    string
	EstablishmentID   string
	Provider          Provider
	PaymentMethod     string
	Amount            int64
	Currency          string
	CustomerPhone     string
	CustomerEmail     string
	Metadata          map[string]any
	Source            string
}

// Record writes a pending transaction together with its first event.
func (s *Service) Record(ctx context.Context, p RecordParams) (*PaymentTransaction, error) {
	var txn *PaymentTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.RecordTx(ctx, tx, p)
		return err
	})
	return txn, err
}

func (s *Service) RecordTx(ctx context.Context, tx *gorm.DB, p RecordParams) (*PaymentTransaction, error) {
	now := s.Now()
	txn := &PaymentTransaction{
		ID:                s.node.Generate().String(),
		CreatedAt:         now,
		UpdatedAt:         now,
		TransactionID:     p.TransactionID,
		ProviderReference: p.ProviderReference,
		SubscriptionID:    p.SubscriptionID,
		EstablishmentID:   p.EstablishmentID,
		Provider:          p.Provider,
		PaymentMethod:     p.PaymentMethod,
		Amount:            p.Amount,
		Currency:          p.Currency,
		Status:            Pending,
		Metadata:          datatypes.JSONMap(p.Metadata),
		CustomerPhone:     p.CustomerPhone,
		CustomerEmail:     p.CustomerEmail,
	}

	if err := s.txns.WithTrx(tx).Create(ctx, txn); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Conflict("transaction already recorded", err)
		}
		return nil, err
	}

	if err := s.appendEvent(ctx, tx, txn.TransactionID, "", Pending, p.Source, ""); err != nil {
		return nil, err
	}

	return txn, nil
}

// AttachProviderResponse merges provider data into the metadata of a pending
// transaction and stores the provider's own reference.
func (s *Service) AttachProviderResponse(ctx context.Context, transactionID, reference string, meta map[string]any) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := s.txns.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &PaymentTransaction{TransactionID: transactionID})
		if err != nil {
			return err
		}
		if txn == nil {
			return errutil.NotFound("transaction not found", ErrTransactionNotFound)
		}

		merged := datatypes.JSONMap{}
		for k, v := range txn.Metadata {
			merged[k] = v
		}
		for k, v := range meta {
			merged[k] = v
		}

		updates := map[string]any{
			"metadata":   merged,
			"updated_at": s.Now(),
		}
		if reference != "" {
			updates["provider_reference"] = reference
		}
		return tx.WithContext(ctx).Model(&PaymentTransaction{}).Where("id = ?", txn.ID).Updates(updates).Error
	})
}

// CompleteTx marks the transaction completed on tx. It reports false when
// the transaction was already completed, which callers treat as a duplicate.
func (s *Service) CompleteTx(ctx context.Context, tx *gorm.DB, transactionID, source string) (*PaymentTransaction, bool, error) {
	txn, err := s.txns.WithTrx(tx.Scopes(option.LockingUpdate)).FindOne(ctx, &PaymentTransaction{TransactionID: transactionID})
	if err != nil {
		return nil, false, err
	}
	if txn == nil {
		return nil, false, errutil.NotFound("transaction not found", ErrTransactionNotFound)
	}

	switch txn.Status {
	case Completed:
		return txn, false, nil
	case Refunded:
		return txn, false, errutil.Conflict("transaction was refunded", nil)
	}

	now := s.Now()
	// a provider success overrides an earlier local failure
	res := tx.WithContext(ctx).Model(&PaymentTransaction{}).
		Where("id = ? AND status IN ?", txn.ID, []Status{Pending, Failed}).
		Updates(map[string]any{
			"status":       Completed,
			"processed_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return txn, false, nil
	}

	if err := s.appendEvent(ctx, tx, transactionID, txn.Status, Completed, source, ""); err != nil {
		return nil, false, err
	}

	txn.Status = Completed
	txn.ProcessedAt = &now
	return txn, true, nil
}

// MarkFailed fails a pending transaction and keeps the provider's message
// and code. Completed transactions are never reinterpreted.
func (s *Service) MarkFailed(ctx context.Context, transactionID, reason, code, source string) (bool, error) {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		changed, err = s.MarkFailedTx(ctx, tx, transactionID, reason, code, source)
		return err
	})
	return changed, err
}

func (s *Service) MarkFailedTx(ctx context.Context, tx *gorm.DB, transactionID, reason, code, source string) (bool, error) {
	now := s.Now()
	res := tx.WithContext(ctx).Model(&PaymentTransaction{}).
		Where("transaction_id = ? AND status = ?", transactionID, Pending).
		Updates(map[string]any{
			"status":         Failed,
			"failure_reason": reason,
			"failure_code":   code,
			"processed_at":   now,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	if err := s.appendEvent(ctx, tx, transactionID, Pending, Failed, source, reason); err != nil {
		return false, err
	}

	logger.FromContext(ctx).Warn("transaction failed",
		zap.String("transaction_id", transactionID),
		zap.String("failure_reason", reason),
		zap.String("failure_code", code),
		zap.String("source", source),
	)
	return true, nil
}

// FailPendingTx fails every pending transaction of the subscription, except
// those of keepProvider.
func (s *Service) FailPendingTx(ctx context.Context, tx *gorm.DB, subscriptionID string, keepProvider Provider, reason, source string) (int, error) {
	pending, err := s.txns.WithTrx(tx).Find(ctx, &PaymentTransaction{SubscriptionID: subscriptionID, Status: Pending})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, txn := range pending {
		if txn.Provider == keepProvider {
			continue
		}
		changed, err := s.MarkFailedTx(ctx, tx, txn.TransactionID, reason, "method_changed", source)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// LatestPending is the matching rule for confirmations: the most recently
// created pending transaction of (subscription, provider).
func (s *Service) LatestPending(ctx context.Context, subscriptionID string, provider Provider) (*PaymentTransaction, error) {
	txn, err := s.txns.FindOne(ctx,
		&PaymentTransaction{SubscriptionID: subscriptionID, Provider: provider, Status: Pending},
		func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC").Order("id DESC") },
	)
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errutil.NotFound("no pending transaction", ErrTransactionNotFound)
	}
	return txn, nil
}

func (s *Service) Get(ctx context.Context, transactionID string) (*PaymentTransaction, error) {
	txn, err := s.txns.FindOne(ctx, &PaymentTransaction{TransactionID: transactionID})
	if err != nil {
		return nil, err
	}
	if txn == nil {
		return nil, errutil.NotFound("transaction not found", ErrTransactionNotFound)
	}
	return txn, nil
}

// FindByReference looks a transaction up by its id, then by the provider's
// own reference. It returns nil when neither matches.
func (s *Service) FindByReference(ctx context.Context, provider Provider, reference string) (*PaymentTransaction, error) {
	if reference == "" {
		return nil, nil
	}

	txn, err := s.txns.FindOne(ctx, &PaymentTransaction{TransactionID: reference})
	if err != nil || txn != nil {
		return txn, err
	}

	return s.txns.FindOne(ctx, &PaymentTransaction{Provider: provider, ProviderReference: reference})
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string, page pagination.Pagination) ([]*PaymentTransaction, *pagination.PageInfo, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 10
	}

	txns, err := s.txns.Find(ctx, &PaymentTransaction{SubscriptionID: subscriptionID},
		option.ApplyPagination(page),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc"}),
		func(db *gorm.DB) *gorm.DB { return db.Order("id DESC") },
	)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(txns, int32(limit), func(t *PaymentTransaction) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
			ID:        t.ID,
		})
		return cursor
	})
	if len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, info, nil
}

// ListStalePending returns pending transactions created before olderThan in
// (created_at, id) order, starting after the given row when one is passed.
func (s *Service) ListStalePending(ctx context.Context, olderThan time.Time, after *PaymentTransaction, limit int) ([]*PaymentTransaction, error) {
	return s.txns.Find(ctx, &PaymentTransaction{Status: Pending},
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: olderThan}),
		option.ApplyOperator(option.Condition{Field: "provider", Operator: option.NEQ, Value: CashProvider}),
		func(db *gorm.DB) *gorm.DB {
			if after != nil {
				db = db.Where("created_at > ? OR (created_at = ? AND id > ?)", after.CreatedAt, after.CreatedAt, after.ID)
			}
			return db.Order("created_at ASC").Order("id ASC").Limit(limit)
		},
	)
}

func (s *Service) Events(ctx context.Context, transactionID string) ([]*TransactionEvent, error) {
	return s.events.Find(ctx, &TransactionEvent{TransactionID: transactionID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "asc"}),
	)
}

// VerifyChain recomputes every event hash of the transaction.
func (s *Service) VerifyChain(ctx context.Context, transactionID string) (bool, error) {
	events, err := s.Events(ctx, transactionID)
	if err != nil {
		return false, err
	}

	prev := ""
	for _, e := range events {
		if e.PreviousHash != prev || e.GenerateHash() != e.Hash {
			logger.FromContext(ctx).Error("transaction event chain broken",
				zap.String("transaction_id", transactionID),
				zap.Int("seq", e.Seq),
			)
			return false, nil
		}
		prev = e.Hash
	}
	return true, nil
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, transactionID string, from, to Status, source, note string) error {
	last, err := s.events.WithTrx(tx).FindOne(ctx, &TransactionEvent{TransactionID: transactionID},
		option.WithSortBy(option.QuerySortBy{SortBy: "seq", OrderBy: "desc"}),
	)
	if err != nil {
		return err
	}

	event := &TransactionEvent{
		ID:            s.node.Generate().String(),
		CreatedAt:     s.Now(),
		TransactionID: transactionID,
		Seq:           1,
		FromStatus:    from,
		ToStatus:      to,
		Source:        source,
		Note:          note,
	}
	if last != nil {
		event.Seq = last.Seq + 1
		event.PreviousHash = last.Hash
	}
	event.Hash = event.GenerateHash()

	return s.events.WithTrx(tx).Create(ctx, event)
}

// Now is the ledger clock, truncated to what every supported database
// stores so hashes survive a round trip.
func (s *Service) Now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}
