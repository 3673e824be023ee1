package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
)

// Store implementa storage.Store sobre MySQL usando gorm
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// Open conecta no MySQL e aplica AutoMigrate nas tabelas do ledger
func Open(ctx context.Context, dsn string, attempts int, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	s := &Store{db: db}

	if attempts <= 0 {
		attempts = 30
	}
	for i := 0; ; i++ {
		if err := s.Ping(ctx); err == nil {
			break
		} else if i+1 >= attempts {
			return nil, fmt.Errorf("failed to connect to mysql after %d attempts: %w", attempts, err)
		}
		logger.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max", attempts))
		time.Sleep(1 * time.Second)
	}

	if err := db.WithContext(ctx).AutoMigrate(&walletRow{}, &transactionRow{}, &bookingRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate mysql schema: %w", err)
	}
	logger.Info("✅ Connected to wallet database (mysql)")
	return s, nil
}

// GormTx implementa a interface Tx
type GormTx struct {
	tx   *gorm.DB
	done bool
}

func (t *GormTx) Commit() error {
	t.done = true
	return t.tx.Commit().Error
}

func (t *GormTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback().Error
}

func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &GormTx{tx: tx}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context, tx storage.Tx) *gorm.DB {
	if tx == nil {
		return s.db.WithContext(ctx)
	}
	return tx.(*GormTx).tx.WithContext(ctx)
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	var row walletRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) EnsureWallet(ctx context.Context, tx storage.Tx, userID, currency string) (*domain.Wallet, error) {
	db := s.conn(ctx, tx)
	now := time.Now().UTC()

	row := walletRow{UserID: userID, Currency: currency, CreatedAt: now, UpdatedAt: now}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	if err := db.Where("user_id = ?", userID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) AdjustBalance(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	return s.adjust(ctx, tx, userID, "balance", delta)
}

func (s *Store) AdjustCashback(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	return s.adjust(ctx, tx, userID, "cashback_balance", delta)
}

// adjust usa um UPDATE condicional; o lock de linha do InnoDB serializa a mesma carteira
func (s *Store) adjust(ctx context.Context, tx storage.Tx, userID, column string, delta domain.Amount) (*domain.Wallet, error) {
	db := s.conn(ctx, tx)

	res := db.Model(&walletRow{}).
		Where("user_id = ? AND "+column+" + ? >= 0", userID, int64(delta)).
		Updates(map[string]any{
			column:       gorm.Expr(column+" + ?", int64(delta)),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to adjust %s: %w", column, res.Error)
	}

	var row walletRow
	err := db.Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrInsufficientFunds
	}
	return row.toDomain(), nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, bool, error) {
	db := s.conn(ctx, tx)

	row := transactionFromDomain(t)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return row.toDomain(), true, nil
	}

	var existing transactionRow
	if err := db.Where("provider_reference = ?", t.ProviderReference).First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load existing transaction: %w", err)
	}
	return existing.toDomain(), false, nil
}

func (s *Store) GetTransaction(ctx context.Context, tx storage.Tx, id string) (*domain.Transaction, error) {
	var row transactionRow
	if err := s.conn(ctx, tx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetTransactionByReferenceForUpdate(ctx context.Context, tx storage.Tx, reference string) (*domain.Transaction, error) {
	var row transactionRow
	err := s.conn(ctx, tx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("provider_reference = ?", reference).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction with lock: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, tx storage.Tx, id string, from, to domain.TransactionStatus) (bool, error) {
	res := s.conn(ctx, tx).Model(&transactionRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{"status": string(to), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// SetPayoutReference grava a referência do payout apenas se ainda estiver vazia
func (s *Store) SetPayoutReference(ctx context.Context, tx storage.Tx, id, payoutRef string) error {
	res := s.conn(ctx, tx).Model(&transactionRow{}).
		Where("id = ? AND (payout_reference IS NULL OR payout_reference = ?)", id, payoutRef).
		Updates(map[string]any{"payout_reference": payoutRef, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to set payout reference: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL não conta linhas cujo valor não mudou
		var row transactionRow
		err := s.conn(ctx, tx).Where("id = ? AND payout_reference = ?", id, payoutRef).First(&row).Error
		if err == nil {
			return nil
		}
		return fmt.Errorf("%w: transaction %s missing or already bound to another payout", domain.ErrInvalidTransition, id)
	}
	return nil
}

func (s *Store) GetTransactionByPayoutReference(ctx context.Context, payoutRef string) (*domain.Transaction, error) {
	var row transactionRow
	if err := s.db.WithContext(ctx).Where("payout_reference = ?", payoutRef).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by payout reference: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTransactions(ctx context.Context, q storage.ListQuery) ([]domain.Transaction, error) {
	db := s.db.WithContext(ctx).Where("user_id = ?", q.UserID)
	if q.UpTo != "" {
		db = db.Where("id <= ?", q.UpTo)
	}
	if q.Before != "" {
		db = db.Where("id < ?", q.Before)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []transactionRow
	if err := db.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return toDomainTransactions(rows), nil
}

func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	var rows []transactionRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND type IN ? AND created_at < ?",
			string(domain.TransactionStatusPending),
			[]string{string(domain.TransactionTypeDeposit), string(domain.TransactionTypeWithdrawal)},
			olderThan).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return toDomainTransactions(rows), nil
}

func toDomainTransactions(rows []transactionRow) []domain.Transaction {
	out := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toDomain())
	}
	return out
}

func (s *Store) InsertBooking(ctx context.Context, tx storage.Tx, b *domain.Booking) error {
	row := bookingFromDomain(b)
	if err := s.conn(ctx, tx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (s *Store) GetBooking(ctx context.Context, tx storage.Tx, id string) (*domain.Booking, error) {
	db := s.conn(ctx, tx)
	if tx != nil {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var row bookingRow
	if err := db.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) UpdateBooking(ctx context.Context, tx storage.Tx, b *domain.Booking, from domain.BookingStatus) (bool, error) {
	res := s.conn(ctx, tx).Model(&bookingRow{}).
		Where("id = ? AND status = ?", b.ID, string(from)).
		Updates(map[string]any{
			"status":                    string(b.Status),
			"resolution_transaction_id": b.ResolutionTransactionID,
			"dispute_reason":            b.DisputeReason,
			"updated_at":                b.UpdatedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to update booking: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
