package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, dsn))

	s, err := Connect(ctx, Options{DSN: dsn, ConnectAttempts: 3}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	userID := "pg-test-" + domain.NewBookingID()

	require.NoError(t, storage.RunInTx(ctx, s, func(tx storage.Tx) error {
		if _, err := s.EnsureWallet(ctx, tx, userID, domain.DefaultCurrency); err != nil {
			return err
		}
		_, err := s.AdjustBalance(ctx, tx, userID, 1000)
		return err
	}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := storage.RunInTx(ctx, s, func(tx storage.Tx) error {
				_, err := s.AdjustBalance(ctx, tx, userID, -300)
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	w, err := s.GetWallet(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, domain.Amount(100), w.Balance)
}

func TestStore_InsertTransactionByReference(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ref := "pg-ref-" + domain.NewTransactionID(now)

	first := domain.NewTransaction("pg-user", 500, domain.TransactionTypeDeposit, domain.TransactionStatusPending, domain.PaymentMethodPix, "", now).WithReference(ref)
	second := domain.NewTransaction("pg-user", 500, domain.TransactionTypeDeposit, domain.TransactionStatusPending, domain.PaymentMethodPix, "", now).WithReference(ref)

	require.NoError(t, storage.RunInTx(ctx, s, func(tx storage.Tx) error {
		stored, created, err := s.InsertTransaction(ctx, tx, first)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, first.ID, stored.ID)

		stored, created, err = s.InsertTransaction(ctx, tx, second)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, stored.ID)
		return nil
	}))
}

func TestStore_SetPayoutReference(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	wd := domain.NewTransaction("pg-user", -500, domain.TransactionTypeWithdrawal, domain.TransactionStatusPending, domain.PaymentMethodPix, "", now).
		WithReference("pg-wd-" + domain.NewTransactionID(now))
	payoutID := "iris-" + wd.ID

	require.NoError(t, storage.RunInTx(ctx, s, func(tx storage.Tx) error {
		if _, _, err := s.InsertTransaction(ctx, tx, wd); err != nil {
			return err
		}
		if err := s.SetPayoutReference(ctx, tx, wd.ID, payoutID); err != nil {
			return err
		}
		return s.SetPayoutReference(ctx, tx, wd.ID, payoutID)
	}))

	err := storage.RunInTx(ctx, s, func(tx storage.Tx) error {
		return s.SetPayoutReference(ctx, tx, wd.ID, "iris-other")
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.GetTransactionByPayoutReference(ctx, payoutID)
	require.NoError(t, err)
	assert.Equal(t, wd.ID, got.ID)
}
