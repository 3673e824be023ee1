package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
	"github.com/workme/wallet-escrow/internal/storage/memory"
)

func record(t *testing.T, svc *Service, store *memory.Store, entries ...*domain.Transaction) []*domain.Transaction {
	t.Helper()
	ctx := context.Background()
	var out []*domain.Transaction
	require.NoError(t, storage.RunInTx(ctx, store, func(tx storage.Tx) error {
		for _, e := range entries {
			stored, _, err := svc.Record(ctx, tx, e)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	}))
	return out
}

func entry(userID string, amount domain.Amount, typ domain.TransactionType, status domain.TransactionStatus, at time.Time) *domain.Transaction {
	return domain.NewTransaction(userID, amount, typ, status, domain.PaymentMethodInternal, "", at)
}

func TestRecord_DuplicateReferenceReturnsPrior(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	now := time.Now()

	first := entry("user-1", 5000, domain.TransactionTypeDeposit, domain.TransactionStatusPending, now).WithReference("dep-1")
	dup := entry("user-1", 9999, domain.TransactionTypeDeposit, domain.TransactionStatusPending, now).WithReference("dep-1")

	require.NoError(t, storage.RunInTx(ctx, store, func(tx storage.Tx) error {
		stored, created, err := svc.Record(ctx, tx, first)
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := svc.Record(ctx, tx, dup)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, stored.ID, again.ID)
		assert.Equal(t, domain.Amount(5000), again.Amount)
		return nil
	}))
}

func TestRecord_RejectsZeroAmount(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()

	_, _, err = svc.Record(ctx, tx, entry("u", 0, domain.TransactionTypeDeposit, domain.TransactionStatusPending, time.Now()))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestMarkStatus_OnlyFromPending(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())

	stored := record(t, svc, store, entry("u", 100, domain.TransactionTypeDeposit, domain.TransactionStatusPending, time.Now()))[0]

	require.NoError(t, storage.RunInTx(ctx, store, func(tx storage.Tx) error {
		updated, err := svc.MarkStatus(ctx, tx, stored.ID, domain.TransactionStatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, domain.TransactionStatusCompleted, updated.Status)
		return nil
	}))

	err := storage.RunInTx(ctx, store, func(tx storage.Tx) error {
		_, err := svc.MarkStatus(ctx, tx, stored.ID, domain.TransactionStatusFailed)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := svc.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionStatusCompleted, got.Status)
}

func TestListForUser_NewestFirstAcrossPages(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop(), WithPageSize(3))
	base := time.Now().Add(-time.Minute)

	var entries []*domain.Transaction
	for i := 0; i < 10; i++ {
		entries = append(entries, entry("user-1", domain.Amount(i+1), domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, base.Add(time.Duration(i)*time.Second)))
	}
	entries = append(entries, entry("user-2", 1, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, base))
	record(t, svc, store, entries...)

	list, err := Collect(svc.ListForUser(ctx, "user-1"), 0)
	require.NoError(t, err)
	require.Len(t, list, 10)
	for i := 1; i < len(list); i++ {
		assert.Greater(t, list[i-1].ID, list[i].ID)
	}
	assert.Equal(t, domain.Amount(10), list[0].Amount)

	limited, err := Collect(svc.ListForUser(ctx, "user-1"), 4)
	require.NoError(t, err)
	assert.Len(t, limited, 4)
}

func TestListForUser_SnapshotIsRestartable(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop(), WithPageSize(2))
	base := time.Now().Add(-time.Minute)

	record(t, svc, store,
		entry("user-1", 100, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, base),
		entry("user-1", 200, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, base.Add(time.Second)),
		entry("user-1", 300, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, base.Add(2*time.Second)),
	)

	seq := svc.ListForUser(ctx, "user-1")

	// escrita posterior ao snapshot não aparece
	record(t, svc, store, entry("user-1", 400, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, time.Now().Add(time.Minute)))

	first, err := Collect(seq, 0)
	require.NoError(t, err)
	second, err := Collect(seq, 0)
	require.NoError(t, err)

	assert.Len(t, first, 3)
	assert.Equal(t, first, second)
}

func TestAudit(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	now := time.Now()

	require.NoError(t, storage.RunInTx(ctx, store, func(tx storage.Tx) error {
		if _, err := store.EnsureWallet(ctx, tx, "user-1", domain.DefaultCurrency); err != nil {
			return err
		}
		if _, err := store.AdjustBalance(ctx, tx, "user-1", 10000-3000); err != nil {
			return err
		}
		if _, err := store.AdjustCashback(ctx, tx, "user-1", 160); err != nil {
			return err
		}
		for _, e := range []*domain.Transaction{
			entry("user-1", 10000, domain.TransactionTypeDeposit, domain.TransactionStatusCompleted, now),
			entry("user-1", 5000, domain.TransactionTypeDeposit, domain.TransactionStatusFailed, now),
			entry("user-1", -3000, domain.TransactionTypeWithdrawal, domain.TransactionStatusPending, now),
			entry("user-1", 160, domain.TransactionTypeCashback, domain.TransactionStatusCompleted, now),
		} {
			if _, _, err := svc.Record(ctx, tx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	report, err := svc.Audit(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, domain.Amount(7000), report.Ledger.Balance)
	assert.Equal(t, domain.Amount(160), report.Ledger.CashbackBalance)

	// saldo alterado fora do ledger
	require.NoError(t, storage.RunInTx(ctx, store, func(tx storage.Tx) error {
		_, err := store.AdjustBalance(ctx, tx, "user-1", 1)
		return err
	}))
	report, err = svc.Audit(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrLedgerMismatch)
	require.NotNil(t, report)
	assert.False(t, report.Consistent)
}
