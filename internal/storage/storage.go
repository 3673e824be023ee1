package storage

import (
	"context"
	"time"

	"github.com/workme/wallet-escrow/internal/domain"
)

// Tx interface para transações
type Tx interface {
	Commit() error
	Rollback() error
}

// TxBeginner abre transações no backend
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// WalletRepository define as operações de banco de dados de carteiras
type WalletRepository interface {
	GetWallet(ctx context.Context, userID string) (*domain.Wallet, error)
	// EnsureWallet cria a carteira se não existir e não altera uma existente.
	EnsureWallet(ctx context.Context, tx Tx, userID, currency string) (*domain.Wallet, error)
	// AdjustBalance aplica delta de forma condicional: o saldo resultante nunca fica negativo.
	AdjustBalance(ctx context.Context, tx Tx, userID string, delta domain.Amount) (*domain.Wallet, error)
	AdjustCashback(ctx context.Context, tx Tx, userID string, delta domain.Amount) (*domain.Wallet, error)
}

// ListQuery descreve uma página da listagem do ledger, do mais novo para o mais antigo.
type ListQuery struct {
	UserID string
	// Before é exclusivo; vazio significa a partir de UpTo.
	Before string
	// UpTo é o limite superior inclusivo do snapshot.
	UpTo  string
	Limit int
}

// LedgerRepository define as operações do ledger de transações
type LedgerRepository interface {
	// InsertTransaction retorna a entrada existente e created=false quando a referência já foi gravada.
	InsertTransaction(ctx context.Context, tx Tx, t *domain.Transaction) (*domain.Transaction, bool, error)
	GetTransaction(ctx context.Context, tx Tx, id string) (*domain.Transaction, error)
	GetTransactionByReferenceForUpdate(ctx context.Context, tx Tx, reference string) (*domain.Transaction, error)
	// UpdateTransactionStatus só atualiza se o status atual for from.
	UpdateTransactionStatus(ctx context.Context, tx Tx, id string, from, to domain.TransactionStatus) (bool, error)
	// SetPayoutReference grava o identificador do payout no provedor; só preenche uma vez.
	SetPayoutReference(ctx context.Context, tx Tx, id, payoutRef string) error
	GetTransactionByPayoutReference(ctx context.Context, payoutRef string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, q ListQuery) ([]domain.Transaction, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error)
}

// BookingRepository define as operações de reservas
type BookingRepository interface {
	InsertBooking(ctx context.Context, tx Tx, b *domain.Booking) error
	// GetBooking trava a linha quando chamado dentro de uma transação.
	GetBooking(ctx context.Context, tx Tx, id string) (*domain.Booking, error)
	// UpdateBooking grava o estado de b apenas se o status atual ainda for from.
	UpdateBooking(ctx context.Context, tx Tx, b *domain.Booking, from domain.BookingStatus) (bool, error)
}

// Store agrupa todos os repositórios de um backend
type Store interface {
	TxBeginner
	WalletRepository
	LedgerRepository
	BookingRepository
	Ping(ctx context.Context) error
	Close() error
}

// RunInTx executa fn dentro de uma transação; commit só quando fn não retorna erro.
func RunInTx(ctx context.Context, db TxBeginner, fn func(tx Tx) error) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
