package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
)

// Store é um backend em memória usado em testes e no modo DB_DRIVER=memory.
// Transações são serializadas por txMu; leituras fora de transação enxergam
// escritas ainda não commitadas.
type Store struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	wallets      map[string]domain.Wallet
	transactions map[string]domain.Transaction
	references   map[string]string
	payouts      map[string]string
	bookings     map[string]domain.Booking

	now func() time.Time
}

// NewStore cria um Store vazio
func NewStore() *Store {
	return &Store{
		wallets:      make(map[string]domain.Wallet),
		transactions: make(map[string]domain.Transaction),
		references:   make(map[string]string),
		payouts:      make(map[string]string),
		bookings:     make(map[string]domain.Booking),
		now:          time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

// memTx implementa storage.Tx guardando as operações de desfazer
type memTx struct {
	store *Store
	undo  []func()
	done  bool
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already closed")
	}
	t.done = true
	t.undo = nil
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.store.mu.Unlock()
	t.undo = nil
	t.store.txMu.Unlock()
	return nil
}

// BeginTx inicia uma nova transação
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &memTx{store: s}, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func asTx(tx storage.Tx) *memTx {
	mt, ok := tx.(*memTx)
	if !ok || mt.done {
		panic("memory store: operation requires an open memory transaction")
	}
	return mt
}

// GetWallet busca a carteira do usuário
func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	return &w, nil
}

func (s *Store) EnsureWallet(ctx context.Context, tx storage.Tx, userID, currency string) (*domain.Wallet, error) {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		return &w, nil
	}
	w := *domain.NewWallet(userID, currency, s.now())
	s.wallets[userID] = w
	mt.undo = append(mt.undo, func() { delete(s.wallets, userID) })
	return &w, nil
}

func (s *Store) AdjustBalance(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	return s.adjust(tx, userID, func(w *domain.Wallet) error {
		if w.Balance+delta < 0 {
			return domain.ErrInsufficientFunds
		}
		w.Balance += delta
		return nil
	})
}

func (s *Store) AdjustCashback(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	return s.adjust(tx, userID, func(w *domain.Wallet) error {
		if w.CashbackBalance+delta < 0 {
			return domain.ErrInsufficientFunds
		}
		w.CashbackBalance += delta
		return nil
	})
}

func (s *Store) adjust(tx storage.Tx, userID string, apply func(w *domain.Wallet) error) (*domain.Wallet, error) {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.wallets[userID]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	next := prev
	if err := apply(&next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.wallets[userID] = next
	mt.undo = append(mt.undo, func() { s.wallets[userID] = prev })
	return &next, nil
}

// InsertTransaction grava a entrada ou devolve a existente com a mesma referência
func (s *Store) InsertTransaction(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, bool, error) {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := t.Reference()
	if ref != "" {
		if id, ok := s.references[ref]; ok {
			existing := s.transactions[id]
			return &existing, false, nil
		}
	}
	if _, ok := s.transactions[t.ID]; ok {
		return nil, false, fmt.Errorf("duplicate transaction id %s", t.ID)
	}

	stored := *t
	s.transactions[t.ID] = stored
	if ref != "" {
		s.references[ref] = t.ID
	}
	if stored.PayoutReference != nil {
		s.payouts[*stored.PayoutReference] = t.ID
	}
	mt.undo = append(mt.undo, func() {
		delete(s.transactions, stored.ID)
		if ref != "" {
			delete(s.references, ref)
		}
		if stored.PayoutReference != nil {
			delete(s.payouts, *stored.PayoutReference)
		}
	})
	return &stored, true, nil
}

func (s *Store) GetTransaction(ctx context.Context, tx storage.Tx, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &t, nil
}

func (s *Store) GetTransactionByReferenceForUpdate(ctx context.Context, tx storage.Tx, reference string) (*domain.Transaction, error) {
	asTx(tx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.references[reference]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	t := s.transactions[id]
	return &t, nil
}

func (s *Store) UpdateTransactionStatus(ctx context.Context, tx storage.Tx, id string, from, to domain.TransactionStatus) (bool, error) {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.transactions[id]
	if !ok {
		return false, domain.ErrTransactionNotFound
	}
	if prev.Status != from {
		return false, nil
	}
	next := prev
	next.Status = to
	next.UpdatedAt = s.now()
	s.transactions[id] = next
	mt.undo = append(mt.undo, func() { s.transactions[id] = prev })
	return true, nil
}

// SetPayoutReference grava a referência do payout apenas se ainda estiver vazia
func (s *Store) SetPayoutReference(ctx context.Context, tx storage.Tx, id, payoutRef string) error {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.transactions[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if prev.PayoutReference != nil {
		if *prev.PayoutReference == payoutRef {
			return nil
		}
		return fmt.Errorf("%w: transaction %s already bound to another payout", domain.ErrInvalidTransition, id)
	}
	if other, taken := s.payouts[payoutRef]; taken && other != id {
		return fmt.Errorf("duplicate payout reference %s", payoutRef)
	}

	next := prev
	next.PayoutReference = &payoutRef
	next.UpdatedAt = s.now()
	s.transactions[id] = next
	s.payouts[payoutRef] = id
	mt.undo = append(mt.undo, func() {
		s.transactions[id] = prev
		delete(s.payouts, payoutRef)
	})
	return nil
}

func (s *Store) GetTransactionByPayoutReference(ctx context.Context, payoutRef string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.payouts[payoutRef]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	t := s.transactions[id]
	return &t, nil
}

// ListTransactions retorna uma página ordenada do mais novo para o mais antigo
func (s *Store) ListTransactions(ctx context.Context, q storage.ListQuery) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range s.transactions {
		if t.UserID != q.UserID {
			continue
		}
		if q.UpTo != "" && t.ID > q.UpTo {
			continue
		}
		if q.Before != "" && t.ID >= q.Before {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ListPending retorna depósitos e saques pendentes criados antes de olderThan, mais antigos primeiro
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Transaction
	for _, t := range s.transactions {
		if t.Status != domain.TransactionStatusPending || !t.CreatedAt.Before(olderThan) {
			continue
		}
		if t.Type != domain.TransactionTypeDeposit && t.Type != domain.TransactionTypeWithdrawal {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertBooking(ctx context.Context, tx storage.Tx, b *domain.Booking) error {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bookings[b.ID]; ok {
		return fmt.Errorf("duplicate booking id %s", b.ID)
	}
	s.bookings[b.ID] = *b
	id := b.ID
	mt.undo = append(mt.undo, func() { delete(s.bookings, id) })
	return nil
}

func (s *Store) GetBooking(ctx context.Context, tx storage.Tx, id string) (*domain.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, domain.ErrBookingNotFound
	}
	return &b, nil
}

func (s *Store) UpdateBooking(ctx context.Context, tx storage.Tx, b *domain.Booking, from domain.BookingStatus) (bool, error) {
	mt := asTx(tx)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.bookings[b.ID]
	if !ok {
		return false, domain.ErrBookingNotFound
	}
	if prev.Status != from {
		return false, nil
	}
	s.bookings[b.ID] = *b
	id := b.ID
	mt.undo = append(mt.undo, func() { s.bookings[id] = prev })
	return true, nil
}
