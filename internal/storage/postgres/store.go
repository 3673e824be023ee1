package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/storage"
)

// Options configura o pool de conexões
type Options struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectAttempts int
}

// Store implementa storage.Store usando PostgreSQL
type Store struct {
	db *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore cria um Store a partir de um pool existente
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect abre o pool e espera o banco ficar disponível
func Connect(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	config.MaxConnLifetime = opts.MaxConnLifetime
	config.MaxConnIdleTime = opts.MaxConnIdleTime
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	attempts := opts.ConnectAttempts
	if attempts <= 0 {
		attempts = 30
	}
	for i := 0; i < attempts; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("✅ Connected to wallet database with connection pool")
			return NewStore(pool), nil
		}
		logger.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max", attempts))
		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(1 * time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", attempts)
}

// PostgresTx implementa a interface Tx
type PostgresTx struct {
	tx pgx.Tx
}

func (t *PostgresTx) Commit() error {
	return t.tx.Commit(context.Background())
}

func (t *PostgresTx) Rollback() error {
	err := t.tx.Rollback(context.Background())
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// BeginTx inicia uma nova transação
func (s *Store) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &PostgresTx{tx: tx}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

// querier é satisfeito tanto pelo pool quanto por pgx.Tx
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Store) conn(tx storage.Tx) querier {
	if tx == nil {
		return s.db
	}
	return tx.(*PostgresTx).tx
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

const walletColumns = `user_id, balance, cashback_balance, currency, created_at, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.UserID, &w.Balance, &w.CashbackBalance, &w.Currency, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet busca a carteira do usuário
func (s *Store) GetWallet(ctx context.Context, userID string) (*domain.Wallet, error) {
	w, err := scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// EnsureWallet cria a carteira se ainda não existir
func (s *Store) EnsureWallet(ctx context.Context, tx storage.Tx, userID, currency string) (*domain.Wallet, error) {
	q := s.conn(tx)

	_, err := q.Exec(ctx, `
		INSERT INTO wallets (user_id, currency)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	w, err := scanWallet(q.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// AdjustBalance aplica delta somente se o saldo resultante for >= 0.
// O UPDATE condicional trava a linha e serializa ajustes concorrentes da mesma carteira.
func (s *Store) AdjustBalance(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	return s.adjust(ctx, tx, userID, "balance", delta)
}

func (s *Store) AdjustCashback(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error) {
	return s.adjust(ctx, tx, userID, "cashback_balance", delta)
}

func (s *Store) adjust(ctx context.Context, tx storage.Tx, userID, column string, delta domain.Amount) (*domain.Wallet, error) {
	q := s.conn(tx)

	query := fmt.Sprintf(`
		UPDATE wallets
		SET %[1]s = %[1]s + $1,
		    updated_at = NOW()
		WHERE user_id = $2
		  AND %[1]s + $1 >= 0
		RETURNING %[2]s
	`, column, walletColumns)

	w, err := scanWallet(q.QueryRow(ctx, query, int64(delta), userID))
	if err == nil {
		return w, nil
	}
	if isCheckViolation(err) {
		return nil, domain.ErrInsufficientFunds
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to adjust %s: %w", column, err)
	}

	// nenhuma linha: carteira inexistente ou saldo insuficiente
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check wallet: %w", err)
	}
	if !exists {
		return nil, domain.ErrWalletNotFound
	}
	return nil, domain.ErrInsufficientFunds
}

const transactionColumns = `id, user_id, amount, type, status, payment_method, provider_reference, payout_reference, booking_id, description, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Amount,
		&t.Type,
		&t.Status,
		&t.PaymentMethod,
		&t.ProviderReference,
		&t.PayoutReference,
		&t.BookingID,
		&t.Description,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTransaction grava a entrada; referência repetida devolve a entrada original
func (s *Store) InsertTransaction(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, bool, error) {
	q := s.conn(tx)

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider_reference) DO NOTHING
		RETURNING ` + transactionColumns

	stored, err := scanTransaction(q.QueryRow(ctx, query,
		t.ID,
		t.UserID,
		int64(t.Amount),
		string(t.Type),
		string(t.Status),
		string(t.PaymentMethod),
		t.ProviderReference,
		t.PayoutReference,
		t.BookingID,
		t.Description,
		t.CreatedAt,
		t.UpdatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}

	existing, err := scanTransaction(q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider_reference = $1`, t.ProviderReference))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing transaction: %w", err)
	}
	return existing, false, nil
}

func (s *Store) GetTransaction(ctx context.Context, tx storage.Tx, id string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.conn(tx).QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// GetTransactionByReferenceForUpdate busca pela referência do provedor com lock pessimista (FOR UPDATE)
func (s *Store) GetTransactionByReferenceForUpdate(ctx context.Context, tx storage.Tx, reference string) (*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE provider_reference = $1
		FOR UPDATE
	`
	t, err := scanTransaction(s.conn(tx).QueryRow(ctx, query, reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction with lock: %w", err)
	}
	return t, nil
}

// UpdateTransactionStatus troca o status apenas se ainda estiver em from
func (s *Store) UpdateTransactionStatus(ctx context.Context, tx storage.Tx, id string, from, to domain.TransactionStatus) (bool, error) {
	tag, err := s.conn(tx).Exec(ctx, `
		UPDATE transactions
		SET status = $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND status = $3
	`, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update transaction status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetPayoutReference grava a referência do payout apenas se ainda estiver vazia
func (s *Store) SetPayoutReference(ctx context.Context, tx storage.Tx, id, payoutRef string) error {
	tag, err := s.conn(tx).Exec(ctx, `
		UPDATE transactions
		SET payout_reference = $1,
		    updated_at = NOW()
		WHERE id = $2
		  AND (payout_reference IS NULL OR payout_reference = $1)
	`, payoutRef, id)
	if err != nil {
		return fmt.Errorf("failed to set payout reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s missing or already bound to another payout", domain.ErrInvalidTransition, id)
	}
	return nil
}

func (s *Store) GetTransactionByPayoutReference(ctx context.Context, payoutRef string) (*domain.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE payout_reference = $1`, payoutRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by payout reference: %w", err)
	}
	return t, nil
}

// ListTransactions pagina por id (ULID) em ordem decrescente
func (s *Store) ListTransactions(ctx context.Context, q storage.ListQuery) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1
		  AND ($2::text = '' OR id <= $2::text)
		  AND ($3::text = '' OR id < $3::text)
		ORDER BY id DESC
		LIMIT $4
	`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, query, q.UserID, q.UpTo, q.Before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return collectTransactions(rows)
}

// ListPending lista depósitos e saques pendentes para reconciliação
func (s *Store) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending'
		  AND type IN ('deposit', 'withdrawal')
		  AND created_at < $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}
	return collectTransactions(rows)
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const bookingColumns = `id, client_id, professional_id, service_category, description, amount, status, scheduled_date, hold_transaction_id, resolution_transaction_id, dispute_reason, created_at, updated_at`

func (s *Store) InsertBooking(ctx context.Context, tx storage.Tx, b *domain.Booking) error {
	_, err := s.conn(tx).Exec(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		b.ID,
		b.ClientID,
		b.ProfessionalID,
		b.ServiceCategory,
		b.Description,
		int64(b.Amount),
		string(b.Status),
		b.ScheduledDate,
		b.HoldTransactionID,
		b.ResolutionTransactionID,
		b.DisputeReason,
		b.CreatedAt,
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// GetBooking busca a reserva; dentro de uma transação usa FOR UPDATE
func (s *Store) GetBooking(ctx context.Context, tx storage.Tx, id string) (*domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`
	if tx != nil {
		query += ` FOR UPDATE`
	}

	var b domain.Booking
	err := s.conn(tx).QueryRow(ctx, query, id).Scan(
		&b.ID,
		&b.ClientID,
		&b.ProfessionalID,
		&b.ServiceCategory,
		&b.Description,
		&b.Amount,
		&b.Status,
		&b.ScheduledDate,
		&b.HoldTransactionID,
		&b.ResolutionTransactionID,
		&b.DisputeReason,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

// UpdateBooking grava o novo estado se o status atual ainda for from (lock otimista)
func (s *Store) UpdateBooking(ctx context.Context, tx storage.Tx, b *domain.Booking, from domain.BookingStatus) (bool, error) {
	tag, err := s.conn(tx).Exec(ctx, `
		UPDATE bookings
		SET status = $1,
		    resolution_transaction_id = $2,
		    dispute_reason = $3,
		    updated_at = $4
		WHERE id = $5
		  AND status = $6
	`, string(b.Status), b.ResolutionTransactionID, b.DisputeReason, b.UpdatedAt, b.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update booking: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
