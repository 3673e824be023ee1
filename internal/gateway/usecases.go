package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/events"
	"github.com/workme/wallet-escrow/internal/notify"
	"github.com/workme/wallet-escrow/internal/storage"
	"github.com/workme/wallet-escrow/internal/telemetry"
)

// Repository é o subconjunto do storage usado pelo adapter
type Repository interface {
	storage.TxBeginner
	storage.LedgerRepository
}

// Wallets ajusta saldos dentro da transação do chamador
type Wallets interface {
	TryAdjust(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount, reason string) (*domain.Wallet, error)
}

// Ledger grava e liquida entradas dentro da transação do chamador
type Ledger interface {
	Record(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, bool, error)
	MarkStatus(ctx context.Context, tx storage.Tx, id string, to domain.TransactionStatus) (*domain.Transaction, error)
}

// DepositRequest pede uma cobrança para creditar a carteira
type DepositRequest struct {
	UserID string
	Amount domain.Amount
	Method string
}

// Deposit é a entrada pendente com os dados de pagamento do provedor
type Deposit struct {
	Transaction *domain.Transaction `json:"transaction"`
	Intent      *PaymentIntent      `json:"intent"`
}

// WithdrawalRequest pede o envio de saldo para uma chave PIX
type WithdrawalRequest struct {
	UserID string
	Amount domain.Amount
	PixKey string
}

// Adapter liga o ledger ao provedor de pagamentos
type Adapter struct {
	repo      Repository
	wallets   Wallets
	ledger    Ledger
	provider  Provider
	policy    RetryPolicy
	publisher events.Publisher
	notifier  notify.Notifier
	logger    *zap.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configura o Adapter
type Option func(*Adapter)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(a *Adapter) { a.policy = p }
}

func WithPublisher(p events.Publisher) Option {
	return func(a *Adapter) { a.publisher = p }
}

func WithNotifier(n notify.Notifier) Option {
	return func(a *Adapter) { a.notifier = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// NewAdapter cria uma nova instância de Adapter
func NewAdapter(repo Repository, wallets Wallets, ledger Ledger, provider Provider, logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		repo:      repo,
		wallets:   wallets,
		ledger:    ledger,
		provider:  provider,
		policy:    DefaultRetryPolicy(),
		publisher: events.NopPublisher{},
		notifier:  notify.NopNotifier{},
		logger:    logger,
		metrics:   telemetry.NoopMetrics(),
		tracer:    otel.Tracer(telemetry.InstrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) onRetry(op string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		telemetry.Inc(context.Background(), a.metrics.ProviderRetries,
			attribute.String("provider", a.provider.Name()),
			attribute.String("operation", op),
		)
		a.logger.Warn("🔁 [PROVIDER] retrying",
			zap.String("provider", a.provider.Name()),
			zap.String("operation", op),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
}

// InitiateDeposit grava um depósito pending e pede a cobrança ao provedor.
// O saldo só muda quando o callback de sucesso chegar.
func (a *Adapter) InitiateDeposit(ctx context.Context, req DepositRequest) (*Deposit, error) {
	ctx, span := a.tracer.Start(ctx, "gateway.initiate_deposit")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID), attribute.String("amount", req.Amount.String()))

	method, err := domain.ParseExternalMethod(req.Method)
	if err != nil {
		return nil, fail(span, err)
	}
	if req.Amount <= 0 {
		return nil, fail(span, fmt.Errorf("%w: deposit amount must be positive", domain.ErrInvalidAmount))
	}

	now := a.now().UTC()
	entry := domain.NewTransaction(req.UserID, req.Amount, domain.TransactionTypeDeposit,
		domain.TransactionStatusPending, method, "Deposit via "+string(method), now).
		WithReference(domain.NewProviderReference("dep", now))

	var stored *domain.Transaction
	err = storage.RunInTx(ctx, a.repo, func(tx storage.Tx) error {
		stored, _, err = a.ledger.Record(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	a.publish(ctx, events.TransactionRecorded(stored))

	intent, err := retry(ctx, a.policy, a.onRetry("create_payment_intent"), func(ctx context.Context) (*PaymentIntent, error) {
		return a.provider.CreatePaymentIntent(ctx, IntentRequest{
			Reference: stored.Reference(),
			UserID:    req.UserID,
			Amount:    req.Amount,
			Method:    method,
		})
	})
	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			// cobrança recusada: a entrada não pode mais ser paga
			if _, _, ferr := a.apply(ctx, stored.Reference(), OutcomeFailure); ferr != nil {
				a.logger.Error("failed to close rejected deposit", zap.String("reference", stored.Reference()), zap.Error(ferr))
			}
		}
		a.logger.Info("❌ [DEPOSIT] payment intent not created",
			zap.String("user_id", req.UserID),
			zap.String("reference", stored.Reference()),
			zap.Error(err),
		)
		return nil, fail(span, err)
	}

	a.logger.Info("💳 [DEPOSIT] payment intent created",
		zap.String("user_id", req.UserID),
		zap.String("transaction_id", stored.ID),
		zap.String("reference", stored.Reference()),
		zap.Stringer("amount", req.Amount),
	)
	return &Deposit{Transaction: stored, Intent: intent}, nil
}

// InitiateWithdrawal debita o saldo, grava o saque pending e pede o payout.
// Recusa do provedor compensa o débito; indisponibilidade deixa o saque pending
// para o reconciler.
func (a *Adapter) InitiateWithdrawal(ctx context.Context, req WithdrawalRequest) (*domain.Transaction, error) {
	ctx, span := a.tracer.Start(ctx, "gateway.initiate_withdrawal")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", req.UserID), attribute.String("amount", req.Amount.String()))

	if req.Amount <= 0 {
		return nil, fail(span, fmt.Errorf("%w: withdrawal amount must be positive", domain.ErrInvalidAmount))
	}
	if req.PixKey == "" {
		return nil, fail(span, fmt.Errorf("%w: pix key is required", domain.ErrInvalidPaymentMethod))
	}

	now := a.now().UTC()
	entry := domain.NewTransaction(req.UserID, -req.Amount, domain.TransactionTypeWithdrawal,
		domain.TransactionStatusPending, domain.PaymentMethodPix, "Withdrawal to PIX key", now).
		WithReference(domain.NewProviderReference("wd", now))

	var stored *domain.Transaction
	err := storage.RunInTx(ctx, a.repo, func(tx storage.Tx) error {
		if _, err := a.wallets.TryAdjust(ctx, tx, req.UserID, -req.Amount, string(domain.TransactionTypeWithdrawal)); err != nil {
			return err
		}
		var err error
		stored, _, err = a.ledger.Record(ctx, tx, entry)
		return err
	})
	if err != nil {
		return nil, fail(span, err)
	}
	a.publish(ctx, events.TransactionRecorded(stored))

	policy := a.policy
	if !a.provider.IdempotentPayouts() {
		// repetir o POST pode criar um segundo payout
		policy = policy.once()
	}
	payout, err := retry(ctx, policy, a.onRetry("request_payout"), func(ctx context.Context) (*Payout, error) {
		return a.provider.RequestPayout(ctx, PayoutRequest{
			Reference: stored.Reference(),
			UserID:    req.UserID,
			Amount:    req.Amount,
			PixKey:    req.PixKey,
		})
	})

	switch {
	case errors.Is(err, domain.ErrProviderUnavailable):
		a.logger.Warn("⏳ [WITHDRAW] provider unavailable, left pending",
			zap.String("reference", stored.Reference()),
			zap.Error(err),
		)
		return stored, nil
	case err != nil:
		telemetry.Inc(ctx, a.metrics.Compensations, attribute.String("reason", "payout_rejected"))
		failed, _, cerr := a.apply(ctx, stored.Reference(), OutcomeFailure)
		if cerr != nil {
			a.logger.Error("🚨 [WITHDRAW] compensation failed",
				zap.String("reference", stored.Reference()),
				zap.Error(cerr),
			)
			return nil, fail(span, cerr)
		}
		a.logger.Info("↩️ [WITHDRAW] payout rejected, balance restored",
			zap.String("reference", stored.Reference()),
			zap.Error(err),
		)
		return failed, fail(span, err)
	}

	if payout.ProviderID != "" {
		if err := a.bindPayout(ctx, stored, payout.ProviderID); err != nil {
			// o payout existe no provedor: sem o id o saque fica pending para revisão
			a.logger.Error("🚨 [WITHDRAW] payout id not saved",
				zap.String("reference", stored.Reference()),
				zap.String("payout_id", payout.ProviderID),
				zap.Error(err),
			)
			return stored, nil
		}
	}

	if payout.Outcome.Terminal() {
		settled, _, err := a.apply(ctx, stored.Reference(), payout.Outcome)
		if err != nil {
			return nil, fail(span, err)
		}
		return settled, nil
	}

	a.logger.Info("✅ [WITHDRAW] payout requested",
		zap.String("user_id", req.UserID),
		zap.String("reference", stored.Reference()),
		zap.Stringer("amount", req.Amount),
	)
	return stored, nil
}

func (a *Adapter) bindPayout(ctx context.Context, t *domain.Transaction, payoutID string) error {
	err := storage.RunInTx(ctx, a.repo, func(tx storage.Tx) error {
		return a.repo.SetPayoutReference(ctx, tx, t.ID, payoutID)
	})
	if err != nil {
		return err
	}
	t.PayoutReference = &payoutID
	return nil
}

// HandleWebhook valida e aplica uma notificação do provedor
func (a *Adapter) HandleWebhook(ctx context.Context, header http.Header, body []byte) (*domain.Transaction, bool, error) {
	cb, err := a.provider.ParseCallback(header, body)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			a.logger.Warn("🚫 [CALLBACK] invalid signature", zap.String("provider", a.provider.Name()))
		}
		return nil, false, err
	}

	reference := cb.Reference
	if reference == "" {
		t, err := a.repo.GetTransactionByPayoutReference(ctx, cb.PayoutID)
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return nil, false, fmt.Errorf("%w: payout %s", domain.ErrUnknownReference, cb.PayoutID)
		}
		if err != nil {
			return nil, false, err
		}
		reference = t.Reference()
	}
	return a.HandleProviderCallback(ctx, reference, cb.Outcome)
}

// HandleProviderCallback aplica o outcome à entrada pending da referência.
// Entradas já liquidadas não mudam; applied=false indica replay.
func (a *Adapter) HandleProviderCallback(ctx context.Context, reference string, outcome Outcome) (*domain.Transaction, bool, error) {
	ctx, span := a.tracer.Start(ctx, "gateway.handle_callback")
	defer span.End()
	span.SetAttributes(attribute.String("reference", reference), attribute.String("outcome", string(outcome)))

	t, applied, err := a.apply(ctx, reference, outcome)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return t, applied, nil
}

func (a *Adapter) apply(ctx context.Context, reference string, outcome Outcome) (*domain.Transaction, bool, error) {
	var result *domain.Transaction
	var applied bool

	err := storage.RunInTx(ctx, a.repo, func(tx storage.Tx) error {
		t, err := a.repo.GetTransactionByReferenceForUpdate(ctx, tx, reference)
		if errors.Is(err, domain.ErrTransactionNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrUnknownReference, reference)
		}
		if err != nil {
			return err
		}
		result = t

		if t.Status != domain.TransactionStatusPending || !outcome.Terminal() {
			return nil
		}

		var to domain.TransactionStatus
		switch {
		case t.Type == domain.TransactionTypeDeposit && outcome == OutcomeSuccess:
			if _, err := a.wallets.TryAdjust(ctx, tx, t.UserID, t.Amount, "deposit_confirmed"); err != nil {
				return err
			}
			to = domain.TransactionStatusCompleted
		case t.Type == domain.TransactionTypeDeposit:
			to = domain.TransactionStatusFailed
		case t.Type == domain.TransactionTypeWithdrawal && outcome == OutcomeSuccess:
			to = domain.TransactionStatusCompleted
		case t.Type == domain.TransactionTypeWithdrawal:
			if _, err := a.wallets.TryAdjust(ctx, tx, t.UserID, t.Amount.Abs(), "withdrawal_failed"); err != nil {
				return err
			}
			to = domain.TransactionStatusFailed
		default:
			return fmt.Errorf("%w: %s is a %s entry", domain.ErrUnknownReference, reference, t.Type)
		}

		settled, err := a.ledger.MarkStatus(ctx, tx, t.ID, to)
		if err != nil {
			return err
		}
		result = settled
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if !outcome.Terminal() {
		return result, false, nil
	}
	if !applied {
		telemetry.Inc(ctx, a.metrics.CallbacksDuplicate)
		a.logger.Info("ℹ️ [CALLBACK] already settled, ignoring",
			zap.String("reference", reference),
			zap.String("status", string(result.Status)),
			zap.String("outcome", string(outcome)),
		)
		return result, false, nil
	}

	telemetry.Inc(ctx, a.metrics.CallbacksApplied, attribute.String("outcome", string(outcome)))
	a.logger.Info("✅ [CALLBACK] transaction settled",
		zap.String("reference", reference),
		zap.String("type", string(result.Type)),
		zap.String("status", string(result.Status)),
		zap.Stringer("amount", result.Amount),
	)
	a.publish(ctx, events.TransactionSettled(result))
	a.notifySettled(ctx, result)
	return result, true, nil
}

func (a *Adapter) notifySettled(ctx context.Context, t *domain.Transaction) {
	var n notify.Notification
	switch {
	case t.Type == domain.TransactionTypeDeposit && t.Status == domain.TransactionStatusCompleted:
		n = notify.DepositConfirmed(t)
	case t.Type == domain.TransactionTypeWithdrawal && t.Status == domain.TransactionStatusCompleted:
		n = notify.WithdrawalCompleted(t)
	case t.Type == domain.TransactionTypeWithdrawal && t.Status == domain.TransactionStatusFailed:
		n = notify.WithdrawalFailed(t)
	default:
		return
	}
	if err := a.notifier.Notify(ctx, t.UserID, n); err != nil {
		a.logger.Warn("⚠️ failed to notify", zap.String("transaction_id", t.ID), zap.Error(err))
	}
}

func (a *Adapter) publish(ctx context.Context, evts ...events.Event) {
	if err := a.publisher.Publish(ctx, evts...); err != nil {
		a.logger.Warn("⚠️ failed to publish ledger events", zap.Error(err))
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
