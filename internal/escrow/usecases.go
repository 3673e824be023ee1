package escrow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/events"
	"github.com/workme/wallet-escrow/internal/fees"
	"github.com/workme/wallet-escrow/internal/notify"
	"github.com/workme/wallet-escrow/internal/storage"
	"github.com/workme/wallet-escrow/internal/telemetry"
)

// DefaultPlatformAccount recebe as entradas de taxa da plataforma
const DefaultPlatformAccount = "platform"

// Repository é o subconjunto do storage usado pelo controller
type Repository interface {
	storage.TxBeginner
	storage.BookingRepository
}

// Wallets ajusta saldos dentro da transação do chamador
type Wallets interface {
	TryAdjust(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount, reason string) (*domain.Wallet, error)
	AdjustCashback(ctx context.Context, tx storage.Tx, userID string, delta domain.Amount) (*domain.Wallet, error)
}

// Ledger grava entradas dentro da transação do chamador
type Ledger interface {
	Record(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, bool, error)
}

// CreateBookingRequest são os dados para reservar e custodiar o valor
type CreateBookingRequest struct {
	ClientID        string
	ProfessionalID  string
	Amount          domain.Amount
	ScheduledDate   time.Time
	ServiceCategory string
	Description     string
}

// Completion é o resultado da conclusão de uma reserva
type Completion struct {
	Booking   *domain.Booking     `json:"booking"`
	Breakdown fees.Breakdown      `json:"breakdown"`
	Release   *domain.Transaction `json:"release"`
	Fee       *domain.Transaction `json:"fee,omitempty"`
	Cashback  *domain.Transaction `json:"cashback,omitempty"`
}

// Controller orquestra o ciclo de vida financeiro das reservas
type Controller struct {
	repo            Repository
	wallets         Wallets
	ledger          Ledger
	fees            *fees.Calculator
	platformAccount string
	publisher       events.Publisher
	notifier        notify.Notifier
	logger          *zap.Logger
	metrics         *telemetry.Metrics
	tracer          trace.Tracer
	now             func() time.Time
}

// Option configura o Controller
type Option func(*Controller)

func WithPlatformAccount(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.platformAccount = id
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.publisher = p }
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) { c.tracer = t }
}

// NewController cria uma nova instância de Controller
func NewController(repo Repository, wallets Wallets, ledger Ledger, calc *fees.Calculator, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		repo:            repo,
		wallets:         wallets,
		ledger:          ledger,
		fees:            calc,
		platformAccount: DefaultPlatformAccount,
		publisher:       events.NopPublisher{},
		notifier:        notify.NopNotifier{},
		logger:          logger,
		metrics:         telemetry.NoopMetrics(),
		tracer:          otel.Tracer(telemetry.InstrumentationName),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get busca uma reserva
func (c *Controller) Get(ctx context.Context, bookingID string) (*domain.Booking, error) {
	return c.repo.GetBooking(ctx, nil, bookingID)
}

// CreateAndFund debita o cliente, grava o escrow_hold e cria a reserva em funded.
// Com saldo insuficiente nenhuma reserva é criada.
func (c *Controller) CreateAndFund(ctx context.Context, req CreateBookingRequest) (*domain.Booking, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.create_and_fund")
	defer span.End()
	span.SetAttributes(
		attribute.String("client_id", req.ClientID),
		attribute.String("professional_id", req.ProfessionalID),
		attribute.String("amount", req.Amount.String()),
	)

	now := c.now().UTC()
	booking, err := domain.NewBooking(req.ClientID, req.ProfessionalID, req.Amount, req.ScheduledDate, now)
	if err != nil {
		return nil, c.fail(span, err)
	}
	booking.ServiceCategory = req.ServiceCategory
	booking.Description = req.Description
	span.SetAttributes(attribute.String("booking_id", booking.ID))

	var hold *domain.Transaction
	err = storage.RunInTx(ctx, c.repo, func(tx storage.Tx) error {
		if _, err := c.wallets.TryAdjust(ctx, tx, booking.ClientID, -booking.Amount, string(domain.TransactionTypeEscrowHold)); err != nil {
			return err
		}

		entry := domain.NewTransaction(booking.ClientID, -booking.Amount, domain.TransactionTypeEscrowHold,
			domain.TransactionStatusCompleted, domain.PaymentMethodInternal, "Escrow hold for booking "+booking.ID, now).
			WithBooking(booking.ID).
			WithReference("hold-" + booking.ID)
		stored, _, err := c.ledger.Record(ctx, tx, entry)
		if err != nil {
			return err
		}
		hold = stored

		booking.HoldTransactionID = hold.ID
		if err := booking.Apply(domain.BookingEventFund, now); err != nil {
			return err
		}
		return c.repo.InsertBooking(ctx, tx, booking)
	})
	if err != nil {
		c.logger.Info("❌ [HOLD] booking not funded",
			zap.String("client_id", req.ClientID),
			zap.Stringer("amount", req.Amount),
			zap.Error(err),
		)
		return nil, c.fail(span, err)
	}

	telemetry.Inc(ctx, c.metrics.EscrowHolds)
	c.logger.Info("✅ [HOLD] escrow funded",
		zap.String("booking_id", booking.ID),
		zap.String("client_id", booking.ClientID),
		zap.Stringer("amount", booking.Amount),
	)

	c.afterCommit(ctx, booking, domain.BookingStatusCreated,
		[]events.Event{events.TransactionRecorded(hold)},
		booking.ClientID, booking.ProfessionalID)
	return booking, nil
}

// Complete libera o valor líquido ao profissional, grava a taxa da plataforma
// e credita cashback ao cliente. Só é válido a partir de funded.
func (c *Controller) Complete(ctx context.Context, bookingID string) (*Completion, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.complete")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	var result Completion
	var from domain.BookingStatus
	err := storage.RunInTx(ctx, c.repo, func(tx storage.Tx) error {
		booking, err := c.repo.GetBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		from = booking.Status

		now := c.now().UTC()
		if err := booking.Apply(domain.BookingEventComplete, now); err != nil {
			return err
		}

		split := c.fees.Split(booking.Amount)
		result.Breakdown = split

		creditPro := func() error {
			_, err := c.wallets.TryAdjust(ctx, tx, booking.ProfessionalID, split.Net, string(domain.TransactionTypeEscrowRelease))
			return err
		}
		creditCashback := func() error {
			if split.Cashback <= 0 {
				return nil
			}
			_, err := c.wallets.AdjustCashback(ctx, tx, booking.ClientID, split.Cashback)
			return err
		}
		// ordem fixa de locks: reservas com papéis trocados não entram em deadlock
		if err := inUserOrder(booking.ProfessionalID, creditPro, booking.ClientID, creditCashback); err != nil {
			return err
		}

		release, err := c.recordOnce(ctx, tx, domain.NewTransaction(booking.ProfessionalID, split.Net,
			domain.TransactionTypeEscrowRelease, domain.TransactionStatusCompleted, domain.PaymentMethodInternal,
			"Escrow release for booking "+booking.ID, now).
			WithBooking(booking.ID).
			WithReference("release-"+booking.ID))
		if err != nil {
			return err
		}
		result.Release = release

		if split.Fee > 0 {
			fee, err := c.recordOnce(ctx, tx, domain.NewTransaction(c.platformAccount, split.Fee,
				domain.TransactionTypePlatformFee, domain.TransactionStatusCompleted, domain.PaymentMethodInternal,
				"Platform fee for booking "+booking.ID, now).
				WithBooking(booking.ID).
				WithReference("fee-"+booking.ID))
			if err != nil {
				return err
			}
			result.Fee = fee
		}

		if split.Cashback > 0 {
			cashback, err := c.recordOnce(ctx, tx, domain.NewTransaction(booking.ClientID, split.Cashback,
				domain.TransactionTypeCashback, domain.TransactionStatusCompleted, domain.PaymentMethodInternal,
				"Cashback for booking "+booking.ID, now).
				WithBooking(booking.ID).
				WithReference("cashback-"+booking.ID))
			if err != nil {
				return err
			}
			result.Cashback = cashback
		}

		booking.Resolve(release.ID)
		if err := c.updateBooking(ctx, tx, booking, from); err != nil {
			return err
		}
		result.Booking = booking
		return nil
	})
	if err != nil {
		c.logger.Info("❌ [RELEASE] booking not completed", zap.String("booking_id", bookingID), zap.Error(err))
		return nil, c.fail(span, err)
	}

	telemetry.Inc(ctx, c.metrics.EscrowReleases)
	c.logger.Info("✅ [RELEASE] escrow released",
		zap.String("booking_id", bookingID),
		zap.Stringer("net", result.Breakdown.Net),
		zap.Stringer("fee", result.Breakdown.Fee),
		zap.Stringer("cashback", result.Breakdown.Cashback),
	)

	recorded := []events.Event{events.TransactionRecorded(result.Release)}
	for _, t := range []*domain.Transaction{result.Fee, result.Cashback} {
		if t != nil {
			recorded = append(recorded, events.TransactionRecorded(t))
		}
	}
	c.afterCommit(ctx, result.Booking, from, recorded, result.Booking.ClientID, result.Booking.ProfessionalID)
	return &result, nil
}

// CancelAndRefund devolve o valor integral ao cliente. Só é válido a partir de funded.
func (c *Controller) CancelAndRefund(ctx context.Context, bookingID string) (*domain.Booking, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.cancel_and_refund")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	var booking *domain.Booking
	var refund *domain.Transaction
	var from domain.BookingStatus
	err := storage.RunInTx(ctx, c.repo, func(tx storage.Tx) error {
		var err error
		booking, err = c.repo.GetBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		from = booking.Status

		now := c.now().UTC()
		if err := booking.Apply(domain.BookingEventCancel, now); err != nil {
			return err
		}
		if err := booking.Apply(domain.BookingEventRefund, now); err != nil {
			return err
		}

		if _, err := c.wallets.TryAdjust(ctx, tx, booking.ClientID, booking.Amount, string(domain.TransactionTypeEscrowRefund)); err != nil {
			return err
		}
		refund, err = c.recordOnce(ctx, tx, domain.NewTransaction(booking.ClientID, booking.Amount,
			domain.TransactionTypeEscrowRefund, domain.TransactionStatusCompleted, domain.PaymentMethodInternal,
			"Escrow refund for booking "+booking.ID, now).
			WithBooking(booking.ID).
			WithReference("refund-"+booking.ID))
		if err != nil {
			return err
		}

		booking.Resolve(refund.ID)
		return c.updateBooking(ctx, tx, booking, from)
	})
	if err != nil {
		c.logger.Info("❌ [REFUND] booking not refunded", zap.String("booking_id", bookingID), zap.Error(err))
		return nil, c.fail(span, err)
	}

	telemetry.Inc(ctx, c.metrics.EscrowRefunds)
	c.logger.Info("↩️ [REFUND] escrow refunded",
		zap.String("booking_id", bookingID),
		zap.Stringer("amount", booking.Amount),
	)

	c.afterCommit(ctx, booking, from, []events.Event{events.TransactionRecorded(refund)}, booking.ClientID, booking.ProfessionalID)
	return booking, nil
}

// Dispute congela a reserva para resolução manual; nenhum valor é movido.
func (c *Controller) Dispute(ctx context.Context, bookingID, reason string) (*domain.Booking, error) {
	ctx, span := c.tracer.Start(ctx, "escrow.dispute")
	defer span.End()
	span.SetAttributes(attribute.String("booking_id", bookingID))

	var booking *domain.Booking
	var from domain.BookingStatus
	err := storage.RunInTx(ctx, c.repo, func(tx storage.Tx) error {
		var err error
		booking, err = c.repo.GetBooking(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		from = booking.Status
		if err := booking.Apply(domain.BookingEventDispute, c.now().UTC()); err != nil {
			return err
		}
		booking.DisputeReason = reason
		return c.updateBooking(ctx, tx, booking, from)
	})
	if err != nil {
		return nil, c.fail(span, err)
	}

	c.logger.Warn("⚠️ [DISPUTE] booking disputed",
		zap.String("booking_id", bookingID),
		zap.String("from", string(from)),
		zap.String("reason", reason),
	)
	c.afterCommit(ctx, booking, from, nil, booking.ClientID, booking.ProfessionalID)
	return booking, nil
}

// recordOnce grava a entrada e falha se a referência já existia
// inUserOrder roda os ajustes em ordem crescente de user id
func inUserOrder(aID string, a func() error, bID string, b func() error) error {
	if bID < aID {
		a, b = b, a
	}
	if err := a(); err != nil {
		return err
	}
	return b()
}

func (c *Controller) recordOnce(ctx context.Context, tx storage.Tx, t *domain.Transaction) (*domain.Transaction, error) {
	stored, created, err := c.ledger.Record(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: %s already recorded", domain.ErrInvalidBookingState, t.Reference())
	}
	return stored, nil
}

// updateBooking grava o novo estado somente se ninguém mudou a reserva antes
func (c *Controller) updateBooking(ctx context.Context, tx storage.Tx, b *domain.Booking, from domain.BookingStatus) error {
	ok, err := c.repo.UpdateBooking(ctx, tx, b, from)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: booking %s changed concurrently", domain.ErrInvalidBookingState, b.ID)
	}
	return nil
}

func (c *Controller) afterCommit(ctx context.Context, b *domain.Booking, from domain.BookingStatus, recorded []events.Event, recipients ...string) {
	evts := append(recorded, events.BookingStatusChanged(b, from))
	if err := c.publisher.Publish(ctx, evts...); err != nil {
		c.logger.Warn("⚠️ failed to publish booking events", zap.String("booking_id", b.ID), zap.Error(err))
	}

	n := notify.BookingChanged(b)
	for _, userID := range recipients {
		if err := c.notifier.Notify(ctx, userID, n); err != nil {
			c.logger.Warn("⚠️ failed to notify", zap.String("booking_id", b.ID), zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (c *Controller) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
