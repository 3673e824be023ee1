package httpapi

import (
	"context"
	"io"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/workme/wallet-escrow/internal/domain"
	"github.com/workme/wallet-escrow/internal/escrow"
	"github.com/workme/wallet-escrow/internal/gateway"
	"github.com/workme/wallet-escrow/internal/ledger"
)

const maxListLimit = 500

// Wallets é o que a API usa do Wallet Store
type Wallets interface {
	GetOrCreate(ctx context.Context, userID string) (*domain.Wallet, error)
}

// Ledger é o que a API usa do ledger
type Ledger interface {
	ListForUser(ctx context.Context, userID string) iter.Seq2[domain.Transaction, error]
	Audit(ctx context.Context, userID string) (*ledger.AuditReport, error)
}

// Payments é o que a API usa do Payment Gateway Adapter
type Payments interface {
	InitiateDeposit(ctx context.Context, req gateway.DepositRequest) (*gateway.Deposit, error)
	InitiateWithdrawal(ctx context.Context, req gateway.WithdrawalRequest) (*domain.Transaction, error)
	HandleWebhook(ctx context.Context, header http.Header, body []byte) (*domain.Transaction, bool, error)
}

// Bookings é o que a API usa do Escrow Controller
type Bookings interface {
	CreateAndFund(ctx context.Context, req escrow.CreateBookingRequest) (*domain.Booking, error)
	Get(ctx context.Context, bookingID string) (*domain.Booking, error)
	Complete(ctx context.Context, bookingID string) (*escrow.Completion, error)
	CancelAndRefund(ctx context.Context, bookingID string) (*domain.Booking, error)
	Dispute(ctx context.Context, bookingID, reason string) (*domain.Booking, error)
}

// Handler contém os handlers HTTP da carteira, pagamentos e reservas
type Handler struct {
	wallets  Wallets
	ledger   Ledger
	payments Payments
	bookings Bookings
	logger   *zap.Logger
}

// NewHandler cria uma nova instância de Handler
func NewHandler(wallets Wallets, ledger Ledger, payments Payments, bookings Bookings, logger *zap.Logger) *Handler {
	return &Handler{
		wallets:  wallets,
		ledger:   ledger,
		payments: payments,
		bookings: bookings,
		logger:   logger,
	}
}

type walletResponse struct {
	UserID          string        `json:"user_id"`
	Balance         domain.Amount `json:"balance"`
	CashbackBalance domain.Amount `json:"cashback_balance"`
	Currency        string        `json:"currency"`
}

// GetWallet retorna o saldo, criando a carteira no primeiro acesso
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.Param("user_id")
	if !canAccess(c, userID) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	w, err := h.wallets.GetOrCreate(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "wallet retrieved", walletResponse{
		UserID:          w.UserID,
		Balance:         w.Balance,
		CashbackBalance: w.CashbackBalance,
		Currency:        w.Currency,
	})
}

// AuditWallet compara a carteira com o saldo reconstruído do ledger
func (h *Handler) AuditWallet(c *gin.Context) {
	userID := c.Param("user_id")
	if !canAccess(c, userID) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	report, err := h.ledger.Audit(c.Request.Context(), userID)
	if report != nil {
		message := "wallet matches ledger"
		if !report.Consistent {
			message = "wallet does not match ledger"
		}
		respond(c, http.StatusOK, message, report)
		return
	}
	respondError(c, err)
}

// ListTransactions lista as transações do mais novo para o mais antigo
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("user_id")
	if !canAccess(c, userID) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respond(c, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxListLimit)
	}

	list, err := ledger.Collect(h.ledger.ListForUser(c.Request.Context(), userID), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "transactions retrieved", list)
}

type depositRequest struct {
	UserID string        `json:"user_id" binding:"required"`
	Amount domain.Amount `json:"amount" binding:"required"`
	Method string        `json:"method" binding:"required"`
}

// Deposit cria um depósito pendente e devolve os dados de pagamento
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !canAccess(c, req.UserID) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	dep, err := h.payments.InitiateDeposit(c.Request.Context(), gateway.DepositRequest{
		UserID: req.UserID,
		Amount: req.Amount,
		Method: req.Method,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, "deposit created, awaiting payment", dep)
}

type withdrawRequest struct {
	UserID string        `json:"user_id" binding:"required"`
	Amount domain.Amount `json:"amount" binding:"required"`
	PixKey string        `json:"pix_key" binding:"required"`
}

// Withdraw debita o saldo e envia o payout; 202 enquanto o provedor não confirmar
func (h *Handler) Withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !canAccess(c, req.UserID) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	t, err := h.payments.InitiateWithdrawal(c.Request.Context(), gateway.WithdrawalRequest{
		UserID: req.UserID,
		Amount: req.Amount,
		PixKey: req.PixKey,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	switch t.Status {
	case domain.TransactionStatusPending:
		respond(c, http.StatusAccepted, "withdrawal is being processed", t)
	case domain.TransactionStatusFailed:
		respond(c, http.StatusUnprocessableEntity, "withdrawal failed, amount returned to wallet", t)
	default:
		respond(c, http.StatusOK, "withdrawal completed", t)
	}
}

type createBookingRequest struct {
	ClientID        string        `json:"client_id" binding:"required"`
	ProfessionalID  string        `json:"professional_id" binding:"required"`
	Amount          domain.Amount `json:"amount" binding:"required"`
	ScheduledDate   time.Time     `json:"scheduled_date" binding:"required"`
	ServiceCategory string        `json:"service_category"`
	Description     string        `json:"description"`
}

// CreateBooking cria a reserva e custodia o valor do cliente
func (h *Handler) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if !canAccess(c, req.ClientID) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return
	}

	b, err := h.bookings.CreateAndFund(c.Request.Context(), escrow.CreateBookingRequest{
		ClientID:        req.ClientID,
		ProfessionalID:  req.ProfessionalID,
		Amount:          req.Amount,
		ScheduledDate:   req.ScheduledDate,
		ServiceCategory: req.ServiceCategory,
		Description:     req.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, "booking funded", b)
}

// booking carrega a reserva e confere se o chamador pode agir sobre ela
func (h *Handler) booking(c *gin.Context, allowProfessional bool) (*domain.Booking, bool) {
	b, err := h.bookings.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	allowed := []string{b.ClientID}
	if allowProfessional {
		allowed = append(allowed, b.ProfessionalID)
	}
	if !canAccess(c, allowed...) {
		respond(c, http.StatusForbidden, "forbidden", nil)
		return nil, false
	}
	return b, true
}

func (h *Handler) GetBooking(c *gin.Context) {
	b, ok := h.booking(c, true)
	if !ok {
		return
	}
	respond(c, http.StatusOK, "booking retrieved", b)
}

// CompleteBooking: o cliente confirma a execução do serviço
func (h *Handler) CompleteBooking(c *gin.Context) {
	b, ok := h.booking(c, false)
	if !ok {
		return
	}

	res, err := h.bookings.Complete(c.Request.Context(), b.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "booking completed", res)
}

func (h *Handler) CancelBooking(c *gin.Context) {
	b, ok := h.booking(c, true)
	if !ok {
		return
	}

	refunded, err := h.bookings.CancelAndRefund(c.Request.Context(), b.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "booking cancelled and refunded", refunded)
}

type disputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) DisputeBooking(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	b, ok := h.booking(c, true)
	if !ok {
		return
	}

	disputed, err := h.bookings.Dispute(c.Request.Context(), b.ID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, "booking disputed", disputed)
}

// ProviderWebhook recebe a notificação do provedor. A assinatura é conferida
// sobre o corpo bruto antes de qualquer efeito.
func (h *Handler) ProviderWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respond(c, http.StatusBadRequest, "could not read body", nil)
		return
	}

	t, applied, err := h.payments.HandleWebhook(c.Request.Context(), c.Request.Header, body)
	if err != nil {
		h.logger.Info("❌ [WEBHOOK] rejected", zap.Error(err))
		respondError(c, err)
		return
	}

	message := "callback applied"
	if !applied {
		message = "callback already processed"
	}
	respond(c, http.StatusOK, message, t)
}
