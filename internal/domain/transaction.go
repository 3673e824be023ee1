package domain

import (
	"fmt"
	"time"
)

// TransactionType identifica o evento que afetou o saldo
type TransactionType string

const (
	TransactionTypeDeposit       TransactionType = "deposit"
	TransactionTypeWithdrawal    TransactionType = "withdrawal"
	TransactionTypeEscrowHold    TransactionType = "escrow_hold"
	TransactionTypeEscrowRelease TransactionType = "escrow_release"
	TransactionTypeEscrowRefund  TransactionType = "escrow_refund"
	TransactionTypeCashback      TransactionType = "cashback"
	TransactionTypePlatformFee   TransactionType = "platform_fee"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal, TransactionTypeEscrowHold,
		TransactionTypeEscrowRelease, TransactionTypeEscrowRefund, TransactionTypeCashback,
		TransactionTypePlatformFee:
		return true
	}
	return false
}

// TransactionStatus é o status de uma transação no ledger
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// PaymentMethod é o meio usado na transação
type PaymentMethod string

const (
	PaymentMethodPix        PaymentMethod = "pix"
	PaymentMethodCreditCard PaymentMethod = "credit_card"
	PaymentMethodInternal   PaymentMethod = "internal"
)

// ParseExternalMethod valida métodos aceitos para depósito.
func ParseExternalMethod(s string) (PaymentMethod, error) {
	switch PaymentMethod(s) {
	case PaymentMethodPix, PaymentMethodCreditCard:
		return PaymentMethod(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, s)
}

// Transaction representa uma entrada imutável do ledger.
// Só o status (pending -> completed|failed) e a referência do payout mudam,
// cada um uma única vez.
type Transaction struct {
	ID                string            `json:"id" db:"id"`
	UserID            string            `json:"user_id" db:"user_id"`
	Amount            Amount            `json:"amount" db:"amount"`
	Type              TransactionType   `json:"type" db:"type"`
	Status            TransactionStatus `json:"status" db:"status"`
	PaymentMethod     PaymentMethod     `json:"payment_method" db:"payment_method"`
	ProviderReference *string           `json:"provider_reference,omitempty" db:"provider_reference"`
	PayoutReference   *string           `json:"payout_reference,omitempty" db:"payout_reference"`
	BookingID         *string           `json:"booking_id,omitempty" db:"booking_id"`
	Description       string            `json:"description" db:"description"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" db:"updated_at"`
}

// NewTransaction cria uma nova entrada com ID ordenável no tempo
func NewTransaction(userID string, amount Amount, txType TransactionType, status TransactionStatus, method PaymentMethod, description string, now time.Time) *Transaction {
	return &Transaction{
		ID:            NewTransactionID(now),
		UserID:        userID,
		Amount:        amount,
		Type:          txType,
		Status:        status,
		PaymentMethod: method,
		Description:   description,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// WithReference associa a referência do provedor (chave de idempotência)
func (t *Transaction) WithReference(ref string) *Transaction {
	if ref != "" {
		t.ProviderReference = &ref
	}
	return t
}

// WithBooking associa a transação a uma reserva
func (t *Transaction) WithBooking(bookingID string) *Transaction {
	if bookingID != "" {
		t.BookingID = &bookingID
	}
	return t
}

// Reference retorna a referência do provedor ou ""
func (t *Transaction) Reference() string {
	if t.ProviderReference == nil {
		return ""
	}
	return *t.ProviderReference
}

// CanTransition informa se a mudança de status é permitida
func (t *Transaction) CanTransition(to TransactionStatus) bool {
	return t.Status == TransactionStatusPending &&
		(to == TransactionStatusCompleted || to == TransactionStatusFailed)
}

// MarkStatus aplica a transição de status
func (t *Transaction) MarkStatus(to TransactionStatus, now time.Time) error {
	if !t.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// AffectsBalance informa se a entrada compõe o saldo principal.
// Saques pendentes contam porque o débito é feito antes da liquidação.
func (t *Transaction) AffectsBalance() bool {
	switch t.Type {
	case TransactionTypeCashback, TransactionTypePlatformFee:
		return false
	}
	if t.Status == TransactionStatusCompleted {
		return true
	}
	return t.Status == TransactionStatusPending && t.Type == TransactionTypeWithdrawal
}

// AffectsCashback informa se a entrada compõe o saldo de cashback
func (t *Transaction) AffectsCashback() bool {
	return t.Type == TransactionTypeCashback && t.Status == TransactionStatusCompleted
}
