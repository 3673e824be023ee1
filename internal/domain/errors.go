package domain

import "errors"

// Erros de negócio do ledger. Os handlers classificam com errors.Is.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrInvalidBookingState  = errors.New("invalid booking state")
	ErrInvalidTransition    = errors.New("invalid transaction status transition")
	ErrProviderUnavailable  = errors.New("payment provider unavailable")
	ErrPayoutRejected       = errors.New("payout rejected by provider")
	ErrInvalidSignature     = errors.New("invalid webhook signature")
	ErrUnknownReference     = errors.New("unknown provider reference")

	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrBookingNotFound     = errors.New("booking not found")

	ErrInvalidBooking  = errors.New("invalid booking request")
	ErrLedgerMismatch  = errors.New("wallet balance does not match ledger")
	ErrInvalidCurrency = errors.New("unsupported currency")
)
